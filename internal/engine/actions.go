package engine

import "trade_sync/internal/domain"

// Action is a state mutation applied by the Dispatcher goroutine.
type Action interface {
	actionName() string
}

// MergeQuotes stores ticks whose timestamp moved and re-anchors the pending
// orders of their symbols.
type MergeQuotes struct{ Ticks []domain.PriceTick }

// MergePositions applies a batch of open and net position deltas.
type MergePositions struct {
	Positions []domain.Position
	Nets      []domain.NetPosition
}

type UpsertOrder struct{ Order domain.Order }

// UpsertOCOPair stores both legs of a linked pair together.
type UpsertOCOPair struct{ OCO1, OCO2 domain.Order }

type UpsertPosition struct{ Position domain.Position }

type UpsertNetPosition struct{ Position domain.NetPosition }

type RecordTrade struct{ Trade domain.Trade }

type SetAccountStats struct{ Stats domain.AccountStats }

// Heartbeat records a trading heartbeat.
type Heartbeat struct{ State domain.ConnectionState }

// Transport records a socket level connect or disconnect.
type Transport struct{ Connected bool }

type SetClosing struct{ ID string }

type ClearClosing struct{ ID string }

type AppendLog struct{ Entry domain.LogEntry }

// DeliverMessage keeps the message when it is addressed to the active account.
type DeliverMessage struct{ Message domain.Message }

// SwitchAccount drops everything held for the previous account.
type SwitchAccount struct{ Account domain.AccountID }

// invoke runs fn on the Dispatcher goroutine.
type invoke struct{ fn func() }

func (MergeQuotes) actionName() string       { return "merge_quotes" }
func (MergePositions) actionName() string    { return "merge_positions" }
func (UpsertOrder) actionName() string       { return "upsert_order" }
func (UpsertOCOPair) actionName() string     { return "upsert_oco_pair" }
func (UpsertPosition) actionName() string    { return "upsert_position" }
func (UpsertNetPosition) actionName() string { return "upsert_net_position" }
func (RecordTrade) actionName() string       { return "record_trade" }
func (SetAccountStats) actionName() string   { return "set_account_stats" }
func (Heartbeat) actionName() string         { return "heartbeat" }
func (Transport) actionName() string         { return "transport" }
func (SetClosing) actionName() string        { return "set_closing" }
func (ClearClosing) actionName() string      { return "clear_closing" }
func (AppendLog) actionName() string         { return "append_log" }
func (DeliverMessage) actionName() string    { return "deliver_message" }
func (SwitchAccount) actionName() string     { return "switch_account" }
func (invoke) actionName() string            { return "invoke" }

// Change reports which parts of the state an action touched.
type Change uint16

const (
	ChangeQuotes Change = 1 << iota
	ChangeOrders
	ChangePositions
	ChangeTrades
	ChangeAccount
	ChangeActivity
	ChangeLogs
	ChangeMessages

	ChangeAll = ChangeQuotes | ChangeOrders | ChangePositions | ChangeTrades |
		ChangeAccount | ChangeActivity | ChangeLogs | ChangeMessages
)

// Has reports whether any bit of other is set in c.
func (c Change) Has(other Change) bool { return c&other != 0 }
