package event

import (
	"time"

	"trade_sync/internal/domain"
)

// Kind identifies an event on the streaming transport. The values are the
// wire names of the "event" field.
type Kind string

const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindQuote        Kind = "quote"
	KindQuotes       Kind = "quotes"
	KindPosition     Kind = "position"
	KindPositions    Kind = "positions"
	KindNetPosition  Kind = "netPosition"
	KindAccount      Kind = "account"
	KindTrade        Kind = "trade"
	KindOrder        Kind = "order"
	KindOCOOrders    Kind = "ocoOrders"
	KindLog          Kind = "log"
	KindTrading      Kind = "trading"
	KindMessage      Kind = "message"

	// KindAck answers an outbound command. It is consumed by the connection
	// owner and never delivered to subscribers.
	KindAck Kind = "ack"
)

// Kinds lists every kind a subscriber can register for.
func Kinds() []Kind {
	return []Kind{
		KindConnected, KindDisconnected, KindQuote, KindQuotes, KindPosition,
		KindPositions, KindNetPosition, KindAccount, KindTrade, KindOrder,
		KindOCOOrders, KindLog, KindTrading, KindMessage,
	}
}

// Event is a normalized, account-filtered event. Payloads are copies owned by
// the receiver.
type Event interface {
	Kind() Kind
}

// Handler receives events of one kind.
type Handler func(Event)

type Connected struct{ At time.Time }

type Disconnected struct {
	At  time.Time
	Err error
}

type Quote struct{ Tick domain.PriceTick }

type Quotes struct{ Ticks []domain.PriceTick }

type Position struct{ Position domain.Position }

type Positions struct{ Positions []domain.Position }

type NetPosition struct{ Position domain.NetPosition }

type Account struct{ Stats domain.AccountStats }

type Trade struct{ Trade domain.Trade }

type Order struct{ Order domain.Order }

// OCOOrders carries both legs of a linked pair.
type OCOOrders struct {
	OCO1 domain.Order `json:"oco1"`
	OCO2 domain.Order `json:"oco2"`
}

type Log struct{ Entry domain.LogEntry }

// Trading is the trading heartbeat.
type Trading struct{ State domain.ConnectionState }

type Message struct{ Message domain.Message }

func (Connected) Kind() Kind    { return KindConnected }
func (Disconnected) Kind() Kind { return KindDisconnected }
func (Quote) Kind() Kind        { return KindQuote }
func (Quotes) Kind() Kind       { return KindQuotes }
func (Position) Kind() Kind     { return KindPosition }
func (Positions) Kind() Kind    { return KindPositions }
func (NetPosition) Kind() Kind  { return KindNetPosition }
func (Account) Kind() Kind      { return KindAccount }
func (Trade) Kind() Kind        { return KindTrade }
func (Order) Kind() Kind        { return KindOrder }
func (OCOOrders) Kind() Kind    { return KindOCOOrders }
func (Log) Kind() Kind          { return KindLog }
func (Trading) Kind() Kind      { return KindTrading }
func (Message) Kind() Kind      { return KindMessage }
