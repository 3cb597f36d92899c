package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"trade_sync/internal/domain"
	"trade_sync/internal/infra"
	"trade_sync/internal/service"
)

// ErrStopped is returned by Dispatch once Run has returned.
var ErrStopped = errors.New("dispatcher stopped")

// Config tunes the Dispatcher.
type Config struct {
	InboxSize        int
	Precision        func(symbol string) int32
	ActiveWindow     time.Duration
	Watchdog         time.Duration
	HeartbeatHistory int
	LogHistory       int
	DumpPath         string
}

// ConfigFrom extracts the dispatcher settings from the application config.
func ConfigFrom(c *infra.Config) Config {
	return Config{
		Precision:        c.Precision,
		ActiveWindow:     c.ActiveWindow(),
		Watchdog:         c.Watchdog(),
		HeartbeatHistory: c.Sync.HeartbeatHistory,
		LogHistory:       c.Sync.LogHistory,
	}
}

// Dispatcher is the single goroutine that mutates application state. Every
// update, whether pushed by an event subscriber or pulled by the bridge, is
// an Action applied in arrival order, so the books never see interleaved
// writers. Reads go straight to the books, which guard themselves.
type Dispatcher struct {
	inbox chan Action
	done  chan struct{}
	once  sync.Once

	quotes    *service.QuoteBook
	orders    *service.OrderBook
	positions *service.PositionBook
	activity  *service.ActivityMonitor

	logCap   int
	dumpPath string
	log      *slog.Logger

	// Boundary: notifies the UI of state changes
	onChange func(Change)
	onActive func(bool)

	mu       sync.RWMutex // guards the fields below for external reads
	account  domain.AccountID
	stats    domain.AccountStats
	logs     []domain.LogEntry // newest first
	messages []domain.Message
}

// NewDispatcher creates a Dispatcher. onChange runs on the dispatcher
// goroutine after every action that modified state; it may be nil.
func NewDispatcher(cfg Config, log *slog.Logger, onChange func(Change)) *Dispatcher {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.DumpPath == "" {
		cfg.DumpPath = "panic_dump.json"
	}
	if log == nil {
		log = slog.Default()
	}

	d := &Dispatcher{
		inbox:    make(chan Action, cfg.InboxSize),
		done:     make(chan struct{}),
		quotes:   service.NewQuoteBook(),
		logCap:   cfg.LogHistory,
		dumpPath: cfg.DumpPath,
		log:      log.With(slog.String("component", "dispatcher")),
		onChange: onChange,
	}
	d.orders = service.NewOrderBook(d.quotes, cfg.Precision)
	d.positions = service.NewPositionBook()

	opts := []service.ActivityOption{
		service.WithExecutor(d.post),
		service.WithOnChange(d.activeChanged),
	}
	if cfg.ActiveWindow > 0 {
		opts = append(opts, service.WithWindow(cfg.ActiveWindow))
	}
	if cfg.Watchdog > 0 {
		opts = append(opts, service.WithWatchdog(cfg.Watchdog))
	}
	if cfg.HeartbeatHistory > 0 {
		opts = append(opts, service.WithCapacity(cfg.HeartbeatHistory))
	}
	d.activity = service.NewActivityMonitor(opts...)
	return d
}

// OnActive registers the callback for trading-activity transitions. It must
// be set before Run.
func (d *Dispatcher) OnActive(fn func(active bool)) {
	d.onActive = fn
}

// Dispatch enqueues a. It blocks while the inbox is full.
func (d *Dispatcher) Dispatch(ctx context.Context, a Action) error {
	select {
	case <-d.done:
		return ErrStopped
	default:
	}

	select {
	case d.inbox <- a:
		return nil
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post is the executor for timer callbacks; they run on the dispatcher
// goroutine like every other mutation.
func (d *Dispatcher) post(fn func()) {
	select {
	case d.inbox <- invoke{fn: fn}:
	case <-d.done:
	}
}

// Flush waits until every action dispatched before it has been applied.
func (d *Dispatcher) Flush(ctx context.Context) error {
	applied := make(chan struct{})
	if err := d.Dispatch(ctx, invoke{fn: func() { close(applied) }}); err != nil {
		return err
	}
	select {
	case <-applied:
		return nil
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes actions until ctx is cancelled. It MUST run in a single
// goroutine. A panic dumps the state for post-mortem and halts.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("Dispatcher started")
	d.activity.Start()

	defer d.once.Do(func() { close(d.done) })
	defer d.activity.Stop()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			d.DumpState(d.dumpPath)
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Dispatcher stopping...")
			return
		case a := <-d.inbox:
			d.process(a)
		}
	}
}

func (d *Dispatcher) process(a Action) {
	var ch Change

	switch a := a.(type) {
	case MergeQuotes:
		changed := d.quotes.Merge(a.Ticks)
		if len(changed) == 0 {
			return
		}
		ch = ChangeQuotes
		if ids := d.orders.ApplyQuotes(changed); len(ids) > 0 {
			ch |= ChangeOrders
		}

	case MergePositions:
		if d.positions.UpdateBothPositions(a.Positions, a.Nets) {
			ch = ChangePositions
		}

	case UpsertOrder:
		d.orders.UpsertOrder(a.Order)
		ch = ChangeOrders

	case UpsertOCOPair:
		d.orders.UpsertOCOPair(a.OCO1, a.OCO2)
		ch = ChangeOrders

	case UpsertPosition:
		if d.positions.Upsert(a.Position) {
			ch = ChangePositions
		}

	case UpsertNetPosition:
		if d.positions.UpsertNet(a.Position) {
			ch = ChangePositions
		}

	case RecordTrade:
		if d.positions.RecordTrade(a.Trade) {
			ch = ChangeTrades
		}

	case SetAccountStats:
		d.mu.Lock()
		d.stats = a.Stats.Clone()
		d.mu.Unlock()
		ch = ChangeAccount

	case Heartbeat:
		d.activity.Heartbeat(a.State)
		ch = ChangeActivity

	case Transport:
		d.activity.SetTransport(a.Connected)
		ch = ChangeActivity

	case SetClosing:
		if d.positions.SetClosing(a.ID) {
			ch = ChangePositions
		}

	case ClearClosing:
		if d.positions.ClearClosing(a.ID) {
			ch = ChangePositions
		}

	case AppendLog:
		d.mu.Lock()
		d.logs = append([]domain.LogEntry{a.Entry}, d.logs...)
		if len(d.logs) > d.logCap {
			d.logs = d.logs[:d.logCap]
		}
		d.mu.Unlock()
		ch = ChangeLogs

	case DeliverMessage:
		d.mu.Lock()
		keep := a.Message.IsFor(d.account)
		if keep {
			d.messages = append(d.messages, a.Message)
		}
		d.mu.Unlock()
		if keep {
			ch = ChangeMessages
		}

	case SwitchAccount:
		d.quotes.Reset()
		d.orders.Reset()
		d.positions.Reset()
		d.activity.Reset()
		d.mu.Lock()
		d.account = a.Account
		d.stats = nil
		d.logs = nil
		d.messages = nil
		d.mu.Unlock()
		ch = ChangeAll

	case invoke:
		a.fn()

	default:
		d.log.Warn("Unknown action type", slog.String("type", fmt.Sprintf("%T", a)))
	}

	if ch != 0 && d.onChange != nil {
		d.onChange(ch)
	}
}

func (d *Dispatcher) activeChanged(active bool) {
	d.log.Info("Trading activity changed", slog.Bool("active", active))
	if d.onActive != nil {
		d.onActive(active)
	}
	if d.onChange != nil {
		d.onChange(ChangeActivity)
	}
}

// QuoteTimestamps returns the stored timestamp per symbol, for diffing.
func (d *Dispatcher) QuoteTimestamps() map[string]domain.Timestamp {
	return d.quotes.Timestamps()
}

func (d *Dispatcher) Quotes() []domain.PriceTick { return d.quotes.All() }

func (d *Dispatcher) Quote(symbol string) (domain.PriceTick, bool) { return d.quotes.Get(symbol) }

func (d *Dispatcher) Orders() []domain.Order { return d.orders.Orders() }

func (d *Dispatcher) PendingOrders() []domain.Order { return d.orders.Pending() }

func (d *Dispatcher) Order(id string) (domain.Order, bool) { return d.orders.Get(id) }

func (d *Dispatcher) OCOGroup(group string) []domain.Order { return d.orders.OCOGroup(group) }

func (d *Dispatcher) Positions() []domain.Position { return d.positions.Open() }

func (d *Dispatcher) Position(id string) (domain.Position, bool) { return d.positions.GetOpen(id) }

func (d *Dispatcher) NetPositions() []domain.NetPosition { return d.positions.Net() }

func (d *Dispatcher) ClosedTrades() []domain.Trade { return d.positions.Closed() }

// PositionGeneration moves whenever a position collection is replaced.
func (d *Dispatcher) PositionGeneration() uint64 { return d.positions.Generation() }

func (d *Dispatcher) LinkState() service.LinkState { return d.activity.State() }

func (d *Dispatcher) TradingActive() bool { return d.activity.Active() }

func (d *Dispatcher) Heartbeats() []domain.ConnectionState { return d.activity.History() }

func (d *Dispatcher) Account() domain.AccountID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.account
}

func (d *Dispatcher) AccountStats() domain.AccountStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats.Clone()
}

// Logs returns the retained log entries, newest first.
func (d *Dispatcher) Logs() []domain.LogEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.LogEntry(nil), d.logs...)
}

func (d *Dispatcher) Messages() []domain.Message {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.Message(nil), d.messages...)
}

// DumpState writes the entire internal state to a file (for post-mortem).
func (d *Dispatcher) DumpState(filename string) {
	d.log.Info("Dumping internal state...", slog.String("file", filename))

	d.mu.RLock()
	data := struct {
		Account    domain.AccountID         `json:"account"`
		Quotes     []domain.PriceTick       `json:"quotes"`
		Orders     []domain.Order           `json:"orders"`
		Positions  []domain.Position        `json:"positions"`
		Net        []domain.NetPosition     `json:"net_positions"`
		Closed     []domain.Trade           `json:"closed_trades"`
		Heartbeats []domain.ConnectionState `json:"heartbeats"`
		Stats      domain.AccountStats      `json:"account_stats"`
	}{
		Account:    d.account,
		Quotes:     d.quotes.All(),
		Orders:     d.orders.Orders(),
		Positions:  d.positions.Open(),
		Net:        d.positions.Net(),
		Closed:     d.positions.Closed(),
		Heartbeats: d.activity.History(),
		Stats:      d.stats,
	}
	b, err := json.MarshalIndent(data, "", "  ")
	d.mu.RUnlock()
	if err != nil {
		d.log.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		d.log.Error("Failed to write state dump", slog.Any("error", err))
	}
}
