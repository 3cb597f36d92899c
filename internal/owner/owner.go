package owner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"trade_sync/internal/domain"
	"trade_sync/internal/event"
	"trade_sync/internal/infra"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const DefaultUserAgent = "trade-sync/1.0"

// Config tunes the transport and command channel of an Owner.
type Config struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	ReconnectDelay   time.Duration
	CommandTimeout   time.Duration
	CommandRate      float64 // commands per second
	CommandBurst     int
	UserAgent        string
}

// ConfigFrom extracts the owner settings from the application config.
func ConfigFrom(c *infra.Config) Config {
	return Config{
		HandshakeTimeout: c.HandshakeTimeout(),
		ReadTimeout:      c.ReadTimeout(),
		PingInterval:     c.PingInterval(),
		ReconnectDelay:   c.ReconnectDelay(),
		CommandTimeout:   c.CommandTimeout(),
		CommandRate:      c.Commands.RatePerSec,
		CommandBurst:     c.Commands.Burst,
	}
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.CommandRate <= 0 {
		c.CommandRate = 5
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = 5
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

// Credentials identify one streaming connection.
type Credentials struct {
	URL     string
	Token   string
	Account domain.AccountID
}

type subscriber struct {
	id uint64
	h  event.Handler
}

// Owner owns at most one live streaming connection. Caches, transport and
// filtering run on a per-connection actor goroutine; every public method is
// safe for concurrent use and talks to that goroutine by message passing.
type Owner struct {
	cfg     Config
	log     *slog.Logger
	metrics *infra.Metrics
	limiter *rate.Limiter

	mu   sync.Mutex // serializes Connect and Close
	sess atomic.Pointer[session]

	lmu    sync.RWMutex
	single map[event.Kind]event.Handler
	multi  map[event.Kind][]subscriber
	nextID uint64
}

// New creates an idle Owner. log and metrics may be nil.
func New(cfg Config, log *slog.Logger, metrics *infra.Metrics) *Owner {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	return &Owner{
		cfg:     cfg,
		log:     log.With(slog.String("component", "owner")),
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Limit(cfg.CommandRate), cfg.CommandBurst),
		single:  make(map[event.Kind]event.Handler),
		multi:   make(map[event.Kind][]subscriber),
	}
}

// Connect establishes the connection for creds. Calling it again with the
// same credentials while the connection is alive is a no-op. Different
// credentials tear the previous connection down first, listeners included.
//
// A link-layer dial failure is not returned: a reconnect is scheduled and a
// Disconnected event is emitted instead. Any other failure, such as rejected
// credentials, is returned and leaves the Owner idle.
func (o *Owner) Connect(ctx context.Context, creds Credentials) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s := o.sess.Load(); s != nil {
		if s.creds == creds && s.live() {
			return nil
		}
		if s.creds != creds {
			o.clearListeners()
		}
		o.sess.Store(nil)
		s.close()
	}

	s := newSession(o, creds)
	o.sess.Store(s)

	err := s.dial(ctx)
	switch {
	case err == nil:
		return nil
	case domain.IsRetriable(err):
		s.log.Warn("Initial connect failed, retrying", slog.Any("error", err))
		s.mu.Lock()
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		s.queue.push(delivery{ev: event.Disconnected{At: time.Now(), Err: err}})
		return nil
	default:
		o.sess.Store(nil)
		s.close()
		return fmt.Errorf("connect %s: %w", creds.URL, err)
	}
}

// Close unregisters every listener, then terminates the socket and waits for
// the connection goroutines. No callback runs after Close returns, so it must
// not be called from inside a handler. The Owner can be connected again.
func (o *Owner) Close() {
	o.clearListeners()

	o.mu.Lock()
	defer o.mu.Unlock()

	if s := o.sess.Swap(nil); s != nil {
		s.close()
	}
}

func (o *Owner) clearListeners() {
	o.lmu.Lock()
	defer o.lmu.Unlock()

	o.single = make(map[event.Kind]event.Handler)
	o.multi = make(map[event.Kind][]subscriber)
}

// OnEvent sets THE handler of kind, replacing any earlier one. A nil handler
// removes it. Handlers added with Subscribe are unaffected.
func (o *Owner) OnEvent(kind event.Kind, h event.Handler) {
	o.lmu.Lock()
	if h == nil {
		delete(o.single, kind)
	} else {
		o.single[kind] = h
	}
	o.lmu.Unlock()

	if h != nil {
		o.replayState(kind, h)
	}
}

// Subscribe appends h to the ordered listener list of kind and returns a
// function that removes it.
func (o *Owner) Subscribe(kind event.Kind, h event.Handler) (unsubscribe func()) {
	o.lmu.Lock()
	o.nextID++
	id := o.nextID
	o.multi[kind] = append(o.multi[kind], subscriber{id: id, h: h})
	o.lmu.Unlock()

	o.replayState(kind, h)

	return func() {
		o.lmu.Lock()
		defer o.lmu.Unlock()

		subs := o.multi[kind]
		for i, s := range subs {
			if s.id == id {
				o.multi[kind] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// replayState hands a late subscriber the connection edge it missed.
func (o *Owner) replayState(kind event.Kind, h event.Handler) {
	s := o.sess.Load()
	if s == nil {
		return
	}
	connected := s.connected.Load()
	switch {
	case kind == event.KindConnected && connected:
		s.queue.push(delivery{ev: event.Connected{At: time.Now()}, only: h})
	case kind == event.KindDisconnected && !connected:
		s.queue.push(delivery{ev: event.Disconnected{At: time.Now(), Err: s.terminalErr()}, only: h})
	}
}

func (o *Owner) deliver(d delivery) {
	kind := d.ev.Kind()

	var handlers []event.Handler
	if d.only != nil {
		handlers = []event.Handler{d.only}
	} else {
		o.lmu.RLock()
		if h, ok := o.single[kind]; ok {
			handlers = append(handlers, h)
		}
		for _, s := range o.multi[kind] {
			handlers = append(handlers, s.h)
		}
		o.lmu.RUnlock()
	}

	for _, h := range handlers {
		o.invoke(h, d.ev)
	}
}

func (o *Owner) invoke(h event.Handler, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			o.metrics.RecordError()
			o.log.Error("Event handler panic recovered",
				slog.String("kind", string(ev.Kind())),
				slog.Any("panic", r),
			)
		}
	}()
	h(ev)
	o.metrics.RecordEmitted()
}

// Connected reports whether the socket is currently up.
func (o *Owner) Connected() bool {
	s := o.sess.Load()
	return s != nil && s.connected.Load()
}

// Account returns the active account, empty when idle.
func (o *Owner) Account() domain.AccountID {
	if s := o.sess.Load(); s != nil {
		return s.creds.Account
	}
	return ""
}

// Err returns the terminal error that stopped reconnecting, if any.
func (o *Owner) Err() error {
	if s := o.sess.Load(); s != nil {
		return s.terminalErr()
	}
	return nil
}

func pull[T any](ctx context.Context, o *Owner, fn func(*Cache) T) (T, error) {
	var out T
	s := o.sess.Load()
	if s == nil {
		return out, domain.ErrOwnerClosed
	}
	if err := s.call(ctx, func(s *session) { out = fn(s.cache) }); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Quotes returns a snapshot of every cached tick, sorted by symbol.
func (o *Owner) Quotes(ctx context.Context) ([]domain.PriceTick, error) {
	return pull(ctx, o, (*Cache).Quotes)
}

// Quote returns the cached tick of symbol.
func (o *Owner) Quote(ctx context.Context, symbol string) (domain.PriceTick, bool, error) {
	type result struct {
		tick domain.PriceTick
		ok   bool
	}
	r, err := pull(ctx, o, func(c *Cache) result {
		t, ok := c.Quote(symbol)
		return result{t, ok}
	})
	return r.tick, r.ok, err
}

// Positions returns a snapshot of the cached open positions.
func (o *Owner) Positions(ctx context.Context) ([]domain.Position, error) {
	return pull(ctx, o, (*Cache).Positions)
}

// NetPositions returns a snapshot of the cached net positions.
func (o *Owner) NetPositions(ctx context.Context) ([]domain.NetPosition, error) {
	return pull(ctx, o, (*Cache).NetPositions)
}

// command is the outbound wire format.
type command struct {
	Action    string           `json:"action"`
	RequestID string           `json:"requestId"`
	Account   domain.AccountID `json:"account"`
	Params    any              `json:"params,omitempty"`
}

// Request sends a command and waits for the server to acknowledge it.
// Commands are throttled by a token bucket.
func (o *Owner) Request(ctx context.Context, action string, params any) error {
	s := o.sess.Load()
	if s == nil {
		return domain.ErrOwnerClosed
	}
	if !s.connected.Load() {
		return domain.ErrNotConnected
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle %s: %w", action, err)
	}

	id := uuid.NewString()
	waiter := make(chan error, 1)
	if err := s.call(ctx, func(s *session) { s.pending[id] = waiter }); err != nil {
		return err
	}

	cmd := command{Action: action, RequestID: id, Account: s.creds.Account, Params: params}
	if err := s.write(cmd); err != nil {
		s.forget(id)
		return err
	}
	o.metrics.RecordCommand()

	timer := time.NewTimer(o.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case err := <-waiter:
		return err
	case <-timer.C:
		s.forget(id)
		return fmt.Errorf("%s: %w", action, domain.ErrRequestTimeout)
	case <-ctx.Done():
		s.forget(id)
		return ctx.Err()
	case <-s.done:
		return domain.ErrOwnerClosed
	}
}
