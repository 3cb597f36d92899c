package owner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"trade_sync/internal/domain"
	"trade_sync/internal/event"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
)

const (
	frameBuffer  = 256
	writeTimeout = 10 * time.Second
)

// session is one connection attempt chain for a fixed set of credentials.
// The actor goroutine (run) exclusively owns cache and pending; everything
// else reaches them through requests.
type session struct {
	o     *Owner
	creds Credentials
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	frames   chan []byte
	requests chan func(*session)
	queue    *eventQueue
	done     chan struct{}

	// actor state
	cache   *Cache
	pending map[string]chan error

	mu        sync.Mutex // guards conn, closed, reconnect, err and wg.Go
	conn      *websocket.Conn
	closed    bool
	reconnect *time.Timer
	err       error

	writeMu   sync.Mutex
	connected atomic.Bool
}

func newSession(o *Owner, creds Credentials) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		o:        o,
		creds:    creds,
		log:      o.log.With(slog.String("account", string(creds.Account))),
		ctx:      ctx,
		cancel:   cancel,
		frames:   make(chan []byte, frameBuffer),
		requests: make(chan func(*session)),
		queue:    newEventQueue(),
		done:     make(chan struct{}),
		cache:    NewCache(),
		pending:  make(map[string]chan error),
	}
	s.wg.Go(s.run)
	s.wg.Go(s.deliverLoop)
	return s
}

func (s *session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.err == nil
}

func (s *session) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// run is the actor loop.
func (s *session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			for id, w := range s.pending {
				w <- domain.ErrOwnerClosed
				delete(s.pending, id)
			}
			return
		case msg := <-s.frames:
			s.handleFrame(msg)
		case fn := <-s.requests:
			fn(s)
		}
	}
}

// call runs fn on the actor and waits for it to finish.
func (s *session) call(ctx context.Context, fn func(*session)) error {
	finished := make(chan struct{})
	req := func(s *session) {
		fn(s)
		close(finished)
	}

	select {
	case s.requests <- req:
	case <-s.done:
		return domain.ErrOwnerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		return domain.ErrOwnerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) forget(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.call(ctx, func(s *session) { delete(s.pending, id) })
}

func (s *session) deliverLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.queue.signal:
			for _, d := range s.queue.drain() {
				if s.ctx.Err() != nil {
					return
				}
				s.o.deliver(d)
			}
		}
	}
}

func (s *session) handleFrame(msg []byte) {
	s.o.metrics.RecordFrame()

	f := event.AcquireFrame()
	defer event.ReleaseFrame(f)

	if err := json.Unmarshal(msg, f); err != nil {
		s.o.metrics.RecordError()
		s.log.Debug("Dropping undecodable frame", slog.Any("error", err))
		return
	}
	if f.Event == event.KindAck {
		s.handleAck(f.Data)
		return
	}

	var payload any
	if len(f.Data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(f.Data))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			s.o.metrics.RecordError()
			s.log.Debug("Dropping malformed payload",
				slog.String("kind", string(f.Event)),
				slog.Any("error", err),
			)
			return
		}
	}

	payload, ok := admit(f.Event, payload, s.creds.Account)
	if !ok {
		s.o.metrics.RecordFiltered()
		return
	}

	ev, err := s.normalize(f.Event, f.Data, payload)
	if err != nil {
		s.o.metrics.RecordError()
		s.log.Warn("Failed to decode event",
			slog.String("kind", string(f.Event)),
			slog.Any("error", err),
		)
		return
	}
	if ev != nil {
		s.queue.push(delivery{ev: ev})
	}
}

// normalize decodes an admitted payload and folds it into the cache.
func (s *session) normalize(kind event.Kind, raw json.RawMessage, payload any) (event.Event, error) {
	switch kind {
	case event.KindQuote:
		var t domain.PriceTick
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		return event.Quote{Tick: s.cache.ApplyQuote(t)}, nil

	case event.KindQuotes:
		var ticks []domain.PriceTick
		if err := json.Unmarshal(raw, &ticks); err != nil {
			return nil, err
		}
		return event.Quotes{Ticks: s.cache.ReplaceQuotes(ticks)}, nil

	case event.KindPosition:
		var p domain.Position
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		s.cache.UpsertPosition(p)
		return event.Position{Position: p}, nil

	case event.KindPositions:
		var list []domain.Position
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		kept := list[:0]
		for _, p := range list {
			if p.Account != s.creds.Account {
				continue
			}
			s.cache.UpsertPosition(p)
			kept = append(kept, p)
		}
		return event.Positions{Positions: kept}, nil

	case event.KindNetPosition:
		var p domain.NetPosition
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		s.cache.UpsertNetPosition(p)
		return event.NetPosition{Position: p}, nil

	case event.KindAccount:
		m, ok := payload.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("account payload is %T, want object", payload)
		}
		return event.Account{Stats: domain.AccountStats(m)}, nil

	case event.KindTrade:
		var t domain.Trade
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		return event.Trade{Trade: t}, nil

	case event.KindOrder:
		var o domain.Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
		return event.Order{Order: o}, nil

	case event.KindOCOOrders:
		var pair event.OCOOrders
		if err := json.Unmarshal(raw, &pair); err != nil {
			return nil, err
		}
		return pair, nil

	case event.KindLog:
		var e domain.LogEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return event.Log{Entry: e}, nil

	case event.KindTrading:
		var st domain.ConnectionState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, err
		}
		st.ReceivedAt = time.Now()
		return event.Trading{State: st}, nil

	case event.KindMessage:
		var m domain.Message
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, err
			}
		}
		return event.Message{Message: m}, nil
	}

	s.log.Debug("Ignoring unknown event kind", slog.String("kind", string(kind)))
	return nil, nil
}

type ack struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
}

func (s *session) handleAck(raw json.RawMessage) {
	var a ack
	if err := json.Unmarshal(raw, &a); err != nil {
		s.log.Debug("Dropping malformed ack", slog.Any("error", err))
		return
	}
	w, ok := s.pending[a.RequestID]
	if !ok {
		return
	}
	delete(s.pending, a.RequestID)

	switch {
	case a.OK && a.Error == "":
		w <- nil
	case a.Error != "":
		w <- fmt.Errorf("%w: %s", domain.ErrRequestRejected, a.Error)
	default:
		w <- domain.ErrRequestRejected
	}
}

// dial opens the socket and sends the subscription. On success the read and
// ping loops are running and Connected has been queued.
func (s *session) dial(ctx context.Context) error {
	cfg := s.o.cfg

	header := http.Header{}
	header.Set("User-Agent", cfg.UserAgent)
	if s.creds.Token != "" {
		header.Set("Authorization", "Bearer "+s.creds.Token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, s.creds.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return classifyDial(err, resp)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return domain.ErrOwnerClosed
	}
	s.conn = conn
	s.mu.Unlock()

	sub := command{Action: "subscribe", RequestID: uuid.NewString(), Account: s.creds.Account}
	if err := s.write(sub); err != nil {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrOwnerClosed
	}
	s.connected.Store(true)
	s.o.metrics.IncrementConnections()
	s.wg.Go(func() { s.readLoop(conn) })
	s.wg.Go(func() { s.pingLoop(conn) })
	s.mu.Unlock()

	s.log.Info("Connected", slog.String("url", s.creds.URL))
	s.queue.push(delivery{ev: event.Connected{At: time.Now()}})
	return nil
}

func classifyDial(err error, resp *http.Response) error {
	if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return domain.NewFatalNetworkError("handshake",
				fmt.Errorf("%w: HTTP %d", domain.ErrAuthRejected, resp.StatusCode))
		}
		return domain.NewFatalNetworkError("handshake", fmt.Errorf("HTTP %d: %w", resp.StatusCode, err))
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewFatalNetworkError("dial", err)
	}
	return domain.NewNetworkError("dial", err)
}

// classifyRead decides whether a broken link is worth reconnecting. A
// deliberate close or policy rejection from the server is final.
func classifyRead(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
		return domain.NewFatalNetworkError("read", err)
	}
	return domain.NewNetworkError("read", err)
}

func (s *session) readLoop(conn *websocket.Conn) {
	readTimeout := s.o.cfg.ReadTimeout
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.linkLost(conn, err)
			return
		}
		select {
		case s.frames <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(s.o.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn
			s.mu.Unlock()
			if current != conn {
				return
			}

			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				// the read loop observes the broken link
				s.log.Debug("Ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

func (s *session) linkLost(conn *websocket.Conn, cause error) {
	err := classifyRead(cause)

	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	conn.Close()
	if s.connected.Swap(false) {
		s.o.metrics.DecrementConnections()
	}
	if domain.IsRetriable(err) {
		s.scheduleReconnectLocked()
	} else {
		s.err = err
	}
	s.mu.Unlock()

	s.log.Warn("Connection lost",
		slog.Any("error", err),
		slog.Bool("retrying", domain.IsRetriable(err)),
	)
	s.queue.push(delivery{ev: event.Disconnected{At: time.Now(), Err: err}})
}

// scheduleReconnectLocked arms one reconnect attempt. s.mu must be held.
func (s *session) scheduleReconnectLocked() {
	if s.closed {
		return
	}
	if s.reconnect != nil {
		s.reconnect.Stop()
	}
	s.o.metrics.RecordReconnect()
	s.reconnect = time.AfterFunc(s.o.cfg.ReconnectDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.wg.Go(s.redial)
	})
}

func (s *session) redial() {
	err := s.dial(s.ctx)
	if err == nil || errors.Is(err, domain.ErrOwnerClosed) || s.ctx.Err() != nil {
		return
	}

	s.log.Warn("Reconnect failed", slog.Any("error", err))

	s.mu.Lock()
	retriable := domain.IsRetriable(err)
	if retriable {
		s.scheduleReconnectLocked()
	} else {
		s.err = err
	}
	s.mu.Unlock()

	if !retriable {
		s.queue.push(delivery{ev: event.Disconnected{At: time.Now(), Err: err}})
	}
}

// write serializes v and sends it as one text frame.
func (s *session) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return domain.NewNetworkError("write", err)
	}
	return nil
}

// close is idempotent. After it returns no goroutine of the session runs.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.reconnect != nil {
		s.reconnect.Stop()
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}
	if s.connected.Swap(false) {
		s.o.metrics.DecrementConnections()
	}

	s.cancel()
	if r := s.wg.WaitAndRecover(); r != nil {
		s.log.Error("Connection goroutine panicked", slog.String("panic", r.String()))
	}
	s.log.Info("Connection closed")
}
