package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"trade_sync/internal/domain"
	"trade_sync/internal/engine"
	"trade_sync/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type wireCommand struct {
	Action    string          `json:"action"`
	RequestID string          `json:"requestId"`
	Account   string          `json:"account"`
	Params    json.RawMessage `json:"params"`
}

type tradingServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	commands chan wireCommand

	mu   sync.Mutex
	open []*websocket.Conn
}

func newTradingServer(t *testing.T) *tradingServer {
	t.Helper()
	ts := &tradingServer{
		conns:    make(chan *websocket.Conn, 8),
		commands: make(chan wireCommand, 32),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.open = append(ts.open, c)
		ts.mu.Unlock()
		go func() {
			for {
				var cmd wireCommand
				if err := c.ReadJSON(&cmd); err != nil {
					return
				}
				ts.commands <- cmd
			}
		}()
		ts.conns <- c
	}))
	t.Cleanup(func() {
		ts.mu.Lock()
		for _, c := range ts.open {
			c.Close()
		}
		ts.mu.Unlock()
		ts.srv.Close()
	})
	return ts
}

func (ts *tradingServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *tradingServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (ts *tradingServer) command(t *testing.T) wireCommand {
	t.Helper()
	select {
	case cmd := <-ts.commands:
		return cmd
	case <-time.After(waitTimeout):
		t.Fatal("no command received")
		return wireCommand{}
	}
}

func send(t *testing.T, c *websocket.Conn, kind, data string) {
	t.Helper()
	msg := `{"event":"` + kind + `","data":` + data + `}`
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
}

type memorySettings struct {
	mu    sync.Mutex
	saved []domain.Settings
}

func (m *memorySettings) LoadSettings(defaults domain.Settings) (domain.Settings, error) {
	return defaults, nil
}

func (m *memorySettings) SaveSettings(s domain.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, s)
	return nil
}

func (m *memorySettings) last() domain.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return domain.Settings{}
	}
	return m.saved[len(m.saved)-1]
}

type countingNotifier struct {
	mu    sync.Mutex
	calls []bool
}

func (n *countingNotifier) TradingActiveChanged(active bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, active)
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fixture struct {
	server   *tradingServer
	session  *Session
	state    *engine.Dispatcher
	settings *memorySettings
	notifier *countingNotifier
	conn     *websocket.Conn
}

// startSession runs a session for account 1001 against a fake server and
// returns once the subscription was received.
func startSession(t *testing.T) *fixture {
	t.Helper()
	ts := newTradingServer(t)

	cfg := infra.DefaultConfig()
	cfg.Server.WSURL = ts.url()
	cfg.Commands.TimeoutMS = 1000

	d := engine.NewDispatcher(engine.ConfigFrom(cfg), nil, nil)
	repo := &memorySettings{}
	notifier := &countingNotifier{}
	s := NewSession(cfg, d, repo, notifier, nil, &infra.Metrics{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		s.Close()
		cancel()
		<-done
	})

	err := s.Start(ctx, domain.Settings{PollInterval: 10 * time.Millisecond, SoundEnabled: true, LastAccount: "1001"})
	require.NoError(t, err)

	c := ts.accept(t)
	sub := ts.command(t)
	require.Equal(t, "subscribe", sub.Action)
	require.Equal(t, "1001", sub.Account)

	return &fixture{server: ts, session: s, state: d, settings: repo, notifier: notifier, conn: c}
}

func TestSession_PushedOrderReachesState(t *testing.T) {
	f := startSession(t)

	send(t, f.conn, "order", `{"id":"o1","account":"1001","symbol":"EURUSD","side":"buy","type":"limit","quantity":"1","price":"1.1"}`)
	send(t, f.conn, "order", `{"id":"o2","account":"2002","symbol":"EURUSD","side":"buy","type":"limit","quantity":"1","price":"1.1"}`)

	require.Eventually(t, func() bool {
		_, ok := f.state.Order("o1")
		return ok
	}, waitTimeout, 5*time.Millisecond)
	_, ok := f.state.Order("o2")
	assert.False(t, ok)
}

func TestSession_BridgeMovesQuotesAndPositions(t *testing.T) {
	f := startSession(t)

	send(t, f.conn, "quote", `{"symbol":"EURUSD","bidPrice":"1.1000","askPrice":"1.1002","time":1}`)
	send(t, f.conn, "position", `{"id":"p1","account":"1001","symbol":"EURUSD","side":"buy","quantity":"2"}`)

	require.Eventually(t, func() bool {
		_, ok := f.state.Quote("EURUSD")
		return ok && len(f.state.Positions()) == 1
	}, waitTimeout, 5*time.Millisecond)

	send(t, f.conn, "position", `{"id":"p1","account":"1001","symbol":"EURUSD","quantity":"0"}`)
	require.Eventually(t, func() bool {
		return len(f.state.Positions()) == 0
	}, waitTimeout, 5*time.Millisecond)
}

func TestSession_SwitchAccount(t *testing.T) {
	f := startSession(t)

	send(t, f.conn, "order", `{"id":"o1","account":"1001","symbol":"EURUSD","type":"limit"}`)
	require.Eventually(t, func() bool {
		_, ok := f.state.Order("o1")
		return ok
	}, waitTimeout, 5*time.Millisecond)

	require.NoError(t, f.session.SwitchAccount(context.Background(), "2002"))

	f.server.accept(t)
	sub := f.server.command(t)
	assert.Equal(t, "2002", sub.Account)

	assert.Equal(t, domain.AccountID("2002"), f.state.Account())
	assert.Empty(t, f.state.Orders())
	assert.Equal(t, domain.AccountID("2002"), f.settings.last().LastAccount)
	assert.True(t, f.session.Connected())
}

func TestSession_ClosePosition(t *testing.T) {
	f := startSession(t)
	ctx := context.Background()

	require.NoError(t, f.state.Dispatch(ctx, engine.UpsertPosition{Position: domain.Position{
		ID: "p1", Symbol: "EURUSD", Quantity: decimal.NewNullDecimal(decimal.NewFromInt(1)),
	}}))

	tests := []struct {
		name    string
		ack     string
		wantErr error
	}{
		{"confirmed", `"ok":true`, nil},
		{"rejected", `"ok":false,"error":"market closed"`, domain.ErrRequestRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := make(chan error, 1)
			go func() { result <- f.session.ClosePosition(ctx, "p1") }()

			cmd := f.server.command(t)
			require.Equal(t, ActionClosePosition, cmd.Action)
			assert.JSONEq(t, `{"positionId":"p1"}`, string(cmd.Params))

			require.Eventually(t, func() bool {
				p, ok := f.state.Position("p1")
				return ok && p.Closing
			}, waitTimeout, 5*time.Millisecond, "closing is set before the answer")

			send(t, f.conn, "ack", `{"requestId":"`+cmd.RequestID+`",`+tt.ack+`}`)

			err := <-result
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}

			require.NoError(t, f.state.Flush(ctx))
			p, ok := f.state.Position("p1")
			require.True(t, ok)
			assert.False(t, p.Closing)
		})
	}
}

func TestSession_SubmitOCO(t *testing.T) {
	f := startSession(t)

	req := OCORequest{
		Symbol:  "EURUSD",
		PipSize: decimal.RequireFromString("0.0001"),
		Legs: [2]OrderRequest{
			{Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: decimal.NewFromInt(1), Price: decimal.RequireFromString("1.0900")},
			{Side: domain.SideBuy, Type: domain.OrderTypeStop, Quantity: decimal.NewFromInt(1), Price: decimal.RequireFromString("1.1100")},
		},
	}

	result := make(chan error, 1)
	go func() { result <- f.session.SubmitOCO(context.Background(), req) }()

	cmd := f.server.command(t)
	require.Equal(t, ActionSubmitOCO, cmd.Action)

	var params ocoParams
	require.NoError(t, json.Unmarshal(cmd.Params, &params))
	assert.Equal(t, domain.AccountID("1001"), params.OCO1.Account)
	assert.Equal(t, domain.OrderTypeStop, params.OCO2.Type)

	send(t, f.conn, "ack", `{"requestId":"`+cmd.RequestID+`","ok":true}`)
	require.NoError(t, <-result)
}

func TestSession_SoundGatesNotifier(t *testing.T) {
	f := startSession(t)

	f.session.activeChanged(true)
	assert.Equal(t, 1, f.notifier.count())

	f.session.SetSound(false)
	f.session.activeChanged(false)
	assert.Equal(t, 1, f.notifier.count())
	assert.False(t, f.settings.last().SoundEnabled)
}

func TestSession_SetPollInterval(t *testing.T) {
	f := startSession(t)

	var cfgErr *domain.ConfigError
	require.ErrorAs(t, f.session.SetPollInterval(0), &cfgErr)

	require.NoError(t, f.session.SetPollInterval(250*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, f.session.Settings().PollInterval)
	assert.Equal(t, 250*time.Millisecond, f.settings.last().PollInterval)
}

func TestBuildOCO(t *testing.T) {
	pip := decimal.RequireFromString("0.0001")
	valid := OrderRequest{
		Side:           domain.SideSell,
		Type:           domain.OrderTypeLimit,
		Quantity:       decimal.NewFromInt(1),
		Price:          decimal.RequireFromString("1.2000"),
		StopLossPips:   decimal.NewNullDecimal(decimal.NewFromInt(10)),
		TakeProfitPips: decimal.NewNullDecimal(decimal.NewFromInt(20)),
	}

	t.Run("sell leg offsets", func(t *testing.T) {
		legs, err := buildOCO("1001", OCORequest{Symbol: "EURUSD", PipSize: pip, Legs: [2]OrderRequest{valid, valid}})
		require.NoError(t, err)
		assert.Equal(t, "0.001", legs[0].StopLossPipsChange.Decimal.String())
		assert.Equal(t, "-0.002", legs[0].TakeProfitPipsChange.Decimal.String())
	})

	t.Run("rejects bad legs", func(t *testing.T) {
		market := valid
		market.Type = domain.OrderTypeMarket
		noQty := valid
		noQty.Quantity = decimal.Zero

		for _, req := range []OCORequest{
			{PipSize: pip, Legs: [2]OrderRequest{valid, valid}},
			{Symbol: "EURUSD", PipSize: pip, Legs: [2]OrderRequest{valid, market}},
			{Symbol: "EURUSD", PipSize: pip, Legs: [2]OrderRequest{noQty, valid}},
			{Symbol: "EURUSD", Legs: [2]OrderRequest{valid, valid}},
		} {
			_, err := buildOCO("1001", req)
			assert.ErrorIs(t, err, ErrInvalidOrder)
		}
	})
}
