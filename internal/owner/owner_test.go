package owner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trade_sync/internal/domain"
	"trade_sync/internal/event"
	"trade_sync/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// fakeServer is a minimal streaming endpoint. Every accepted socket is
// handed to the test through conns; inbound commands arrive on commands.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	reject   atomic.Int32
	conns    chan *websocket.Conn
	commands chan command
	auth     chan string

	mu   sync.Mutex
	open []*websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		conns:    make(chan *websocket.Conn, 8),
		commands: make(chan command, 32),
		auth:     make(chan string, 8),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(func() {
		fs.mu.Lock()
		for _, c := range fs.open {
			c.Close()
		}
		fs.mu.Unlock()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if code := fs.reject.Load(); code != 0 {
		http.Error(w, "denied", int(code))
		return
	}
	select {
	case fs.auth <- r.Header.Get("Authorization"):
	default:
	}

	c, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.open = append(fs.open, c)
	fs.mu.Unlock()

	go func() {
		for {
			var cmd command
			if err := c.ReadJSON(&cmd); err != nil {
				return
			}
			fs.commands <- cmd
		}
	}()
	fs.conns <- c
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (fs *fakeServer) command(t *testing.T) command {
	t.Helper()
	select {
	case cmd := <-fs.commands:
		return cmd
	case <-time.After(waitTimeout):
		t.Fatal("no command received")
		return command{}
	}
}

func push(t *testing.T, c *websocket.Conn, kind event.Kind, data string) {
	t.Helper()
	msg := `{"event":"` + string(kind) + `","data":` + data + `}`
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
}

type recorder struct {
	events chan event.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event.Event, 64)}
}

func (r *recorder) handle(ev event.Event) { r.events <- ev }

func (r *recorder) next(t *testing.T) event.Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("no event delivered")
		return nil
	}
}

func testConfig() Config {
	return Config{
		ReconnectDelay: 20 * time.Millisecond,
		CommandTimeout: 500 * time.Millisecond,
		CommandRate:    100,
		CommandBurst:   10,
	}
}

// connect returns an Owner subscribed for account 1001 and the server side
// of its socket, after the subscription command was observed.
func connect(t *testing.T, fs *fakeServer, setup func(o *Owner)) (*Owner, *websocket.Conn) {
	t.Helper()
	o := New(testConfig(), nil, &infra.Metrics{})
	t.Cleanup(o.Close)
	if setup != nil {
		setup(o)
	}

	err := o.Connect(context.Background(), Credentials{URL: fs.url(), Token: "secret", Account: "1001"})
	require.NoError(t, err)

	c := fs.accept(t)
	sub := fs.command(t)
	require.Equal(t, "subscribe", sub.Action)
	require.Equal(t, domain.AccountID("1001"), sub.Account)
	return o, c
}

func TestOwner_ConnectSendsCredentials(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()

	o, _ := connect(t, fs, func(o *Owner) { o.OnEvent(event.KindConnected, rec.handle) })

	assert.Equal(t, "Bearer secret", <-fs.auth)
	assert.IsType(t, event.Connected{}, rec.next(t))
	assert.True(t, o.Connected())
	assert.Equal(t, domain.AccountID("1001"), o.Account())
}

func TestOwner_FiltersForeignAccount(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	_, c := connect(t, fs, func(o *Owner) { o.OnEvent(event.KindPosition, rec.handle) })

	push(t, c, event.KindPosition, `{"id":"p1","account":"2002","quantity":"1"}`)
	push(t, c, event.KindPosition, `{"id":"p2","account":1001,"quantity":"1"}`)

	ev := rec.next(t).(event.Position)
	assert.Equal(t, "p2", ev.Position.ID)
}

func TestOwner_SuppressesVacuousAndFlattensAccount(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	_, c := connect(t, fs, func(o *Owner) { o.OnEvent(event.KindAccount, rec.handle) })

	push(t, c, event.KindAccount, `{}`)
	push(t, c, event.KindAccount, `null`)
	push(t, c, event.KindAccount, `{"balance":"1000","daily":{"pl":"12.5"}}`)

	ev := rec.next(t).(event.Account)
	assert.Contains(t, ev.Stats, "daily_pl")
	assert.NotContains(t, ev.Stats, "daily")
}

func TestOwner_OCOOrdersFilter(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	_, c := connect(t, fs, func(o *Owner) { o.OnEvent(event.KindOCOOrders, rec.handle) })

	push(t, c, event.KindOCOOrders, `{"oco1":{"id":"1","account":"2002"},"oco2":{"id":"2","account":"2002"}}`)
	push(t, c, event.KindOCOOrders, `{"oco1":{"id":"5","account":"1001"},"oco2":{"id":"12","account":"1001"}}`)

	ev := rec.next(t).(event.OCOOrders)
	assert.Equal(t, "5", ev.OCO1.ID)
	assert.Equal(t, "12", ev.OCO2.ID)
}

func TestOwner_MessagesBypassFilter(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	_, c := connect(t, fs, func(o *Owner) { o.OnEvent(event.KindMessage, rec.handle) })

	push(t, c, event.KindMessage, `{"id":"m1","account":"2002","to":"2002","subject":"hi"}`)

	ev := rec.next(t).(event.Message)
	assert.Equal(t, "m1", ev.Message.ID)
	assert.False(t, ev.Message.IsFor("1001"))
}

func TestOwner_BulkPositionsDropForeignElements(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	o, c := connect(t, fs, func(o *Owner) { o.OnEvent(event.KindPositions, rec.handle) })

	push(t, c, event.KindPositions, `[{"id":"p1","account":"1001","quantity":"1"},{"id":"p9","account":"2002","quantity":"1"},{"id":"p5","quantity":"1"}]`)

	ev := rec.next(t).(event.Positions)
	require.Len(t, ev.Positions, 1)
	assert.Equal(t, "p1", ev.Positions[0].ID)

	ps, err := o.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "p1", ps[0].ID)
}

func TestOwner_FalsyQuantityRemovesPosition(t *testing.T) {
	for _, qty := range []string{`""`, `false`, `null`, `"0"`} {
		t.Run(qty, func(t *testing.T) {
			fs := newFakeServer(t)
			rec := newRecorder()
			o, c := connect(t, fs, func(o *Owner) { o.OnEvent(event.KindPosition, rec.handle) })

			push(t, c, event.KindPosition, `{"id":"p1","account":"1001","symbol":"EURUSD","quantity":"10"}`)
			opened := rec.next(t).(event.Position)
			require.True(t, opened.Position.HasQuantity())

			push(t, c, event.KindPosition, `{"id":"p1","account":"1001","symbol":"EURUSD","quantity":`+qty+`}`)
			ev := rec.next(t).(event.Position)
			assert.Equal(t, "p1", ev.Position.ID)
			assert.False(t, ev.Position.HasQuantity())

			ctx := context.Background()
			ps, err := o.Positions(ctx)
			require.NoError(t, err)
			assert.Empty(t, ps)

			deltas, err := o.Reconciler().Positions(ctx)
			require.NoError(t, err)
			require.Len(t, deltas, 1)
			assert.False(t, deltas[0].HasQuantity())
		})
	}
}

func TestOwner_ReconcilerPrunesRemovals(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	o, c := connect(t, fs, func(o *Owner) { o.OnEvent(event.KindPosition, rec.handle) })

	push(t, c, event.KindPosition, `{"id":"p1","account":"1001","quantity":"1"}`)
	push(t, c, event.KindPosition, `{"id":"p1","account":"1001","quantity":"0"}`)
	rec.next(t)
	rec.next(t)

	ctx := context.Background()
	r := o.Reconciler()
	deltas, err := r.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, deltas, 1)

	require.NoError(t, r.Prune(ctx, deltas, nil))

	deltas, err = r.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func TestOwner_PullsReflectCache(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	o, c := connect(t, fs, func(o *Owner) {
		o.OnEvent(event.KindQuote, rec.handle)
		o.OnEvent(event.KindNetPosition, rec.handle)
	})

	push(t, c, event.KindQuote, `{"symbol":"EURUSD","bidPrice":"1.1000","askPrice":"1.1002","time":1}`)
	push(t, c, event.KindNetPosition, `{"symbol":"EURUSD","account":"1001","quantity":"3"}`)
	rec.next(t)
	rec.next(t)

	ctx := context.Background()
	quotes, err := o.Quotes(ctx)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "1.1002", quotes[0].Ask.String())

	tick, ok, err := o.Quote(ctx, "EURUSD")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0.0002", tick.Spread.String())

	_, ok, err = o.Quote(ctx, "GBPUSD")
	require.NoError(t, err)
	assert.False(t, ok)

	nets, err := o.NetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, nets, 1)
	assert.Equal(t, "EURUSD", nets[0].Symbol)
}

func TestOwner_PullAfterClose(t *testing.T) {
	fs := newFakeServer(t)
	o, _ := connect(t, fs, nil)

	o.Close()

	_, err := o.Quotes(context.Background())
	assert.ErrorIs(t, err, domain.ErrOwnerClosed)
	_, err = o.Positions(context.Background())
	assert.ErrorIs(t, err, domain.ErrOwnerClosed)
	assert.False(t, o.Connected())
}

func TestOwner_LateSubscriberGetsConnected(t *testing.T) {
	fs := newFakeServer(t)
	o, _ := connect(t, fs, nil)

	rec := newRecorder()
	unsubscribe := o.Subscribe(event.KindConnected, rec.handle)
	defer unsubscribe()

	assert.IsType(t, event.Connected{}, rec.next(t))
}

func TestOwner_OnEventReplacesHandler(t *testing.T) {
	fs := newFakeServer(t)
	var first atomic.Int32
	second := newRecorder()
	multi := newRecorder()

	_, c := connect(t, fs, func(o *Owner) {
		o.OnEvent(event.KindQuote, func(event.Event) { first.Add(1) })
		o.OnEvent(event.KindQuote, second.handle)
		o.Subscribe(event.KindQuote, multi.handle)
	})

	push(t, c, event.KindQuote, `{"symbol":"EURUSD","bidPrice":"1.1","askPrice":"1.2","time":1}`)

	second.next(t)
	multi.next(t)
	assert.Zero(t, first.Load())
}

func TestOwner_Unsubscribe(t *testing.T) {
	fs := newFakeServer(t)
	gone := newRecorder()
	kept := newRecorder()

	var unsubscribe func()
	_, c := connect(t, fs, func(o *Owner) {
		unsubscribe = o.Subscribe(event.KindQuote, gone.handle)
		o.Subscribe(event.KindQuote, kept.handle)
	})
	unsubscribe()

	push(t, c, event.KindQuote, `{"symbol":"EURUSD","time":1}`)

	kept.next(t)
	assert.Empty(t, gone.events)
}

func TestOwner_ReconnectsAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	o, c := connect(t, fs, func(o *Owner) {
		o.OnEvent(event.KindConnected, rec.handle)
		o.OnEvent(event.KindDisconnected, rec.handle)
	})
	assert.IsType(t, event.Connected{}, rec.next(t))

	// drop the TCP connection without a close frame
	c.UnderlyingConn().Close()

	dis := rec.next(t).(event.Disconnected)
	assert.True(t, domain.IsRetriable(dis.Err))

	fs.accept(t)
	assert.Equal(t, "subscribe", fs.command(t).Action)
	assert.IsType(t, event.Connected{}, rec.next(t))
	assert.NoError(t, o.Err())
}

func TestOwner_NormalCloseIsFinal(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	o, c := connect(t, fs, func(o *Owner) { o.OnEvent(event.KindDisconnected, rec.handle) })

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	dis := rec.next(t).(event.Disconnected)
	assert.False(t, domain.IsRetriable(dis.Err))
	assert.Error(t, o.Err())

	select {
	case <-fs.conns:
		t.Fatal("reconnected after a normal close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOwner_AuthRejectedIsReturned(t *testing.T) {
	fs := newFakeServer(t)
	fs.reject.Store(http.StatusUnauthorized)

	o := New(testConfig(), nil, nil)
	defer o.Close()

	err := o.Connect(context.Background(), Credentials{URL: fs.url(), Account: "1001"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthRejected)
	assert.False(t, domain.IsRetriable(err))
	assert.False(t, o.Connected())
}

func TestOwner_ConnectIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	o, _ := connect(t, fs, nil)

	err := o.Connect(context.Background(), Credentials{URL: fs.url(), Token: "secret", Account: "1001"})
	require.NoError(t, err)

	select {
	case <-fs.conns:
		t.Fatal("second socket opened for the same credentials")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOwner_NewCredentialsDropListeners(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	o, _ := connect(t, fs, func(o *Owner) { o.OnEvent(event.KindQuote, rec.handle) })

	err := o.Connect(context.Background(), Credentials{URL: fs.url(), Account: "2002"})
	require.NoError(t, err)
	c := fs.accept(t)
	fs.command(t)

	push(t, c, event.KindQuote, `{"symbol":"EURUSD","time":1}`)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.events)
}

func TestOwner_RequestAck(t *testing.T) {
	fs := newFakeServer(t)
	o, c := connect(t, fs, nil)

	tests := []struct {
		name    string
		ack     func(id string) string
		wantErr error
	}{
		{
			name:    "accepted",
			ack:     func(id string) string { return `{"requestId":"` + id + `","ok":true}` },
			wantErr: nil,
		},
		{
			name:    "rejected",
			ack:     func(id string) string { return `{"requestId":"` + id + `","ok":false,"error":"market closed"}` },
			wantErr: domain.ErrRequestRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := make(chan error, 1)
			go func() {
				result <- o.Request(context.Background(), "closePosition", map[string]string{"id": "p1"})
			}()

			cmd := fs.command(t)
			assert.Equal(t, "closePosition", cmd.Action)
			assert.NotEmpty(t, cmd.RequestID)
			push(t, c, event.KindAck, tt.ack(cmd.RequestID))

			select {
			case err := <-result:
				if tt.wantErr == nil {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, tt.wantErr)
				}
			case <-time.After(waitTimeout):
				t.Fatal("request never completed")
			}
		})
	}
}

func TestOwner_RequestTimeout(t *testing.T) {
	fs := newFakeServer(t)
	o, _ := connect(t, fs, nil)

	err := o.Request(context.Background(), "cancelOrder", nil)
	assert.True(t, errors.Is(err, domain.ErrRequestTimeout), "got %v", err)
}

func TestOwner_RequestWhenIdle(t *testing.T) {
	o := New(testConfig(), nil, nil)
	assert.ErrorIs(t, o.Request(context.Background(), "cancelOrder", nil), domain.ErrOwnerClosed)
}
