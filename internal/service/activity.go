package service

import (
	"sync"
	"time"

	"trade_sync/internal/domain"
)

// LinkState is the derived connection health shown to the user.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnected
	LinkActive
)

func (s LinkState) String() string {
	switch s {
	case LinkConnected:
		return "connected"
	case LinkActive:
		return "active"
	default:
		return "disconnected"
	}
}

// ActivityMonitor derives trading activity from the trading heartbeat.
//
// Active means the newest heartbeat reported connected and arrived within the
// active window. A watchdog, re-armed by every heartbeat, injects a synthetic
// disconnected heartbeat when the stream goes silent.
type ActivityMonitor struct {
	mu        sync.RWMutex
	history   []domain.ConnectionState // newest first
	capacity  int
	window    time.Duration
	watchdog  time.Duration
	transport bool
	active    bool
	stopped   bool

	now      func() time.Time
	exec     func(func())
	onChange func(active bool)

	watchdogTimer *time.Timer
	expiryTimer   *time.Timer
}

// ActivityOption configures an ActivityMonitor.
type ActivityOption func(*ActivityMonitor)

// WithWindow sets how long a connected heartbeat keeps the link active.
func WithWindow(d time.Duration) ActivityOption {
	return func(m *ActivityMonitor) { m.window = d }
}

// WithWatchdog sets the silence after which a disconnected heartbeat is injected.
func WithWatchdog(d time.Duration) ActivityOption {
	return func(m *ActivityMonitor) { m.watchdog = d }
}

// WithCapacity sets how many heartbeats are retained.
func WithCapacity(n int) ActivityOption {
	return func(m *ActivityMonitor) { m.capacity = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ActivityOption {
	return func(m *ActivityMonitor) { m.now = now }
}

// WithExecutor routes timer callbacks through exec, e.g. onto the goroutine
// that owns the rest of the application state.
func WithExecutor(exec func(func())) ActivityOption {
	return func(m *ActivityMonitor) { m.exec = exec }
}

// WithOnChange registers a callback for Active transitions.
func WithOnChange(fn func(active bool)) ActivityOption {
	return func(m *ActivityMonitor) { m.onChange = fn }
}

func NewActivityMonitor(opts ...ActivityOption) *ActivityMonitor {
	m := &ActivityMonitor{
		capacity: 5,
		window:   10 * time.Second,
		watchdog: 15 * time.Second,
		now:      time.Now,
		exec:     func(fn func()) { fn() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start arms the watchdog so that silence from the very beginning is caught.
func (m *ActivityMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = false
	m.armWatchdogLocked()
}

// Stop cancels all timers. Heartbeats are still recorded afterwards but no
// synthetic ones are injected.
func (m *ActivityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	if m.watchdogTimer != nil {
		m.watchdogTimer.Stop()
	}
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
	}
}

// Heartbeat records a trading heartbeat and re-arms the watchdog.
func (m *ActivityMonitor) Heartbeat(state domain.ConnectionState) {
	m.mu.Lock()
	if state.ReceivedAt.IsZero() {
		state.ReceivedAt = m.now()
	}
	m.history = append([]domain.ConnectionState{state}, m.history...)
	if len(m.history) > m.capacity {
		m.history = m.history[:m.capacity]
	}

	m.armWatchdogLocked()
	if state.Connected && !m.stopped {
		if m.expiryTimer != nil {
			m.expiryTimer.Stop()
		}
		// Re-evaluate just after the window so Active drops on time.
		m.expiryTimer = time.AfterFunc(m.window+time.Millisecond, func() {
			m.exec(m.Evaluate)
		})
	}
	m.mu.Unlock()

	m.Evaluate()
}

func (m *ActivityMonitor) armWatchdogLocked() {
	if m.stopped {
		return
	}
	if m.watchdogTimer != nil {
		m.watchdogTimer.Stop()
	}
	m.watchdogTimer = time.AfterFunc(m.watchdog, func() {
		m.exec(m.expire)
	})
}

func (m *ActivityMonitor) expire() {
	m.mu.RLock()
	stopped := m.stopped
	m.mu.RUnlock()
	if stopped {
		return
	}

	now := m.now()
	m.Heartbeat(domain.ConnectionState{
		Connected:  false,
		Time:       domain.TimestampOf(now),
		ReceivedAt: now,
		Synthetic:  true,
	})
}

// Evaluate recomputes Active and fires the change callback on a transition.
func (m *ActivityMonitor) Evaluate() {
	m.mu.Lock()
	active := m.activeLocked()
	changed := active != m.active
	m.active = active
	fn := m.onChange
	m.mu.Unlock()

	if changed && fn != nil {
		fn(active)
	}
}

func (m *ActivityMonitor) activeLocked() bool {
	if len(m.history) == 0 {
		return false
	}
	last := m.history[0]
	return last.Connected && m.now().Sub(last.ReceivedAt) <= m.window
}

// Active reports whether trading is currently live.
func (m *ActivityMonitor) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

// SetTransport records a transport-level connect or disconnect.
func (m *ActivityMonitor) SetTransport(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = connected
}

// State combines transport state and trading activity.
func (m *ActivityMonitor) State() LinkState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case !m.transport:
		return LinkDisconnected
	case m.activeLocked():
		return LinkActive
	default:
		return LinkConnected
	}
}

// History returns the retained heartbeats, newest first.
func (m *ActivityMonitor) History() []domain.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.ConnectionState(nil), m.history...)
}

// Reset clears history and state, keeping timers as they are.
func (m *ActivityMonitor) Reset() {
	m.mu.Lock()
	m.history = nil
	m.transport = false
	m.mu.Unlock()

	m.Evaluate()
}
