package infra

import (
	"sync/atomic"
	"time"
)

// Metrics counts sync-layer activity. Uses atomic operations for
// thread-safety; Collector exports it to Prometheus.
type Metrics struct {
	// Connection owner
	framesReceived    atomic.Uint64
	eventsEmitted     atomic.Uint64
	eventsFiltered    atomic.Uint64
	reconnectsPlanned atomic.Uint64
	commandsSent      atomic.Uint64
	errorsTotal       atomic.Uint64
	activeConnections atomic.Int32

	// Reconciliation
	passesRun     atomic.Uint64
	passesSkipped atomic.Uint64
	passesFailed  atomic.Uint64
	passSumNs     atomic.Int64
}

// RecordFrame records one inbound transport frame.
func (m *Metrics) RecordFrame() { m.framesReceived.Add(1) }

// RecordEmitted records an event delivered to subscribers.
func (m *Metrics) RecordEmitted() { m.eventsEmitted.Add(1) }

// RecordFiltered records an event suppressed by account or payload filtering.
func (m *Metrics) RecordFiltered() { m.eventsFiltered.Add(1) }

// RecordReconnect records a scheduled reconnect attempt.
func (m *Metrics) RecordReconnect() { m.reconnectsPlanned.Add(1) }

// RecordCommand records an outbound command.
func (m *Metrics) RecordCommand() { m.commandsSent.Add(1) }

// RecordError records an error occurrence.
func (m *Metrics) RecordError() { m.errorsTotal.Add(1) }

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() { m.activeConnections.Add(1) }

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() { m.activeConnections.Add(-1) }

// RecordPass records a completed reconciliation pass and its duration.
func (m *Metrics) RecordPass(d time.Duration) {
	m.passesRun.Add(1)
	m.passSumNs.Add(d.Nanoseconds())
}

// RecordPassSkipped records a tick dropped because a pass was in flight.
func (m *Metrics) RecordPassSkipped() { m.passesSkipped.Add(1) }

// RecordPassFailed records a pass aborted by a failed pull.
func (m *Metrics) RecordPassFailed() { m.passesFailed.Add(1) }

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	FramesReceived    uint64
	EventsEmitted     uint64
	EventsFiltered    uint64
	ReconnectsPlanned uint64
	CommandsSent      uint64
	ErrorsTotal       uint64
	ActiveConnections int32
	PassesRun         uint64
	PassesSkipped     uint64
	PassesFailed      uint64
	AvgPassNs         int64
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avg int64
	runs := m.passesRun.Load()
	if runs > 0 {
		avg = m.passSumNs.Load() / int64(runs)
	}

	return MetricsSnapshot{
		FramesReceived:    m.framesReceived.Load(),
		EventsEmitted:     m.eventsEmitted.Load(),
		EventsFiltered:    m.eventsFiltered.Load(),
		ReconnectsPlanned: m.reconnectsPlanned.Load(),
		CommandsSent:      m.commandsSent.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		ActiveConnections: m.activeConnections.Load(),
		PassesRun:         runs,
		PassesSkipped:     m.passesSkipped.Load(),
		PassesFailed:      m.passesFailed.Load(),
		AvgPassNs:         avg,
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.framesReceived.Store(0)
	m.eventsEmitted.Store(0)
	m.eventsFiltered.Store(0)
	m.reconnectsPlanned.Store(0)
	m.commandsSent.Store(0)
	m.errorsTotal.Store(0)
	m.activeConnections.Store(0)
	m.passesRun.Store(0)
	m.passesSkipped.Store(0)
	m.passesFailed.Store(0)
	m.passSumNs.Store(0)
}
