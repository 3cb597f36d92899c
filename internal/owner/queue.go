package owner

import (
	"log/slog"
	"sync"

	"trade_sync/internal/event"
)

const backlogWarn = 4096

// delivery is one pending callback invocation. A non-nil only targets a
// single newly registered handler instead of every listener of the kind.
type delivery struct {
	ev   event.Event
	only event.Handler
}

// eventQueue is an unbounded FIFO between the actor and the delivery
// goroutine. Pushing never blocks, so a slow subscriber cannot stall the
// actor that also serves pull requests.
type eventQueue struct {
	mu     sync.Mutex
	items  []delivery
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(d delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	n := len(q.items)
	q.mu.Unlock()

	if n%backlogWarn == 0 {
		slog.Warn("Event backlog growing, subscriber is slow", slog.Int("pending", n))
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}
