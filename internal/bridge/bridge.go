// Package bridge moves consolidated snapshots from the connection owner into
// application state on a fixed cadence.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"trade_sync/internal/domain"
	"trade_sync/internal/engine"
	"trade_sync/internal/infra"

	"github.com/sourcegraph/conc"
)

const DefaultInterval = time.Second

// Source provides snapshot pulls. A torn-down source returns an error.
type Source interface {
	Quotes(ctx context.Context) ([]domain.PriceTick, error)
	Positions(ctx context.Context) ([]domain.Position, error)
	NetPositions(ctx context.Context) ([]domain.NetPosition, error)
}

// Pruner is implemented by sources that keep removal markers until told the
// removals were merged.
type Pruner interface {
	Prune(ctx context.Context, positions []domain.Position, nets []domain.NetPosition) error
}

// Sink receives the merged updates.
type Sink interface {
	QuoteTimestamps() map[string]domain.Timestamp
	Dispatch(ctx context.Context, a engine.Action) error
}

// Bridge runs reconciliation passes on a ticker. At most one pass is in
// flight; a tick that finds one running is dropped, not queued.
type Bridge struct {
	sink    Sink
	log     *slog.Logger
	metrics *infra.Metrics

	mu       sync.Mutex // guards src, interval, cancel
	src      Source
	interval time.Duration
	cancel   context.CancelFunc
	wg       conc.WaitGroup

	inFlight atomic.Bool
}

// New creates a stopped Bridge. log and metrics may be nil.
func New(sink Sink, interval time.Duration, log *slog.Logger, metrics *infra.Metrics) *Bridge {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	return &Bridge{
		sink:     sink,
		interval: interval,
		log:      log.With(slog.String("component", "bridge")),
		metrics:  metrics,
	}
}

// SetSource swaps the snapshot source, e.g. after an account switch.
func (b *Bridge) SetSource(src Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.src = src
}

// SetInterval changes the cadence. It takes effect on the next Start.
func (b *Bridge) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interval = d
}

func (b *Bridge) Interval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interval
}

// Start begins ticking. Starting a running Bridge is a no-op.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	interval := b.interval
	b.wg.Go(func() { b.loop(ctx, interval) })

	b.log.Info("Bridge started", slog.Duration("interval", interval))
}

// Stop cancels the ticker and waits for an in-flight pass. No timer is left
// behind.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	b.wg.Wait()
	b.log.Info("Bridge stopped")
}

// Restart stops the Bridge and starts it again with the current source and
// interval.
func (b *Bridge) Restart(ctx context.Context) {
	b.Stop()
	b.Start(ctx)
}

func (b *Bridge) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick starts a pass unless one is already running. It reports whether a
// pass was started.
func (b *Bridge) Tick(ctx context.Context) bool {
	if !b.inFlight.CompareAndSwap(false, true) {
		b.metrics.RecordPassSkipped()
		return false
	}
	b.wg.Go(func() {
		defer b.inFlight.Store(false)
		b.pass(ctx)
	})
	return true
}

func (b *Bridge) pass(ctx context.Context) {
	b.mu.Lock()
	src := b.src
	b.mu.Unlock()
	if src == nil {
		return
	}

	start := time.Now()

	quotes, err := src.Quotes(ctx)
	if err != nil {
		b.abort("quotes", err)
		return
	}
	positions, err := src.Positions(ctx)
	if err != nil {
		b.abort("positions", err)
		return
	}
	nets, err := src.NetPositions(ctx)
	if err != nil {
		b.abort("net_positions", err)
		return
	}

	if fresh := freshQuotes(quotes, b.sink.QuoteTimestamps()); len(fresh) > 0 {
		if err := b.sink.Dispatch(ctx, engine.MergeQuotes{Ticks: fresh}); err != nil {
			b.abort("dispatch_quotes", err)
			return
		}
	}

	if len(positions) > 0 || len(nets) > 0 {
		if err := b.sink.Dispatch(ctx, engine.MergePositions{Positions: positions, Nets: nets}); err != nil {
			b.abort("dispatch_positions", err)
			return
		}
		if pr, ok := src.(Pruner); ok {
			if err := pr.Prune(ctx, positions, nets); err != nil {
				b.abort("prune", err)
				return
			}
		}
	}

	b.metrics.RecordPass(time.Since(start))
}

func (b *Bridge) abort(stage string, err error) {
	b.metrics.RecordPassFailed()
	b.log.Debug("Reconciliation pass aborted",
		slog.String("stage", stage),
		slog.Any("error", err),
	)
}

// freshQuotes keeps the ticks whose timestamp differs from the stored one.
func freshQuotes(quotes []domain.PriceTick, stored map[string]domain.Timestamp) []domain.PriceTick {
	var out []domain.PriceTick
	for _, q := range quotes {
		if ts, ok := stored[q.Symbol]; ok && ts == q.Time {
			continue
		}
		out = append(out, q)
	}
	return out
}
