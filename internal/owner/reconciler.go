package owner

import (
	"context"

	"trade_sync/internal/domain"
)

// Reconciler is the polling view of an Owner. Its position pulls also report
// removals as zero-quantity entries, repeated on every pull until Prune
// confirms they were applied downstream.
type Reconciler struct {
	o *Owner
}

// Reconciler returns the polling view of o.
func (o *Owner) Reconciler() Reconciler {
	return Reconciler{o: o}
}

func (r Reconciler) Quotes(ctx context.Context) ([]domain.PriceTick, error) {
	return r.o.Quotes(ctx)
}

func (r Reconciler) Positions(ctx context.Context) ([]domain.Position, error) {
	return pull(ctx, r.o, func(c *Cache) []domain.Position {
		ps, _ := c.PositionDeltas()
		return ps
	})
}

func (r Reconciler) NetPositions(ctx context.Context) ([]domain.NetPosition, error) {
	return pull(ctx, r.o, func(c *Cache) []domain.NetPosition {
		_, nets := c.PositionDeltas()
		return nets
	})
}

// Prune forgets the removals carried in positions and nets.
func (r Reconciler) Prune(ctx context.Context, positions []domain.Position, nets []domain.NetPosition) error {
	_, err := pull(ctx, r.o, func(c *Cache) struct{} {
		c.Prune(positions, nets)
		return struct{}{}
	})
	return err
}
