package owner

import (
	"sort"

	"trade_sync/internal/domain"
)

// keyed is an insertion-ordered map.
type keyed[T any] struct {
	keys  []string
	items map[string]T
}

func newKeyed[T any]() *keyed[T] {
	return &keyed[T]{items: make(map[string]T)}
}

func (k *keyed[T]) get(key string) (T, bool) {
	v, ok := k.items[key]
	return v, ok
}

func (k *keyed[T]) set(key string, v T) {
	if _, ok := k.items[key]; !ok {
		k.keys = append(k.keys, key)
	}
	k.items[key] = v
}

func (k *keyed[T]) remove(key string) {
	if _, ok := k.items[key]; !ok {
		return
	}
	delete(k.items, key)
	for i, existing := range k.keys {
		if existing == key {
			k.keys = append(k.keys[:i], k.keys[i+1:]...)
			break
		}
	}
}

func (k *keyed[T]) values() []T {
	out := make([]T, 0, len(k.keys))
	for _, key := range k.keys {
		out = append(out, k.items[key])
	}
	return out
}

// Cache holds the raw server-pushed state of one session. It is only touched
// from the session's actor goroutine.
//
// A position pushed with a zero or missing quantity is kept as a zero-quantity
// tombstone until Prune confirms the removal was reconciled downstream. The
// plain accessors never return tombstones.
type Cache struct {
	quotes    map[string]domain.PriceTick
	positions *keyed[domain.Position]
	nets      *keyed[domain.NetPosition]
}

func NewCache() *Cache {
	return &Cache{
		quotes:    make(map[string]domain.PriceTick),
		positions: newKeyed[domain.Position](),
		nets:      newKeyed[domain.NetPosition](),
	}
}

// ApplyQuote stores t with change markers against the cached tick.
func (c *Cache) ApplyQuote(t domain.PriceTick) domain.PriceTick {
	if prev, ok := c.quotes[t.Symbol]; ok {
		t = t.FollowUp(&prev)
	} else {
		t = t.FollowUp(nil)
	}
	c.quotes[t.Symbol] = t
	return t
}

// ReplaceQuotes swaps the whole quote set for ticks.
func (c *Cache) ReplaceQuotes(ticks []domain.PriceTick) []domain.PriceTick {
	next := make(map[string]domain.PriceTick, len(ticks))
	out := make([]domain.PriceTick, 0, len(ticks))
	for _, t := range ticks {
		if t.Symbol == "" {
			continue
		}
		if prev, ok := c.quotes[t.Symbol]; ok {
			t = t.FollowUp(&prev)
		} else {
			t = t.FollowUp(nil)
		}
		next[t.Symbol] = t
		out = append(out, t)
	}
	c.quotes = next
	return out
}

func (c *Cache) UpsertPosition(p domain.Position) {
	if p.ID == "" {
		return
	}
	c.positions.set(p.ID, mergeCached(c.positions, p.ID, p))
}

func (c *Cache) UpsertNetPosition(p domain.NetPosition) {
	if p.Symbol == "" {
		return
	}
	c.nets.set(p.Symbol, mergeCached(c.nets, p.Symbol, p))
}

func mergeCached(k *keyed[domain.Position], key string, p domain.Position) domain.Position {
	if !p.HasQuantity() {
		p.Quantity = domain.ZeroQuantity()
		return p
	}
	if prev, ok := k.get(key); ok && prev.HasQuantity() {
		return prev.Merge(p)
	}
	return p
}

// Quotes returns all ticks sorted by symbol.
func (c *Cache) Quotes() []domain.PriceTick {
	out := make([]domain.PriceTick, 0, len(c.quotes))
	for _, t := range c.quotes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (c *Cache) Quote(symbol string) (domain.PriceTick, bool) {
	t, ok := c.quotes[symbol]
	return t, ok
}

// Positions returns the open positions.
func (c *Cache) Positions() []domain.Position {
	return clonePositions(openOnly(c.positions.values()))
}

func (c *Cache) NetPositions() []domain.NetPosition {
	return clonePositions(openOnly(c.nets.values()))
}

// PositionDeltas returns every cached position and net position, tombstones
// included.
func (c *Cache) PositionDeltas() ([]domain.Position, []domain.NetPosition) {
	return clonePositions(c.positions.values()), clonePositions(c.nets.values())
}

// Prune drops the tombstones among positions and nets that are still
// tombstones in the cache. A position reopened in the meantime is kept.
func (c *Cache) Prune(positions []domain.Position, nets []domain.NetPosition) {
	pruneKeyed(c.positions, positions, func(p domain.Position) string { return p.ID })
	pruneKeyed(c.nets, nets, func(p domain.Position) string { return p.Symbol })
}

func pruneKeyed(k *keyed[domain.Position], carried []domain.Position, key func(domain.Position) string) {
	for _, p := range carried {
		if p.HasQuantity() {
			continue
		}
		if cur, ok := k.get(key(p)); ok && !cur.HasQuantity() {
			k.remove(key(p))
		}
	}
}

func openOnly(ps []domain.Position) []domain.Position {
	out := ps[:0]
	for _, p := range ps {
		if p.HasQuantity() {
			out = append(out, p)
		}
	}
	return out
}

func clonePositions(ps []domain.Position) []domain.Position {
	for i := range ps {
		if ps[i].Trades != nil {
			ps[i].Trades = append([]domain.Trade(nil), ps[i].Trades...)
		}
	}
	return ps
}
