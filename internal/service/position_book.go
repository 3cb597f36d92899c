package service

import (
	"sync"

	"trade_sync/internal/domain"
)

// PositionBook holds the open, net and closed position collections.
//
// Collections are copy-on-write: a mutation that leaves the content unchanged
// keeps the stored slice, so Generation only moves on real changes.
type PositionBook struct {
	mu         sync.RWMutex
	open       []domain.Position
	net        []domain.NetPosition
	closed     []domain.Trade
	generation uint64
}

func NewPositionBook() *PositionBook {
	return &PositionBook{}
}

func byID(p domain.Position) string     { return p.ID }
func bySymbol(p domain.Position) string { return p.Symbol }

// upsert merges p into list by key. A missing or zero quantity removes the
// entry. The returned slice is list itself when nothing changed.
func upsert(list []domain.Position, p domain.Position, key func(domain.Position) string) ([]domain.Position, bool) {
	k := key(p)
	idx := -1
	for i := range list {
		if key(list[i]) == k {
			idx = i
			break
		}
	}

	if !p.HasQuantity() {
		if idx < 0 {
			return list, false
		}
		out := make([]domain.Position, 0, len(list)-1)
		out = append(out, list[:idx]...)
		return append(out, list[idx+1:]...), true
	}

	if idx < 0 {
		out := make([]domain.Position, len(list), len(list)+1)
		copy(out, list)
		return append(out, p), true
	}

	merged := list[idx].Merge(p)
	if merged.Equal(list[idx]) {
		return list, false
	}
	out := append([]domain.Position(nil), list...)
	out[idx] = merged
	return out, true
}

// Upsert applies a single open-position push keyed by id.
func (b *PositionBook) Upsert(p domain.Position) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	next, changed := upsert(b.open, p, byID)
	if changed {
		b.open = next
		b.generation++
	}
	return changed
}

// UpsertNet applies a single net-position push keyed by symbol.
func (b *PositionBook) UpsertNet(p domain.NetPosition) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	next, changed := upsert(b.net, p, bySymbol)
	if changed {
		b.net = next
		b.generation++
	}
	return changed
}

// UpdateBothPositions applies a batch of open and net deltas at once. The
// stored collections are replaced only if their content differs afterwards.
func (b *PositionBook) UpdateBothPositions(positions []domain.Position, nets []domain.NetPosition) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	open := b.open
	for _, p := range positions {
		open, _ = upsert(open, p, byID)
	}
	net := b.net
	for _, p := range nets {
		net, _ = upsert(net, p, bySymbol)
	}

	changed := false
	if !samePositions(open, b.open) {
		b.open = open
		changed = true
	}
	if !samePositions(net, b.net) {
		b.net = net
		changed = true
	}
	if changed {
		b.generation++
	}
	return changed
}

func samePositions(a, b []domain.Position) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// SetClosing marks an open position as pending close. Only ClearClosing
// resets the flag.
func (b *PositionBook) SetClosing(id string) bool {
	return b.setClosing(id, true)
}

// ClearClosing resets the pending-close flag after confirmation or failure.
func (b *PositionBook) ClearClosing(id string) bool {
	return b.setClosing(id, false)
}

func (b *PositionBook) setClosing(id string, closing bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.open {
		if b.open[i].ID != id {
			continue
		}
		if b.open[i].Closing == closing {
			return false
		}
		out := append([]domain.Position(nil), b.open...)
		out[i].Closing = closing
		b.open = out
		b.generation++
		return true
	}
	return false
}

// RecordTrade files a closing trade into the closed collection, replacing a
// previous record with the same id. Opening trades are ignored.
func (b *PositionBook) RecordTrade(t domain.Trade) bool {
	if !t.IsClosed() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.closed {
		if b.closed[i].ID != t.ID {
			continue
		}
		if b.closed[i].Equal(t) {
			return false
		}
		out := append([]domain.Trade(nil), b.closed...)
		out[i] = t
		b.closed = out
		b.generation++
		return true
	}
	out := make([]domain.Trade, len(b.closed), len(b.closed)+1)
	copy(out, b.closed)
	b.closed = append(out, t)
	b.generation++
	return true
}

// Open returns the open positions.
func (b *PositionBook) Open() []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]domain.Position(nil), b.open...)
}

// Net returns the net positions.
func (b *PositionBook) Net() []domain.NetPosition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]domain.NetPosition(nil), b.net...)
}

// Closed returns the closed (paired) trades.
func (b *PositionBook) Closed() []domain.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]domain.Trade(nil), b.closed...)
}

// GetOpen returns the open position with id.
func (b *PositionBook) GetOpen(id string) (domain.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.open {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Position{}, false
}

// GetNet returns the net position of symbol.
func (b *PositionBook) GetNet(symbol string) (domain.NetPosition, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.net {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return domain.NetPosition{}, false
}

// Generation counts content changes across all collections.
func (b *PositionBook) Generation() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.generation
}

// Reset drops every collection.
func (b *PositionBook) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open, b.net, b.closed = nil, nil, nil
	b.generation++
}
