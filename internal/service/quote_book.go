package service

import (
	"sort"
	"sync"

	"trade_sync/internal/domain"
)

// QuoteBook holds the latest tick per symbol on the application side.
type QuoteBook struct {
	mu     sync.RWMutex
	quotes map[string]domain.PriceTick
}

// NewQuoteBook creates a new QuoteBook instance
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{
		quotes: make(map[string]domain.PriceTick),
	}
}

// Merge stores every tick whose timestamp differs from the stored one and
// returns those ticks. Identical timestamps are duplicates and are ignored.
func (b *QuoteBook) Merge(ticks []domain.PriceTick) []domain.PriceTick {
	b.mu.Lock()
	defer b.mu.Unlock()

	var changed []domain.PriceTick
	for _, tick := range ticks {
		if tick.Symbol == "" {
			continue
		}
		if cur, ok := b.quotes[tick.Symbol]; ok && cur.Time == tick.Time {
			continue
		}
		b.quotes[tick.Symbol] = tick
		changed = append(changed, tick)
	}
	return changed
}

// Get returns the tick for symbol.
func (b *QuoteBook) Get(symbol string) (domain.PriceTick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tick, ok := b.quotes[symbol]
	return tick, ok
}

// All returns all ticks sorted by symbol
func (b *QuoteBook) All() []domain.PriceTick {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]domain.PriceTick, 0, len(b.quotes))
	for _, tick := range b.quotes {
		result = append(result, tick)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})

	return result
}

// Timestamps returns the stored timestamp per symbol.
func (b *QuoteBook) Timestamps() map[string]domain.Timestamp {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]domain.Timestamp, len(b.quotes))
	for symbol, tick := range b.quotes {
		out[symbol] = tick.Time
	}
	return out
}

// Reset drops every quote.
func (b *QuoteBook) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.quotes = make(map[string]domain.PriceTick)
}
