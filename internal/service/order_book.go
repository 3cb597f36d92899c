package service

import (
	"sync"

	"trade_sync/internal/domain"
)

// QuoteLookup resolves the current tick of a symbol.
type QuoteLookup interface {
	Get(symbol string) (domain.PriceTick, bool)
}

// OrderBook keeps every known order (full history) and derives the pending
// subset, OCO groups and pip-anchored stop-loss/take-profit values.
type OrderBook struct {
	mu        sync.RWMutex
	orders    []domain.Order
	index     map[string]int
	quotes    QuoteLookup
	precision func(symbol string) int32
}

// NewOrderBook creates an order book that anchors pip offsets to quotes,
// rounding to precision(symbol).
func NewOrderBook(quotes QuoteLookup, precision func(symbol string) int32) *OrderBook {
	if precision == nil {
		precision = func(string) int32 { return 5 }
	}
	return &OrderBook{
		index:     make(map[string]int),
		quotes:    quotes,
		precision: precision,
	}
}

// UpsertOrder replaces the order with the same id or appends it. The OCO
// group is derived and, when a quote is known, the pip-anchored values are
// recomputed. An order with a deletion timestamp stays in the history but
// leaves the pending view.
func (b *OrderBook) UpsertOrder(o domain.Order) domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.upsertLocked(o)
}

// UpsertOCOPair stores both legs of a linked pair in one step so readers
// never observe one leg updated without the other.
func (b *OrderBook) UpsertOCOPair(oco1, oco2 domain.Order) (domain.Order, domain.Order) {
	if oco1.LinkID == "" {
		oco1.LinkID = oco2.ID
	}
	if oco2.LinkID == "" {
		oco2.LinkID = oco1.ID
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.upsertLocked(oco1), b.upsertLocked(oco2)
}

func (b *OrderBook) upsertLocked(o domain.Order) domain.Order {
	o.PopulateOCOGroup()
	if b.quotes != nil {
		if q, ok := b.quotes.Get(o.Symbol); ok {
			o.MutatePendingTpSl(&q, b.precision(o.Symbol))
		}
	}

	if i, ok := b.index[o.ID]; ok {
		b.orders[i] = o
	} else {
		b.index[o.ID] = len(b.orders)
		b.orders = append(b.orders, o)
	}
	return o
}

// ApplyQuotes re-anchors every pending order whose symbol has a fresh tick.
// It returns the ids of orders whose values changed.
func (b *OrderBook) ApplyQuotes(ticks []domain.PriceTick) []string {
	if len(ticks) == 0 {
		return nil
	}
	bySymbol := make(map[string]domain.PriceTick, len(ticks))
	for _, t := range ticks {
		bySymbol[t.Symbol] = t
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var changed []string
	for i := range b.orders {
		o := &b.orders[i]
		q, ok := bySymbol[o.Symbol]
		if !ok || !o.IsPending() {
			continue
		}
		if o.MutatePendingTpSl(&q, b.precision(o.Symbol)) {
			changed = append(changed, o.ID)
		}
	}
	return changed
}

// Get returns the order with id.
func (b *OrderBook) Get(id string) (domain.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i, ok := b.index[id]
	if !ok {
		return domain.Order{}, false
	}
	return b.orders[i], true
}

// Orders returns the full collection in arrival order.
func (b *OrderBook) Orders() []domain.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return append([]domain.Order(nil), b.orders...)
}

// Pending returns the orders without a deletion timestamp.
func (b *OrderBook) Pending() []domain.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.Order, 0, len(b.orders))
	for _, o := range b.orders {
		if o.IsPending() {
			out = append(out, o)
		}
	}
	return out
}

// OCOGroup returns the orders sharing group, in arrival order.
func (b *OrderBook) OCOGroup(group string) []domain.Order {
	if group == "" {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []domain.Order
	for _, o := range b.orders {
		if o.OCOGroup == group {
			out = append(out, o)
		}
	}
	return out
}

// Reset drops every order.
func (b *OrderBook) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.orders = nil
	b.index = make(map[string]int)
}
