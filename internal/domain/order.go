package domain

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop-limit"
	OrderTypeOCO       OrderType = "oco"
)

func (t OrderType) IsMarket() bool {
	return strings.EqualFold(string(t), string(OrderTypeMarket))
}

func (t OrderType) isStop() bool {
	return strings.EqualFold(string(t), string(OrderTypeStop)) ||
		strings.EqualFold(string(t), string(OrderTypeStopLimit))
}

// Order is a working or historical order as pushed by the server.
//
// Stop-loss and take-profit may be given as absolute prices, as pip offsets
// (Pips plus the derived PipsChange price distance), or both. When a
// PipsChange is present the absolute value is kept anchored to a reference
// price by MutatePendingTpSl.
type Order struct {
	ID        string              `json:"id"`
	Account   AccountID           `json:"account"`
	Symbol    string              `json:"symbol"`
	Side      Side                `json:"side"`
	Type      OrderType           `json:"type"`
	Status    string              `json:"status"`
	Quantity  decimal.Decimal     `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
	StopPrice decimal.NullDecimal `json:"stopPrice"`

	StopLoss             decimal.NullDecimal `json:"stopLoss"`
	StopLossPips         decimal.NullDecimal `json:"stopLossPips"`
	StopLossPipsChange   decimal.NullDecimal `json:"stopLossPipsChange"`
	TakeProfit           decimal.NullDecimal `json:"takeProfit"`
	TakeProfitPips       decimal.NullDecimal `json:"takeProfitPips"`
	TakeProfitPipsChange decimal.NullDecimal `json:"takeProfitPipsChange"`

	LinkID    string    `json:"linkId,omitempty"`
	OCOGroup  string    `json:"ocoGroup"`
	CreatedAt Timestamp `json:"createdAt"`
	DeletedAt Timestamp `json:"deletedAt,omitempty"`
}

// IsPending reports whether the order is still working, i.e. carries no
// deletion timestamp.
func (o *Order) IsPending() bool {
	return o.DeletedAt.IsZero()
}

// RestingPrice is the price a non-market order waits at. Stop types prefer
// the stop price, everything else the limit price.
func (o *Order) RestingPrice() (decimal.Decimal, bool) {
	first, second := o.Price, o.StopPrice
	if o.Type.isStop() {
		first, second = o.StopPrice, o.Price
	}
	if first.Valid && !first.Decimal.IsZero() {
		return first.Decimal, true
	}
	if second.Valid && !second.Decimal.IsZero() {
		return second.Decimal, true
	}
	return decimal.Zero, false
}

// PopulateOCOGroup sets OCOGroup from the order's id and link id, or clears it
// when the order is unlinked.
func (o *Order) PopulateOCOGroup() {
	o.OCOGroup = OCOGroup(o.ID, o.LinkID)
}

// OCOGroup builds the group key of a linked pair. Both legs produce the same
// key: the smaller id comes first. Numeric ids compare by value.
func OCOGroup(id, linkID string) string {
	if linkID == "" || id == "" {
		return ""
	}
	if lessID(linkID, id) {
		id, linkID = linkID, id
	}
	return id + "-" + linkID
}

func lessID(a, b string) bool {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}

// MutatePendingTpSl re-anchors the stop-loss and take-profit of a pending
// order to the reference price derived from quote. It returns whether any
// value changed. Applying it repeatedly with the same quote is a no-op.
func (o *Order) MutatePendingTpSl(quote *PriceTick, precision int32) bool {
	if !o.IsPending() || quote == nil {
		return false
	}
	if quote.Symbol != "" && quote.Symbol != o.Symbol {
		return false
	}

	ref, ok := o.referencePrice(quote)
	if !ok {
		return false
	}

	changed := false
	if o.StopLossPipsChange.Valid {
		changed = anchor(&o.StopLoss, ref, o.StopLossPipsChange.Decimal, precision) || changed
	}
	if o.TakeProfitPipsChange.Valid {
		changed = anchor(&o.TakeProfit, ref, o.TakeProfitPipsChange.Decimal, precision) || changed
	}
	return changed
}

// referencePrice is the quote side price for market orders and the resting
// price otherwise. An order without a resting price falls back to the quote.
func (o *Order) referencePrice(quote *PriceTick) (decimal.Decimal, bool) {
	if !o.Type.IsMarket() {
		if p, ok := o.RestingPrice(); ok {
			return p, true
		}
	}
	p := quote.SidePrice(o.Side)
	return p, !p.IsZero()
}

func anchor(dst *decimal.NullDecimal, ref, change decimal.Decimal, precision int32) bool {
	v := ref.Add(change).Round(precision)
	if dst.Valid && dst.Decimal.Equal(v) {
		return false
	}
	*dst = decimal.NewNullDecimal(v)
	return true
}

// PipOffsets converts a pip distance into stop-loss and take-profit price
// offsets for an order on side. A buy's stop-loss sits below and its
// take-profit above the reference price; a sell mirrors that.
func PipOffsets(side Side, pips, pipSize decimal.Decimal) (stopLoss, takeProfit decimal.Decimal) {
	dist := pips.Mul(pipSize)
	mult := side.Multiplier()
	return mult.Neg().Mul(dist), mult.Mul(dist)
}

// SetStopLossPips stores a stop-loss pip distance and its price offset.
func (o *Order) SetStopLossPips(pips, pipSize decimal.Decimal) {
	sl, _ := PipOffsets(o.Side, pips, pipSize)
	o.StopLossPips = decimal.NewNullDecimal(pips)
	o.StopLossPipsChange = decimal.NewNullDecimal(sl)
}

// SetTakeProfitPips stores a take-profit pip distance and its price offset.
func (o *Order) SetTakeProfitPips(pips, pipSize decimal.Decimal) {
	_, tp := PipOffsets(o.Side, pips, pipSize)
	o.TakeProfitPips = decimal.NewNullDecimal(pips)
	o.TakeProfitPipsChange = decimal.NewNullDecimal(tp)
}
