package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Direction marks how a price moved against the previous tick.
type Direction int8

const (
	DirectionNone Direction = 0
	DirectionUp   Direction = 1
	DirectionDown Direction = -1
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return "none"
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "up", "1":
		*d = DirectionUp
	case "down", "-1":
		*d = DirectionDown
	case "none", "", "0":
		*d = DirectionNone
	default:
		return fmt.Errorf("invalid direction %q", b)
	}
	return nil
}

// DirectionOf compares next against prev.
func DirectionOf(prev, next decimal.Decimal) Direction {
	switch next.Cmp(prev) {
	case 1:
		return DirectionUp
	case -1:
		return DirectionDown
	default:
		return DirectionNone
	}
}

// Side is the trade direction of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// IsSell reports whether the side is a sell, case-insensitively.
func (s Side) IsSell() bool {
	return strings.EqualFold(string(s), string(SideSell))
}

// Multiplier is -1 for sells and +1 otherwise.
func (s Side) Multiplier() decimal.Decimal {
	if s.IsSell() {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PriceTick is the latest quote for a symbol. It is replaced wholesale on
// every update.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bidPrice"`
	Ask       decimal.Decimal `json:"askPrice"`
	Spread    decimal.Decimal `json:"spread"`
	BidChange Direction       `json:"bidChange"`
	AskChange Direction       `json:"askChange"`
	Time      Timestamp       `json:"time"`
}

// SidePrice returns the price an order on the given side would execute at:
// the ask for buys, the bid for sells.
func (t PriceTick) SidePrice(side Side) decimal.Decimal {
	if side.IsSell() {
		return t.Bid
	}
	return t.Ask
}

// FollowUp derives the change markers of t against the previously cached tick
// and fills in a missing spread.
func (t PriceTick) FollowUp(prev *PriceTick) PriceTick {
	if t.Spread.IsZero() && !t.Ask.IsZero() && !t.Bid.IsZero() {
		t.Spread = t.Ask.Sub(t.Bid)
	}
	if prev == nil {
		t.BidChange, t.AskChange = DirectionNone, DirectionNone
		return t
	}
	t.BidChange = DirectionOf(prev.Bid, t.Bid)
	t.AskChange = DirectionOf(prev.Ask, t.Ask)
	return t
}
