package domain

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Position is an open position. The server recomputes every numeric field;
// the client only relays them.
type Position struct {
	ID           string              `json:"id"`
	Account      AccountID           `json:"account"`
	Symbol       string              `json:"symbol"`
	Side         Side                `json:"side"`
	Quantity     decimal.NullDecimal `json:"quantity"`
	Trades       []Trade             `json:"trades,omitempty"`
	GrossPL      decimal.NullDecimal `json:"grossPL"`
	NetPL        decimal.NullDecimal `json:"netPL"`
	AvgPrice     decimal.NullDecimal `json:"avgPrice"`
	EntryPrice   decimal.NullDecimal `json:"entryPrice"`
	CurrentPrice decimal.NullDecimal `json:"currentPrice"`
	UpdatedAt    Timestamp           `json:"updatedAt"`

	// Closing is set locally while a close request is in flight.
	Closing bool `json:"closing"`
}

// NetPosition is the aggregated exposure of one symbol. It has the shape of
// a Position but is keyed by symbol.
type NetPosition = Position

// UnmarshalJSON decodes a position push. A falsy quantity (null, false, "" or
// zero) decodes as no quantity, which marks the position for removal.
func (p *Position) UnmarshalJSON(b []byte) error {
	type plain Position
	aux := struct {
		*plain
		Quantity json.RawMessage `json:"quantity"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	q, err := decodeQuantity(aux.Quantity)
	if err != nil {
		return err
	}
	p.Quantity = q
	return nil
}

func decodeQuantity(raw json.RawMessage) (decimal.NullDecimal, error) {
	raw = bytes.TrimSpace(raw)
	switch string(raw) {
	case "", "null", "false", `""`:
		return decimal.NullDecimal{}, nil
	}
	var q decimal.NullDecimal
	if err := json.Unmarshal(raw, &q); err != nil {
		return decimal.NullDecimal{}, err
	}
	return q, nil
}

// HasQuantity reports whether the position still holds exposure. A missing or
// zero quantity is the removal signal.
func (p *Position) HasQuantity() bool {
	return p.Quantity.Valid && !p.Quantity.Decimal.IsZero()
}

// Merge overlays the fields set in incoming onto p. A local closing flag is
// never cleared by a merge.
func (p Position) Merge(incoming Position) Position {
	out := p
	if incoming.ID != "" {
		out.ID = incoming.ID
	}
	if incoming.Account != "" {
		out.Account = incoming.Account
	}
	if incoming.Symbol != "" {
		out.Symbol = incoming.Symbol
	}
	if incoming.Side != "" {
		out.Side = incoming.Side
	}
	if incoming.Trades != nil {
		out.Trades = append([]Trade(nil), incoming.Trades...)
	}
	if !incoming.UpdatedAt.IsZero() {
		out.UpdatedAt = incoming.UpdatedAt
	}
	mergeNull(&out.Quantity, incoming.Quantity)
	mergeNull(&out.GrossPL, incoming.GrossPL)
	mergeNull(&out.NetPL, incoming.NetPL)
	mergeNull(&out.AvgPrice, incoming.AvgPrice)
	mergeNull(&out.EntryPrice, incoming.EntryPrice)
	mergeNull(&out.CurrentPrice, incoming.CurrentPrice)
	out.Closing = p.Closing || incoming.Closing
	return out
}

func mergeNull(dst *decimal.NullDecimal, src decimal.NullDecimal) {
	if src.Valid {
		*dst = src
	}
}

// Equal compares two positions by value.
func (p Position) Equal(o Position) bool {
	if p.ID != o.ID || p.Account != o.Account || p.Symbol != o.Symbol || p.Side != o.Side ||
		p.Closing != o.Closing || p.UpdatedAt != o.UpdatedAt {
		return false
	}
	if !nullEqual(p.Quantity, o.Quantity) || !nullEqual(p.GrossPL, o.GrossPL) ||
		!nullEqual(p.NetPL, o.NetPL) || !nullEqual(p.AvgPrice, o.AvgPrice) ||
		!nullEqual(p.EntryPrice, o.EntryPrice) || !nullEqual(p.CurrentPrice, o.CurrentPrice) {
		return false
	}
	if len(p.Trades) != len(o.Trades) {
		return false
	}
	for i := range p.Trades {
		if !p.Trades[i].Equal(o.Trades[i]) {
			return false
		}
	}
	return true
}

func nullEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

// Trade is a fill that opened or closed (part of) a position.
type Trade struct {
	ID         string              `json:"id"`
	Account    AccountID           `json:"account"`
	PositionID string              `json:"positionId,omitempty"`
	Symbol     string              `json:"symbol"`
	Side       Side                `json:"side"`
	Quantity   decimal.Decimal     `json:"quantity"`
	OpenPrice  decimal.NullDecimal `json:"openPrice"`
	ClosePrice decimal.NullDecimal `json:"closePrice"`
	GrossPL    decimal.NullDecimal `json:"grossPL"`
	NetPL      decimal.NullDecimal `json:"netPL"`
	OpenedAt   Timestamp           `json:"openedAt"`
	ClosedAt   Timestamp           `json:"closedAt,omitempty"`
}

// IsClosed reports whether the trade has been paired with a closing fill.
func (t Trade) IsClosed() bool {
	return !t.ClosedAt.IsZero()
}

func (t Trade) Equal(o Trade) bool {
	return t.ID == o.ID && t.Account == o.Account && t.PositionID == o.PositionID &&
		t.Symbol == o.Symbol && t.Side == o.Side && t.Quantity.Equal(o.Quantity) &&
		nullEqual(t.OpenPrice, o.OpenPrice) && nullEqual(t.ClosePrice, o.ClosePrice) &&
		nullEqual(t.GrossPL, o.GrossPL) && nullEqual(t.NetPL, o.NetPL) &&
		t.OpenedAt == o.OpenedAt && t.ClosedAt == o.ClosedAt
}

// ZeroQuantity is the explicit removal marker for a position.
func ZeroQuantity() decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.Zero)
}
