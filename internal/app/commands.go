package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"trade_sync/internal/domain"
	"trade_sync/internal/engine"

	"github.com/shopspring/decimal"
)

// Outbound command actions.
const (
	ActionClosePosition = "closePosition"
	ActionCancelOrder   = "cancelOrder"
	ActionSubmitOCO     = "submitOco"
)

var ErrInvalidOrder = errors.New("invalid order")

// ClosePosition asks the server to close a position. The position is marked
// closing right away and the mark is cleared once the server answered,
// whichever way.
func (s *Session) ClosePosition(ctx context.Context, id string) error {
	o := s.currentOwner()
	if o == nil {
		return domain.ErrNotConnected
	}
	if err := s.dispatcher.Dispatch(ctx, engine.SetClosing{ID: id}); err != nil {
		return err
	}

	err := o.Request(ctx, ActionClosePosition, map[string]string{"positionId": id})

	if cerr := s.dispatcher.Dispatch(context.WithoutCancel(ctx), engine.ClearClosing{ID: id}); cerr != nil {
		s.log.Warn("Failed to clear closing mark", slog.String("position", id), slog.Any("error", cerr))
	}
	if err != nil {
		return fmt.Errorf("close position %s: %w", id, err)
	}
	return nil
}

// CancelOrder asks the server to cancel a pending order. For an OCO leg the
// server answers with the updated pair.
func (s *Session) CancelOrder(ctx context.Context, id string) error {
	o := s.currentOwner()
	if o == nil {
		return domain.ErrNotConnected
	}
	if err := o.Request(ctx, ActionCancelOrder, map[string]string{"orderId": id}); err != nil {
		return fmt.Errorf("cancel order %s: %w", id, err)
	}
	return nil
}

// OrderRequest describes one leg of an order submission. Pip distances are
// optional.
type OrderRequest struct {
	Side           domain.Side
	Type           domain.OrderType
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	StopLossPips   decimal.NullDecimal
	TakeProfitPips decimal.NullDecimal
}

// OCORequest is one logical OCO instruction that yields two linked orders.
type OCORequest struct {
	Symbol  string
	PipSize decimal.Decimal
	Legs    [2]OrderRequest
}

type ocoParams struct {
	OCO1 domain.Order `json:"oco1"`
	OCO2 domain.Order `json:"oco2"`
}

// SubmitOCO sends both legs in one command. The resulting pair arrives later
// as an ocoOrders push.
func (s *Session) SubmitOCO(ctx context.Context, req OCORequest) error {
	o := s.currentOwner()
	if o == nil {
		return domain.ErrNotConnected
	}

	legs, err := buildOCO(o.Account(), req)
	if err != nil {
		return err
	}
	if err := o.Request(ctx, ActionSubmitOCO, ocoParams{OCO1: legs[0], OCO2: legs[1]}); err != nil {
		return fmt.Errorf("submit oco %s: %w", req.Symbol, err)
	}
	return nil
}

func buildOCO(account domain.AccountID, req OCORequest) ([2]domain.Order, error) {
	var legs [2]domain.Order
	if req.Symbol == "" {
		return legs, fmt.Errorf("%w: missing symbol", ErrInvalidOrder)
	}

	for i, leg := range req.Legs {
		if !leg.Quantity.IsPositive() {
			return legs, fmt.Errorf("%w: leg %d quantity must be positive", ErrInvalidOrder, i+1)
		}
		if leg.Type.IsMarket() {
			return legs, fmt.Errorf("%w: leg %d cannot be a market order", ErrInvalidOrder, i+1)
		}
		if !leg.Price.IsPositive() {
			return legs, fmt.Errorf("%w: leg %d price must be positive", ErrInvalidOrder, i+1)
		}

		ord := domain.Order{
			Account:  account,
			Symbol:   req.Symbol,
			Side:     leg.Side,
			Type:     leg.Type,
			Quantity: leg.Quantity,
			Price:    decimal.NewNullDecimal(leg.Price),
		}
		if leg.StopLossPips.Valid || leg.TakeProfitPips.Valid {
			if !req.PipSize.IsPositive() {
				return legs, fmt.Errorf("%w: pip size required for pip distances", ErrInvalidOrder)
			}
		}
		if leg.StopLossPips.Valid {
			ord.SetStopLossPips(leg.StopLossPips.Decimal, req.PipSize)
		}
		if leg.TakeProfitPips.Valid {
			ord.SetTakeProfitPips(leg.TakeProfitPips.Decimal, req.PipSize)
		}
		legs[i] = ord
	}
	return legs, nil
}
