// Package trade records fills against orders and advances the parent
// order's filled quantity and status in the same transaction.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"papertrader/internal/account"
	"papertrader/internal/domain"
	"papertrader/internal/order"
	"papertrader/pkg/db"
)

// Service inserts trade rows. Trades are never mutated or deleted.
type Service struct {
	store    *db.Store
	accounts *account.Service
	log      *slog.Logger
}

// NewService builds the trade service.
func NewService(store *db.Store, accounts *account.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, accounts: accounts, log: log.With("component", "trade")}
}

// RecordTrade inserts a fill for an order and advances the order: the new
// filled quantity must not exceed the order amount, buy fills consume the
// matching quote notional from frozen funds, and the order moves to filled
// or partially_filled. One transaction; a failure leaves no trade row and
// the order untouched.
func (s *Service) RecordTrade(ctx context.Context, orderID string, price, amount, fee float64, ts int64) (domain.Trade, error) {
	if price <= 0 {
		return domain.Trade{}, fmt.Errorf("%w: trade price must be positive", domain.ErrInvalidInput)
	}
	if amount <= 0 {
		return domain.Trade{}, fmt.Errorf("%w: trade amount must be positive", domain.ErrInvalidInput)
	}
	if fee < 0 {
		return domain.Trade{}, fmt.Errorf("%w: trade fee must be non-negative", domain.ErrInvalidInput)
	}
	if ts <= 0 {
		ts = domain.NowMilli()
	}

	var result domain.Trade
	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		o, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != domain.StatusOpen && o.Status != domain.StatusPartiallyFilled {
			return fmt.Errorf("%w: order %s is %s", domain.ErrNotFillable, orderID, o.Status)
		}

		newFilled := o.Filled + amount
		if newFilled > o.Amount+domain.Epsilon {
			return fmt.Errorf("%w: %.12f + %.12f > %.12f", domain.ErrOverfill, o.Filled, amount, o.Amount)
		}

		t := domain.Trade{
			OrderID:   orderID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Price:     price,
			Amount:    amount,
			Fee:       fee,
			Timestamp: ts,
		}
		if err := t.Validate(); err != nil {
			return err
		}
		id, err := s.store.InsertTrade(ctx, t)
		if err != nil {
			return err
		}
		t.ID = id

		if o.Side == domain.SideBuy {
			_, quote, err := domain.ParseSymbol(o.Symbol)
			if err != nil {
				return err
			}
			if err := s.accounts.ConsumeFrozen(ctx, quote, amount*o.Price); err != nil {
				return err
			}
		}

		newStatus := domain.StatusPartiallyFilled
		if math.Abs(newFilled-o.Amount) <= domain.Epsilon {
			newFilled = o.Amount
			newStatus = domain.StatusFilled
		}
		if !order.CanTransition(o.Status, newStatus) {
			return fmt.Errorf("%w: %s -> %s for order %s", domain.ErrInvalidTransition, o.Status, newStatus, orderID)
		}

		o.Filled = newFilled
		o.Status = newStatus
		o.UpdatedAt = domain.NowMilli()
		if err := s.store.UpdateOrder(ctx, o); err != nil {
			return err
		}

		result = t
		return nil
	})
	if err != nil {
		return domain.Trade{}, err
	}

	s.log.Info("trade recorded", "order_id", orderID, "price", price, "amount", amount, "fee", fee)
	return result, nil
}

// ListTradesForOrder returns an order's fills newest first.
func (s *Service) ListTradesForOrder(ctx context.Context, orderID string) ([]domain.Trade, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: empty order id", domain.ErrInvalidInput)
	}
	return s.store.ListTradesForOrder(ctx, orderID)
}
