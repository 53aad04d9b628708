// Package order implements the order lifecycle: creation with fund freeze,
// status transitions, cancellation, and queries.
package order

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"papertrader/internal/account"
	"papertrader/internal/domain"
	"papertrader/pkg/db"
)

// Request describes a new order. ID may be set by the caller for idempotent
// retries; when empty a random id is generated.
type Request struct {
	ID     string
	Symbol string
	Type   domain.OrderType
	Side   domain.OrderSide
	Price  float64 // reference price; required for buys and non-market types
	Amount float64
}

// Service creates and mutates orders.
type Service struct {
	store    *db.Store
	accounts *account.Service
	log      *slog.Logger
}

// NewService builds the order service.
func NewService(store *db.Store, accounts *account.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, accounts: accounts, log: log.With("component", "order")}
}

// CreateOrder validates the request, freezes the quote notional for buys
// (every buy carries a reference price, so trigger buys reserve against
// their trigger price), and inserts the row with status pending, all in one
// transaction. Idempotent on id collision: the existing row is returned
// untouched and nothing is re-frozen.
func (s *Service) CreateOrder(ctx context.Context, req Request) (domain.Order, error) {
	_, quote, err := domain.ParseSymbol(req.Symbol)
	if err != nil {
		return domain.Order{}, err
	}
	if req.Amount <= 0 {
		return domain.Order{}, fmt.Errorf("%w: order amount must be positive", domain.ErrInvalidInput)
	}
	if !req.Type.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown order type %q", domain.ErrInvalidInput, req.Type)
	}
	if !req.Side.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown order side %q", domain.ErrInvalidInput, req.Side)
	}
	if req.Type != domain.OrderTypeMarket && req.Price <= 0 {
		return domain.Order{}, fmt.Errorf("%w: %s order requires price > 0", domain.ErrInvalidInput, req.Type)
	}
	if req.Side == domain.SideBuy && req.Price <= 0 {
		return domain.Order{}, fmt.Errorf("%w: buy order requires a reference price", domain.ErrInvalidInput)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := domain.NowMilli()
	o := domain.Order{
		ID:        id,
		Symbol:    req.Symbol,
		Type:      req.Type,
		Side:      req.Side,
		Price:     req.Price,
		Amount:    req.Amount,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.Validate(); err != nil {
		return domain.Order{}, err
	}

	var result domain.Order
	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		if existing, err := s.store.GetOrder(ctx, id); err == nil {
			result = existing
			return nil
		}

		if o.Side == domain.SideBuy {
			notional := o.Amount * o.Price
			if err := s.accounts.FreezeFunds(ctx, quote, notional); err != nil {
				return err
			}
		}
		if err := s.store.InsertOrder(ctx, o); err != nil {
			return err
		}
		result = o
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.log.Info("order created", "id", result.ID, "symbol", result.Symbol,
		"type", result.Type, "side", result.Side, "amount", result.Amount, "price", result.Price)
	return result, nil
}

// GetOrder loads one order by id.
func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.store.GetOrder(ctx, id)
}

// UpdateOrderStatus moves an order along the lifecycle graph, optionally
// advancing the filled quantity. A filled increase on a buy consumes the
// matching quote notional out of frozen funds. Cancellation requests route
// through CancelOrder so the remaining freeze is released.
func (s *Service) UpdateOrderStatus(ctx context.Context, id string, newStatus domain.OrderStatus, filled *float64) (domain.Order, error) {
	if !newStatus.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, newStatus)
	}
	if newStatus == domain.StatusCanceled {
		return s.CancelOrder(ctx, id)
	}

	var result domain.Order
	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		o, err := s.store.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(o.Status, newStatus) {
			return fmt.Errorf("%w: %s -> %s for order %s", domain.ErrInvalidTransition, o.Status, newStatus, id)
		}

		if filled != nil {
			newFilled := *filled
			if newFilled < o.Filled-domain.Epsilon {
				return fmt.Errorf("%w: filled cannot decrease (%.12f -> %.12f)", domain.ErrInvalidInput, o.Filled, newFilled)
			}
			if newFilled > o.Amount+domain.Epsilon {
				return fmt.Errorf("%w: filled %.12f > amount %.12f", domain.ErrOverfill, newFilled, o.Amount)
			}
			delta := newFilled - o.Filled
			if delta > domain.Epsilon && o.Side == domain.SideBuy {
				_, quote, err := domain.ParseSymbol(o.Symbol)
				if err != nil {
					return err
				}
				if err := s.accounts.ConsumeFrozen(ctx, quote, delta*o.Price); err != nil {
					return err
				}
			}
			o.Filled = newFilled
		}

		o.Status = newStatus
		o.UpdatedAt = domain.NowMilli()
		if err := s.store.UpdateOrder(ctx, o); err != nil {
			return err
		}
		result = o
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

// CancelOrder cancels an order, releasing the unfilled portion of a buy's
// frozen quote funds. Idempotent: an already-terminal order is returned
// untouched.
func (s *Service) CancelOrder(ctx context.Context, id string) (domain.Order, error) {
	var result domain.Order
	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		o, err := s.store.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if o.Status.Terminal() {
			result = o
			return nil
		}
		if !CanTransition(o.Status, domain.StatusCanceled) {
			return fmt.Errorf("%w: %s -> %s for order %s", domain.ErrInvalidTransition, o.Status, domain.StatusCanceled, id)
		}

		if o.Side == domain.SideBuy && o.Remaining() > domain.Epsilon {
			_, quote, err := domain.ParseSymbol(o.Symbol)
			if err != nil {
				return err
			}
			if err := s.accounts.ReleaseFunds(ctx, quote, o.Remaining()*o.Price); err != nil {
				return err
			}
		}

		o.Status = domain.StatusCanceled
		o.UpdatedAt = domain.NowMilli()
		if err := s.store.UpdateOrder(ctx, o); err != nil {
			return err
		}
		result = o
		s.log.Info("order canceled", "id", id, "filled", o.Filled, "amount", o.Amount)
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

// ListOrders returns orders newest first with optional symbol/status filters.
func (s *Service) ListOrders(ctx context.Context, symbol string, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, status)
	}
	return s.store.ListOrders(ctx, symbol, status, limit)
}
