// Package account owns every mutation of the per-currency balance rows.
// All primitives run inside a store transaction so callers can compose them
// into larger atomic steps via nested savepoints.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"papertrader/internal/domain"
	"papertrader/pkg/db"
)

// PriceLookup resolves a mark price for a symbol. ok=false means the caller
// should fall back to the stored current price.
type PriceLookup func(symbol string) (price float64, ok bool)

// Service mutates accounts and values portfolios.
type Service struct {
	store *db.Store
	log   *slog.Logger
}

// NewService builds the account service.
func NewService(store *db.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log.With("component", "account")}
}

// InitializeAccounts inserts a row per currency that does not exist yet,
// with balance = available = the given value and frozen = 0. Idempotent:
// currencies that already have a row are left untouched.
func (s *Service) InitializeAccounts(ctx context.Context, balances map[string]float64) error {
	for currency, amount := range balances {
		if amount < 0 {
			return fmt.Errorf("%w: initial balance for %s is negative", domain.ErrInvalidInput, currency)
		}
	}

	return s.store.Transaction(ctx, func(ctx context.Context) error {
		for currency, amount := range balances {
			if currency == "" {
				return fmt.Errorf("%w: empty currency", domain.ErrInvalidInput)
			}
			if _, err := s.store.GetAccount(ctx, currency); err == nil {
				continue
			}
			a := domain.Account{
				Currency:  currency,
				Balance:   amount,
				Available: amount,
				UpdatedAt: domain.NowMilli(),
			}
			if err := a.Validate(); err != nil {
				return err
			}
			if err := s.store.InsertAccount(ctx, a); err != nil {
				return err
			}
			s.log.Info("account initialized", "currency", currency, "balance", amount)
		}
		return nil
	})
}

// Deposit adds to both balance and available.
func (s *Service) Deposit(ctx context.Context, currency string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("%w: deposit amount is negative", domain.ErrInvalidInput)
	}
	return s.mutate(ctx, currency, func(a *domain.Account) error {
		a.Balance += amount
		a.Available += amount
		return nil
	})
}

// FreezeFunds moves amount from available to frozen.
func (s *Service) FreezeFunds(ctx context.Context, currency string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: freeze amount must be positive", domain.ErrInvalidInput)
	}
	return s.mutate(ctx, currency, func(a *domain.Account) error {
		if a.Available+domain.EpsilonBalance < amount {
			return fmt.Errorf("%w: %s available %.8f < freeze %.8f", domain.ErrFundsInsufficient, currency, a.Available, amount)
		}
		a.Available -= amount
		a.Frozen += amount
		return nil
	})
}

// ReleaseFunds moves amount from frozen back to available.
func (s *Service) ReleaseFunds(ctx context.Context, currency string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: release amount must be positive", domain.ErrInvalidInput)
	}
	return s.mutate(ctx, currency, func(a *domain.Account) error {
		if a.Frozen+domain.EpsilonBalance < amount {
			return fmt.Errorf("%w: %s frozen %.8f < release %.8f", domain.ErrFundsInsufficient, currency, a.Frozen, amount)
		}
		a.Available += amount
		a.Frozen -= amount
		return nil
	})
}

// ConsumeAvailable spends amount out of available, reducing balance.
func (s *Service) ConsumeAvailable(ctx context.Context, currency string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: consume amount must be positive", domain.ErrInvalidInput)
	}
	return s.mutate(ctx, currency, func(a *domain.Account) error {
		if a.Available+domain.EpsilonBalance < amount {
			return fmt.Errorf("%w: %s available %.8f < consume %.8f", domain.ErrFundsInsufficient, currency, a.Available, amount)
		}
		a.Available -= amount
		a.Balance -= amount
		return nil
	})
}

// ConsumeFrozen spends amount out of frozen, reducing balance. This is the
// settlement path for funds reserved at order creation.
func (s *Service) ConsumeFrozen(ctx context.Context, currency string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: consume amount must be positive", domain.ErrInvalidInput)
	}
	return s.mutate(ctx, currency, func(a *domain.Account) error {
		if a.Frozen+domain.EpsilonBalance < amount {
			return fmt.Errorf("%w: %s frozen %.8f < consume %.8f", domain.ErrFundsInsufficient, currency, a.Frozen, amount)
		}
		a.Frozen -= amount
		a.Balance -= amount
		return nil
	})
}

// AddToAvailable credits amount to both available and balance.
func (s *Service) AddToAvailable(ctx context.Context, currency string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("%w: credit amount is negative", domain.ErrInvalidInput)
	}
	return s.mutate(ctx, currency, func(a *domain.Account) error {
		a.Available += amount
		a.Balance += amount
		return nil
	})
}

// EnsureAccount creates a zero row for the currency if missing.
func (s *Service) EnsureAccount(ctx context.Context, currency string) error {
	return s.InitializeAccounts(ctx, map[string]float64{currency: 0})
}

func (s *Service) mutate(ctx context.Context, currency string, apply func(*domain.Account) error) error {
	if currency == "" {
		return fmt.Errorf("%w: empty currency", domain.ErrInvalidInput)
	}
	return s.store.Transaction(ctx, func(ctx context.Context) error {
		a, err := s.store.GetAccount(ctx, currency)
		if err != nil {
			return err
		}
		if err := apply(&a); err != nil {
			return err
		}
		a.UpdatedAt = domain.NowMilli()
		if err := a.Validate(); err != nil {
			return err
		}
		return s.store.UpdateAccount(ctx, a)
	})
}

// ListAccounts returns all currency rows.
func (s *Service) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.store.ListAccounts(ctx)
}

// LoadPositions returns all position rows.
func (s *Service) LoadPositions(ctx context.Context) ([]domain.Position, error) {
	return s.store.ListPositions(ctx)
}

// RepricePosition updates the symbol's mark price and unrealized pnl. A
// missing position is a no-op.
func (s *Service) RepricePosition(ctx context.Context, symbol string, price float64) error {
	if price <= 0 {
		return fmt.Errorf("%w: mark price must be positive", domain.ErrInvalidInput)
	}
	return s.store.Transaction(ctx, func(ctx context.Context) error {
		p, err := s.store.GetPosition(ctx, symbol)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		p.CurrentPrice = price
		p.UnrealizedPnL = (price - p.EntryPrice) * p.Amount
		p.UpdatedAt = domain.NowMilli()
		return s.store.UpsertPosition(ctx, p)
	})
}

// ComputeTotalAssets values the portfolio in the base currency: cash balance
// plus each position at its mark price. The lookup wins; a stored current
// price is the fallback; a held position with neither fails.
func (s *Service) ComputeTotalAssets(ctx context.Context, baseCurrency string, lookup PriceLookup) (float64, error) {
	cash := 0.0
	if a, err := s.store.GetAccount(ctx, baseCurrency); err == nil {
		cash = a.Balance
	}

	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return 0, err
	}

	total := cash
	for _, p := range positions {
		if p.Amount <= domain.Epsilon {
			continue
		}
		mark := 0.0
		if lookup != nil {
			if price, ok := lookup(p.Symbol); ok {
				mark = price
			}
		}
		if mark <= 0 {
			mark = p.CurrentPrice
		}
		if mark <= 0 {
			return 0, fmt.Errorf("%w: no mark price for %s", domain.ErrInvalidInput, p.Symbol)
		}
		total += p.Amount * mark
	}
	return total, nil
}

// PortfolioSnapshot bundles accounts, positions, and the total valuation.
type PortfolioSnapshot struct {
	Accounts    []domain.Account
	Positions   []domain.Position
	TotalAssets float64
}

// Snapshot returns the full portfolio view at current marks.
func (s *Service) Snapshot(ctx context.Context, baseCurrency string, lookup PriceLookup) (PortfolioSnapshot, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return PortfolioSnapshot{}, err
	}
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return PortfolioSnapshot{}, err
	}
	total, err := s.ComputeTotalAssets(ctx, baseCurrency, lookup)
	if err != nil {
		return PortfolioSnapshot{}, err
	}
	return PortfolioSnapshot{Accounts: accounts, Positions: positions, TotalAssets: total}, nil
}
