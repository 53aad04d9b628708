package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"papertrader/internal/account"
	"papertrader/internal/domain"
	"papertrader/pkg/db"
)

// Settler applies the account and position effects of a fill. Every method
// expects to run inside the caller's enclosing transaction; the fund freeze
// and trade recording happen elsewhere (order/trade services), so a settler
// method only adds the side that is still missing.
type Settler struct {
	store    *db.Store
	accounts *account.Service
	log      *slog.Logger
}

// NewSettler builds the settlement helper.
func NewSettler(store *db.Store, accounts *account.Service, log *slog.Logger) *Settler {
	if log == nil {
		log = slog.Default()
	}
	return &Settler{store: store, accounts: accounts, log: log.With("component", "settlement")}
}

// SettleBuy credits the bought base quantity and, when the fill improved on
// a resting limit price, refunds the unspent quote notional. The quote draw
// itself already happened through the freeze-and-consume path.
func (s *Settler) SettleBuy(ctx context.Context, symbol string, qty, execPrice, limitPrice float64) error {
	base, quote, err := domain.ParseSymbol(symbol)
	if err != nil {
		return err
	}
	if err := s.accounts.AddToAvailable(ctx, base, qty); err != nil {
		return err
	}
	if limitPrice > 0 && execPrice < limitPrice-domain.Epsilon {
		refund := (limitPrice - execPrice) * qty
		if err := s.accounts.AddToAvailable(ctx, quote, refund); err != nil {
			return err
		}
		s.log.Debug("price improvement refund", "symbol", symbol, "refund", refund)
	}
	return s.ApplyBuyFill(ctx, symbol, qty, execPrice)
}

// SettleSell verifies inventory, debits the base quantity, and credits the
// quote proceeds at the execution price.
func (s *Settler) SettleSell(ctx context.Context, symbol string, qty, execPrice float64) error {
	base, quote, err := domain.ParseSymbol(symbol)
	if err != nil {
		return err
	}
	if err := s.CheckSellInventory(ctx, symbol, qty); err != nil {
		return err
	}
	if err := s.accounts.ConsumeAvailable(ctx, base, qty); err != nil {
		return err
	}
	if err := s.accounts.AddToAvailable(ctx, quote, qty*execPrice); err != nil {
		return err
	}
	return s.ApplySellFill(ctx, symbol, qty, execPrice)
}

// CheckSellInventory requires both the base account's available funds and
// the position quantity to cover qty.
func (s *Settler) CheckSellInventory(ctx context.Context, symbol string, qty float64) error {
	base, _, err := domain.ParseSymbol(symbol)
	if err != nil {
		return err
	}

	acct, err := s.store.GetAccount(ctx, base)
	if err != nil {
		return fmt.Errorf("%w: no %s account", domain.ErrInsufficientInventory, base)
	}
	if acct.Available+domain.Epsilon < qty {
		return fmt.Errorf("%w: %s available %.12f < %.12f", domain.ErrInsufficientInventory, base, acct.Available, qty)
	}

	pos, err := s.store.GetPosition(ctx, symbol)
	if err != nil {
		return fmt.Errorf("%w: no %s position", domain.ErrInsufficientInventory, symbol)
	}
	if pos.Amount+domain.Epsilon < qty {
		return fmt.Errorf("%w: position %.12f < %.12f", domain.ErrInsufficientInventory, pos.Amount, qty)
	}
	return nil
}

// ApplyBuyFill folds a buy into the symbol position: a fresh row opens at
// the execution price, an existing one re-averages its entry.
func (s *Settler) ApplyBuyFill(ctx context.Context, symbol string, qty, execPrice float64) error {
	now := domain.NowMilli()

	pos, err := s.store.GetPosition(ctx, symbol)
	if errors.Is(err, domain.ErrNotFound) {
		pos = domain.Position{
			Symbol:       symbol,
			Amount:       qty,
			EntryPrice:   execPrice,
			CurrentPrice: execPrice,
			OpenedAt:     now,
			UpdatedAt:    now,
		}
		return s.store.UpsertPosition(ctx, pos)
	}
	if err != nil {
		return err
	}

	newAmount := pos.Amount + qty
	newEntry := (pos.Amount*pos.EntryPrice + qty*execPrice) / newAmount
	pos.Amount = newAmount
	pos.EntryPrice = newEntry
	pos.CurrentPrice = execPrice
	pos.UnrealizedPnL = (execPrice - newEntry) * newAmount
	pos.UpdatedAt = now
	return s.store.UpsertPosition(ctx, pos)
}

// ApplySellFill reduces the position and realizes PnL on the closed
// quantity. The row must exist and cover qty.
func (s *Settler) ApplySellFill(ctx context.Context, symbol string, qty, execPrice float64) error {
	pos, err := s.store.GetPosition(ctx, symbol)
	if err != nil {
		return fmt.Errorf("%w: no %s position", domain.ErrInsufficientInventory, symbol)
	}
	if pos.Amount+domain.Epsilon < qty {
		return fmt.Errorf("%w: position %.12f < %.12f", domain.ErrInsufficientInventory, pos.Amount, qty)
	}

	newAmount := pos.Amount - qty
	if newAmount < 0 {
		newAmount = 0
	}
	pos.RealizedPnL += (execPrice - pos.EntryPrice) * qty
	pos.Amount = newAmount
	pos.CurrentPrice = execPrice
	pos.UnrealizedPnL = (execPrice - pos.EntryPrice) * newAmount
	pos.UpdatedAt = domain.NowMilli()
	return s.store.UpsertPosition(ctx, pos)
}
