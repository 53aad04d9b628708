// Package risk implements the pre-trade checks: single-position notional,
// total exposure, and drawdown against the running equity peak.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"papertrader/internal/domain"
	"papertrader/pkg/db"
)

// Limits configures the controller. Size limits are fractions of total
// assets in (0, 1]; drawdown is a fraction in [0, 1].
type Limits struct {
	MaxPositionSize  float64
	MaxTotalPosition float64
	MaxDrawdown      float64
}

// Validate rejects out-of-range or inconsistent limits.
func (l Limits) Validate() error {
	if l.MaxPositionSize <= 0 || l.MaxPositionSize > 1 {
		return fmt.Errorf("%w: max_position_size %.4f outside (0,1]", domain.ErrInvalidInput, l.MaxPositionSize)
	}
	if l.MaxTotalPosition <= 0 || l.MaxTotalPosition > 1 {
		return fmt.Errorf("%w: max_total_position %.4f outside (0,1]", domain.ErrInvalidInput, l.MaxTotalPosition)
	}
	if l.MaxTotalPosition < l.MaxPositionSize {
		return fmt.Errorf("%w: max_total_position < max_position_size", domain.ErrInvalidInput)
	}
	if l.MaxDrawdown < 0 || l.MaxDrawdown > 1 {
		return fmt.Errorf("%w: max_drawdown %.4f outside [0,1]", domain.ErrInvalidInput, l.MaxDrawdown)
	}
	return nil
}

// Snapshot is the portfolio view computed for one pre-order check.
type Snapshot struct {
	BaseCash       float64
	PositionsValue float64
	TotalAssets    float64
	PeakEquity     float64
	Drawdown       float64
	OrderNotional  float64
}

// Controller holds the only process-scoped mutable risk state: the running
// equity peak. One instance per process, constructed with config.
type Controller struct {
	store  *db.Store
	limits Limits
	log    *slog.Logger

	mu         sync.Mutex
	peakEquity float64
}

// NewController builds the risk controller.
func NewController(store *db.Store, limits Limits, log *slog.Logger) (*Controller, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{store: store, limits: limits, log: log.With("component", "risk")}, nil
}

// Limits returns the configured limits.
func (c *Controller) Limits() Limits {
	return c.limits
}

// PeakEquity returns the running equity peak observed so far.
func (c *Controller) PeakEquity() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakEquity
}

// CheckPreOrder valuates the portfolio at the reference price and applies
// the buy-side limits. Sells always pass: they reduce exposure. The equity
// peak only ever rises.
func (c *Controller) CheckPreOrder(ctx context.Context, symbol string, side domain.OrderSide, amount, refPrice float64) (Snapshot, error) {
	if amount <= 0 {
		return Snapshot{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	if refPrice <= 0 {
		return Snapshot{}, fmt.Errorf("%w: reference price must be positive", domain.ErrInvalidInput)
	}
	_, quote, err := domain.ParseSymbol(symbol)
	if err != nil {
		return Snapshot{}, err
	}

	baseCash := 0.0
	if acct, err := c.store.GetAccount(ctx, quote); err == nil {
		baseCash = acct.Available + acct.Frozen
	}

	positions, err := c.store.ListPositions(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	positionsValue := 0.0
	entryValue := 0.0
	for _, p := range positions {
		if p.Amount <= domain.Epsilon {
			continue
		}
		mark := p.CurrentPrice
		if p.Symbol == symbol {
			mark = refPrice
		}
		if mark <= 0 {
			mark = p.EntryPrice
		}
		positionsValue += p.Amount * mark
		entryValue += p.Amount * p.EntryPrice
	}

	totalAssets := baseCash + positionsValue
	if totalAssets <= domain.Epsilon {
		return Snapshot{}, fmt.Errorf("%w: total assets are zero", domain.ErrRiskReject)
	}

	c.mu.Lock()
	candidate := math.Max(totalAssets, baseCash+entryValue)
	if candidate > c.peakEquity {
		c.peakEquity = candidate
	}
	peak := c.peakEquity
	c.mu.Unlock()

	drawdown := math.Max(0, (peak-totalAssets)/peak)
	orderNotional := amount * refPrice

	snap := Snapshot{
		BaseCash:       baseCash,
		PositionsValue: positionsValue,
		TotalAssets:    totalAssets,
		PeakEquity:     peak,
		Drawdown:       drawdown,
		OrderNotional:  orderNotional,
	}

	if side != domain.SideBuy {
		return snap, nil
	}

	if drawdown > c.limits.MaxDrawdown+domain.Epsilon {
		return snap, c.reject(snap, "drawdown %.4f exceeds limit %.4f", drawdown, c.limits.MaxDrawdown)
	}
	if ratio := orderNotional / totalAssets; ratio > c.limits.MaxPositionSize+domain.Epsilon {
		return snap, c.reject(snap, "order notional ratio %.4f exceeds limit %.4f", ratio, c.limits.MaxPositionSize)
	}
	if ratio := (positionsValue + orderNotional) / totalAssets; ratio > c.limits.MaxTotalPosition+domain.Epsilon {
		return snap, c.reject(snap, "total position ratio %.4f exceeds limit %.4f", ratio, c.limits.MaxTotalPosition)
	}
	return snap, nil
}

func (c *Controller) reject(snap Snapshot, format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	c.log.Warn("pre-order risk reject", "reason", reason,
		"total_assets", snap.TotalAssets, "drawdown", snap.Drawdown, "order_notional", snap.OrderNotional)
	return fmt.Errorf("%w: %s", domain.ErrRiskReject, reason)
}
