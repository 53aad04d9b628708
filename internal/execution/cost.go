// Package execution holds the fill economics: slippage, maker/taker fees,
// and the account/position settlement applied inside a matching
// transaction.
package execution

import (
	"fmt"
	"math"

	"papertrader/internal/domain"
)

// Role distinguishes fee schedules: makers post liquidity (resting limit
// fills), takers remove it (market and trigger fills).
type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

// CostProfile configures the execution cost model. All rates are fractions
// in [0, 1].
type CostProfile struct {
	MakerFeeRate float64
	TakerFeeRate float64
	SlippageRate float64
}

// Validate rejects out-of-range rates.
func (c CostProfile) Validate() error {
	for _, r := range []struct {
		name string
		v    float64
	}{
		{"maker fee rate", c.MakerFeeRate},
		{"taker fee rate", c.TakerFeeRate},
		{"slippage rate", c.SlippageRate},
	} {
		if r.v < 0 || r.v > 1 {
			return fmt.Errorf("%w: %s %.6f outside [0,1]", domain.ErrInvalidInput, r.name, r.v)
		}
	}
	return nil
}

// ApplySlippage moves the reference price against the order: buys pay up,
// sells receive less.
func (c CostProfile) ApplySlippage(price float64, side domain.OrderSide) float64 {
	if side == domain.SideBuy {
		return price * (1 + c.SlippageRate)
	}
	return price * (1 - c.SlippageRate)
}

// ApplySlippageBounded applies slippage but never crosses the resting limit
// price: a buy fill is capped at the limit, a sell fill floored at it.
func (c CostProfile) ApplySlippageBounded(price, limitPrice float64, side domain.OrderSide) float64 {
	slipped := c.ApplySlippage(price, side)
	if side == domain.SideBuy {
		return math.Min(limitPrice, slipped)
	}
	return math.Max(limitPrice, slipped)
}

// Fee computes the notional fee for the given role.
func (c CostProfile) Fee(execPrice, amount float64, role Role) float64 {
	rate := c.TakerFeeRate
	if role == RoleMaker {
		rate = c.MakerFeeRate
	}
	return execPrice * amount * rate
}
