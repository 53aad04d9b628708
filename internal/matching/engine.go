// Package matching fills market orders immediately and sweeps resting limit
// and trigger orders against the latest price.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"papertrader/internal/account"
	"papertrader/internal/domain"
	"papertrader/internal/execution"
	"papertrader/internal/market"
	"papertrader/internal/order"
	"papertrader/internal/risk"
	"papertrader/internal/trade"
	"papertrader/pkg/db"
)

// LatestPriceReader supplies the reference price for matching. Satisfied by
// market.Reader.
type LatestPriceReader interface {
	GetLatestPrice(ctx context.Context, symbol string) market.Snapshot
}

// Engine drives all three matching paths over the shared services.
type Engine struct {
	store    *db.Store
	accounts *account.Service
	orders   *order.Service
	trades   *trade.Service
	settler  *execution.Settler
	risk     *risk.Controller
	costs    execution.CostProfile
	reader   LatestPriceReader
	log      *slog.Logger
}

// NewEngine wires the matching engine. The cost profile is validated once
// here so the sweep paths can assume it is sane.
func NewEngine(store *db.Store, accounts *account.Service, orders *order.Service,
	trades *trade.Service, settler *execution.Settler, riskCtl *risk.Controller,
	costs execution.CostProfile, reader LatestPriceReader, log *slog.Logger) (*Engine, error) {
	if err := costs.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    store,
		accounts: accounts,
		orders:   orders,
		trades:   trades,
		settler:  settler,
		risk:     riskCtl,
		costs:    costs,
		reader:   reader,
		log:      log.With("component", "matching"),
	}, nil
}

// Fill is one completed match: the final order row, its trade, and the
// execution price used.
type Fill struct {
	Order     domain.Order
	Trade     domain.Trade
	ExecPrice float64
	MatchedAt int64
}

// SweepResult summarizes one pass over a resting-order queue.
type SweepResult struct {
	Symbol            string
	LatestPrice       float64
	CheckedCount      int
	Matched           []Fill
	RemainingOrderIDs []string
}

// latestPrice resolves the current price or fails the operation. Matching
// never runs on a missing price, cached fallbacks are acceptable.
func (e *Engine) latestPrice(ctx context.Context, symbol string) (float64, error) {
	snap := e.reader.GetLatestPrice(ctx, symbol)
	price, ok := snap.LastPrice()
	if !snap.OK || !ok {
		return 0, fmt.Errorf("%w: no price for %s (timed_out=%v error=%q)",
			domain.ErrUpstream, symbol, snap.TimedOut, snap.Error)
	}
	return price, nil
}

// ensureAccounts creates zero-balance base and quote accounts when missing.
func (e *Engine) ensureAccounts(ctx context.Context, symbol string) error {
	base, quote, err := domain.ParseSymbol(symbol)
	if err != nil {
		return err
	}
	if err := e.accounts.EnsureAccount(ctx, base); err != nil {
		return err
	}
	return e.accounts.EnsureAccount(ctx, quote)
}

// ExecuteMarketOrder fills the full amount at the slipped latest price in one
// transaction and returns the terminal filled order.
func (e *Engine) ExecuteMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, amount float64) (Fill, error) {
	if amount <= 0 {
		return Fill{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	if !side.Valid() {
		return Fill{}, fmt.Errorf("%w: unknown side %q", domain.ErrInvalidInput, side)
	}

	price, err := e.latestPrice(ctx, symbol)
	if err != nil {
		return Fill{}, err
	}
	execPrice := e.costs.ApplySlippage(price, side)
	fee := e.costs.Fee(execPrice, amount, execution.RoleTaker)

	if _, err := e.risk.CheckPreOrder(ctx, symbol, side, amount, execPrice); err != nil {
		return Fill{}, err
	}
	if side == domain.SideSell {
		if err := e.settler.CheckSellInventory(ctx, symbol, amount); err != nil {
			return Fill{}, err
		}
	}
	if err := e.ensureAccounts(ctx, symbol); err != nil {
		return Fill{}, err
	}

	var fill Fill
	err = e.store.Transaction(ctx, func(ctx context.Context) error {
		o, err := e.orders.CreateOrder(ctx, order.Request{
			Symbol: symbol,
			Type:   domain.OrderTypeMarket,
			Side:   side,
			Price:  execPrice,
			Amount: amount,
		})
		if err != nil {
			return err
		}
		if _, err := e.orders.UpdateOrderStatus(ctx, o.ID, domain.StatusOpen, nil); err != nil {
			return err
		}
		return e.fillOrder(ctx, &fill, o.ID, symbol, side, amount, execPrice, fee, execPrice)
	})
	if err != nil {
		return Fill{}, err
	}

	e.log.Info("market order filled", "order_id", fill.Order.ID, "symbol", symbol,
		"side", side, "amount", amount, "exec_price", execPrice, "fee", fee)
	return fill, nil
}

// fillOrder runs the shared tail of every match: record the trade, settle
// accounts and position, and reload the final order row. limitPrice bounds
// the buy price-improvement refund; pass execPrice when none applies.
func (e *Engine) fillOrder(ctx context.Context, fill *Fill, orderID, symbol string,
	side domain.OrderSide, qty, execPrice, fee, limitPrice float64) error {
	matchedAt := domain.NowMilli()
	tr, err := e.trades.RecordTrade(ctx, orderID, execPrice, qty, fee, matchedAt)
	if err != nil {
		return err
	}
	if side == domain.SideBuy {
		if err := e.settler.SettleBuy(ctx, symbol, qty, execPrice, limitPrice); err != nil {
			return err
		}
	} else {
		if err := e.settler.SettleSell(ctx, symbol, qty, execPrice); err != nil {
			return err
		}
	}
	final, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	*fill = Fill{Order: final, Trade: tr, ExecPrice: execPrice, MatchedAt: matchedAt}
	return nil
}

// PlaceLimitOrder rests a limit order in the book. No fill is attempted; the
// queue sweep picks it up on a later tick.
func (e *Engine) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, amount, limitPrice float64) (domain.Order, error) {
	if amount <= 0 {
		return domain.Order{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	if limitPrice <= 0 {
		return domain.Order{}, fmt.Errorf("%w: limit price must be positive", domain.ErrInvalidInput)
	}
	return e.placeResting(ctx, symbol, domain.OrderTypeLimit, side, amount, limitPrice)
}

// PlaceTriggerOrder rests a stop_loss or take_profit order keyed on its
// trigger price.
func (e *Engine) PlaceTriggerOrder(ctx context.Context, symbol string, typ domain.OrderType, side domain.OrderSide, amount, triggerPrice float64) (domain.Order, error) {
	if typ != domain.OrderTypeStopLoss && typ != domain.OrderTypeTakeProfit {
		return domain.Order{}, fmt.Errorf("%w: %q is not a trigger order type", domain.ErrInvalidInput, typ)
	}
	if amount <= 0 {
		return domain.Order{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	if triggerPrice <= 0 {
		return domain.Order{}, fmt.Errorf("%w: trigger price must be positive", domain.ErrInvalidInput)
	}
	return e.placeResting(ctx, symbol, typ, side, amount, triggerPrice)
}

func (e *Engine) placeResting(ctx context.Context, symbol string, typ domain.OrderType,
	side domain.OrderSide, amount, price float64) (domain.Order, error) {
	if !side.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown side %q", domain.ErrInvalidInput, side)
	}
	if _, err := e.risk.CheckPreOrder(ctx, symbol, side, amount, price); err != nil {
		return domain.Order{}, err
	}
	if side == domain.SideSell {
		if err := e.settler.CheckSellInventory(ctx, symbol, amount); err != nil {
			return domain.Order{}, err
		}
	}
	if err := e.ensureAccounts(ctx, symbol); err != nil {
		return domain.Order{}, err
	}

	var placed domain.Order
	err := e.store.Transaction(ctx, func(ctx context.Context) error {
		o, err := e.orders.CreateOrder(ctx, order.Request{
			Symbol: symbol,
			Type:   typ,
			Side:   side,
			Price:  price,
			Amount: amount,
		})
		if err != nil {
			return err
		}
		placed, err = e.orders.UpdateOrderStatus(ctx, o.ID, domain.StatusOpen, nil)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}

	e.log.Info("resting order placed", "order_id", placed.ID, "symbol", symbol,
		"type", typ, "side", side, "amount", amount, "price", price)
	return placed, nil
}

// ProcessLimitOrderQueue matches open limit orders against the latest price
// in price-time priority, buys before sells. Each match runs in its own
// transaction scope; a failed match leaves the order resting.
func (e *Engine) ProcessLimitOrderQueue(ctx context.Context, symbol string) (SweepResult, error) {
	price, err := e.latestPrice(ctx, symbol)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Symbol: symbol, LatestPrice: price}

	buys, err := e.store.ListRestingLimitOrders(ctx, symbol, domain.SideBuy)
	if err != nil {
		return SweepResult{}, err
	}
	sells, err := e.store.ListRestingLimitOrders(ctx, symbol, domain.SideSell)
	if err != nil {
		return SweepResult{}, err
	}

	for _, o := range append(buys, sells...) {
		res.CheckedCount++

		triggered := (o.Side == domain.SideBuy && price <= o.Price) ||
			(o.Side == domain.SideSell && price >= o.Price)
		q := o.Remaining()
		if !triggered || q <= domain.Epsilon {
			res.RemainingOrderIDs = append(res.RemainingOrderIDs, o.ID)
			continue
		}

		var ref float64
		if o.Side == domain.SideBuy {
			ref = math.Min(o.Price, price)
		} else {
			ref = math.Max(o.Price, price)
		}
		execPrice := e.costs.ApplySlippageBounded(ref, o.Price, o.Side)
		fee := e.costs.Fee(execPrice, q, execution.RoleMaker)

		if o.Side == domain.SideSell {
			// Inventory may have been spent since placement. The order stays
			// in the queue rather than failing the sweep.
			if err := e.settler.CheckSellInventory(ctx, symbol, q); err != nil {
				e.log.Warn("limit sell lacks inventory, left resting", "order_id", o.ID, "err", err)
				res.RemainingOrderIDs = append(res.RemainingOrderIDs, o.ID)
				continue
			}
		}

		var fill Fill
		err := e.store.Transaction(ctx, func(ctx context.Context) error {
			return e.fillOrder(ctx, &fill, o.ID, symbol, o.Side, q, execPrice, fee, o.Price)
		})
		if err != nil {
			e.log.Warn("limit match failed, order left resting", "order_id", o.ID, "err", err)
			res.RemainingOrderIDs = append(res.RemainingOrderIDs, o.ID)
			continue
		}
		res.Matched = append(res.Matched, fill)
	}

	if len(res.Matched) > 0 {
		e.log.Info("limit sweep matched orders", "symbol", symbol,
			"latest_price", price, "matched", len(res.Matched), "checked", res.CheckedCount)
	}
	return res, nil
}

// ProcessTriggerOrders fires resting stop_loss and take_profit orders in
// created_at order. Fills take the trigger price slipped as a taker, with no
// limit clamp.
func (e *Engine) ProcessTriggerOrders(ctx context.Context, symbol string) (SweepResult, error) {
	price, err := e.latestPrice(ctx, symbol)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Symbol: symbol, LatestPrice: price}

	resting, err := e.store.ListRestingTriggerOrders(ctx, symbol)
	if err != nil {
		return SweepResult{}, err
	}

	for _, o := range resting {
		res.CheckedCount++

		q := o.Remaining()
		if !triggerFires(o.Type, o.Side, price, o.Price) || q <= domain.Epsilon {
			res.RemainingOrderIDs = append(res.RemainingOrderIDs, o.ID)
			continue
		}

		execPrice := e.costs.ApplySlippage(o.Price, o.Side)
		fee := e.costs.Fee(execPrice, q, execution.RoleTaker)

		if o.Side == domain.SideSell {
			if err := e.settler.CheckSellInventory(ctx, symbol, q); err != nil {
				e.log.Warn("trigger sell lacks inventory, left resting", "order_id", o.ID, "err", err)
				res.RemainingOrderIDs = append(res.RemainingOrderIDs, o.ID)
				continue
			}
		}

		var fill Fill
		err := e.store.Transaction(ctx, func(ctx context.Context) error {
			return e.fillOrder(ctx, &fill, o.ID, symbol, o.Side, q, execPrice, fee, execPrice)
		})
		if err != nil {
			e.log.Warn("trigger match failed, order left resting", "order_id", o.ID, "err", err)
			res.RemainingOrderIDs = append(res.RemainingOrderIDs, o.ID)
			continue
		}
		res.Matched = append(res.Matched, fill)
	}

	if len(res.Matched) > 0 {
		e.log.Info("trigger sweep matched orders", "symbol", symbol,
			"latest_price", price, "matched", len(res.Matched), "checked", res.CheckedCount)
	}
	return res, nil
}

// triggerFires evaluates the stop/take trigger matrix.
func triggerFires(typ domain.OrderType, side domain.OrderSide, price, trigger float64) bool {
	switch typ {
	case domain.OrderTypeStopLoss:
		if side == domain.SideSell {
			return price <= trigger
		}
		return price >= trigger
	case domain.OrderTypeTakeProfit:
		if side == domain.SideSell {
			return price >= trigger
		}
		return price <= trigger
	default:
		return false
	}
}
