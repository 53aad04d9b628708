// Package sim runs the realtime simulation loop: fetch a price, merge it
// into the current candle, reprice holdings, sweep the resting queues, and
// hand the tick to the strategy.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"papertrader/internal/account"
	"papertrader/internal/domain"
	"papertrader/internal/events"
	"papertrader/internal/market"
	"papertrader/internal/matching"
	"papertrader/internal/strategy"
	"papertrader/pkg/db"
)

// Config controls one loop run. MaxIterations == 0 runs until Stop.
type Config struct {
	Symbol              string
	Timeframe           string
	TickIntervalSeconds int
	MaxIterations       int
	StrategyID          string
	Parameters          map[string]any
}

// Validate checks the symbol, timeframe, and interval.
func (c Config) Validate() error {
	if _, _, err := domain.ParseSymbol(c.Symbol); err != nil {
		return err
	}
	if _, err := TimeframeMillis(c.Timeframe); err != nil {
		return err
	}
	if c.TickIntervalSeconds < 0 {
		return fmt.Errorf("%w: tick interval must be >= 0", domain.ErrInvalidInput)
	}
	return nil
}

// TimeframeMillis maps a timeframe label to its bucket width.
func TimeframeMillis(timeframe string) (int64, error) {
	switch timeframe {
	case "1m":
		return 60_000, nil
	case "5m":
		return 300_000, nil
	case "15m":
		return 900_000, nil
	case "1h":
		return 3_600_000, nil
	case "4h":
		return 14_400_000, nil
	case "1d":
		return 86_400_000, nil
	default:
		return 0, fmt.Errorf("%w: unsupported timeframe %q", domain.ErrInvalidInput, timeframe)
	}
}

// Loop ties the market reader, matching engine, and strategy together.
type Loop struct {
	cfg        Config
	intervalMS int64
	store      *db.Store
	accounts   *account.Service
	engine     *matching.Engine
	reader     matching.LatestPriceReader
	guard      *strategy.Guard
	monitor    *Monitor
	bus        *events.Bus
	log        *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewLoop validates the config and wires the loop.
func NewLoop(cfg Config, store *db.Store, accounts *account.Service, engine *matching.Engine,
	reader matching.LatestPriceReader, guard *strategy.Guard, monitor *Monitor, log *slog.Logger) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	intervalMS, _ := TimeframeMillis(cfg.Timeframe)
	if monitor == nil {
		monitor = NewMonitor(0, nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		cfg:        cfg,
		intervalMS: intervalMS,
		store:      store,
		accounts:   accounts,
		engine:     engine,
		reader:     reader,
		guard:      guard,
		monitor:    monitor,
		log:        log.With("component", "sim", "symbol", cfg.Symbol),
	}, nil
}

// Monitor exposes the loop's monitor for status reporting.
func (l *Loop) Monitor() *Monitor { return l.monitor }

// AttachBus makes the loop publish tick, candle, and fill events. Call
// before Start.
func (l *Loop) AttachBus(bus *events.Bus) { l.bus = bus }

func (l *Loop) publishFill(f matching.Fill) {
	if l.bus == nil {
		return
	}
	l.bus.PublishOrderFilled(events.OrderFilled{
		OrderID:   f.Order.ID,
		TradeID:   f.Trade.ID,
		Symbol:    f.Order.Symbol,
		Side:      f.Order.Side,
		Amount:    f.Trade.Amount,
		Price:     f.ExecPrice,
		MatchedAt: f.MatchedAt,
	})
}

// Start initializes the strategy and runs ticks until MaxIterations, Stop,
// or context cancellation. The strategy's OnStop always fires on exit.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("%w: simulation already running", domain.ErrLifecycle)
	}
	l.running = true
	l.stopCh = make(chan struct{})
	stopCh := l.stopCh
	l.mu.Unlock()

	reason := "completed"
	defer func() {
		if err := l.guard.Stop(reason); err != nil {
			l.log.Error("strategy stop failed", "err", err)
		}
		l.monitor.SetRunning(false, reason)
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	err := l.guard.Initialize(strategy.Context{
		StrategyID: l.cfg.StrategyID,
		Symbol:     l.cfg.Symbol,
		Timeframe:  l.cfg.Timeframe,
		Parameters: l.cfg.Parameters,
	})
	if err != nil {
		reason = "initialize failed"
		return err
	}

	runID := uuid.NewString()
	params := fmt.Sprintf("%v", l.cfg.Parameters)
	if err := l.store.InsertStrategyRun(ctx, runID, l.cfg.StrategyID, l.cfg.Symbol, l.cfg.Timeframe, params, domain.NowMilli()); err != nil {
		reason = "run record failed"
		return err
	}
	defer func() {
		if err := l.store.FinishStrategyRun(context.WithoutCancel(ctx), runID, reason, domain.NowMilli()); err != nil {
			l.log.Error("finish run record failed", "err", err)
		}
	}()

	l.monitor.SetRunning(true, "")
	l.log.Info("simulation started", "strategy", l.cfg.StrategyID, "timeframe", l.cfg.Timeframe,
		"tick_interval_s", l.cfg.TickIntervalSeconds, "max_iterations", l.cfg.MaxIterations)

	for i := 0; l.cfg.MaxIterations == 0 || i < l.cfg.MaxIterations; i++ {
		select {
		case <-stopCh:
			reason = "stop requested"
			return nil
		case <-ctx.Done():
			reason = "context canceled"
			return ctx.Err()
		default:
		}

		l.tick(ctx)

		if !l.sleep(ctx, stopCh) {
			if ctx.Err() != nil {
				reason = "context canceled"
				return ctx.Err()
			}
			reason = "stop requested"
			return nil
		}
	}
	return nil
}

// Stop requests a stop. The current tick completes first.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running && l.stopCh != nil {
		select {
		case <-l.stopCh:
		default:
			close(l.stopCh)
		}
	}
}

// Running reports whether a run is in progress.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// sleep waits the tick interval; false means the loop should exit.
func (l *Loop) sleep(ctx context.Context, stopCh chan struct{}) bool {
	if l.cfg.TickIntervalSeconds <= 0 {
		return true
	}
	timer := time.NewTimer(time.Duration(l.cfg.TickIntervalSeconds) * time.Second)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// tick runs one iteration. Every step failure is contained: logged, alerted
// where it matters, and the loop moves on.
func (l *Loop) tick(ctx context.Context) {
	l.monitor.RecordTick()

	snap := l.reader.GetLatestPrice(ctx, l.cfg.Symbol)
	price, priceOK := snap.LastPrice()
	if !snap.OK || !priceOK {
		l.monitor.Alert(fmt.Sprintf("no market price for %s (timed_out=%v error=%q)",
			l.cfg.Symbol, snap.TimedOut, snap.Error))
		return
	}

	if l.bus != nil {
		l.bus.PublishPriceTick(events.PriceTick{
			Symbol: l.cfg.Symbol, Price: price, Timestamp: snap.FetchedAt,
		})
	}

	l.mergeCandle(ctx, snap.FetchedAt, price)

	if err := l.accounts.RepricePosition(ctx, l.cfg.Symbol, price); err != nil {
		l.log.Error("position repricing failed", "err", err)
		l.monitor.Alert(fmt.Sprintf("valuation failed for %s: %v", l.cfg.Symbol, err))
	}

	matched := 0
	if res, err := l.engine.ProcessLimitOrderQueue(ctx, l.cfg.Symbol); err != nil {
		l.log.Error("limit sweep failed", "err", err)
	} else {
		matched += len(res.Matched)
		for _, fill := range res.Matched {
			l.publishFill(fill)
		}
	}
	if res, err := l.engine.ProcessTriggerOrders(ctx, l.cfg.Symbol); err != nil {
		l.log.Error("trigger sweep failed", "err", err)
	} else {
		matched += len(res.Matched)
		for _, fill := range res.Matched {
			l.publishFill(fill)
		}
	}
	l.monitor.RecordMatches(matched)

	sig := l.runStrategy(snap, price)
	if sig != nil {
		l.executeSignal(ctx, sig)
	}

	l.notifyStrategy(ctx)
}

// mergeCandle folds the tick price into its timeframe bucket.
func (l *Loop) mergeCandle(ctx context.Context, fetchedAt int64, price float64) {
	bucketTS := fetchedAt - fetchedAt%l.intervalMS
	c := domain.Candle{
		Symbol:    l.cfg.Symbol,
		Timeframe: l.cfg.Timeframe,
		Timestamp: bucketTS,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    0,
		CreatedAt: domain.NowMilli(),
	}
	if err := l.store.MergeCandleTick(ctx, c); err != nil {
		l.log.Error("candle merge failed", "bucket_ts", bucketTS, "err", err)
		return
	}
	if l.bus != nil {
		l.bus.PublishCandleMerged(events.CandleMerged{
			Symbol: l.cfg.Symbol, Timeframe: l.cfg.Timeframe, BucketTS: bucketTS, Price: price,
		})
	}
}

// runStrategy calls OnRun with panic containment; a panicking or failing
// strategy yields a null signal for this tick.
func (l *Loop) runStrategy(snap market.Snapshot, price float64) (sig *strategy.Signal) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("strategy panicked", "panic", r)
			l.monitor.Alert(fmt.Sprintf("strategy panic: %v", r))
			sig = nil
		}
	}()

	m := strategy.MarketData{
		Symbol:      l.cfg.Symbol,
		Timestamp:   snap.FetchedAt,
		LatestPrice: price,
	}
	if t, ok := snap.Data.(market.Ticker); ok {
		m.Bid = t.Bid
		m.Ask = t.Ask
	}

	out, err := l.guard.Run(m)
	if err != nil {
		l.log.Error("strategy run failed", "err", err)
		l.monitor.Alert(fmt.Sprintf("strategy error: %v", err))
		return nil
	}
	return out
}

// executeSignal turns a strategy signal into an order. Unknown actions are
// ignored; execution errors are reported and swallowed.
func (l *Loop) executeSignal(ctx context.Context, sig *strategy.Signal) {
	if sig.Amount <= 0 {
		return
	}
	var side domain.OrderSide
	switch sig.Action {
	case strategy.ActionBuy:
		side = domain.SideBuy
	case strategy.ActionSell:
		side = domain.SideSell
	default:
		return
	}

	var err error
	switch {
	case sig.Type == domain.OrderTypeMarket:
		_, err = l.engine.ExecuteMarketOrder(ctx, l.cfg.Symbol, side, sig.Amount)
	case sig.Type == domain.OrderTypeLimit && sig.Price > 0:
		_, err = l.engine.PlaceLimitOrder(ctx, l.cfg.Symbol, side, sig.Amount, sig.Price)
	case (sig.Type == domain.OrderTypeStopLoss || sig.Type == domain.OrderTypeTakeProfit) && sig.TriggerPrice > 0:
		_, err = l.engine.PlaceTriggerOrder(ctx, l.cfg.Symbol, sig.Type, side, sig.Amount, sig.TriggerPrice)
	default:
		return
	}
	if err != nil {
		l.log.Error("signal execution failed", "action", sig.Action, "type", sig.Type, "err", err)
		l.monitor.Alert(fmt.Sprintf("signal rejected: %v", err))
		return
	}
	l.monitor.RecordSignal()
}

// notifyStrategy delivers the symbol's recent orders and their trades.
// Delivery failures never affect the tick.
func (l *Loop) notifyStrategy(ctx context.Context) {
	orders, err := l.store.ListOrders(ctx, l.cfg.Symbol, "", 10)
	if err != nil {
		l.log.Error("order notification load failed", "err", err)
		return
	}
	for _, o := range orders {
		if err := l.guard.NotifyOrder(o); err != nil {
			l.log.Debug("order notification dropped", "order_id", o.ID, "err", err)
		}
		trades, err := l.store.ListTradesForOrder(ctx, o.ID)
		if err != nil {
			l.log.Error("trade notification load failed", "order_id", o.ID, "err", err)
			continue
		}
		for _, t := range trades {
			if err := l.guard.NotifyTrade(t); err != nil {
				l.log.Debug("trade notification dropped", "trade_id", t.ID, "err", err)
			}
		}
	}
}
