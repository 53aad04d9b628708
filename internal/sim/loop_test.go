package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"papertrader/internal/account"
	"papertrader/internal/domain"
	"papertrader/internal/events"
	"papertrader/internal/execution"
	"papertrader/internal/market"
	"papertrader/internal/matching"
	"papertrader/internal/order"
	"papertrader/internal/risk"
	"papertrader/internal/strategy"
	"papertrader/internal/trade"
	"papertrader/pkg/db"
)

type fixedFeed struct {
	price float64
	ok    bool
}

func (f *fixedFeed) GetLatestPrice(_ context.Context, symbol string) market.Snapshot {
	return market.Snapshot{
		Channel:   market.ChannelTicker,
		Symbol:    symbol,
		OK:        f.ok,
		FetchedAt: domain.NowMilli(),
		Data:      market.Ticker{LastPrice: f.price, Bid: f.price, Ask: f.price},
	}
}

// scriptedStrategy replays one signal per tick from a queue, then holds.
type scriptedStrategy struct {
	signals    []*strategy.Signal
	panicAt    int
	runCalls   int
	orderSeen  int
	tradeSeen  int
	stopCalled bool
	stopReason string
}

func (s *scriptedStrategy) OnInitialize(strategy.Context) error { return nil }

func (s *scriptedStrategy) OnRun(strategy.MarketData) (*strategy.Signal, error) {
	s.runCalls++
	if s.panicAt > 0 && s.runCalls == s.panicAt {
		panic("scripted panic")
	}
	if len(s.signals) == 0 {
		return nil, nil
	}
	sig := s.signals[0]
	s.signals = s.signals[1:]
	return sig, nil
}

func (s *scriptedStrategy) OnOrder(domain.Order) error { s.orderSeen++; return nil }
func (s *scriptedStrategy) OnTrade(domain.Trade) error { s.tradeSeen++; return nil }
func (s *scriptedStrategy) OnStop(reason string) error {
	s.stopCalled = true
	s.stopReason = reason
	return nil
}

type loopFixture struct {
	store  *db.Store
	feed   *fixedFeed
	impl   *scriptedStrategy
	engine *matching.Engine
	loop   *Loop
}

func newLoopFixture(t *testing.T, cfg Config, impl *scriptedStrategy) *loopFixture {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitializeSchema(context.Background()))

	accounts := account.NewService(store, nil)
	require.NoError(t, accounts.InitializeAccounts(context.Background(),
		map[string]float64{"USDT": 100_000, "BTC": 0}))

	orders := order.NewService(store, accounts, nil)
	trades := trade.NewService(store, accounts, nil)
	settler := execution.NewSettler(store, accounts, nil)
	riskCtl, err := risk.NewController(store, risk.Limits{
		MaxPositionSize: 0.3, MaxTotalPosition: 0.8, MaxDrawdown: 0.5,
	}, nil)
	require.NoError(t, err)

	feed := &fixedFeed{price: 50_000, ok: true}
	engine, err := matching.NewEngine(store, accounts, orders, trades, settler, riskCtl,
		execution.CostProfile{}, feed, nil)
	require.NoError(t, err)

	loop, err := NewLoop(cfg, store, accounts, engine, feed, strategy.NewGuard(impl), nil, nil)
	require.NoError(t, err)
	return &loopFixture{store: store, feed: feed, impl: impl, engine: engine, loop: loop}
}

func baseConfig(maxIterations int) Config {
	return Config{
		Symbol:        "BTC/USDT",
		Timeframe:     "1m",
		MaxIterations: maxIterations,
		StrategyID:    "scripted",
	}
}

func TestLoopBoundedRun(t *testing.T) {
	impl := &scriptedStrategy{signals: []*strategy.Signal{
		{Action: strategy.ActionBuy, Type: domain.OrderTypeMarket, Amount: 0.1},
	}}
	f := newLoopFixture(t, baseConfig(3), impl)
	ctx := context.Background()

	require.NoError(t, f.loop.Start(ctx))
	require.False(t, f.loop.Running())

	stats := f.loop.Monitor().Snapshot()
	require.EqualValues(t, 3, stats.TicksProcessed)
	require.EqualValues(t, 1, stats.SignalsGenerated)
	require.Equal(t, "completed", stats.StopReason)

	require.Equal(t, 3, impl.runCalls)
	require.True(t, impl.stopCalled)
	require.Equal(t, "completed", impl.stopReason)
	require.GreaterOrEqual(t, impl.orderSeen, 1)
	require.GreaterOrEqual(t, impl.tradeSeen, 1)

	// The buy signal landed as a real position.
	p, err := f.store.GetPosition(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.InDelta(t, 0.1, p.Amount, domain.Epsilon)
	require.InDelta(t, 50_000, p.EntryPrice, domain.Epsilon)
	require.InDelta(t, 50_000, p.CurrentPrice, domain.Epsilon)

	// Each tick merged into the current 1m bucket.
	candles, err := f.store.ListCandles(ctx, "BTC/USDT", "1m", 0, domain.NowMilli(), 0)
	require.NoError(t, err)
	require.NotEmpty(t, candles)
	require.InDelta(t, 50_000, candles[0].Close, domain.Epsilon)
	require.Zero(t, candles[0].Timestamp%60_000)
}

func TestLoopRestingOrderMatchedBySweep(t *testing.T) {
	impl := &scriptedStrategy{}
	f := newLoopFixture(t, baseConfig(1), impl)
	ctx := context.Background()

	// A limit buy rests at 49000 before the run; the loop's sweep fills it
	// once the feed price is below the limit.
	placed, err := f.engine.PlaceLimitOrder(ctx, "BTC/USDT", domain.SideBuy, 0.2, 49_000)
	require.NoError(t, err)

	bus := events.NewBus()
	fills, unsub := bus.SubscribeFills(4)
	defer unsub()
	f.loop.AttachBus(bus)

	f.feed.price = 48_000
	require.NoError(t, f.loop.Start(ctx))

	got, err := f.store.GetOrder(ctx, placed.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFilled, got.Status)

	published := drain(fills)
	require.Len(t, published, 1)
	require.Equal(t, placed.ID, published[0].OrderID)
	require.InDelta(t, 48_000, published[0].Price, domain.Epsilon)

	stats := f.loop.Monitor().Snapshot()
	require.EqualValues(t, 1, stats.OrdersMatched)

	p, err := f.store.GetPosition(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.InDelta(t, 0.2, p.Amount, domain.Epsilon)
	require.InDelta(t, 48_000, p.EntryPrice, domain.Epsilon)
}

func TestLoopStopRequest(t *testing.T) {
	impl := &scriptedStrategy{}
	cfg := baseConfig(0)
	cfg.TickIntervalSeconds = 1
	f := newLoopFixture(t, cfg, impl)

	done := make(chan error, 1)
	go func() { done <- f.loop.Start(context.Background()) }()

	require.Eventually(t, f.loop.Running, 2*time.Second, 5*time.Millisecond)
	f.loop.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop")
	}

	stats := f.loop.Monitor().Snapshot()
	require.Equal(t, "stop requested", stats.StopReason)
	require.True(t, impl.stopCalled)
}

func TestLoopRejectsConcurrentStart(t *testing.T) {
	impl := &scriptedStrategy{}
	cfg := baseConfig(0)
	cfg.TickIntervalSeconds = 1
	f := newLoopFixture(t, cfg, impl)

	done := make(chan error, 1)
	go func() { done <- f.loop.Start(context.Background()) }()
	require.Eventually(t, f.loop.Running, 2*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, f.loop.Start(context.Background()), domain.ErrLifecycle)

	f.loop.Stop()
	require.NoError(t, <-done)
}

func TestLoopContextCancel(t *testing.T) {
	impl := &scriptedStrategy{}
	cfg := baseConfig(0)
	cfg.TickIntervalSeconds = 1
	f := newLoopFixture(t, cfg, impl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Start(ctx) }()
	require.Eventually(t, f.loop.Running, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, "context canceled", f.loop.Monitor().Snapshot().StopReason)
}

func TestLoopPriceFailureAlerts(t *testing.T) {
	impl := &scriptedStrategy{}
	f := newLoopFixture(t, baseConfig(2), impl)
	f.feed.ok = false

	require.NoError(t, f.loop.Start(context.Background()))

	stats := f.loop.Monitor().Snapshot()
	require.EqualValues(t, 2, stats.TicksProcessed)
	require.EqualValues(t, 2, stats.ErrorsCount)
	require.NotEmpty(t, stats.RecentAlerts)

	// No price means no candle and no strategy run.
	candles, err := f.store.ListCandles(context.Background(), "BTC/USDT", "1m", 0, domain.NowMilli(), 0)
	require.NoError(t, err)
	require.Empty(t, candles)
	require.Zero(t, impl.runCalls)
}

func TestLoopContainsStrategyPanic(t *testing.T) {
	impl := &scriptedStrategy{panicAt: 1}
	f := newLoopFixture(t, baseConfig(3), impl)

	require.NoError(t, f.loop.Start(context.Background()))

	stats := f.loop.Monitor().Snapshot()
	require.EqualValues(t, 3, stats.TicksProcessed)
	require.Equal(t, 3, impl.runCalls)
	require.NotEmpty(t, stats.RecentAlerts)
	require.Contains(t, stats.RecentAlerts[0], "panic")
}

func TestLoopRejectedSignalAlerts(t *testing.T) {
	impl := &scriptedStrategy{signals: []*strategy.Signal{
		{Action: strategy.ActionBuy, Type: domain.OrderTypeMarket, Amount: 10},
	}}
	f := newLoopFixture(t, baseConfig(1), impl)

	require.NoError(t, f.loop.Start(context.Background()))

	stats := f.loop.Monitor().Snapshot()
	require.Zero(t, stats.SignalsGenerated)
	require.NotEmpty(t, stats.RecentAlerts)
	require.Contains(t, stats.RecentAlerts[0], "signal rejected")

	orders, err := f.store.ListOrders(context.Background(), "BTC/USDT", "", 10)
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestLoopPublishesBusEvents(t *testing.T) {
	impl := &scriptedStrategy{}
	f := newLoopFixture(t, baseConfig(2), impl)

	bus := events.NewBus()
	ticks, unsubTicks := bus.SubscribePriceTicks(16)
	defer unsubTicks()
	candles, unsubCandles := bus.SubscribeCandles(16)
	defer unsubCandles()
	f.loop.AttachBus(bus)

	require.NoError(t, f.loop.Start(context.Background()))

	require.Len(t, drain(ticks), 2)
	merged := drain(candles)
	require.Len(t, merged, 2)
	require.Equal(t, "BTC/USDT", merged[0].Symbol)
	require.InDelta(t, 50_000, merged[0].Price, domain.Epsilon)
}

func drain[T any](ch <-chan T) []T {
	var out []T
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestTimeframeMillis(t *testing.T) {
	cases := map[string]int64{
		"1m": 60_000, "5m": 300_000, "15m": 900_000,
		"1h": 3_600_000, "4h": 14_400_000, "1d": 86_400_000,
	}
	for tf, want := range cases {
		got, err := TimeframeMillis(tf)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := TimeframeMillis("2m")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLoopConfigValidation(t *testing.T) {
	cases := []Config{
		{Symbol: "BTCUSDT", Timeframe: "1m"},
		{Symbol: "BTC/USDT", Timeframe: "3m"},
		{Symbol: "BTC/USDT", Timeframe: "1m", TickIntervalSeconds: -1},
	}
	for _, cfg := range cases {
		require.ErrorIs(t, cfg.Validate(), domain.ErrInvalidInput)
	}
	require.NoError(t, baseConfig(0).Validate())
}
