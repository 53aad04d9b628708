package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"papertrader/internal/account"
	"papertrader/internal/domain"
	"papertrader/internal/events"
	"papertrader/internal/execution"
	"papertrader/internal/market"
	"papertrader/internal/matching"
	"papertrader/internal/order"
	"papertrader/internal/reconcile"
	"papertrader/internal/risk"
	"papertrader/internal/sim"
	"papertrader/internal/strategy"
	"papertrader/internal/trade"
	"papertrader/pkg/config"
	"papertrader/pkg/db"
	binance "papertrader/pkg/market/binance"
)

const usage = `papertrader <command> [flags]

Commands:
  start        run the realtime simulation loop
  live         alias for start
  status       show loop counters and recent alerts
  balance      list currency accounts
  positions    list open positions
  order        place, list, or cancel orders
  backfill     download historical candles into the local store
  reconcile    replay trades and diff against stored positions
`

func main() {
	os.Exit(run(os.Args[1:]))
}

// run dispatches one command. Exit codes: 0 success, 1 domain error,
// 2 invalid arguments.
func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	app, err := newApp(log)
	if err != nil {
		log.Error("startup failed", "err", err)
		return 1
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "start", "live":
		return app.cmdStart(ctx)
	case "status":
		return app.cmdStatus(rest)
	case "balance":
		return app.cmdBalance(ctx)
	case "positions":
		return app.cmdPositions(ctx)
	case "order":
		return app.cmdOrder(ctx, rest)
	case "backfill":
		return app.cmdBackfill(ctx, rest)
	case "reconcile":
		return app.cmdReconcile(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", cmd, usage)
		return 2
	}
}

// app bundles the wired services for the CLI handlers.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *db.Store
	accounts *account.Service
	orders   *order.Service
	trades   *trade.Service
	engine   *matching.Engine
	reader   *market.Reader
	bus      *events.Bus
	monitor  *sim.Monitor
}

func newApp(log *slog.Logger) (*app, error) {
	cfg, err := config.Load(os.Getenv("PAPERTRADER_CONFIG"))
	if err != nil {
		return nil, err
	}
	log.Info("configuration loaded", "settings", cfg.Redacted())

	store, err := db.Open(cfg.System.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := store.InitializeSchema(context.Background()); err != nil {
		store.Close()
		return nil, err
	}

	accounts := account.NewService(store, log)
	if err := accounts.InitializeAccounts(context.Background(), map[string]float64{
		cfg.Account.BaseCurrency: cfg.Account.InitialCapital,
	}); err != nil {
		store.Close()
		return nil, err
	}

	orders := order.NewService(store, accounts, log)
	trades := trade.NewService(store, accounts, log)
	settler := execution.NewSettler(store, accounts, log)

	riskCtl, err := risk.NewController(store, risk.Limits{
		MaxPositionSize:  cfg.Risk.MaxPositionSize,
		MaxTotalPosition: cfg.Risk.MaxTotalPosition,
		MaxDrawdown:      cfg.Risk.MaxDrawdown,
	}, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	fetcher := binance.NewClient(cfg.Exchange.Testnet, cfg.Exchange.RateLimit,
		cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	reader := market.NewReader(fetcher, 0, log)

	costs := execution.CostProfile{
		MakerFeeRate: cfg.Trading.Commission.Maker,
		TakerFeeRate: cfg.Trading.Commission.Taker,
		SlippageRate: cfg.Trading.Slippage,
	}
	engine, err := matching.NewEngine(store, accounts, orders, trades, settler, riskCtl, costs, reader, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	bus := events.NewBus()
	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		accounts: accounts,
		orders:   orders,
		trades:   trades,
		engine:   engine,
		reader:   reader,
		bus:      bus,
		monitor:  sim.NewMonitor(0, sim.BusSink{Bus: bus}),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("store close failed", "err", err)
	}
}

// holdStrategy is the built-in do-nothing strategy used when the loop runs
// without an external strategy attached. Concrete strategies plug in through
// the same capability set.
type holdStrategy struct{}

func (holdStrategy) OnInitialize(strategy.Context) error { return nil }
func (holdStrategy) OnRun(strategy.MarketData) (*strategy.Signal, error) {
	return nil, nil
}
func (holdStrategy) OnOrder(domain.Order) error { return nil }
func (holdStrategy) OnTrade(domain.Trade) error { return nil }
func (holdStrategy) OnStop(string) error        { return nil }

func (a *app) cmdStart(ctx context.Context) int {
	loop, err := sim.NewLoop(sim.Config{
		Symbol:              a.cfg.Simulation.Symbol,
		Timeframe:           a.cfg.Simulation.Timeframe,
		TickIntervalSeconds: a.cfg.Simulation.TickIntervalSeconds,
		MaxIterations:       a.cfg.Simulation.MaxIterations,
		StrategyID:          a.cfg.Simulation.StrategyID,
	}, a.store, a.accounts, a.engine, a.reader, strategy.NewGuard(holdStrategy{}), a.monitor, a.log)
	if err != nil {
		return fail(a.log, err)
	}
	loop.AttachBus(a.bus)

	go func() {
		<-ctx.Done()
		loop.Stop()
	}()

	if err := loop.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fail(a.log, err)
	}
	stats := a.monitor.Snapshot()
	fmt.Printf("simulation stopped: %s (ticks=%d matched=%d signals=%d errors=%d)\n",
		stats.StopReason, stats.TicksProcessed, stats.OrdersMatched, stats.SignalsGenerated, stats.ErrorsCount)
	return 0
}

func (a *app) cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	showAlerts := fs.Bool("alerts", false, "print recent alerts")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	stats := a.monitor.Snapshot()
	fmt.Printf("running: %v\n", stats.Running)
	if stats.StopReason != "" {
		fmt.Printf("stop reason: %s\n", stats.StopReason)
	}
	fmt.Printf("ticks: %d  matched: %d  signals: %d  errors: %d\n",
		stats.TicksProcessed, stats.OrdersMatched, stats.SignalsGenerated, stats.ErrorsCount)
	if *showAlerts {
		for _, alert := range stats.RecentAlerts {
			fmt.Printf("alert: %s\n", alert)
		}
	}
	return 0
}

func (a *app) cmdBalance(ctx context.Context) int {
	accounts, err := a.accounts.ListAccounts(ctx)
	if err != nil {
		return fail(a.log, err)
	}
	for _, acct := range accounts {
		fmt.Printf("%-8s balance=%.8f available=%.8f frozen=%.8f\n",
			acct.Currency, acct.Balance, acct.Available, acct.Frozen)
	}
	return 0
}

func (a *app) cmdPositions(ctx context.Context) int {
	positions, err := a.accounts.LoadPositions(ctx)
	if err != nil {
		return fail(a.log, err)
	}
	for _, p := range positions {
		fmt.Printf("%-10s amount=%.8f entry=%.2f mark=%.2f unrealized=%.2f realized=%.2f\n",
			p.Symbol, p.Amount, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL, p.RealizedPnL)
	}
	return 0
}

func (a *app) cmdOrder(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "order requires a subcommand: place, list, cancel")
		return 2
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "place":
		return a.cmdOrderPlace(ctx, rest)
	case "list":
		return a.cmdOrderList(ctx, rest)
	case "cancel":
		return a.cmdOrderCancel(ctx, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown order subcommand %q\n", sub)
		return 2
	}
}

func (a *app) cmdOrderPlace(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("order place", flag.ContinueOnError)
	symbol := fs.String("symbol", a.cfg.Simulation.Symbol, "trading pair, e.g. BTC/USDT")
	side := fs.String("side", "", "buy or sell")
	typ := fs.String("type", "market", "market, limit, stop_loss, or take_profit")
	amount := fs.Float64("amount", 0, "base quantity")
	price := fs.Float64("price", 0, "limit or trigger price")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	orderSide := domain.OrderSide(*side)
	if !orderSide.Valid() {
		fmt.Fprintln(os.Stderr, "side must be buy or sell")
		return 2
	}

	switch domain.OrderType(*typ) {
	case domain.OrderTypeMarket:
		fill, err := a.engine.ExecuteMarketOrder(ctx, *symbol, orderSide, *amount)
		if err != nil {
			return fail(a.log, err)
		}
		fmt.Printf("filled %s %s %.8f @ %.2f (order %s, trade %d)\n",
			*symbol, orderSide, fill.Trade.Amount, fill.ExecPrice, fill.Order.ID, fill.Trade.ID)
	case domain.OrderTypeLimit:
		o, err := a.engine.PlaceLimitOrder(ctx, *symbol, orderSide, *amount, *price)
		if err != nil {
			return fail(a.log, err)
		}
		fmt.Printf("resting %s order %s at %.2f\n", o.Type, o.ID, o.Price)
	case domain.OrderTypeStopLoss, domain.OrderTypeTakeProfit:
		o, err := a.engine.PlaceTriggerOrder(ctx, *symbol, domain.OrderType(*typ), orderSide, *amount, *price)
		if err != nil {
			return fail(a.log, err)
		}
		fmt.Printf("resting %s order %s at trigger %.2f\n", o.Type, o.ID, o.Price)
	default:
		fmt.Fprintf(os.Stderr, "unknown order type %q\n", *typ)
		return 2
	}
	return 0
}

func (a *app) cmdOrderList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("order list", flag.ContinueOnError)
	symbol := fs.String("symbol", "", "filter by trading pair")
	status := fs.String("status", "", "filter by status")
	limit := fs.Int("limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	orders, err := a.orders.ListOrders(ctx, *symbol, domain.OrderStatus(*status), *limit)
	if err != nil {
		return fail(a.log, err)
	}
	for _, o := range orders {
		fmt.Printf("%s %-10s %-11s %-4s amount=%.8f filled=%.8f price=%.2f %s\n",
			o.ID, o.Symbol, o.Type, o.Side, o.Amount, o.Filled, o.Price, o.Status)
	}
	return 0
}

func (a *app) cmdOrderCancel(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "order cancel requires exactly one order id")
		return 2
	}
	o, err := a.orders.CancelOrder(ctx, args[0])
	if err != nil {
		return fail(a.log, err)
	}
	fmt.Printf("order %s is %s\n", o.ID, o.Status)
	return 0
}

func (a *app) cmdBackfill(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	symbol := fs.String("symbol", a.cfg.Simulation.Symbol, "trading pair, e.g. BTC/USDT")
	timeframe := fs.String("timeframe", a.cfg.Simulation.Timeframe, "candle timeframe")
	since := fs.Int64("since", 0, "start of the range, Unix milliseconds")
	limit := fs.Int("limit", 500, "maximum bars to download")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	intervalMS, err := sim.TimeframeMillis(*timeframe)
	if err != nil {
		return fail(a.log, err)
	}

	snap := a.reader.GetKlines(ctx, *symbol, *timeframe, *since, *limit)
	if !snap.OK {
		return fail(a.log, fmt.Errorf("%w: kline download failed (timed_out=%v error=%q)",
			domain.ErrUpstream, snap.TimedOut, snap.Error))
	}
	bars, _ := snap.Data.([]market.Kline)
	if len(bars) == 0 {
		fmt.Println("no bars returned")
		return 0
	}

	startTS := bars[0].Timestamp
	endTS := bars[len(bars)-1].Timestamp + intervalMS - 1
	done, err := a.store.IsRangeFetched(ctx, *symbol, *timeframe, startTS, endTS)
	if err != nil {
		return fail(a.log, err)
	}
	if done {
		fmt.Printf("range %d..%d already stored\n", startTS, endTS)
		return 0
	}

	inserted := 0
	for _, bar := range bars {
		c := domain.Candle{
			Symbol:    *symbol,
			Timeframe: *timeframe,
			Timestamp: bar.Timestamp,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
			CreatedAt: domain.NowMilli(),
		}
		if err := a.store.InsertCandle(ctx, c); err != nil {
			if errors.Is(err, domain.ErrIntegrity) {
				continue // bar already stored by an earlier overlapping pull
			}
			return fail(a.log, err)
		}
		inserted++
	}
	if err := a.store.MarkRangeFetched(ctx, *symbol, *timeframe, startTS, endTS); err != nil {
		return fail(a.log, err)
	}
	fmt.Printf("stored %d of %d bars for %s %s (range %d..%d)\n",
		inserted, len(bars), *symbol, *timeframe, startTS, endTS)
	return 0
}

func (a *app) cmdReconcile(ctx context.Context) int {
	report, err := reconcile.New(a.store, a.log).Run(ctx)
	if err != nil {
		return fail(a.log, err)
	}
	fmt.Printf("replayed %d trades across %d symbols\n", report.TradesReplayed, report.SymbolsChecked)
	if !report.OK() {
		for _, m := range report.Mismatches {
			fmt.Printf("mismatch %s.%s stored=%.12f replayed=%.12f\n", m.Symbol, m.Field, m.Stored, m.Replayed)
		}
		return 1
	}
	fmt.Println("positions match the trade ledger")
	return 0
}

func fail(log *slog.Logger, err error) int {
	log.Error("command failed", "err", err)
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
