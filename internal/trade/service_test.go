package trade

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"papertrader/internal/account"
	"papertrader/internal/domain"
	"papertrader/internal/order"
	"papertrader/pkg/db"
)

func newTestServices(t *testing.T) (*Service, *order.Service, *db.Store) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitializeSchema(context.Background()))

	accounts := account.NewService(store, nil)
	require.NoError(t, accounts.InitializeAccounts(context.Background(), map[string]float64{
		"USDT": 100_000, "BTC": 10,
	}))
	orders := order.NewService(store, accounts, nil)
	return NewService(store, accounts, nil), orders, store
}

func openOrder(t *testing.T, orders *order.Service, side domain.OrderSide, price, amount float64) domain.Order {
	t.Helper()
	ctx := context.Background()
	o, err := orders.CreateOrder(ctx, order.Request{
		Symbol: "BTC/USDT", Type: domain.OrderTypeLimit, Side: side, Price: price, Amount: amount,
	})
	require.NoError(t, err)
	o, err = orders.UpdateOrderStatus(ctx, o.ID, domain.StatusOpen, nil)
	require.NoError(t, err)
	return o
}

func TestRecordTradeAdvancesOrder(t *testing.T) {
	trades, orders, store := newTestServices(t)
	ctx := context.Background()

	o := openOrder(t, orders, domain.SideBuy, 50_000, 1)

	t.Run("partial fill", func(t *testing.T) {
		tr, err := trades.RecordTrade(ctx, o.ID, 50_000, 0.4, 0, 0)
		require.NoError(t, err)
		require.Equal(t, o.ID, tr.OrderID)
		require.Equal(t, domain.SideBuy, tr.Side)
		require.InDelta(t, 0.4, tr.Amount, domain.Epsilon)

		got, err := store.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusPartiallyFilled, got.Status)
		require.InDelta(t, 0.4, got.Filled, domain.Epsilon)

		// Buy fills consume the frozen quote notional.
		a, err := store.GetAccount(ctx, "USDT")
		require.NoError(t, err)
		require.InDelta(t, 30_000, a.Frozen, domain.EpsilonBalance)
		require.InDelta(t, 80_000, a.Balance, domain.EpsilonBalance)
	})

	t.Run("completing fill flips to filled", func(t *testing.T) {
		_, err := trades.RecordTrade(ctx, o.ID, 50_000, 0.6, 0, 0)
		require.NoError(t, err)

		got, err := store.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusFilled, got.Status)
		require.InDelta(t, 1, got.Filled, domain.Epsilon)
	})

	t.Run("terminal order rejects further fills", func(t *testing.T) {
		_, err := trades.RecordTrade(ctx, o.ID, 50_000, 0.1, 0, 0)
		require.ErrorIs(t, err, domain.ErrNotFillable)
	})
}

func TestRecordTradePendingOrderNotFillable(t *testing.T) {
	trades, orders, _ := newTestServices(t)
	ctx := context.Background()

	// Created but never opened: fillable only after the open transition.
	o, err := orders.CreateOrder(ctx, order.Request{
		Symbol: "BTC/USDT", Type: domain.OrderTypeLimit, Side: domain.SideBuy, Price: 50_000, Amount: 0.5,
	})
	require.NoError(t, err)

	_, err = trades.RecordTrade(ctx, o.ID, 50_000, 0.1, 0, 0)
	require.ErrorIs(t, err, domain.ErrNotFillable)
	require.NotErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRecordTradeOverfill(t *testing.T) {
	trades, orders, store := newTestServices(t)
	ctx := context.Background()

	o := openOrder(t, orders, domain.SideSell, 50_000, 0.5)

	_, err := trades.RecordTrade(ctx, o.ID, 50_000, 0.6, 0, 0)
	require.ErrorIs(t, err, domain.ErrOverfill)

	// The failed fill leaves no trade row and the order untouched.
	rows, err := store.ListTradesForOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Empty(t, rows)
	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusOpen, got.Status)
}

func TestRecordTradeSumMatchesFilled(t *testing.T) {
	trades, orders, store := newTestServices(t)
	ctx := context.Background()

	o := openOrder(t, orders, domain.SideSell, 40_000, 1)
	for _, qty := range []float64{0.25, 0.25, 0.5} {
		_, err := trades.RecordTrade(ctx, o.ID, 40_000, qty, 0, 0)
		require.NoError(t, err)
	}

	rows, err := store.ListTradesForOrder(ctx, o.ID)
	require.NoError(t, err)
	sum := 0.0
	for _, tr := range rows {
		sum += tr.Amount
	}
	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.InDelta(t, got.Filled, sum, domain.Epsilon)
	require.Equal(t, domain.StatusFilled, got.Status)
}

func TestRecordTradeValidation(t *testing.T) {
	trades, orders, _ := newTestServices(t)
	ctx := context.Background()
	o := openOrder(t, orders, domain.SideSell, 40_000, 1)

	_, err := trades.RecordTrade(ctx, o.ID, 0, 1, 0, 0)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = trades.RecordTrade(ctx, o.ID, 40_000, 0, 0, 0)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = trades.RecordTrade(ctx, o.ID, 40_000, 1, -1, 0)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = trades.RecordTrade(ctx, "missing", 40_000, 1, 0, 0)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
