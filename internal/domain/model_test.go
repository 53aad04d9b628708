package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSymbol(t *testing.T) {
	base, quote, err := ParseSymbol("BTC/USDT")
	require.NoError(t, err)
	require.Equal(t, "BTC", base)
	require.Equal(t, "USDT", quote)

	for _, bad := range []string{"", "BTCUSDT", "BTC/", "/USDT", "BTC/USDT/ETH"} {
		_, _, err := ParseSymbol(bad)
		require.ErrorIs(t, err, ErrInvalidInput, "symbol %q", bad)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := map[OrderStatus]bool{
		StatusPending:         false,
		StatusOpen:            false,
		StatusPartiallyFilled: false,
		StatusFilled:          true,
		StatusCanceled:        true,
		StatusRejected:        true,
	}
	for status, want := range terminal {
		require.Equal(t, want, status.Terminal(), "status %s", status)
	}
}

func TestOrderValidate(t *testing.T) {
	base := Order{
		ID: "o1", Symbol: "BTC/USDT", Type: OrderTypeLimit, Side: SideBuy,
		Price: 100, Amount: 1, Status: StatusPending, CreatedAt: 1, UpdatedAt: 1,
	}
	require.NoError(t, base.Validate())

	t.Run("filled beyond amount", func(t *testing.T) {
		o := base
		o.Filled = 1.5
		require.ErrorIs(t, o.Validate(), ErrInvalidInput)
	})
	t.Run("non-positive amount", func(t *testing.T) {
		o := base
		o.Amount = 0
		require.ErrorIs(t, o.Validate(), ErrInvalidInput)
	})
	t.Run("limit without price", func(t *testing.T) {
		o := base
		o.Price = 0
		require.ErrorIs(t, o.Validate(), ErrInvalidInput)
	})
}

func TestAccountValidate(t *testing.T) {
	require.NoError(t, Account{Currency: "USDT", Balance: 10, Available: 6, Frozen: 4}.Validate())
	require.ErrorIs(t, Account{Currency: "USDT", Balance: 10, Available: 8, Frozen: 4}.Validate(), ErrInvalidInput)
	require.ErrorIs(t, Account{Currency: " ", Balance: 1, Available: 1}.Validate(), ErrInvalidInput)
	require.ErrorIs(t, Account{Currency: "USDT", Balance: -1}.Validate(), ErrInvalidInput)
}

func TestCandleValidate(t *testing.T) {
	good := Candle{Symbol: "BTC/USDT", Timeframe: "1m", Timestamp: 60_000,
		Open: 10, High: 12, Low: 9, Close: 11, CreatedAt: 1}
	require.NoError(t, good.Validate())

	bad := good
	bad.Low = 11.5 // low above open
	require.ErrorIs(t, bad.Validate(), ErrInvalidInput)

	bad = good
	bad.High = 8 // high below low
	require.ErrorIs(t, bad.Validate(), ErrInvalidInput)
}

func TestNormalizeTimestamp(t *testing.T) {
	ref := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ms := ref.UnixMilli()

	cases := map[string]any{
		"int64 ms":  ms,
		"int":       int(ms),
		"float64":   float64(ms),
		"iso":       "2024-05-01T12:00:00Z",
		"time.Time": ref,
	}
	for name, in := range cases {
		got, err := NormalizeTimestamp(in)
		require.NoError(t, err, name)
		require.Equal(t, ms, got, name)
	}

	_, err := NormalizeTimestamp("not a time")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = NormalizeTimestamp(struct{}{})
	require.ErrorIs(t, err, ErrInvalidInput)
}
