package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubFetcher returns canned payloads, optionally after a delay.
type stubFetcher struct {
	ticker Ticker
	depth  Depth
	klines []Kline
	err    error
	delay  time.Duration
}

func (f *stubFetcher) wait(ctx context.Context) error {
	if f.delay <= 0 {
		return f.err
	}
	select {
	case <-time.After(f.delay):
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *stubFetcher) FetchTicker(ctx context.Context, _ string) (Ticker, error) {
	if err := f.wait(ctx); err != nil {
		return Ticker{}, err
	}
	return f.ticker, nil
}

func (f *stubFetcher) FetchOrderBook(ctx context.Context, _ string, _ int) (Depth, error) {
	if err := f.wait(ctx); err != nil {
		return Depth{}, err
	}
	return f.depth, nil
}

func (f *stubFetcher) FetchOHLCV(ctx context.Context, _, _ string, _ int64, _ int) ([]Kline, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.klines, nil
}

func TestReaderSuccessPopulatesCache(t *testing.T) {
	fetcher := &stubFetcher{ticker: Ticker{LastPrice: 50_000, Bid: 49_999, Ask: 50_001}}
	r := NewReader(fetcher, time.Second, nil)

	snap := r.GetLatestPrice(context.Background(), "BTC/USDT")
	require.True(t, snap.OK)
	require.False(t, snap.Fallback)
	require.False(t, snap.TimedOut)
	require.Equal(t, ChannelTicker, snap.Channel)
	require.Equal(t, "BTC/USDT", snap.Symbol)

	price, ok := snap.LastPrice()
	require.True(t, ok)
	require.Equal(t, 50_000.0, price)

	// Later failures serve the cached payload.
	fetcher.err = errors.New("connection reset")
	snap = r.GetLatestPrice(context.Background(), "BTC/USDT")
	require.True(t, snap.OK)
	require.True(t, snap.Fallback)
	require.Equal(t, "connection reset", snap.Error)
	price, ok = snap.LastPrice()
	require.True(t, ok)
	require.Equal(t, 50_000.0, price)
}

func TestReaderTimeoutFallsBackToCache(t *testing.T) {
	fetcher := &stubFetcher{ticker: Ticker{LastPrice: 3000}}
	r := NewReader(fetcher, 50*time.Millisecond, nil)

	snap := r.GetLatestPrice(context.Background(), "ETH/USDT")
	require.True(t, snap.OK)

	fetcher.delay = 500 * time.Millisecond
	snap = r.GetLatestPrice(context.Background(), "ETH/USDT")
	require.True(t, snap.OK)
	require.True(t, snap.Fallback)
	require.True(t, snap.TimedOut)
	price, ok := snap.LastPrice()
	require.True(t, ok)
	require.Equal(t, 3000.0, price)
}

func TestReaderFailureWithoutCache(t *testing.T) {
	t.Run("upstream error", func(t *testing.T) {
		fetcher := &stubFetcher{err: errors.New("boom")}
		r := NewReader(fetcher, time.Second, nil)

		snap := r.GetLatestPrice(context.Background(), "BTC/USDT")
		require.False(t, snap.OK)
		require.False(t, snap.Fallback)
		require.False(t, snap.TimedOut)
		require.Equal(t, "boom", snap.Error)

		_, ok := snap.LastPrice()
		require.False(t, ok)
		require.Equal(t, Ticker{}, snap.Data)
	})

	t.Run("timeout", func(t *testing.T) {
		fetcher := &stubFetcher{delay: 500 * time.Millisecond}
		r := NewReader(fetcher, 50*time.Millisecond, nil)

		snap := r.GetLatestPrice(context.Background(), "BTC/USDT")
		require.False(t, snap.OK)
		require.True(t, snap.TimedOut)
		require.Empty(t, snap.Error)
	})
}

func TestReaderCacheIsPerChannelAndSymbol(t *testing.T) {
	fetcher := &stubFetcher{
		ticker: Ticker{LastPrice: 100},
		depth:  Depth{Bids: []PriceLevel{{Price: 99, Amount: 1}}, Asks: []PriceLevel{{Price: 101, Amount: 1}}},
	}
	r := NewReader(fetcher, time.Second, nil)

	require.True(t, r.GetLatestPrice(context.Background(), "BTC/USDT").OK)

	// Depth for the same symbol was never fetched, so its failure has no
	// cache to fall back on.
	fetcher.err = errors.New("boom")
	snap := r.GetDepth(context.Background(), "BTC/USDT", 5)
	require.False(t, snap.OK)

	// Neither does the ticker for a different symbol.
	snap = r.GetLatestPrice(context.Background(), "ETH/USDT")
	require.False(t, snap.OK)
}

func TestReaderKlines(t *testing.T) {
	fetcher := &stubFetcher{klines: []Kline{
		{Timestamp: 1_700_000_000_000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
	}}
	r := NewReader(fetcher, time.Second, nil)

	snap := r.GetKlines(context.Background(), "BTC/USDT", "1m", 0, 100)
	require.True(t, snap.OK)
	bars, ok := snap.Data.([]Kline)
	require.True(t, ok)
	require.Len(t, bars, 1)
	require.Equal(t, 1.5, bars[0].Close)
}
