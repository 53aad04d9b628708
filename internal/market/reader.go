// Package market provides timeout-guarded reads of realtime exchange data
// with a last-good cache fallback. The reader never touches the store, so
// an abandoned in-flight fetch leaves no partial state anywhere.
package market

import (
	"context"
	"log/slog"
	"time"

	"papertrader/internal/domain"
	"papertrader/pkg/cache"
)

// Fetcher is the synchronous upstream client the reader wraps. The concrete
// implementation lives in pkg/market/binance.
type Fetcher interface {
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, limit int) (Depth, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]Kline, error)
}

// DefaultTimeout bounds one upstream read.
const DefaultTimeout = 2 * time.Second

func cacheKey(channel Channel, symbol string) string {
	return string(channel) + "|" + symbol
}

// Reader performs bounded reads and keeps the last good payload per
// (channel, symbol) for fallback.
type Reader struct {
	fetcher Fetcher
	timeout time.Duration
	log     *slog.Logger
	cache   *cache.Sharded
}

// NewReader builds a reader; timeout <= 0 uses DefaultTimeout.
func NewReader(fetcher Fetcher, timeout time.Duration, log *slog.Logger) *Reader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reader{
		fetcher: fetcher,
		timeout: timeout,
		log:     log.With("component", "market-reader"),
		cache:   cache.NewSharded(),
	}
}

// GetLatestPrice reads the symbol's ticker.
func (r *Reader) GetLatestPrice(ctx context.Context, symbol string) Snapshot {
	return r.read(ctx, ChannelTicker, symbol, func(ctx context.Context) (any, error) {
		return r.fetcher.FetchTicker(ctx, symbol)
	}, Ticker{})
}

// GetDepth reads the symbol's order book.
func (r *Reader) GetDepth(ctx context.Context, symbol string, limit int) Snapshot {
	return r.read(ctx, ChannelDepth, symbol, func(ctx context.Context) (any, error) {
		return r.fetcher.FetchOrderBook(ctx, symbol, limit)
	}, Depth{})
}

// GetKlines reads recent bars for the symbol and timeframe.
func (r *Reader) GetKlines(ctx context.Context, symbol, timeframe string, since int64, limit int) Snapshot {
	return r.read(ctx, ChannelKlines, symbol, func(ctx context.Context) (any, error) {
		return r.fetcher.FetchOHLCV(ctx, symbol, timeframe, since, limit)
	}, []Kline{})
}

type fetchResult struct {
	data any
	err  error
}

// read runs the fetch in a bounded task and selects between its completion
// and the deadline. On timeout or error the cached good payload is served
// when present; otherwise an empty normalized payload with ok=false.
func (r *Reader) read(ctx context.Context, channel Channel, symbol string, fetch func(context.Context) (any, error), empty any) Snapshot {
	snap := Snapshot{
		Channel:   channel,
		Symbol:    symbol,
		FetchedAt: domain.NowMilli(),
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan fetchResult, 1) // buffered: an abandoned task must not leak
	go func() {
		data, err := fetch(fetchCtx)
		done <- fetchResult{data: data, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			r.cache.Set(cacheKey(channel, symbol), res.data)
			snap.OK = true
			snap.Data = res.data
			return snap
		}
		if fetchCtx.Err() != nil {
			snap.TimedOut = true
		} else {
			snap.Error = res.err.Error()
		}
		return r.fallback(snap, empty)
	case <-fetchCtx.Done():
		snap.TimedOut = true
		return r.fallback(snap, empty)
	}
}

// fallback fills the snapshot from the last-good cache, or with the empty
// payload when nothing was ever fetched.
func (r *Reader) fallback(snap Snapshot, empty any) Snapshot {
	cached, ok := r.cache.Get(cacheKey(snap.Channel, snap.Symbol))
	if ok {
		snap.OK = true
		snap.Fallback = true
		snap.Data = cached
		r.log.Warn("serving cached market data", "channel", snap.Channel, "symbol", snap.Symbol,
			"timed_out", snap.TimedOut, "error", snap.Error)
		return snap
	}

	snap.OK = false
	snap.Data = empty
	r.log.Warn("market read failed with no cache", "channel", snap.Channel, "symbol", snap.Symbol,
		"timed_out", snap.TimedOut, "error", snap.Error)
	return snap
}
