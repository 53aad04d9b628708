// Package binance implements the market.Fetcher interface against the
// Binance public REST API.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"papertrader/internal/domain"
	"papertrader/internal/market"
)

// Backoff schedule for retryable failures.
const (
	defaultAttempts   = 4
	backoffInitial    = 200 * time.Millisecond
	backoffCap        = 2 * time.Second
	defaultMinQueryMS = 100
)

// Client wraps REST access to Binance market data. Requests are rate
// limited and retried with exponential backoff on transient failures. An API
// key, when configured, rides along as the X-MBX-APIKEY header and raises
// the account's request-weight allowance; the secret is held for endpoints
// that require a signed query.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Attempts   int

	apiKey    string
	apiSecret string
	limiter   *rate.Limiter
}

// NewClient builds a client; use testnet to switch base URLs. minIntervalMS
// spaces consecutive requests; <= 0 uses a 100ms floor. apiKey and apiSecret
// may be empty for anonymous market-data access.
func NewClient(testnet bool, minIntervalMS int, apiKey, apiSecret string) *Client {
	base := "https://api.binance.com"
	if testnet {
		base = "https://testnet.binance.vision"
	}
	if minIntervalMS <= 0 {
		minIntervalMS = defaultMinQueryMS
	}
	interval := time.Duration(minIntervalMS) * time.Millisecond
	return &Client{
		BaseURL:    base,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Attempts:   defaultAttempts,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
	}
}

// ToExchangeSymbol converts "BTC/USDT" to Binance's "BTCUSDT".
func ToExchangeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// FetchTicker returns the latest book ticker for the symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (market.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", ToExchangeSymbol(symbol))

	var raw struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := c.get(ctx, "/api/v3/ticker/bookTicker", params, &raw); err != nil {
		return market.Ticker{}, err
	}

	bid := toFloat(raw.BidPrice)
	ask := toFloat(raw.AskPrice)
	last := (bid + ask) / 2
	if bid <= 0 || ask <= 0 {
		// One-sided book: take whichever side is quoted.
		last = bid + ask
	}
	return market.Ticker{LastPrice: last, Bid: bid, Ask: ask}, nil
}

// FetchOrderBook returns up to limit levels per side.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, limit int) (market.Depth, error) {
	if limit <= 0 {
		limit = 20
	}
	params := url.Values{}
	params.Set("symbol", ToExchangeSymbol(symbol))
	params.Set("limit", strconv.Itoa(limit))

	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := c.get(ctx, "/api/v3/depth", params, &raw); err != nil {
		return market.Depth{}, err
	}
	return market.Depth{
		Bids: toLevels(raw.Bids),
		Asks: toLevels(raw.Asks),
	}, nil
}

// FetchOHLCV returns klines for the symbol and timeframe. since is a Unix
// millisecond open-time lower bound; 0 means most recent bars.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]market.Kline, error) {
	params := url.Values{}
	params.Set("symbol", ToExchangeSymbol(symbol))
	params.Set("interval", timeframe)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if since > 0 {
		params.Set("startTime", strconv.FormatInt(since, 10))
	}

	var raw [][]any
	if err := c.get(ctx, "/api/v3/klines", params, &raw); err != nil {
		return nil, err
	}

	klines := make([]market.Kline, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline
		if len(item) < 6 {
			continue
		}
		klines = append(klines, market.Kline{
			Timestamp: toInt64(item[0]),
			Open:      toFloat(item[1]),
			High:      toFloat(item[2]),
			Low:       toFloat(item[3]),
			Close:     toFloat(item[4]),
			Volume:    toFloat(item[5]),
		})
	}
	return klines, nil
}

// get performs a rate-limited GET with backoff on transient failures.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	delay := backoffInitial
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, ctx.Err())
			}
			delay *= 2
			if delay > backoffCap {
				delay = backoffCap
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
		}

		err := c.doOnce(ctx, path, params, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, path string, params url.Values, out any) error {
	u := fmt.Sprintf("%s%s?%s", c.BaseURL, path, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", domain.ErrUpstream, err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, ctx.Err())
		}
		return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &httpError{status: res.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrUpstream, err)
	}
	return nil
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("binance status %d: %s", e.status, e.body)
}

func (e *httpError) Unwrap() error { return domain.ErrUpstream }

// retryable reports whether the request is worth repeating. Rate limits,
// server errors and transport failures are transient; 4xx responses are not.
func retryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		if he.status == http.StatusTooManyRequests || he.status == http.StatusRequestTimeout {
			return true
		}
		return he.status >= 500
	}
	if errors.Is(err, domain.ErrUpstreamTimeout) {
		return false
	}
	return errors.Is(err, domain.ErrUpstream)
}

func toLevels(raw [][]string) []market.PriceLevel {
	levels := make([]market.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		levels = append(levels, market.PriceLevel{
			Price:  toFloat(pair[0]),
			Amount: toFloat(pair[1]),
		})
	}
	return levels
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(t, 10, 64)
		return i
	default:
		return 0
	}
}
