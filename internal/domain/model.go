package domain

import (
	"fmt"
	"strings"
	"time"
)

// Quantity and balance comparison tolerances. Amounts are float64 throughout;
// every comparison against these bounds must use the explicit constant.
const (
	Epsilon        = 1e-12
	EpsilonBalance = 1e-9
)

// OrderType enumerates supported order kinds.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// Valid reports whether the order type is a known value.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopLoss, OrderTypeTakeProfit:
		return true
	}
	return false
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

func (s OrderSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// Account is the per-currency double-entry balance row.
// Invariant: Available + Frozen <= Balance + EpsilonBalance.
type Account struct {
	Currency  string
	Balance   float64
	Available float64
	Frozen    float64
	UpdatedAt int64 // ms
}

// Validate checks the account invariants.
func (a Account) Validate() error {
	if strings.TrimSpace(a.Currency) == "" {
		return fmt.Errorf("%w: account currency is empty", ErrInvalidInput)
	}
	if a.Balance < 0 || a.Available < 0 || a.Frozen < 0 {
		return fmt.Errorf("%w: negative account amount for %s", ErrInvalidInput, a.Currency)
	}
	if a.Available+a.Frozen > a.Balance+EpsilonBalance {
		return fmt.Errorf("%w: account %s available+frozen exceeds balance", ErrInvalidInput, a.Currency)
	}
	return nil
}

// Order is a stored order row.
type Order struct {
	ID        string
	Symbol    string
	Type      OrderType
	Side      OrderSide
	Price     float64 // reference price; optional for market orders
	Amount    float64
	Filled    float64
	Status    OrderStatus
	CreatedAt int64 // ms
	UpdatedAt int64 // ms
}

// Remaining is the unfilled quantity.
func (o Order) Remaining() float64 {
	return o.Amount - o.Filled
}

// Validate checks the order invariants.
func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: order id is empty", ErrInvalidInput)
	}
	if _, _, err := ParseSymbol(o.Symbol); err != nil {
		return err
	}
	if !o.Type.Valid() {
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidInput, o.Type)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: unknown order side %q", ErrInvalidInput, o.Side)
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: unknown order status %q", ErrInvalidInput, o.Status)
	}
	if o.Amount <= 0 {
		return fmt.Errorf("%w: order amount must be positive", ErrInvalidInput)
	}
	if o.Type != OrderTypeMarket && o.Price <= 0 {
		return fmt.Errorf("%w: %s order requires price > 0", ErrInvalidInput, o.Type)
	}
	if o.Filled < 0 || o.Filled > o.Amount+Epsilon {
		return fmt.Errorf("%w: order filled %.12f outside [0, amount]", ErrInvalidInput, o.Filled)
	}
	return nil
}

// Trade is an immutable fill record linked to an order.
type Trade struct {
	ID        int64
	OrderID   string
	Symbol    string
	Side      OrderSide
	Price     float64
	Amount    float64
	Fee       float64
	Timestamp int64 // ms
}

// Validate checks the trade invariants.
func (t Trade) Validate() error {
	if t.OrderID == "" {
		return fmt.Errorf("%w: trade order_id is empty", ErrInvalidInput)
	}
	if _, _, err := ParseSymbol(t.Symbol); err != nil {
		return err
	}
	if !t.Side.Valid() {
		return fmt.Errorf("%w: unknown trade side %q", ErrInvalidInput, t.Side)
	}
	if t.Price <= 0 {
		return fmt.Errorf("%w: trade price must be positive", ErrInvalidInput)
	}
	if t.Amount <= 0 {
		return fmt.Errorf("%w: trade amount must be positive", ErrInvalidInput)
	}
	if t.Fee < 0 {
		return fmt.Errorf("%w: trade fee must be non-negative", ErrInvalidInput)
	}
	return nil
}

// Position is the net long position per symbol.
type Position struct {
	Symbol        string
	Amount        float64
	EntryPrice    float64
	CurrentPrice  float64
	UnrealizedPnL float64
	RealizedPnL   float64
	OpenedAt      int64 // ms
	UpdatedAt     int64 // ms
}

// Validate checks the position invariants.
func (p Position) Validate() error {
	if _, _, err := ParseSymbol(p.Symbol); err != nil {
		return err
	}
	if p.Amount < 0 {
		return fmt.Errorf("%w: position amount must be non-negative", ErrInvalidInput)
	}
	if p.Amount > Epsilon && p.EntryPrice <= 0 {
		return fmt.Errorf("%w: open position requires entry price > 0", ErrInvalidInput)
	}
	return nil
}

// Candle is an OHLCV bar, unique per (symbol, timeframe, timestamp).
type Candle struct {
	Symbol    string
	Timeframe string
	Timestamp int64 // bucket start, ms
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CreatedAt int64 // ms
}

// Validate checks the OHLC ordering invariants.
func (c Candle) Validate() error {
	if _, _, err := ParseSymbol(c.Symbol); err != nil {
		return err
	}
	if c.Timeframe == "" {
		return fmt.Errorf("%w: candle timeframe is empty", ErrInvalidInput)
	}
	if c.High < c.Low {
		return fmt.Errorf("%w: candle high < low", ErrInvalidInput)
	}
	if c.Open < c.Low || c.Open > c.High {
		return fmt.Errorf("%w: candle open outside [low, high]", ErrInvalidInput)
	}
	if c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("%w: candle close outside [low, high]", ErrInvalidInput)
	}
	if c.Volume < 0 {
		return fmt.Errorf("%w: candle volume must be non-negative", ErrInvalidInput)
	}
	return nil
}

// ParseSymbol splits a "BASE/QUOTE" pair. Both legs must be non-empty after
// trimming.
func ParseSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: symbol %q is not BASE/QUOTE", ErrInvalidInput, symbol)
	}
	base = strings.TrimSpace(parts[0])
	quote = strings.TrimSpace(parts[1])
	if base == "" || quote == "" {
		return "", "", fmt.Errorf("%w: symbol %q has an empty leg", ErrInvalidInput, symbol)
	}
	return base, quote, nil
}

// NormalizeTimestamp converts an integer ms value, an ISO-8601/RFC3339
// string, or a time.Time into integer milliseconds since the Unix epoch.
func NormalizeTimestamp(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case time.Time:
		return t.UnixMilli(), nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UnixMilli(), nil
			}
		}
		return 0, fmt.Errorf("%w: unrecognized timestamp %q", ErrInvalidInput, t)
	default:
		return 0, fmt.Errorf("%w: unsupported timestamp type %T", ErrInvalidInput, v)
	}
}

// NowMilli is the shared clock for persisted timestamps.
func NowMilli() int64 {
	return time.Now().UnixMilli()
}
