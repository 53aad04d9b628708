package events

import "papertrader/internal/domain"

// PriceTick is published once per loop iteration with a usable price.
type PriceTick struct {
	Symbol    string
	Price     float64
	Timestamp int64
}

// CandleMerged is published after a tick is folded into its bucket.
type CandleMerged struct {
	Symbol    string
	Timeframe string
	BucketTS  int64
	Price     float64
}

// OrderFilled is published once per order matched by the engine or the
// queue sweeps.
type OrderFilled struct {
	OrderID   string
	TradeID   int64
	Symbol    string
	Side      domain.OrderSide
	Amount    float64
	Price     float64
	MatchedAt int64
}

// Alert is published for every monitor alert.
type Alert struct {
	Message string
	At      int64
}
