package market

// Channel names one realtime read kind.
type Channel string

const (
	ChannelTicker Channel = "ticker"
	ChannelDepth  Channel = "depth"
	ChannelKlines Channel = "klines"
)

// Ticker is the normalized latest-price payload.
type Ticker struct {
	LastPrice float64 `json:"last_price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
}

// PriceLevel is one side entry of an order book.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// Depth is the normalized order-book payload.
type Depth struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// Kline is one normalized OHLCV bar from the upstream exchange.
type Kline struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Snapshot is the result of one realtime read, including fallback and
// timeout metadata. Data holds the channel-specific payload (Ticker, Depth,
// or []Kline) and is never nil on ok=true.
type Snapshot struct {
	Channel   Channel `json:"channel"`
	Symbol    string  `json:"symbol"`
	OK        bool    `json:"ok"`
	Fallback  bool    `json:"fallback"`
	TimedOut  bool    `json:"timed_out"`
	Error     string  `json:"error,omitempty"`
	FetchedAt int64   `json:"fetched_at_ms"`
	Data      any     `json:"data"`
}

// LastPrice extracts the ticker price from a snapshot; ok=false when the
// snapshot is not a usable ticker.
func (s Snapshot) LastPrice() (float64, bool) {
	if !s.OK {
		return 0, false
	}
	t, ok := s.Data.(Ticker)
	if !ok || t.LastPrice <= 0 {
		return 0, false
	}
	return t.LastPrice, true
}
