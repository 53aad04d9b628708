package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"papertrader/internal/domain"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()

	a, unsubA := bus.SubscribePriceTicks(4)
	defer unsubA()
	b, unsubB := bus.SubscribePriceTicks(4)
	defer unsubB()
	alerts, unsubAlerts := bus.SubscribeAlerts(4)
	defer unsubAlerts()

	bus.PublishPriceTick(PriceTick{Symbol: "BTC/USDT", Price: 50_000})

	tick := <-a
	require.Equal(t, "BTC/USDT", tick.Symbol)
	tick = <-b
	require.Equal(t, 50_000.0, tick.Price)

	// Alert subscribers see only alerts.
	select {
	case <-alerts:
		t.Fatal("alert subscriber received a price tick")
	default:
	}
}

func TestBusStreamsAreIndependent(t *testing.T) {
	bus := NewBus()

	candles, unsubCandles := bus.SubscribeCandles(1)
	defer unsubCandles()
	fills, unsubFills := bus.SubscribeFills(1)
	defer unsubFills()

	bus.PublishCandleMerged(CandleMerged{Symbol: "BTC/USDT", Timeframe: "1m", BucketTS: 60_000, Price: 50_000})
	bus.PublishOrderFilled(OrderFilled{OrderID: "o1", Symbol: "BTC/USDT", Side: domain.SideBuy, Amount: 0.2, Price: 50_000})

	c := <-candles
	require.Equal(t, int64(60_000), c.BucketTS)
	f := <-fills
	require.Equal(t, "o1", f.OrderID)
	require.Equal(t, domain.SideBuy, f.Side)
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.SubscribeAlerts(1)
	defer unsub()

	bus.PublishAlert(Alert{Message: "first"})
	bus.PublishAlert(Alert{Message: "second"})

	got := <-ch
	require.Equal(t, "first", got.Message)
	select {
	case v := <-ch:
		t.Fatalf("expected the overflow event to be dropped, got %v", v)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.SubscribeFills(1)
	unsub()
	unsub() // second call is a no-op

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe is a no-op.
	bus.PublishOrderFilled(OrderFilled{OrderID: "o1"})

	// Other subscribers are unaffected by the departed one.
	still, unsubStill := bus.SubscribeFills(1)
	defer unsubStill()
	bus.PublishOrderFilled(OrderFilled{OrderID: "o2"})
	got := <-still
	require.Equal(t, "o2", got.OrderID)
}
