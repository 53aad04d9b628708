// Package events carries the simulator's in-process event streams. Each
// stream is typed on its payload; there is no generic topic/payload broker.
package events

import (
	"sync"
)

// stream fans one payload type out to its subscribers. Delivery never
// blocks: a subscriber whose buffer is full misses that event.
type stream[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]chan T
	next uint64
}

func (s *stream[T]) subscribe(buffer int) (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs == nil {
		s.subs = make(map[uint64]chan T)
	}
	id := s.next
	s.next++
	ch := make(chan T, buffer)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *stream[T]) publish(v T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			// full buffer, drop rather than stall the loop
		}
	}
}

// Bus bundles the simulator's event streams. The zero value via NewBus is
// ready to use; subscribing and publishing are safe from any goroutine.
type Bus struct {
	ticks   stream[PriceTick]
	candles stream[CandleMerged]
	fills   stream[OrderFilled]
	alerts  stream[Alert]
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus { return &Bus{} }

// SubscribePriceTicks returns a channel of per-tick prices and an
// unsubscribe function that closes it. The same shape applies to the other
// Subscribe methods.
func (b *Bus) SubscribePriceTicks(buffer int) (<-chan PriceTick, func()) {
	return b.ticks.subscribe(buffer)
}

func (b *Bus) SubscribeCandles(buffer int) (<-chan CandleMerged, func()) {
	return b.candles.subscribe(buffer)
}

func (b *Bus) SubscribeFills(buffer int) (<-chan OrderFilled, func()) {
	return b.fills.subscribe(buffer)
}

func (b *Bus) SubscribeAlerts(buffer int) (<-chan Alert, func()) {
	return b.alerts.subscribe(buffer)
}

// PublishPriceTick delivers a tick to every price subscriber.
func (b *Bus) PublishPriceTick(e PriceTick) { b.ticks.publish(e) }

// PublishCandleMerged delivers a candle bucket update.
func (b *Bus) PublishCandleMerged(e CandleMerged) { b.candles.publish(e) }

// PublishOrderFilled delivers a completed match.
func (b *Bus) PublishOrderFilled(e OrderFilled) { b.fills.publish(e) }

// PublishAlert delivers a monitor alert.
func (b *Bus) PublishAlert(e Alert) { b.alerts.publish(e) }
