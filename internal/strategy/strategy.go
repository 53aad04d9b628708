// Package strategy defines the capability the simulation loop consumes and
// the lifecycle guard that keeps callbacks ordered.
package strategy

import (
	"fmt"
	"sync"

	"papertrader/internal/domain"
)

// Context carries the immutable identity a strategy is initialized with.
type Context struct {
	StrategyID string
	Symbol     string
	Timeframe  string
	Parameters map[string]any
}

// MarketData is the per-tick input to OnRun.
type MarketData struct {
	Symbol      string
	Timestamp   int64
	LatestPrice float64
	Bid         float64
	Ask         float64
}

// Action is what a signal asks the loop to do.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Signal is a strategy's trading intent for one tick. Price is required for
// limit orders, TriggerPrice for stop_loss and take_profit.
type Signal struct {
	Action       Action
	Type         domain.OrderType
	Amount       float64
	Price        float64
	TriggerPrice float64
}

// Strategy is the callback set a strategy implementation provides. OnRun may
// return nil when the strategy has no intent this tick.
type Strategy interface {
	OnInitialize(ctx Context) error
	OnRun(m MarketData) (*Signal, error)
	OnOrder(o domain.Order) error
	OnTrade(t domain.Trade) error
	OnStop(reason string) error
}

// State is the strategy lifecycle position.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Guard wraps a Strategy and enforces the lifecycle: initialization is
// once-only, callbacks run only while running, and stop is terminal.
type Guard struct {
	impl Strategy

	mu    sync.Mutex
	state State
}

// NewGuard wraps impl in the pending state.
func NewGuard(impl Strategy) *Guard {
	return &Guard{impl: impl, state: StatePending}
}

// State reports the current lifecycle position.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Initialize runs OnInitialize exactly once and moves to running.
func (g *Guard) Initialize(ctx Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePending {
		return fmt.Errorf("%w: strategy already %s", domain.ErrLifecycle, g.state)
	}
	if err := g.impl.OnInitialize(ctx); err != nil {
		return err
	}
	g.state = StateRunning
	return nil
}

// Run forwards one tick to the strategy.
func (g *Guard) Run(m MarketData) (*Signal, error) {
	if err := g.requireRunning(); err != nil {
		return nil, err
	}
	return g.impl.OnRun(m)
}

// NotifyOrder delivers an order event.
func (g *Guard) NotifyOrder(o domain.Order) error {
	if err := g.requireRunning(); err != nil {
		return err
	}
	return g.impl.OnOrder(o)
}

// NotifyTrade delivers a trade event.
func (g *Guard) NotifyTrade(t domain.Trade) error {
	if err := g.requireRunning(); err != nil {
		return err
	}
	return g.impl.OnTrade(t)
}

// Stop moves to stopped and fires OnStop. Repeated stops are no-ops so the
// loop's exit path can call it unconditionally.
func (g *Guard) Stop(reason string) error {
	g.mu.Lock()
	if g.state == StateStopped {
		g.mu.Unlock()
		return nil
	}
	wasRunning := g.state == StateRunning
	g.state = StateStopped
	g.mu.Unlock()

	if !wasRunning {
		return nil
	}
	return g.impl.OnStop(reason)
}

func (g *Guard) requireRunning() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateRunning {
		return fmt.Errorf("%w: strategy is %s, not running", domain.ErrLifecycle, g.state)
	}
	return nil
}
