package strategy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"papertrader/internal/domain"
)

// recorder counts callback invocations and can fail initialization.
type recorder struct {
	initErr    error
	initCalls  int
	runCalls   int
	orderCalls int
	tradeCalls int
	stopCalls  int
	stopReason string
}

func (r *recorder) OnInitialize(Context) error { r.initCalls++; return r.initErr }
func (r *recorder) OnRun(MarketData) (*Signal, error) {
	r.runCalls++
	return &Signal{Action: ActionHold}, nil
}
func (r *recorder) OnOrder(domain.Order) error { r.orderCalls++; return nil }
func (r *recorder) OnTrade(domain.Trade) error { r.tradeCalls++; return nil }
func (r *recorder) OnStop(reason string) error {
	r.stopCalls++
	r.stopReason = reason
	return nil
}

func TestGuardLifecycle(t *testing.T) {
	impl := &recorder{}
	g := NewGuard(impl)
	require.Equal(t, StatePending, g.State())

	t.Run("callbacks before initialize fail", func(t *testing.T) {
		_, err := g.Run(MarketData{})
		require.ErrorIs(t, err, domain.ErrLifecycle)
		require.ErrorIs(t, g.NotifyOrder(domain.Order{}), domain.ErrLifecycle)
		require.ErrorIs(t, g.NotifyTrade(domain.Trade{}), domain.ErrLifecycle)
		require.Zero(t, impl.runCalls)
	})

	t.Run("initialize moves to running", func(t *testing.T) {
		require.NoError(t, g.Initialize(Context{StrategyID: "s1", Symbol: "BTC/USDT"}))
		require.Equal(t, StateRunning, g.State())
		require.Equal(t, 1, impl.initCalls)
	})

	t.Run("second initialize is rejected", func(t *testing.T) {
		require.ErrorIs(t, g.Initialize(Context{}), domain.ErrLifecycle)
		require.Equal(t, 1, impl.initCalls)
	})

	t.Run("callbacks flow while running", func(t *testing.T) {
		sig, err := g.Run(MarketData{LatestPrice: 50_000})
		require.NoError(t, err)
		require.Equal(t, ActionHold, sig.Action)
		require.NoError(t, g.NotifyOrder(domain.Order{}))
		require.NoError(t, g.NotifyTrade(domain.Trade{}))
	})

	t.Run("stop is terminal and idempotent", func(t *testing.T) {
		require.NoError(t, g.Stop("shutdown"))
		require.Equal(t, StateStopped, g.State())
		require.Equal(t, 1, impl.stopCalls)
		require.Equal(t, "shutdown", impl.stopReason)

		require.NoError(t, g.Stop("again"))
		require.Equal(t, 1, impl.stopCalls)

		_, err := g.Run(MarketData{})
		require.ErrorIs(t, err, domain.ErrLifecycle)
		require.ErrorIs(t, g.Initialize(Context{}), domain.ErrLifecycle)
	})
}

func TestGuardInitializeFailureStaysPending(t *testing.T) {
	impl := &recorder{initErr: errors.New("bad parameters")}
	g := NewGuard(impl)

	require.Error(t, g.Initialize(Context{}))
	require.Equal(t, StatePending, g.State())

	// A failed initialization can be retried once the cause is fixed.
	impl.initErr = nil
	require.NoError(t, g.Initialize(Context{}))
	require.Equal(t, StateRunning, g.State())
}

func TestGuardStopBeforeRunningSkipsOnStop(t *testing.T) {
	impl := &recorder{}
	g := NewGuard(impl)

	require.NoError(t, g.Stop("never started"))
	require.Equal(t, StateStopped, g.State())
	require.Zero(t, impl.stopCalls)
}
