package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShardedBasics(t *testing.T) {
	c := NewSharded()

	_, ok := c.Get("ticker|BTC/USDT")
	require.False(t, ok)
	require.Zero(t, c.Len())

	c.Set("ticker|BTC/USDT", 50_000.0)
	v, ok := c.Get("ticker|BTC/USDT")
	require.True(t, ok)
	require.Equal(t, 50_000.0, v)
	require.Equal(t, 1, c.Len())

	// Overwrite keeps one entry.
	c.Set("ticker|BTC/USDT", 51_000.0)
	v, _ = c.Get("ticker|BTC/USDT")
	require.Equal(t, 51_000.0, v)
	require.Equal(t, 1, c.Len())

	age, ok := c.Age("ticker|BTC/USDT")
	require.True(t, ok)
	require.Less(t, age, time.Second)
	_, ok = c.Age("missing")
	require.False(t, ok)
}

func TestShardedConcurrentAccess(t *testing.T) {
	c := NewSharded()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("ticker|SYM%d/USDT", n)
			for j := 0; j < 100; j++ {
				c.Set(key, float64(j))
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 32, c.Len())
}
