// Package cache provides a sharded last-good store for market payloads.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Sharded keeps the most recent good payload per key. Lock contention is
// spread across shards so readers on different symbols never serialize.
type Sharded struct {
	shards [numShards]*shard
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	value     any
	updatedAt time.Time
}

// NewSharded creates an empty cache.
func NewSharded() *Sharded {
	c := &Sharded{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

func (c *Sharded) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the payload for a key.
func (c *Sharded) Set(key string, value any) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry{value: value, updatedAt: time.Now()}
	s.mu.Unlock()
}

// Get returns the stored payload and whether it exists.
func (c *Sharded) Get(key string) (any, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Age reports how long ago the key was last set.
func (c *Sharded) Age(key string) (time.Duration, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return time.Since(e.updatedAt), true
}

// Len counts stored entries across all shards.
func (c *Sharded) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
