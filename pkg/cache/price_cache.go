// Package cache provides a small time-bounded price cache used to absorb
// burst reads within a single scan cycle without re-querying upstream.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// PriceCache is a sharded symbol→price cache with freshness-aware reads.
type PriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return c
}

func (c *PriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price for a symbol.
func (c *PriceCache) Set(symbol string, price float64) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	shard.items[symbol] = priceEntry{price: price, updatedAt: time.Now()}
	shard.mu.Unlock()
}

// GetFresh returns the cached price only if it is younger than maxAge.
func (c *PriceCache) GetFresh(symbol string, maxAge time.Duration) (float64, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok || time.Since(entry.updatedAt) > maxAge {
		return 0, false
	}
	return entry.price, true
}

// Delete removes a symbol from the cache.
func (c *PriceCache) Delete(symbol string) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	delete(shard.items, symbol)
	shard.mu.Unlock()
}

// Cleanup removes entries older than maxAge and reports how many were evicted.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
