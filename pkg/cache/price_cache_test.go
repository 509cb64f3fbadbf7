package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriceCacheSetGetFresh(t *testing.T) {
	c := NewPriceCache()
	c.Set("KRW-BTC", 54321000)

	price, ok := c.GetFresh("KRW-BTC", 2*time.Second)
	assert.True(t, ok)
	assert.Equal(t, 54321000.0, price)

	_, ok = c.GetFresh("KRW-ETH", 2*time.Second)
	assert.False(t, ok)
}

func TestPriceCacheStaleRead(t *testing.T) {
	c := NewPriceCache()
	c.Set("KRW-BTC", 100)

	time.Sleep(5 * time.Millisecond)
	_, ok := c.GetFresh("KRW-BTC", time.Millisecond)
	assert.False(t, ok)
}

func TestPriceCacheDelete(t *testing.T) {
	c := NewPriceCache()
	c.Set("KRW-BTC", 100)
	c.Delete("KRW-BTC")

	_, ok := c.GetFresh("KRW-BTC", time.Minute)
	assert.False(t, ok)

	// Deleting an absent key is a no-op.
	c.Delete("KRW-DOGE")
}

func TestPriceCacheCleanup(t *testing.T) {
	c := NewPriceCache()
	c.Set("KRW-BTC", 100)
	c.Set("KRW-ETH", 200)

	time.Sleep(5 * time.Millisecond)
	c.Set("KRW-XRP", 300)

	removed := c.Cleanup(3 * time.Millisecond)
	assert.Equal(t, 2, removed)

	_, ok := c.GetFresh("KRW-XRP", time.Minute)
	assert.True(t, ok)
}

func TestPriceCacheConcurrentAccess(t *testing.T) {
	c := NewPriceCache()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				sym := fmt.Sprintf("KRW-S%d", j%20)
				c.Set(sym, float64(n*1000+j))
				c.GetFresh(sym, time.Second)
			}
		}(i)
	}
	wg.Wait()

	for j := 0; j < 20; j++ {
		_, ok := c.GetFresh(fmt.Sprintf("KRW-S%d", j), time.Minute)
		assert.True(t, ok)
	}
}
