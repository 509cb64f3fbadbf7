// Package portfolio caches account balances so the minute scan does not hit
// the accounts endpoint once per symbol.
package portfolio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// BalanceSource fetches a free balance from the exchange.
type BalanceSource interface {
	FetchFree(ctx context.Context, asset string) (float64, bool, error)
}

// Balances is a TTL cache over free balances.
type Balances struct {
	source BalanceSource
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]balanceEntry

	now func() time.Time
}

type balanceEntry struct {
	free    float64
	fetched time.Time
}

// NewBalances builds the cache; ttlSec 0 defaults to 3 seconds.
func NewBalances(source BalanceSource, ttlSec int) *Balances {
	if ttlSec <= 0 {
		ttlSec = 3
	}
	return &Balances{
		source:  source,
		ttl:     time.Duration(ttlSec) * time.Second,
		entries: make(map[string]balanceEntry),
		now:     time.Now,
	}
}

// Free returns the asset's free balance, served from cache within the TTL.
// A missing asset reads as zero.
func (b *Balances) Free(ctx context.Context, asset string) (float64, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))

	b.mu.Lock()
	if e, ok := b.entries[asset]; ok && b.now().Sub(e.fetched) < b.ttl {
		free := e.free
		b.mu.Unlock()
		return free, nil
	}
	b.mu.Unlock()

	free, found, err := b.source.FetchFree(ctx, asset)
	if err != nil {
		return 0, fmt.Errorf("fetch free %s: %w", asset, err)
	}
	if !found {
		free = 0
	}

	b.mu.Lock()
	b.entries[asset] = balanceEntry{free: free, fetched: b.now()}
	b.mu.Unlock()
	return free, nil
}

// CanAfford reports whether the free quote balance covers the notional.
func (b *Balances) CanAfford(ctx context.Context, quoteAsset string, notional float64) (bool, error) {
	free, err := b.Free(ctx, quoteAsset)
	if err != nil {
		return false, err
	}
	return free >= notional, nil
}

// Invalidate drops an asset's cached balance, used right after a fill.
func (b *Balances) Invalidate(asset string) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	b.mu.Lock()
	delete(b.entries, asset)
	b.mu.Unlock()
}
