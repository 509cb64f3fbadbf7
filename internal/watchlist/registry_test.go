package watchlist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpilot/pkg/db"
	"coinpilot/pkg/upbit"
)

type fakeChance struct {
	chances map[string]*upbit.OrdersChance
	calls   []string
}

func (f *fakeChance) GetOrdersChance(_ context.Context, symbol string) (*upbit.OrdersChance, error) {
	f.calls = append(f.calls, symbol)
	if c, ok := f.chances[symbol]; ok {
		return c, nil
	}
	return nil, assert.AnError
}

func newTestRegistry(t *testing.T, exchange ChanceSource) (*Registry, *db.Database) {
	t.Helper()
	database, err := db.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewRegistry(database, exchange, 5), database
}

func insertSnapshot(t *testing.T, database *db.Database, symbol string, volume float64, at time.Time) {
	t.Helper()
	_, err := database.DB.Exec(`
		INSERT INTO market_snapshots (symbol, captured_at, price_last, volume) VALUES (?, ?, 100, ?)
	`, symbol, at.UTC(), volume)
	require.NoError(t, err)
}

func TestAddAndEnabledSymbols(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "KRW-BTC"))
	require.NoError(t, r.Add(ctx, "KRW-ETH"))

	symbols, err := r.EnabledSymbols(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"KRW-BTC", "KRW-ETH"}, symbols)
}

func TestAddIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "KRW-BTC"))
	require.NoError(t, r.Add(ctx, "KRW-BTC"))

	symbols, err := r.EnabledSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"KRW-BTC"}, symbols)
}

func TestDisableRemovesFromEnabledSet(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "KRW-BTC"))
	ok, err := r.Disable(ctx, "KRW-BTC")
	require.NoError(t, err)
	assert.True(t, ok)

	symbols, err := r.EnabledSymbols(ctx)
	require.NoError(t, err)
	assert.Empty(t, symbols)

	// Unknown symbol reports false.
	ok, err = r.Disable(ctx, "KRW-NOPE")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMutationInvalidatesCache(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "KRW-BTC"))
	_, err := r.EnabledSymbols(ctx) // warms the cache
	require.NoError(t, err)

	require.NoError(t, r.Add(ctx, "KRW-ETH"))
	symbols, err := r.EnabledSymbols(ctx)
	require.NoError(t, err)
	assert.Len(t, symbols, 2, "cache must not serve the pre-mutation set")
}

func TestToggle(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "KRW-BTC"))

	ok, err := r.Toggle(ctx, "KRW-BTC")
	require.NoError(t, err)
	assert.True(t, ok)
	symbols, err := r.EnabledSymbols(ctx)
	require.NoError(t, err)
	assert.Empty(t, symbols)

	ok, err = r.Toggle(ctx, "KRW-BTC")
	require.NoError(t, err)
	assert.True(t, ok)
	symbols, err = r.EnabledSymbols(ctx)
	require.NoError(t, err)
	assert.Len(t, symbols, 1)
}

func TestBulkAddDeduplicates(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	n, err := r.BulkAdd(ctx, []string{"KRW-BTC", "KRW-ETH", "KRW-BTC", " ", ""})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBulkRemoveDisables(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.BulkAdd(ctx, []string{"KRW-BTC", "KRW-ETH", "KRW-XRP"})
	require.NoError(t, err)

	n, err := r.BulkRemove(ctx, []string{"KRW-BTC", "KRW-ETH", "KRW-DOGE"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	symbols, err := r.EnabledSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"KRW-XRP"}, symbols)
}

func TestRebuildDailyTopVolume(t *testing.T) {
	r, database := newTestRegistry(t, nil)
	ctx := context.Background()
	now := time.Now()

	insertSnapshot(t, database, "KRW-BTC", 500, now)
	insertSnapshot(t, database, "KRW-ETH", 900, now)
	insertSnapshot(t, database, "KRW-XRP", 100, now)
	// Stale high-volume row must not win; only the latest row per symbol counts.
	insertSnapshot(t, database, "KRW-XRP", 9999, now.Add(-time.Hour))

	require.NoError(t, r.Add(ctx, "KRW-OLD"))

	n, err := r.RebuildDaily(ctx, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	symbols, err := r.EnabledSymbols(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"KRW-BTC", "KRW-ETH"}, symbols)
}

func TestRebuildDailyIsIdempotent(t *testing.T) {
	r, database := newTestRegistry(t, nil)
	ctx := context.Background()
	now := time.Now()

	insertSnapshot(t, database, "KRW-BTC", 500, now)
	insertSnapshot(t, database, "KRW-ETH", 900, now)
	insertSnapshot(t, database, "KRW-XRP", 100, now)

	n, err := r.RebuildDaily(ctx, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, err := r.EnabledSymbols(ctx)
	require.NoError(t, err)

	// A second rebuild over unchanged snapshots must land on the same set.
	n, err = r.RebuildDaily(ctx, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	second, err := r.EnabledSymbols(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, first, second)
	assert.ElementsMatch(t, []string{"KRW-BTC", "KRW-ETH"}, second)
}

func TestRebuildDailyMergeKeepsExisting(t *testing.T) {
	r, database := newTestRegistry(t, nil)
	ctx := context.Background()

	insertSnapshot(t, database, "KRW-BTC", 500, time.Now())
	require.NoError(t, r.Add(ctx, "KRW-OLD"))

	n, err := r.RebuildDaily(ctx, 1, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	symbols, err := r.EnabledSymbols(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"KRW-BTC", "KRW-OLD"}, symbols)
}

func TestSyncExchangeMeta(t *testing.T) {
	chance := &fakeChance{chances: map[string]*upbit.OrdersChance{
		"KRW-BTC": {BidFee: 0.0005, AskFee: 0.0005, MinTotalBid: 5000, MinTotalAsk: 5000},
	}}
	r, _ := newTestRegistry(t, chance)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "KRW-BTC"))
	require.NoError(t, r.Add(ctx, "KRW-FAIL")) // chance lookup errors, must be skipped

	updated := r.SyncExchangeMeta(ctx, nil)
	assert.Equal(t, 1, updated)

	minQuote, ok := r.MetaMinQuote(ctx, "KRW-BTC")
	assert.True(t, ok)
	assert.InDelta(t, 5000, minQuote, 1e-9)

	_, ok = r.MetaMinQuote(ctx, "KRW-FAIL")
	assert.False(t, ok)
}

func TestMergeMetaOverlays(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, "KRW-BTC"))
	require.NoError(t, r.MergeMeta(ctx, "KRW-BTC", map[string]any{"a": 1.0, "b": "x"}))
	require.NoError(t, r.MergeMeta(ctx, "KRW-BTC", map[string]any{"b": "y", MetaMinQuoteKey: 5000.0}))

	entries, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "y", entries[0].Meta["b"])
	assert.Equal(t, 1.0, entries[0].Meta["a"])

	minQuote, ok := r.MetaMinQuote(ctx, "KRW-BTC")
	assert.True(t, ok)
	assert.InDelta(t, 5000, minQuote, 1e-9)

	// Unknown symbol is a silent no-op.
	assert.NoError(t, r.MergeMeta(ctx, "KRW-NOPE", map[string]any{"a": 1}))
}
