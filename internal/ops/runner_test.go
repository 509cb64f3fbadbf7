package ops

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpilot/internal/execution"
	"coinpilot/internal/guard"
	"coinpilot/internal/market"
	"coinpilot/internal/position"
	"coinpilot/internal/report"
	"coinpilot/internal/risk"
	"coinpilot/internal/signal"
	"coinpilot/internal/watchlist"
	"coinpilot/pkg/config"
	"coinpilot/pkg/db"
	"coinpilot/pkg/upbit"
)

// offlineCandles stands in for an unreachable exchange; snapshots fall back
// to whatever rows the test seeded.
type offlineCandles struct{}

func (offlineCandles) FetchMinuteCandles(context.Context, string, int, int) ([]upbit.Candle, error) {
	return nil, errors.New("offline")
}

func (offlineCandles) FetchLastPrice(context.Context, string) (float64, error) {
	return 0, errors.New("offline")
}

type noSettings struct{}

func (noSettings) Get(context.Context, string) (string, bool, error) { return "", false, nil }

type fakeBalances struct {
	free float64
}

func (f *fakeBalances) Free(context.Context, string) (float64, error) { return f.free, nil }

func (f *fakeBalances) CanAfford(_ context.Context, _ string, notional float64) (bool, error) {
	return notional <= f.free, nil
}

func (f *fakeBalances) Invalidate(string) {}

type harness struct {
	runner   *Runner
	ledger   *position.Ledger
	gateway  *market.Gateway
	registry *watchlist.Registry
	signals  *signal.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := &config.Config{Bot: config.DefaultBot()}
	registry := watchlist.NewRegistry(database, nil, 0)
	gateway := market.NewGateway(database, offlineCandles{}, registry, time.UTC, 60)
	signals := signal.NewEngine(database, gateway, cfg.Bot.SignalCooldownMinutes, cfg.Bot.CandidateWindowMinutes)
	gate := risk.NewGate(database, risk.Limits{
		DailyBudgetQuote:     cfg.Bot.DailyBudgetQuote,
		CooldownMinutes:      cfg.Bot.SignalCooldownMinutes,
		MinOrderNotional:     cfg.Bot.MinOrderNotional,
		DailyDrawdownStopPct: cfg.Bot.DailyDrawdownStopPct,
	}, time.UTC)

	g, err := guard.New(noSettings{}, true, "23:00", "07:30", time.UTC)
	require.NoError(t, err)

	adapter := execution.NewAdapter(nil, gateway, g, execution.Options{})
	ledger := position.NewLedger(database)

	runner := NewRunner(Deps{
		Config:   cfg,
		Gateway:  gateway,
		Registry: registry,
		Signals:  signals,
		Gate:     gate,
		Adapter:  adapter,
		Ledger:   ledger,
		Balances: &fakeBalances{free: 100000},
		Reports:  report.NewAggregator(database, time.UTC),
	})
	return &harness{runner: runner, ledger: ledger, gateway: gateway, registry: registry, signals: signals}
}

func (h *harness) seedSnapshot(t *testing.T, symbol string, s db.MarketSnapshot) {
	t.Helper()
	s.Symbol = symbol
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now().UTC()
	}
	require.NoError(t, h.gateway.InsertSnapshot(context.Background(), s))
}

func (h *harness) openPosition(t *testing.T, symbol string, qty, entry float64) *db.Position {
	t.Helper()
	p, err := h.ledger.Open(context.Background(), position.OpenRequest{
		Symbol:     symbol,
		Mode:       db.ModeDry,
		Qty:        qty,
		EntryPrice: entry,
		Provider:   "dry",
	})
	require.NoError(t, err)
	return p
}

func TestMinuteScanEntersOnTriggeredSignal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.registry.Add(ctx, "KRW-BTC"))
	h.seedSnapshot(t, "KRW-BTC", db.MarketSnapshot{
		PriceLast: 50000000,
		Volume:    100,
		EMA20:     50100000,
		EMA60:     50000000,
		VolSMA20:  40,
	})

	rep, err := h.runner.MinuteScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scanned)
	assert.Equal(t, 1, rep.Entered)
	assert.Empty(t, rep.Skips)

	p, err := h.ledger.OpenBySymbol(ctx, "KRW-BTC")
	require.NoError(t, err)
	assert.Equal(t, db.ModeDry, p.Mode)
	assert.InDelta(t, 50000000*1.01, p.TPPrice, 1)
	assert.InDelta(t, 50000000*0.99, p.SLPrice, 1)

	recent, err := h.signals.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, db.SignalConsumed, recent[0].Status)
}

func TestMinuteScanSkipsSymbolWithOpenPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.registry.Add(ctx, "KRW-BTC"))
	h.openPosition(t, "KRW-BTC", 0.001, 50000000)

	rep, err := h.runner.MinuteScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Entered)
	assert.Equal(t, 1, rep.Skips[SkipOpenPosition])
}

func TestMinuteScanMarksRiskRejectedSignal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.registry.Add(ctx, "KRW-BTC"))
	h.seedSnapshot(t, "KRW-BTC", db.MarketSnapshot{
		PriceLast: 50000000,
		Volume:    100,
		EMA20:     50100000,
		EMA60:     50000000,
		VolSMA20:  40,
	})

	// Exhaust the daily budget so the gate rejects the entry.
	require.NoError(t, h.runner.gate.RegisterFill(ctx, "KRW-ETH", 48000))

	rep, err := h.runner.MinuteScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Entered)
	assert.Equal(t, 1, rep.Skips[SkipRiskRejected])

	recent, err := h.signals.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, db.SignalSkipped, recent[0].Status)
	assert.Contains(t, recent[0].Reason, SkipRiskRejected)
}

func TestFlattenCountsClosedHeldAndFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Priced position: closes normally.
	closed := h.openPosition(t, "KRW-BTC", 0.001, 50000000)
	h.seedSnapshot(t, "KRW-BTC", db.MarketSnapshot{PriceLast: 50500000})

	// Dust position: proceeds under the minimum, stays open.
	held := h.openPosition(t, "KRW-XRP", 0.00001, 50000000)
	h.seedSnapshot(t, "KRW-XRP", db.MarketSnapshot{PriceLast: 50000000})

	// No reference price anywhere: the dry sell cannot fill.
	failed := h.openPosition(t, "KRW-ETH", 0.001, 50000000)

	rep, err := h.runner.Flatten(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Closed)
	assert.Equal(t, 1, rep.Held)
	assert.Equal(t, 1, rep.Failed)

	p, err := h.ledger.Get(ctx, closed.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PositionClosed, p.Status)
	trades, err := h.ledger.Trades(ctx, closed.ID)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, db.SideSell, trades[1].Side)

	for _, id := range []int64{held.ID, failed.ID} {
		p, err := h.ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, db.PositionOpen, p.Status)
	}
}

func TestFlattenWithNoOpenPositions(t *testing.T) {
	h := newHarness(t)

	rep, err := h.runner.Flatten(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlattenReport{}, rep)
}

func TestHeartbeatReportsLiveState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.registry.Add(ctx, "KRW-BTC"))
	require.NoError(t, h.registry.Add(ctx, "KRW-ETH"))
	h.openPosition(t, "KRW-BTC", 0.001, 50000000)
	require.NoError(t, h.runner.gate.RegisterFill(ctx, "KRW-BTC", 6000))

	st, err := h.runner.Heartbeat(ctx)
	require.NoError(t, err)
	assert.True(t, st.GuardActive)
	assert.False(t, st.DryRun)
	assert.False(t, st.Halted)
	assert.Equal(t, 1, st.OpenPositions)
	assert.Equal(t, 2, st.WatchedSymbols)
	assert.InDelta(t, 44000, st.RemainingBudget, 1e-9)
	assert.InDelta(t, 6000, st.UsedBudget, 1e-9)
}
