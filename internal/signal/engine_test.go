package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpilot/pkg/db"
)

type fakeSnapshots struct {
	snap *db.MarketSnapshot
	err  error
}

func (f *fakeSnapshots) LatestSnapshot(context.Context, string) (*db.MarketSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func newEngine(t *testing.T, snaps SnapshotSource) *Engine {
	t.Helper()
	database, err := db.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewEngine(database, snaps, 20, 120)
}

func triggeringSnapshot() *db.MarketSnapshot {
	return &db.MarketSnapshot{
		Symbol:    "KRW-BTC",
		PriceLast: 50000000,
		Volume:    300, // 3x the SMA
		EMA20:     50100000,
		EMA60:     50000000,
		VolSMA20:  100,
	}
}

func TestEvaluateTriggers(t *testing.T) {
	e := newEngine(t, &fakeSnapshots{snap: triggeringSnapshot()})

	ev, err := e.Evaluate(context.Background(), "KRW-BTC")
	require.NoError(t, err)
	assert.True(t, ev.Triggered)
	assert.Greater(t, ev.Confidence, 0.0)
	assert.LessOrEqual(t, ev.Confidence, 1.0)
}

func TestEvaluateNoTriggerBelowVolumeSurge(t *testing.T) {
	snap := triggeringSnapshot()
	snap.Volume = 150 // below 2x SMA
	e := newEngine(t, &fakeSnapshots{snap: snap})

	ev, err := e.Evaluate(context.Background(), "KRW-BTC")
	require.NoError(t, err)
	assert.False(t, ev.Triggered)
}

func TestEvaluateNoTriggerWithMissingIndicators(t *testing.T) {
	snap := triggeringSnapshot()
	snap.EMA60 = 0
	e := newEngine(t, &fakeSnapshots{snap: snap})

	ev, err := e.Evaluate(context.Background(), "KRW-BTC")
	require.NoError(t, err)
	assert.False(t, ev.Triggered)
}

func TestEvaluateNoSnapshot(t *testing.T) {
	e := newEngine(t, &fakeSnapshots{err: db.ErrNotFound})

	ev, err := e.Evaluate(context.Background(), "KRW-BTC")
	require.NoError(t, err)
	assert.False(t, ev.Triggered)
}

func TestConfidenceClampedAndRounded(t *testing.T) {
	// Gap of 100000 against scale 0.005*50000000=250000 -> 0.4 normGap.
	// Volume 300/100/3 = 1.0 normVol.
	// 0.4*0.4 + 0.6*1.0 = 0.76
	c := confidence(triggeringSnapshot())
	assert.InDelta(t, 0.76, c, 1e-9)

	// Huge gap and surge clamp to 1.
	big := triggeringSnapshot()
	big.EMA20 = big.EMA60 * 2
	big.Volume = big.VolSMA20 * 100
	assert.InDelta(t, 1.0, confidence(big), 1e-9)
}

func TestGenerateOrFetchCreatesWaitingSignal(t *testing.T) {
	e := newEngine(t, &fakeSnapshots{snap: triggeringSnapshot()})
	ctx := context.Background()

	sig, err := e.GenerateOrFetch(ctx, "KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, db.SignalWaiting, sig.Status)
	assert.Equal(t, RuleKey, sig.RuleKey)
	assert.InDelta(t, 50000000, sig.RefPrice, 1e-6)
}

func TestGenerateOrFetchReturnsExistingCandidate(t *testing.T) {
	e := newEngine(t, &fakeSnapshots{snap: triggeringSnapshot()})
	ctx := context.Background()

	first, err := e.GenerateOrFetch(ctx, "KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := e.GenerateOrFetch(ctx, "KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
}

func TestCooldownSuppressesNewSignal(t *testing.T) {
	e := newEngine(t, &fakeSnapshots{snap: triggeringSnapshot()})
	ctx := context.Background()

	first, err := e.GenerateOrFetch(ctx, "KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NoError(t, e.MarkConsumed(ctx, first.ID))

	// Still within the 20 minute cooldown: no new signal.
	sig, err := e.GenerateOrFetch(ctx, "KRW-BTC")
	require.NoError(t, err)
	assert.Nil(t, sig)

	// Past the cooldown a fresh signal appears.
	e.now = func() time.Time { return time.Now().Add(25 * time.Minute) }
	sig, err = e.GenerateOrFetch(ctx, "KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.NotEqual(t, first.ID, sig.ID)
}

func TestMarkTransitionsAreOneWay(t *testing.T) {
	e := newEngine(t, &fakeSnapshots{snap: triggeringSnapshot()})
	ctx := context.Background()

	sig, err := e.GenerateOrFetch(ctx, "KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, sig)

	require.NoError(t, e.MarkConsumed(ctx, sig.ID))
	assert.ErrorIs(t, e.MarkSkipped(ctx, sig.ID, "late"), ErrTerminalSignal)
	assert.ErrorIs(t, e.MarkConsumed(ctx, sig.ID), ErrTerminalSignal)

	got, err := e.Get(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SignalConsumed, got.Status)
}

func TestMarkSkippedStoresReason(t *testing.T) {
	e := newEngine(t, &fakeSnapshots{snap: triggeringSnapshot()})
	ctx := context.Background()

	sig, err := e.GenerateOrFetch(ctx, "KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, sig)

	require.NoError(t, e.MarkSkipped(ctx, sig.ID, "risk_rejected:budget"))
	got, err := e.Get(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SignalSkipped, got.Status)
	assert.Equal(t, "risk_rejected:budget", got.Reason)
}

func TestExpireStale(t *testing.T) {
	e := newEngine(t, &fakeSnapshots{snap: triggeringSnapshot()})
	ctx := context.Background()

	sig, err := e.GenerateOrFetch(ctx, "KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, sig)

	// Not stale yet.
	n, err := e.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	n, err = e.ExpireStale(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := e.Get(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SignalSkipped, got.Status)
	assert.Equal(t, "expired", got.Reason)
}
