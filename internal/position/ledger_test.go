package position

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpilot/pkg/db"
)

func timeRangeAll() (time.Time, time.Time) {
	return time.Time{}, time.Now().Add(time.Hour)
}

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewLedger(database)
}

func openReq(symbol string, qty, price, tp, sl float64) OpenRequest {
	return OpenRequest{
		Symbol:     symbol,
		Mode:       db.ModeDry,
		Qty:        qty,
		EntryPrice: price,
		TPPrice:    tp,
		SLPrice:    sl,
		Provider:   "dry",
	}
}

func exitFill(price, qty, fee float64) Fill {
	return Fill{Price: price, Qty: qty, Fee: fee, Provider: "dry"}
}

func TestOpenAndFetch(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	p, err := l.Open(ctx, openReq("KRW-BTC", 0.001, 50000000, 50500000, 49500000))
	require.NoError(t, err)
	assert.NotZero(t, p.ID)
	assert.Equal(t, db.PositionOpen, p.Status)

	got, err := l.OpenBySymbol(ctx, "KRW-BTC")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.InDelta(t, 0.001, got.Qty, 1e-9)
}

func TestOpenWritesEntryTrade(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	req := openReq("KRW-BTC", 0.001, 50000000, 0, 0)
	req.Fee = 25
	req.OrderID = "order-1"
	p, err := l.Open(ctx, req)
	require.NoError(t, err)

	trades, err := l.Trades(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, db.SideBuy, trades[0].Side)
	assert.InDelta(t, 25, trades[0].Fee, 1e-9)
	assert.Equal(t, "order-1", trades[0].OrderID)
}

func TestOpenRejectsDuplicateSymbol(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	_, err := l.Open(ctx, openReq("KRW-BTC", 0.001, 50000000, 0, 0))
	require.NoError(t, err)

	_, err = l.Open(ctx, openReq("KRW-BTC", 0.002, 51000000, 0, 0))
	assert.ErrorIs(t, err, ErrPositionExists)

	// A duplicate must leave no stray trade behind.
	from, to := timeRangeAll()
	trades, err := l.TradesBetween(ctx, from, to)
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	// A different symbol is fine.
	_, err = l.Open(ctx, openReq("KRW-ETH", 0.01, 3000000, 0, 0))
	assert.NoError(t, err)
}

func TestOpenAfterClose(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	p, err := l.Open(ctx, openReq("KRW-BTC", 0.001, 50000000, 0, 0))
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx, p.ID, exitFill(50500000, 0.001, 25), "take_profit"))

	_, err = l.Open(ctx, openReq("KRW-BTC", 0.001, 50000000, 0, 0))
	assert.NoError(t, err)
}

func TestCloseIsOneWay(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	p, err := l.Open(ctx, openReq("KRW-BTC", 0.001, 50000000, 0, 0))
	require.NoError(t, err)

	require.NoError(t, l.Close(ctx, p.ID, exitFill(49500000, 0.001, 25), "stop_loss"))
	err = l.Close(ctx, p.ID, exitFill(49000000, 0.001, 25), "timeout")
	assert.ErrorIs(t, err, ErrAlreadyClosed)

	got, err := l.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PositionClosed, got.Status)
	assert.Equal(t, "stop_loss", got.Notes)
	assert.True(t, got.ClosedAt.Valid)

	// The rejected second close must not add a trade.
	trades, err := l.Trades(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestCloseWritesExitTrade(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	p, err := l.Open(ctx, openReq("KRW-BTC", 0.001, 50000000, 0, 0))
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx, p.ID, exitFill(50500000, 0.001, 25.25), "take_profit"))

	trades, err := l.Trades(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, db.SideBuy, trades[0].Side)
	assert.Equal(t, db.SideSell, trades[1].Side)
	assert.InDelta(t, 50500000, trades[1].Price, 1e-6)
	assert.InDelta(t, 25.25, trades[1].Fee, 1e-9)
}

func TestCancelRecordsNoTrade(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	p, err := l.Open(ctx, OpenRequest{
		Symbol: "KRW-BTC", Mode: db.ModeReal, Qty: 0.001, EntryPrice: 50000000,
	})
	require.NoError(t, err)
	require.NoError(t, l.Cancel(ctx, p.ID, "qty_unresolved"))

	got, err := l.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PositionCanceled, got.Status)

	trades, err := l.Trades(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 1, "only the entry trade")
}

func TestUpdateStops(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	p, err := l.Open(ctx, openReq("KRW-BTC", 0.001, 50000000, 50500000, 49500000))
	require.NoError(t, err)

	require.NoError(t, l.UpdateStops(ctx, p.ID, 51000000, 49000000))
	got, err := l.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 51000000, got.TPPrice, 1e-6)
	assert.InDelta(t, 49000000, got.SLPrice, 1e-6)

	require.NoError(t, l.Close(ctx, p.ID, exitFill(51000000, 0.001, 25), "done"))
	err = l.UpdateStops(ctx, p.ID, 52000000, 48000000)
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestGetOpenPositionsOldestFirst(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	first, err := l.Open(ctx, openReq("KRW-BTC", 0.001, 50000000, 0, 0))
	require.NoError(t, err)
	second, err := l.Open(ctx, openReq("KRW-ETH", 0.01, 3000000, 0, 0))
	require.NoError(t, err)

	open, err := l.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, first.ID, open[0].ID)
	assert.Equal(t, second.ID, open[1].ID)
}

func TestRecordTradeValidatesSide(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	p, err := l.Open(ctx, openReq("KRW-BTC", 0.001, 50000000, 0, 0))
	require.NoError(t, err)

	_, err = l.RecordTrade(ctx, db.Trade{
		PositionID: p.ID,
		Symbol:     "KRW-BTC",
		Mode:       db.ModeDry,
		Side:       "HOLD",
		Price:      50000000,
		Qty:        0.001,
	})
	assert.ErrorIs(t, err, db.ErrInvalidSide)
}

func TestRecordTradeDefaultsProvider(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	p, err := l.Open(ctx, OpenRequest{
		Symbol: "KRW-BTC", Mode: db.ModeDry, Qty: 0.001, EntryPrice: 50000000,
	})
	require.NoError(t, err)

	_, err = l.RecordTrade(ctx, db.Trade{
		PositionID: p.ID, Symbol: "KRW-BTC", Mode: db.ModeDry,
		Side: db.SideSell, Price: 50500000, Qty: 0.0005,
	})
	require.NoError(t, err)

	trades, err := l.Trades(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "bot", trades[1].Provider)
}

func TestComputePnL(t *testing.T) {
	entries := []db.Trade{
		{Side: db.SideBuy, Price: 50000000, Qty: 0.001, Fee: 25},
	}

	pnl := ComputePnL(entries, Fill{Price: 50500000, Qty: 0.001, Fee: 25.25})
	// 50500 proceeds minus 50000 cost, minus fees 50.25
	assert.InDelta(t, 449.75, pnl, 1e-9)

	loss := ComputePnL(entries, Fill{Price: 49500000, Qty: 0.001, Fee: 24.75})
	assert.InDelta(t, -549.75, loss, 1e-9)
}

func TestComputePnLWithPartialSellQty(t *testing.T) {
	// The buy leg is priced from the recorded entry trade, so a resolved
	// sell quantity below the entry quantity does not shrink the cost side.
	entries := []db.Trade{
		{Side: db.SideBuy, Price: 50000000, Qty: 0.001, Fee: 25},
	}

	pnl := ComputePnL(entries, Fill{Price: 50500000, Qty: 0.0009, Fee: 22.7})
	// 50500000*0.0009 = 45450 proceeds, 50000000*0.001 + 25 = 50025 cost
	assert.InDelta(t, 45450-50025-22.7, pnl, 1e-6)
}
