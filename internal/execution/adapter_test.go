package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpilot/pkg/db"
	"coinpilot/pkg/upbit"
)

type fakePrices struct {
	price float64
	ok    bool
}

func (f *fakePrices) LastPrice(context.Context, string) (float64, bool) {
	return f.price, f.ok
}

type fakeExchange struct {
	buyErr    error
	sellErr   error
	detail    *upbit.OrderDetail
	detailErr error
	canceled  []string
}

func (f *fakeExchange) CreateMarketBuy(_ context.Context, symbol string, _ float64) (*upbit.OrderResult, error) {
	if f.buyErr != nil {
		return nil, f.buyErr
	}
	return &upbit.OrderResult{UUID: "order-1", Market: symbol, Side: "bid"}, nil
}

func (f *fakeExchange) CreateMarketSell(_ context.Context, symbol string, _ float64) (*upbit.OrderResult, error) {
	if f.sellErr != nil {
		return nil, f.sellErr
	}
	return &upbit.OrderResult{UUID: "order-2", Market: symbol, Side: "ask"}, nil
}

func (f *fakeExchange) GetOrder(context.Context, string) (*upbit.OrderDetail, error) {
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	return f.detail, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, id string) (bool, error) {
	f.canceled = append(f.canceled, id)
	return true, nil
}

func fastOptions() Options {
	return Options{ResolveAttempts: 2, ResolveDelay: 1}
}

// stubGuard is a switchable dry-mode guard.
type stubGuard struct {
	active bool
}

func (s *stubGuard) Active(context.Context) bool { return s.active }

func dryGuard() *stubGuard  { return &stubGuard{active: true} }
func liveGuard() *stubGuard { return &stubGuard{active: false} }

func TestDryBuyFill(t *testing.T) {
	a := NewAdapter(nil, &fakePrices{price: 50000000, ok: true}, dryGuard(), fastOptions())

	res, err := a.MarketBuy(context.Background(), "KRW-BTC", 6000)
	require.NoError(t, err)

	assert.Equal(t, db.ModeDry, res.Mode)
	assert.Equal(t, db.SideBuy, res.Side)
	assert.Zero(t, res.Fee)
	assert.InDelta(t, 6000.0/50000000, res.Qty, 1e-12)
	assert.InDelta(t, 6000, res.Notional, 1e-9)
	assert.Empty(t, res.OrderID)
	assert.Equal(t, "dry", res.Provider)
}

func TestDrySellFill(t *testing.T) {
	a := NewAdapter(nil, &fakePrices{price: 50000000, ok: true}, dryGuard(), fastOptions())

	res, err := a.MarketSell(context.Background(), "KRW-BTC", 0.0001)
	require.NoError(t, err)

	assert.Equal(t, db.SideSell, res.Side)
	assert.InDelta(t, 5000, res.Notional, 1e-9)
	assert.Zero(t, res.Fee)
	assert.Empty(t, res.OrderID)
}

func TestDryBuyNoPrice(t *testing.T) {
	a := NewAdapter(nil, &fakePrices{ok: false}, dryGuard(), fastOptions())

	_, err := a.MarketBuy(context.Background(), "KRW-BTC", 6000)
	assert.Error(t, err)
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	a := NewAdapter(nil, &fakePrices{price: 1000, ok: true}, dryGuard(), fastOptions())

	_, err := a.MarketBuy(context.Background(), "KRW-BTC", 0)
	assert.Error(t, err)
	_, err = a.MarketSell(context.Background(), "KRW-BTC", -1)
	assert.Error(t, err)
}

func TestLiveBuyResolvesFill(t *testing.T) {
	ex := &fakeExchange{detail: &upbit.OrderDetail{
		UUID:           "order-1",
		State:          "done",
		ExecutedVolume: 0.00011,
		AvgPrice:       54500000,
		PaidFee:        3,
	}}
	a := NewAdapter(ex, nil, liveGuard(), fastOptions())

	res, err := a.MarketBuy(context.Background(), "KRW-BTC", 6000)
	require.NoError(t, err)

	assert.Equal(t, db.ModeReal, res.Mode)
	assert.Equal(t, "order-1", res.OrderID)
	assert.InDelta(t, 0.00011, res.Qty, 1e-12)
	assert.InDelta(t, 54500000, res.Price, 1e-6)
	assert.Equal(t, "upbit", res.Provider)
}

func TestLiveBuyUnresolvedQty(t *testing.T) {
	ex := &fakeExchange{detail: &upbit.OrderDetail{UUID: "order-1", State: "wait"}}
	a := NewAdapter(ex, nil, liveGuard(), fastOptions())

	_, err := a.MarketBuy(context.Background(), "KRW-BTC", 6000)
	assert.ErrorIs(t, err, ErrQtyUnresolved)
}

func TestLiveBuyExchangeError(t *testing.T) {
	ex := &fakeExchange{buyErr: errors.New("insufficient funds")}
	a := NewAdapter(ex, nil, liveGuard(), fastOptions())

	_, err := a.MarketBuy(context.Background(), "KRW-BTC", 6000)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrQtyUnresolved)
}

func TestModeFollowsGuardPerCall(t *testing.T) {
	// A guard flip mid-run (night window start, manual override) must switch
	// the fill strategy on the very next order, not at restart.
	ex := &fakeExchange{detail: &upbit.OrderDetail{
		UUID:           "order-2",
		State:          "done",
		ExecutedVolume: 0.0001,
		AvgPrice:       50000000,
		PaidFee:        2.5,
	}}
	g := liveGuard()
	a := NewAdapter(ex, &fakePrices{price: 50000000, ok: true}, g, fastOptions())
	ctx := context.Background()

	assert.False(t, a.Dry(ctx))
	res, err := a.MarketSell(ctx, "KRW-BTC", 0.0001)
	require.NoError(t, err)
	assert.Equal(t, db.ModeReal, res.Mode)
	assert.Equal(t, "order-2", res.OrderID)

	g.active = true
	assert.True(t, a.Dry(ctx))
	res, err = a.MarketSell(ctx, "KRW-BTC", 0.0001)
	require.NoError(t, err)
	assert.Equal(t, db.ModeDry, res.Mode)
	assert.Empty(t, res.OrderID)

	g.active = false
	res, err = a.MarketSell(ctx, "KRW-BTC", 0.0001)
	require.NoError(t, err)
	assert.Equal(t, db.ModeReal, res.Mode)
}

func TestCancel(t *testing.T) {
	ex := &fakeExchange{}

	dry := NewAdapter(ex, nil, dryGuard(), fastOptions())
	assert.True(t, dry.Cancel(context.Background(), "order-1"))
	assert.Empty(t, ex.canceled, "dry cancel never reaches the exchange")

	live := NewAdapter(ex, nil, liveGuard(), fastOptions())
	assert.True(t, live.Cancel(context.Background(), "order-1"))
	assert.Equal(t, []string{"order-1"}, ex.canceled)
}
