// Package execution places market orders and resolves their fills. A fill
// strategy abstracts the difference between dry-run simulation and the live
// exchange, so callers never branch on mode.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"coinpilot/pkg/db"
	"coinpilot/pkg/upbit"
)

// ErrQtyUnresolved is returned when a live buy was accepted but its executed
// quantity could not be confirmed within the polling window.
var ErrQtyUnresolved = errors.New("executed quantity unresolved")

// Result is a resolved fill.
type Result struct {
	Mode     db.TradeMode
	Side     db.TradeSide
	Symbol   string
	Price    float64
	Qty      float64
	Notional float64
	Fee      float64
	OrderID  string
	Provider string
}

// Exchange is the live order surface of the Upbit client.
type Exchange interface {
	CreateMarketBuy(ctx context.Context, symbol string, quoteAmount float64) (*upbit.OrderResult, error)
	CreateMarketSell(ctx context.Context, symbol string, baseQty float64) (*upbit.OrderResult, error)
	GetOrder(ctx context.Context, orderID string) (*upbit.OrderDetail, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}

// PriceSource supplies a reference price for dry fills.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, bool)
}

// fillStrategy turns an order intent into a resolved fill.
type fillStrategy interface {
	marketBuy(ctx context.Context, symbol string, quote float64) (*Result, error)
	marketSell(ctx context.Context, symbol string, qty float64) (*Result, error)
}

// ModeGuard decides whether fills must be simulated. It is consulted on
// every order call, so a mode flip (night window start, manual override)
// takes effect mid-run.
type ModeGuard interface {
	Active(ctx context.Context) bool
}

// Adapter executes orders through the fill strategy the guard selects per
// call.
type Adapter struct {
	guard    ModeGuard
	dry      *dryFills
	live     *liveFills
	exchange Exchange
}

// Options tune the adapter.
type Options struct {
	// ResolveAttempts bounds how often a live buy is polled for its fill.
	ResolveAttempts int
	// ResolveDelay is the pause between polls.
	ResolveDelay time.Duration
}

func (o *Options) defaults() {
	if o.ResolveAttempts <= 0 {
		o.ResolveAttempts = 5
	}
	if o.ResolveDelay <= 0 {
		o.ResolveDelay = 400 * time.Millisecond
	}
}

// NewAdapter builds an adapter. While the guard is active, fills are
// synthesized from the price source and never reach the exchange.
func NewAdapter(exchange Exchange, prices PriceSource, guard ModeGuard, opts Options) *Adapter {
	opts.defaults()
	return &Adapter{
		guard:    guard,
		dry:      &dryFills{prices: prices},
		live:     &liveFills{exchange: exchange, opts: opts},
		exchange: exchange,
	}
}

// Dry reports whether an order placed right now would be simulated.
func (a *Adapter) Dry(ctx context.Context) bool { return a.guard.Active(ctx) }

func (a *Adapter) strategy(ctx context.Context) fillStrategy {
	if a.guard.Active(ctx) {
		return a.dry
	}
	return a.live
}

// MarketBuy spends quote currency on symbol at market.
func (a *Adapter) MarketBuy(ctx context.Context, symbol string, quote float64) (*Result, error) {
	if quote <= 0 {
		return nil, fmt.Errorf("market buy %s: quote amount must be positive", symbol)
	}
	return a.strategy(ctx).marketBuy(ctx, symbol, quote)
}

// MarketSell sells qty of symbol's base asset at market.
func (a *Adapter) MarketSell(ctx context.Context, symbol string, qty float64) (*Result, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("market sell %s: qty must be positive", symbol)
	}
	return a.strategy(ctx).marketSell(ctx, symbol, qty)
}

// Cancel best-effort cancels a live order. Dry mode always reports true;
// live failures are logged and reported as false, never as an error, because
// market orders usually complete before a cancel lands.
func (a *Adapter) Cancel(ctx context.Context, orderID string) bool {
	if orderID == "" || a.guard.Active(ctx) {
		return true
	}
	ok, err := a.exchange.CancelOrder(ctx, orderID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("cancel failed")
		return false
	}
	return ok
}

// -------------------------
// Dry strategy
// -------------------------

// dryFills synthesizes fills at the reference price with no fee and no
// order id; the exchange is never touched.
type dryFills struct {
	prices PriceSource
}

func (d *dryFills) marketBuy(ctx context.Context, symbol string, quote float64) (*Result, error) {
	price, ok := d.prices.LastPrice(ctx, symbol)
	if !ok || price <= 0 {
		return nil, fmt.Errorf("dry buy %s: no reference price", symbol)
	}
	qty := db.Round8(quote / price)
	res := &Result{
		Mode:     db.ModeDry,
		Side:     db.SideBuy,
		Symbol:   symbol,
		Price:    db.Round8(price),
		Qty:      qty,
		Notional: db.Round8(quote),
		Provider: "dry",
	}
	log.Info().Str("symbol", symbol).Float64("quote", quote).Float64("qty", qty).Msg("dry buy filled")
	return res, nil
}

func (d *dryFills) marketSell(ctx context.Context, symbol string, qty float64) (*Result, error) {
	price, ok := d.prices.LastPrice(ctx, symbol)
	if !ok || price <= 0 {
		return nil, fmt.Errorf("dry sell %s: no reference price", symbol)
	}
	gross := qty * price
	res := &Result{
		Mode:     db.ModeDry,
		Side:     db.SideSell,
		Symbol:   symbol,
		Price:    db.Round8(price),
		Qty:      db.Round8(qty),
		Notional: db.Round8(gross),
		Provider: "dry",
	}
	log.Info().Str("symbol", symbol).Float64("qty", qty).Float64("proceeds", gross).Msg("dry sell filled")
	return res, nil
}

// -------------------------
// Live strategy
// -------------------------

type liveFills struct {
	exchange Exchange
	opts     Options
}

func (l *liveFills) marketBuy(ctx context.Context, symbol string, quote float64) (*Result, error) {
	order, err := l.exchange.CreateMarketBuy(ctx, symbol, quote)
	if err != nil {
		return nil, err
	}
	detail, err := l.resolve(ctx, order.UUID)
	if err != nil {
		return nil, fmt.Errorf("buy %s order %s: %w", symbol, order.UUID, err)
	}
	res := &Result{
		Mode:     db.ModeReal,
		Side:     db.SideBuy,
		Symbol:   symbol,
		Price:    db.Round8(detail.AvgPrice),
		Qty:      db.Round8(detail.ExecutedVolume),
		Notional: db.Round8(quote),
		Fee:      db.Round8(detail.PaidFee),
		OrderID:  order.UUID,
		Provider: "upbit",
	}
	log.Info().Str("symbol", symbol).Str("order_id", order.UUID).
		Float64("qty", res.Qty).Float64("avg_price", res.Price).Msg("live buy filled")
	return res, nil
}

func (l *liveFills) marketSell(ctx context.Context, symbol string, qty float64) (*Result, error) {
	order, err := l.exchange.CreateMarketSell(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	detail, err := l.resolve(ctx, order.UUID)
	if err != nil {
		return nil, fmt.Errorf("sell %s order %s: %w", symbol, order.UUID, err)
	}
	res := &Result{
		Mode:     db.ModeReal,
		Side:     db.SideSell,
		Symbol:   symbol,
		Price:    db.Round8(detail.AvgPrice),
		Qty:      db.Round8(detail.ExecutedVolume),
		Notional: db.Round8(detail.AvgPrice * detail.ExecutedVolume),
		Fee:      db.Round8(detail.PaidFee),
		OrderID:  order.UUID,
		Provider: "upbit",
	}
	log.Info().Str("symbol", symbol).Str("order_id", order.UUID).
		Float64("qty", res.Qty).Float64("avg_price", res.Price).Msg("live sell filled")
	return res, nil
}

// resolve polls the order until its executed volume and average price are
// known. Market orders usually fill within one or two polls.
func (l *liveFills) resolve(ctx context.Context, orderID string) (*upbit.OrderDetail, error) {
	var last *upbit.OrderDetail
	for attempt := 0; attempt < l.opts.ResolveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.opts.ResolveDelay):
			}
		}
		detail, err := l.exchange.GetOrder(ctx, orderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", orderID).Int("attempt", attempt+1).Msg("order lookup failed")
			continue
		}
		last = detail
		if detail.ExecutedVolume > 0 && detail.AvgPrice > 0 {
			return detail, nil
		}
	}
	if last != nil {
		log.Warn().Str("order_id", orderID).Str("state", last.State).Msg("order fill unresolved")
	}
	return nil, ErrQtyUnresolved
}
