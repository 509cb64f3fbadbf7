// Package watcher monitors open positions and exits them on take-profit,
// stop-loss, or timeout.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"coinpilot/internal/execution"
	"coinpilot/internal/position"
	"coinpilot/internal/risk"
	"coinpilot/pkg/db"
)

// Exit reasons recorded on closed positions.
const (
	ExitTakeProfit = "take_profit"
	ExitStopLoss   = "stop_loss"
	ExitTimeout    = "timeout"
	ExitManual     = "manual_flatten"
)

// PriceSource supplies the current price used against the stops.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, bool)
}

// Seller is the subset of the execution adapter the watcher needs.
type Seller interface {
	MarketSell(ctx context.Context, symbol string, qty float64) (*execution.Result, error)
}

// Ledger is the position store surface the watcher needs.
type Ledger interface {
	GetOpenPositions(ctx context.Context) ([]db.Position, error)
	Trades(ctx context.Context, positionID int64) ([]db.Trade, error)
	Close(ctx context.Context, id int64, exit position.Fill, note string) error
}

// Gate is the risk surface the watcher needs.
type Gate interface {
	CanExit(ctx context.Context, symbol string, qty, price float64) (risk.Decision, error)
	RegisterPnL(ctx context.Context, pnl float64) error
}

// Options tune the watch loop.
type Options struct {
	Interval       time.Duration // base pause between ticks
	Jitter         time.Duration // random extra pause, spreads API load
	MaxErrors      int           // consecutive failed ticks before the loop stops
	TimeoutMinutes int           // position age that forces an exit
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = 50
	}
	if o.TimeoutMinutes <= 0 {
		o.TimeoutMinutes = 90
	}
}

// Watcher runs exit checks over open positions.
type Watcher struct {
	prices PriceSource
	seller Seller
	ledger Ledger
	gate   Gate
	opts   Options

	now func() time.Time
}

func New(prices PriceSource, seller Seller, ledger Ledger, gate Gate, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{
		prices: prices,
		seller: seller,
		ledger: ledger,
		gate:   gate,
		opts:   opts,
		now:    time.Now,
	}
}

// TickReport summarizes one pass over the open positions.
type TickReport struct {
	Checked       int
	ClosedTP      int
	ClosedSL      int
	ClosedTimeout int
	Held          int
	Errors        int
}

// Closed is the total number of positions exited this tick.
func (r TickReport) Closed() int {
	return r.ClosedTP + r.ClosedSL + r.ClosedTimeout
}

// Tick checks every open position once. Failures on one position never stop
// the others; each is logged and counted.
func (w *Watcher) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport

	positions, err := w.ledger.GetOpenPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("load open positions: %w", err)
	}

	for i := range positions {
		p := &positions[i]
		report.Checked++

		reason, closed, err := w.checkOne(ctx, p)
		if err != nil {
			report.Errors++
			log.Warn().Err(err).Str("symbol", p.Symbol).Int64("position_id", p.ID).Msg("watch check failed")
			continue
		}
		if !closed {
			if reason != "" {
				report.Held++
			}
			continue
		}
		switch reason {
		case ExitTakeProfit:
			report.ClosedTP++
		case ExitStopLoss:
			report.ClosedSL++
		case ExitTimeout:
			report.ClosedTimeout++
		}
	}
	return report, nil
}

// checkOne applies the exit rules in priority order: take-profit first, then
// stop-loss, then timeout. The returned reason is set whenever a rule fired,
// even if the exit was held.
func (w *Watcher) checkOne(ctx context.Context, p *db.Position) (string, bool, error) {
	price, ok := w.prices.LastPrice(ctx, p.Symbol)
	if !ok || price <= 0 {
		log.Debug().Str("symbol", p.Symbol).Msg("no price for watch check")
		return "", false, nil
	}

	var reason string
	switch {
	case p.TPPrice > 0 && price >= p.TPPrice:
		reason = ExitTakeProfit
	case p.SLPrice > 0 && price <= p.SLPrice:
		reason = ExitStopLoss
	case w.now().Sub(p.OpenedAt) >= time.Duration(w.opts.TimeoutMinutes)*time.Minute:
		reason = ExitTimeout
	default:
		return "", false, nil
	}

	closed, err := w.exit(ctx, p, price, reason)
	return reason, closed, err
}

// exit sells the position and records the outcome. A dust hold (proceeds
// under the exchange minimum) keeps the position open.
func (w *Watcher) exit(ctx context.Context, p *db.Position, price float64, reason string) (bool, error) {
	dec, err := w.gate.CanExit(ctx, p.Symbol, p.Qty, price)
	if err != nil {
		return false, err
	}
	if !dec.Allowed {
		log.Info().Str("symbol", p.Symbol).Str("reason", dec.Reason).Str("detail", dec.Detail).Msg("exit held")
		return false, nil
	}

	fill, err := w.seller.MarketSell(ctx, p.Symbol, p.Qty)
	if err != nil {
		return false, fmt.Errorf("sell: %w", err)
	}

	exit := position.Fill{
		Price:    fill.Price,
		Qty:      fill.Qty,
		Fee:      fill.Fee,
		Provider: fill.Provider,
		OrderID:  fill.OrderID,
	}
	pnl := position.ComputePnL(w.entryTrades(ctx, p.ID), exit)
	if err := w.ledger.Close(ctx, p.ID, exit, fmt.Sprintf("%s pnl=%.2f", reason, pnl)); err != nil {
		if errors.Is(err, position.ErrAlreadyClosed) {
			log.Warn().Int64("position_id", p.ID).Msg("position closed concurrently")
			return false, nil
		}
		return false, fmt.Errorf("close position: %w", err)
	}

	if err := w.gate.RegisterPnL(ctx, pnl); err != nil {
		log.Warn().Err(err).Int64("position_id", p.ID).Msg("register pnl failed")
	}

	log.Info().
		Str("symbol", p.Symbol).
		Str("exit", reason).
		Float64("price", fill.Price).
		Float64("pnl", pnl).
		Int64("position_id", p.ID).
		Msg("position exited")
	return true, nil
}

func (w *Watcher) entryTrades(ctx context.Context, positionID int64) []db.Trade {
	trades, err := w.ledger.Trades(ctx, positionID)
	if err != nil {
		log.Warn().Err(err).Int64("position_id", positionID).Msg("load entry trades failed")
		return nil
	}
	return trades
}

// Run ticks until the context is canceled or too many consecutive ticks fail
// outright. Per-position errors inside a tick do not count against the
// breaker; only whole-tick failures do.
func (w *Watcher) Run(ctx context.Context) error {
	consecutive := 0
	for {
		report, err := w.Tick(ctx)
		if err != nil {
			consecutive++
			log.Error().Err(err).Int("consecutive", consecutive).Msg("watch tick failed")
			if consecutive >= w.opts.MaxErrors {
				return fmt.Errorf("watcher stopped after %d consecutive failures: %w", consecutive, err)
			}
		} else {
			consecutive = 0
			if report.Checked > 0 {
				log.Debug().Int("checked", report.Checked).Int("closed", report.Closed()).
					Int("errors", report.Errors).Msg("watch tick")
			}
		}

		pause := w.opts.Interval
		if w.opts.Jitter > 0 {
			pause += time.Duration(rand.Int63n(int64(w.opts.Jitter)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}
