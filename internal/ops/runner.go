// Package ops wires the trading components into the operations the CLI and
// scheduler invoke: the minute scan, morning preparation, flattening,
// reporting, and the heartbeat.
package ops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"coinpilot/internal/execution"
	"coinpilot/internal/market"
	"coinpilot/internal/position"
	"coinpilot/internal/report"
	"coinpilot/internal/risk"
	"coinpilot/internal/signal"
	"coinpilot/internal/watchlist"
	"coinpilot/pkg/config"
	"coinpilot/pkg/db"
)

// Skip reason codes counted by the minute scan.
const (
	SkipOpenPosition      = "open_position"
	SkipRiskRejected      = "risk_rejected"
	SkipInsufficientFunds = "insufficient_funds"
	SkipNoPrice           = "no_price"
	SkipBuyFailed         = "buy_failed"
	SkipQtyUnresolved     = "qty_unresolved"
)

// Balances is the portfolio surface the runner needs.
type Balances interface {
	Free(ctx context.Context, asset string) (float64, error)
	CanAfford(ctx context.Context, quoteAsset string, notional float64) (bool, error)
	Invalidate(asset string)
}

// Runner owns the wired components and exposes the bot's operations.
type Runner struct {
	cfg      *config.Config
	gateway  *market.Gateway
	registry *watchlist.Registry
	signals  *signal.Engine
	gate     *risk.Gate
	adapter  *execution.Adapter
	ledger   *position.Ledger
	balances Balances
	reports  *report.Aggregator
	dispatch *report.Dispatcher

	now func() time.Time
}

// Deps collects the runner's collaborators.
type Deps struct {
	Config   *config.Config
	Gateway  *market.Gateway
	Registry *watchlist.Registry
	Signals  *signal.Engine
	Gate     *risk.Gate
	Adapter  *execution.Adapter
	Ledger   *position.Ledger
	Balances Balances
	Reports  *report.Aggregator
	Dispatch *report.Dispatcher
}

func NewRunner(d Deps) *Runner {
	return &Runner{
		cfg:      d.Config,
		gateway:  d.Gateway,
		registry: d.Registry,
		signals:  d.Signals,
		gate:     d.Gate,
		adapter:  d.Adapter,
		ledger:   d.Ledger,
		balances: d.Balances,
		reports:  d.Reports,
		dispatch: d.Dispatch,
		now:      time.Now,
	}
}

// ScanReport summarizes one minute scan.
type ScanReport struct {
	Scanned  int
	Entered  int
	Snapshot int
	Skips    map[string]int
}

func (r *ScanReport) skip(reason string) {
	if r.Skips == nil {
		r.Skips = make(map[string]int)
	}
	r.Skips[reason]++
}

// MinuteScan refreshes snapshots and walks the watch list looking for
// entries. Orders follow the guard's mode at fill time, so a guarded scan
// trades dry rather than skipping. Every non-entry outcome is counted under
// a skip reason so the log tells the whole story of the minute.
func (r *Runner) MinuteScan(ctx context.Context) (ScanReport, error) {
	var rep ScanReport

	symbols, err := r.registry.EnabledSymbols(ctx)
	if err != nil {
		return rep, fmt.Errorf("load watch list: %w", err)
	}
	rep.Snapshot = r.gateway.Snapshot(ctx, symbols)

	if _, err := r.signals.ExpireStale(ctx); err != nil {
		log.Warn().Err(err).Msg("expire stale signals failed")
	}

	for _, symbol := range symbols {
		rep.Scanned++
		if err := r.scanSymbol(ctx, symbol, &rep); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("scan symbol failed")
		}
	}

	log.Info().Int("scanned", rep.Scanned).Int("entered", rep.Entered).
		Interface("skips", rep.Skips).Msg("minute scan complete")
	return rep, nil
}

func (r *Runner) scanSymbol(ctx context.Context, symbol string, rep *ScanReport) error {
	if _, err := r.ledger.OpenBySymbol(ctx, symbol); err == nil {
		rep.skip(SkipOpenPosition)
		return nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	sig, err := r.signals.GenerateOrFetch(ctx, symbol)
	if err != nil {
		return err
	}
	if sig == nil {
		return nil
	}

	quote := r.cfg.Bot.OrderQuote
	dec, err := r.gate.CanEnter(ctx, symbol, quote)
	if err != nil {
		return err
	}
	if !dec.Allowed {
		rep.skip(SkipRiskRejected)
		return r.skipSignal(ctx, sig.ID, SkipRiskRejected+":"+dec.Reason)
	}

	if !r.adapter.Dry(ctx) {
		afford, err := r.balances.CanAfford(ctx, r.cfg.Bot.QuoteAsset, quote)
		if err != nil {
			return err
		}
		if !afford {
			rep.skip(SkipInsufficientFunds)
			return r.skipSignal(ctx, sig.ID, SkipInsufficientFunds)
		}
	}

	if _, ok := r.gateway.LastPrice(ctx, symbol); !ok {
		rep.skip(SkipNoPrice)
		return r.skipSignal(ctx, sig.ID, SkipNoPrice)
	}

	fill, err := r.adapter.MarketBuy(ctx, symbol, quote)
	if err != nil {
		if errors.Is(err, execution.ErrQtyUnresolved) {
			rep.skip(SkipQtyUnresolved)
			return r.skipSignal(ctx, sig.ID, SkipQtyUnresolved)
		}
		rep.skip(SkipBuyFailed)
		return r.skipSignal(ctx, sig.ID, SkipBuyFailed)
	}

	if err := r.openPosition(ctx, symbol, fill); err != nil {
		if errors.Is(err, position.ErrPositionExists) {
			rep.skip(SkipOpenPosition)
			return r.skipSignal(ctx, sig.ID, SkipOpenPosition)
		}
		return err
	}

	if err := r.gate.RegisterFill(ctx, symbol, fill.Notional); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("register fill failed")
	}
	r.balances.Invalidate(r.cfg.Bot.QuoteAsset)

	if err := r.signals.MarkConsumed(ctx, sig.ID); err != nil {
		log.Warn().Err(err).Int64("signal_id", sig.ID).Msg("mark consumed failed")
	}

	rep.Entered++
	return nil
}

func (r *Runner) openPosition(ctx context.Context, symbol string, fill *execution.Result) error {
	tp := db.Round8(fill.Price * (1 + r.cfg.Bot.TakeProfitPct/100))
	sl := db.Round8(fill.Price * (1 - r.cfg.Bot.StopLossPct/100))

	_, err := r.ledger.Open(ctx, position.OpenRequest{
		Symbol:     symbol,
		Mode:       fill.Mode,
		Qty:        fill.Qty,
		EntryPrice: fill.Price,
		TPPrice:    tp,
		SLPrice:    sl,
		Fee:        fill.Fee,
		Provider:   fill.Provider,
		OrderID:    fill.OrderID,
	})
	return err
}

func (r *Runner) entryTrades(ctx context.Context, positionID int64) []db.Trade {
	trades, err := r.ledger.Trades(ctx, positionID)
	if err != nil {
		log.Warn().Err(err).Int64("position_id", positionID).Msg("load entry trades failed")
		return nil
	}
	return trades
}

func (r *Runner) skipSignal(ctx context.Context, id int64, reason string) error {
	if err := r.signals.MarkSkipped(ctx, id, reason); err != nil && !errors.Is(err, signal.ErrTerminalSignal) {
		return err
	}
	return nil
}

// MorningPrep prepares a fresh trading day: refresh snapshots, rebuild the
// watch list from volume, sync exchange metadata, record opening equity and
// drop stale data.
func (r *Runner) MorningPrep(ctx context.Context) error {
	symbols, err := r.registry.EnabledSymbols(ctx)
	if err != nil {
		return fmt.Errorf("load watch list: %w", err)
	}
	r.gateway.Snapshot(ctx, symbols)

	enabled, err := r.RebuildWatchList(ctx)
	if err != nil {
		return err
	}

	free, err := r.balances.Free(ctx, r.cfg.Bot.QuoteAsset)
	if err != nil {
		log.Warn().Err(err).Msg("morning equity read failed")
	} else {
		log.Info().Str("asset", r.cfg.Bot.QuoteAsset).Float64("free", free).Msg("morning balance")
		if err := r.reports.SetEquityStart(ctx, r.now(), free, false); err != nil {
			log.Warn().Err(err).Msg("record equity start failed")
		}
	}

	if halted, why, err := r.gate.ShouldHaltTrading(ctx); err != nil {
		log.Warn().Err(err).Msg("halt check failed")
	} else if halted {
		log.Warn().Str("reason", why).Msg("trading halted for the day")
	}

	if n, err := r.signals.ExpireStale(ctx); err != nil {
		log.Warn().Err(err).Msg("expire stale signals failed")
	} else if n > 0 {
		log.Info().Int64("expired", n).Msg("stale signals expired")
	}

	cutoff := r.now().AddDate(0, 0, -7)
	if n, err := r.gateway.PruneBefore(ctx, cutoff); err != nil {
		log.Warn().Err(err).Msg("prune snapshots failed")
	} else if n > 0 {
		log.Info().Int64("pruned", n).Msg("old snapshots pruned")
	}

	log.Info().Int("watchlist", enabled).Msg("morning prep complete")
	return nil
}

// RebuildWatchList rebuilds the list from latest-snapshot volume and syncs
// exchange metadata for the survivors.
func (r *Runner) RebuildWatchList(ctx context.Context) (int, error) {
	enabled, err := r.registry.RebuildDaily(ctx, r.cfg.Bot.WatchlistTake, false)
	if err != nil {
		return 0, fmt.Errorf("rebuild watch list: %w", err)
	}
	synced := r.registry.SyncExchangeMeta(ctx, nil)
	log.Info().Int("enabled", enabled).Int("meta_synced", synced).Msg("watch list rebuilt")
	return enabled, nil
}

// FlattenReport summarizes a manual flatten.
type FlattenReport struct {
	Closed int
	Held   int
	Failed int
}

// Flatten market-sells every open position. Dust positions stay open and
// are counted as held; per-position failures never stop the sweep.
func (r *Runner) Flatten(ctx context.Context) (FlattenReport, error) {
	var rep FlattenReport

	positions, err := r.ledger.GetOpenPositions(ctx)
	if err != nil {
		return rep, fmt.Errorf("load open positions: %w", err)
	}

	for i := range positions {
		p := &positions[i]

		price, ok := r.gateway.LastPrice(ctx, p.Symbol)
		if !ok {
			price = p.EntryPrice
		}
		dec, err := r.gate.CanExit(ctx, p.Symbol, p.Qty, price)
		if err != nil {
			rep.Failed++
			log.Warn().Err(err).Str("symbol", p.Symbol).Msg("flatten check failed")
			continue
		}
		if !dec.Allowed {
			rep.Held++
			log.Info().Str("symbol", p.Symbol).Str("detail", dec.Detail).Msg("flatten held: dust position")
			continue
		}

		fill, err := r.adapter.MarketSell(ctx, p.Symbol, p.Qty)
		if err != nil {
			rep.Failed++
			log.Warn().Err(err).Str("symbol", p.Symbol).Msg("flatten sell failed")
			continue
		}

		exit := position.Fill{
			Price:    fill.Price,
			Qty:      fill.Qty,
			Fee:      fill.Fee,
			Provider: fill.Provider,
			OrderID:  fill.OrderID,
		}
		pnl := position.ComputePnL(r.entryTrades(ctx, p.ID), exit)
		if err := r.ledger.Close(ctx, p.ID, exit, fmt.Sprintf("manual_flatten pnl=%.2f", pnl)); err != nil {
			rep.Failed++
			log.Warn().Err(err).Int64("position_id", p.ID).Msg("flatten close failed")
			continue
		}
		if err := r.gate.RegisterPnL(ctx, pnl); err != nil {
			log.Warn().Err(err).Msg("register pnl failed")
		}
		rep.Closed++
	}

	log.Info().Int("closed", rep.Closed).Int("held", rep.Held).Int("failed", rep.Failed).Msg("flatten complete")
	return rep, nil
}

// ResetDay starts a fresh trading day: record opening equity (kept unless
// forced), clear today's risk counters, optionally clear cooldowns, and drop
// snapshots older than yesterday.
func (r *Runner) ResetDay(ctx context.Context, clearCooldowns, forceEquity bool) error {
	free, err := r.balances.Free(ctx, r.cfg.Bot.QuoteAsset)
	if err != nil {
		log.Warn().Err(err).Msg("opening equity read failed")
	} else if err := r.reports.SetEquityStart(ctx, r.now(), free, forceEquity); err != nil {
		return fmt.Errorf("record equity start: %w", err)
	}

	if err := r.gate.ResetDay(ctx, clearCooldowns); err != nil {
		return err
	}

	yesterday := r.now().AddDate(0, 0, -1)
	cutoff := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, yesterday.Location())
	if n, err := r.gateway.PruneBefore(ctx, cutoff); err != nil {
		log.Warn().Err(err).Msg("prune snapshots failed")
	} else if n > 0 {
		log.Info().Int64("pruned", n).Msg("old snapshots pruned")
	}
	return nil
}

// DailyReport aggregates today's ledger row and dispatches it to the
// configured sinks.
func (r *Runner) DailyReport(ctx context.Context) (*db.DailyLedger, error) {
	equity, err := r.balances.Free(ctx, r.cfg.Bot.QuoteAsset)
	if err != nil {
		log.Warn().Err(err).Msg("closing equity read failed")
		equity = 0
	}
	halted, why, err := r.gate.ShouldHaltTrading(ctx)
	if err != nil {
		return nil, err
	}

	row, err := r.reports.Aggregate(ctx, r.now(), equity, halted, why)
	if err != nil {
		return nil, err
	}
	if r.dispatch != nil {
		delivered := r.dispatch.Dispatch(ctx, row)
		log.Info().Str("date", row.Date).Int("delivered", delivered).Msg("daily report dispatched")
	}
	return row, nil
}

// Status is the heartbeat snapshot served by the CLI and the ops API.
type Status struct {
	Time            time.Time `json:"time"`
	DryRun          bool      `json:"dry_run"`
	GuardActive     bool      `json:"guard_active"`
	Halted          bool      `json:"halted"`
	HaltReason      string    `json:"halt_reason,omitempty"`
	OpenPositions   int       `json:"open_positions"`
	WatchedSymbols  int       `json:"watched_symbols"`
	RemainingBudget float64   `json:"remaining_budget"`
	UsedBudget      float64   `json:"used_budget"`
	DayPnL          float64   `json:"day_pnl"`
}

// Heartbeat collects the live status of the bot.
func (r *Runner) Heartbeat(ctx context.Context) (Status, error) {
	st := Status{Time: r.now(), DryRun: r.cfg.Bot.DryRun}

	// Live answer: whether an order placed right now would be simulated.
	st.GuardActive = r.adapter.Dry(ctx)

	halted, why, err := r.gate.ShouldHaltTrading(ctx)
	if err != nil {
		return st, err
	}
	st.Halted = halted
	st.HaltReason = why

	open, err := r.ledger.GetOpenPositions(ctx)
	if err != nil {
		return st, err
	}
	st.OpenPositions = len(open)

	symbols, err := r.registry.EnabledSymbols(ctx)
	if err != nil {
		return st, err
	}
	st.WatchedSymbols = len(symbols)

	remaining, err := r.gate.RemainingDailyBudget(ctx)
	if err != nil {
		return st, err
	}
	st.RemainingBudget = remaining

	used, pnl, err := r.gate.DayUsage(ctx)
	if err != nil {
		return st, err
	}
	st.UsedBudget = used
	st.DayPnL = pnl

	return st, nil
}
