// Package risk enforces pre-trade limits: the daily budget, per-symbol
// cooldowns, minimum notionals and the drawdown halt.
package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"coinpilot/pkg/db"
)

// Rejection reason codes, checked in this order for entries.
const (
	ReasonHalt     = "halt"
	ReasonBudget   = "budget"
	ReasonCooldown = "cooldown"
	ReasonUnderMin = "under_min"

	// ReasonUnderMinSell marks an exit blocked because the proceeds would
	// fall under the exchange minimum (dust hold).
	ReasonUnderMinSell = "UNDER_MIN_SELL"
)

// Decision is the outcome of a gate check. Entry decisions carry the live
// counters so callers can report them without re-querying.
type Decision struct {
	Allowed bool
	Reason  string
	Detail  string

	// CooldownSec is how long the symbol's cooldown still holds, zero when
	// none applies.
	CooldownSec int64
	// RemainingBudget is today's unspent entry budget in quote currency.
	RemainingBudget float64
}

func (d Decision) deny(reason, detail string) Decision {
	d.Allowed = false
	d.Reason = reason
	d.Detail = detail
	return d
}

// Limits are the static gate parameters, derived from bot config.
type Limits struct {
	DailyBudgetQuote     float64
	CooldownMinutes      int
	MinOrderNotional     float64
	DailyDrawdownStopPct float64
}

// MinQuoteSource supplies per-symbol minimum notionals synced from the
// exchange; the watch list registry implements it.
type MinQuoteSource interface {
	MetaMinQuote(ctx context.Context, symbol string) (float64, bool)
}

// Gate evaluates entries and exits against the day's counters. All state
// lives in SQLite so restarts and concurrent commands agree on usage.
type Gate struct {
	db        *db.Database
	limits    Limits
	loc       *time.Location
	minQuotes MinQuoteSource
	now       func() time.Time
}

// NewGate builds a gate. loc fixes which wall clock defines "today" for
// budget and drawdown accounting.
func NewGate(database *db.Database, limits Limits, loc *time.Location) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	if limits.CooldownMinutes <= 0 {
		limits.CooldownMinutes = 20
	}
	return &Gate{db: database, limits: limits, loc: loc, now: time.Now}
}

// UseSymbolMinimums wires a per-symbol minimum notional source. When set,
// the effective minimum for a symbol is the larger of the exchange default
// and the symbol's own override.
func (g *Gate) UseSymbolMinimums(src MinQuoteSource) {
	g.minQuotes = src
}

func (g *Gate) effectiveMin(ctx context.Context, symbol string) float64 {
	min := g.limits.MinOrderNotional
	if g.minQuotes == nil {
		return min
	}
	if v, ok := g.minQuotes.MetaMinQuote(ctx, symbol); ok && v > min {
		return v
	}
	return min
}

// CanEnter checks an entry of notional quote for symbol. Checks run in a
// fixed order so the reported reason is deterministic: halt, budget,
// cooldown, then minimum notional. Every decision carries the remaining
// budget and cooldown left for the symbol.
func (g *Gate) CanEnter(ctx context.Context, symbol string, notional float64) (Decision, error) {
	remaining, err := g.RemainingDailyBudget(ctx)
	if err != nil {
		return Decision{}, err
	}
	left, err := g.CooldownRemaining(ctx, symbol)
	if err != nil {
		return Decision{}, err
	}
	dec := Decision{
		Allowed:         true,
		CooldownSec:     int64(math.Ceil(left.Seconds())),
		RemainingBudget: remaining,
	}

	halted, why, err := g.ShouldHaltTrading(ctx)
	if err != nil {
		return Decision{}, err
	}
	if halted {
		return dec.deny(ReasonHalt, why), nil
	}

	if notional > remaining {
		return dec.deny(ReasonBudget, fmt.Sprintf("need %.0f, remaining %.0f", notional, remaining)), nil
	}

	if left > 0 {
		return dec.deny(ReasonCooldown, fmt.Sprintf("%s for %s", left.Round(time.Second), symbol)), nil
	}

	if min := g.effectiveMin(ctx, symbol); notional < min {
		return dec.deny(ReasonUnderMin, fmt.Sprintf("notional %.0f under minimum %.0f", notional, min)), nil
	}

	return dec, nil
}

// CanExit checks a market sell. Exits ignore budget, cooldown and halt; the
// only blocker is a sell whose proceeds would be dust under the exchange
// minimum.
func (g *Gate) CanExit(ctx context.Context, symbol string, qty, price float64) (Decision, error) {
	proceeds := qty * price
	if min := g.effectiveMin(ctx, symbol); proceeds < min {
		return Decision{}.deny(ReasonUnderMinSell, fmt.Sprintf("proceeds %.0f under minimum %.0f", proceeds, min)), nil
	}
	return Decision{Allowed: true}, nil
}

// RegisterFill records a buy fill: it adds the spent notional to today's
// budget counter and arms the symbol's cooldown. Both writes are single
// atomic upserts so concurrent commands never lose an increment.
func (g *Gate) RegisterFill(ctx context.Context, symbol string, notional float64) error {
	date := db.DateKey(g.now().In(g.loc))
	if _, err := g.db.DB.ExecContext(ctx, `
		INSERT INTO risk_days (date, used_quote) VALUES (?, ?)
		ON CONFLICT(date) DO UPDATE SET used_quote = used_quote + excluded.used_quote
	`, date, notional); err != nil {
		return fmt.Errorf("register budget use: %w", err)
	}

	expires := g.now().Add(time.Duration(g.limits.CooldownMinutes) * time.Minute).UTC()
	if _, err := g.db.DB.ExecContext(ctx, `
		INSERT INTO risk_cooldowns (symbol, expires_at) VALUES (?, ?)
		ON CONFLICT(symbol) DO UPDATE SET expires_at = excluded.expires_at
	`, symbol, expires); err != nil {
		return fmt.Errorf("arm cooldown %s: %w", symbol, err)
	}

	log.Debug().Str("symbol", symbol).Float64("notional", notional).Str("date", date).Msg("fill registered")
	return nil
}

// RegisterPnL accumulates realized quote PnL into today's counter. Losses
// drive the drawdown halt.
func (g *Gate) RegisterPnL(ctx context.Context, pnl float64) error {
	date := db.DateKey(g.now().In(g.loc))
	if _, err := g.db.DB.ExecContext(ctx, `
		INSERT INTO risk_days (date, pnl_quote) VALUES (?, ?)
		ON CONFLICT(date) DO UPDATE SET pnl_quote = pnl_quote + excluded.pnl_quote
	`, date, pnl); err != nil {
		return fmt.Errorf("register pnl: %w", err)
	}
	return nil
}

// RemainingDailyBudget returns how much quote currency today's entries may
// still spend. Never negative.
func (g *Gate) RemainingDailyBudget(ctx context.Context) (float64, error) {
	used, _, err := g.dayCounters(ctx)
	if err != nil {
		return 0, err
	}
	remaining := g.limits.DailyBudgetQuote - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ShouldHaltTrading reports whether today's realized loss crossed the
// drawdown stop. The loss is measured against today's recorded opening
// equity; until that equity is recorded, halting cannot trigger.
func (g *Gate) ShouldHaltTrading(ctx context.Context) (bool, string, error) {
	if g.limits.DailyDrawdownStopPct <= 0 {
		return false, "", nil
	}
	equity, err := g.equityStart(ctx)
	if err != nil {
		return false, "", err
	}
	if equity <= 0 {
		return false, "", nil
	}
	_, pnl, err := g.dayCounters(ctx)
	if err != nil {
		return false, "", err
	}
	lossLimit := equity * g.limits.DailyDrawdownStopPct / 100
	if pnl <= -lossLimit {
		return true, fmt.Sprintf("daily drawdown %.0f exceeds stop %.0f", -pnl, lossLimit), nil
	}
	return false, "", nil
}

// equityStart reads today's opening equity from the daily ledger, zero when
// the morning prep has not recorded it yet.
func (g *Gate) equityStart(ctx context.Context) (float64, error) {
	date := db.DateKey(g.now().In(g.loc))
	var v float64
	err := g.db.DB.QueryRowContext(ctx, `
		SELECT COALESCE(equity_start, 0) FROM daily_ledgers WHERE date = ?
	`, date).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read equity start: %w", err)
	}
	return v, nil
}

// CooldownRemaining returns how long the symbol's cooldown still holds,
// zero when expired or never armed.
func (g *Gate) CooldownRemaining(ctx context.Context, symbol string) (time.Duration, error) {
	var expires time.Time
	err := g.db.DB.QueryRowContext(ctx, `
		SELECT expires_at FROM risk_cooldowns WHERE symbol = ?
	`, symbol).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cooldown %s: %w", symbol, err)
	}
	left := expires.Sub(g.now().UTC())
	if left < 0 {
		return 0, nil
	}
	return left, nil
}

// ClearCooldown drops the symbol's cooldown early.
func (g *Gate) ClearCooldown(ctx context.Context, symbol string) error {
	if _, err := g.db.DB.ExecContext(ctx, `DELETE FROM risk_cooldowns WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("clear cooldown %s: %w", symbol, err)
	}
	return nil
}

// ResetDay clears today's counters and, when asked, all cooldowns. Used by
// the scheduled day reset and the manual reset after a halt review.
func (g *Gate) ResetDay(ctx context.Context, clearCooldowns bool) error {
	date := db.DateKey(g.now().In(g.loc))
	if _, err := g.db.DB.ExecContext(ctx, `DELETE FROM risk_days WHERE date = ?`, date); err != nil {
		return fmt.Errorf("reset day counters: %w", err)
	}
	if clearCooldowns {
		if _, err := g.db.DB.ExecContext(ctx, `DELETE FROM risk_cooldowns`); err != nil {
			return fmt.Errorf("reset cooldowns: %w", err)
		}
	}
	log.Info().Str("date", date).Bool("cooldowns_cleared", clearCooldowns).Msg("risk counters reset")
	return nil
}

// DayUsage exposes today's counters for status reporting.
func (g *Gate) DayUsage(ctx context.Context) (used, pnl float64, err error) {
	return g.dayCounters(ctx)
}

func (g *Gate) dayCounters(ctx context.Context) (used, pnl float64, err error) {
	date := db.DateKey(g.now().In(g.loc))
	err = g.db.DB.QueryRowContext(ctx, `
		SELECT used_quote, pnl_quote FROM risk_days WHERE date = ?
	`, date).Scan(&used, &pnl)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read day counters: %w", err)
	}
	return used, pnl, nil
}
