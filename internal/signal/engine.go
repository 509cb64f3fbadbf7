// Package signal evaluates entry rules over market snapshots and manages
// the signal lifecycle.
package signal

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

// RuleKey identifies the only entry rule currently implemented: short EMA
// above long EMA with a volume surge.
const RuleKey = "ema20_cross_ema60_vol2x"

// VolumeSurgeFactor is the minimum current-volume multiple over its SMA.
const VolumeSurgeFactor = 2.0

// ErrTerminalSignal is returned when consuming or skipping a signal that
// already left the WAITING state.
var ErrTerminalSignal = errors.New("signal is not waiting")

// SnapshotSource provides the latest indicator-bearing snapshot for a symbol.
type SnapshotSource interface {
	LatestSnapshot(ctx context.Context, symbol string) (*db.MarketSnapshot, error)
}

// Engine generates and tracks entry signals.
type Engine struct {
	db        *db.Database
	snapshots SnapshotSource

	cooldown time.Duration
	window   time.Duration

	now func() time.Time
}

// NewEngine builds an engine. cooldownMinutes throttles repeat signals per
// symbol; windowMinutes bounds how old a WAITING signal can be and still be
// served as a candidate.
func NewEngine(database *db.Database, snapshots SnapshotSource, cooldownMinutes, windowMinutes int) *Engine {
	if cooldownMinutes <= 0 {
		cooldownMinutes = 20
	}
	if windowMinutes <= 0 {
		windowMinutes = 120
	}
	return &Engine{
		db:        database,
		snapshots: snapshots,
		cooldown:  time.Duration(cooldownMinutes) * time.Minute,
		window:    time.Duration(windowMinutes) * time.Minute,
		now:       time.Now,
	}
}

// Evaluation is the outcome of running the rule against the latest snapshot.
type Evaluation struct {
	Triggered  bool
	Confidence float64
	RefPrice   float64
	Snapshot   *db.MarketSnapshot
}

// Evaluate runs the entry rule for symbol. The rule never triggers while any
// indicator is missing (zero).
func (e *Engine) Evaluate(ctx context.Context, symbol string) (Evaluation, error) {
	snap, err := e.snapshots.LatestSnapshot(ctx, symbol)
	if errors.Is(err, db.ErrNotFound) {
		return Evaluation{}, nil
	}
	if err != nil {
		return Evaluation{}, fmt.Errorf("latest snapshot %s: %w", symbol, err)
	}

	ev := Evaluation{RefPrice: snap.PriceLast, Snapshot: snap}
	if snap.EMA20 <= 0 || snap.EMA60 <= 0 || snap.VolSMA20 <= 0 {
		return ev, nil
	}
	if snap.EMA20 > snap.EMA60 && snap.Volume >= VolumeSurgeFactor*snap.VolSMA20 {
		ev.Triggered = true
		ev.Confidence = confidence(snap)
	}
	return ev, nil
}

// confidence blends the EMA gap and the volume surge into [0,1]. The gap is
// normalized against 0.5% of the last price, the surge against 3x its SMA.
func confidence(s *db.MarketSnapshot) float64 {
	gapScale := 0.005 * s.PriceLast
	normGap := 0.0
	if gapScale > 0 {
		normGap = clamp01((s.EMA20 - s.EMA60) / gapScale)
	}
	normVol := clamp01(s.Volume / s.VolSMA20 / 3.0)
	return math.Round((0.4*normGap+0.6*normVol)*1e4) / 1e4
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// GenerateOrFetch returns a candidate WAITING signal for symbol, creating a
// new one when the rule triggers and no cooldown applies. A nil signal with
// nil error means no candidate right now.
func (e *Engine) GenerateOrFetch(ctx context.Context, symbol string) (*db.Signal, error) {
	now := e.now()

	// Serve an existing candidate before evaluating again.
	existing, err := e.waitingSignal(ctx, symbol, now.Add(-e.window))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	ev, err := e.Evaluate(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ev.Triggered {
		return nil, nil
	}

	recent, err := e.hasRecentSignal(ctx, symbol, now.Add(-e.cooldown))
	if err != nil {
		return nil, err
	}
	if recent {
		log.Debug().Str("symbol", symbol).Msg("signal suppressed by cooldown")
		return nil, nil
	}

	return e.insert(ctx, symbol, now, ev)
}

func (e *Engine) insert(ctx context.Context, symbol string, now time.Time, ev Evaluation) (*db.Signal, error) {
	res, err := e.db.DB.ExecContext(ctx, `
		INSERT INTO signals (symbol, triggered_at, rule_key, confidence, status, ref_price)
		VALUES (?, ?, ?, ?, ?, ?)
	`, symbol, now.UTC(), RuleKey, ev.Confidence, string(db.SignalWaiting), ev.RefPrice)
	if err != nil {
		return nil, fmt.Errorf("insert signal %s: %w", symbol, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("symbol", symbol).
		Float64("confidence", ev.Confidence).
		Float64("ref_price", ev.RefPrice).
		Msg("entry signal generated")

	return &db.Signal{
		ID:          id,
		Symbol:      symbol,
		TriggeredAt: now.UTC(),
		RuleKey:     RuleKey,
		Confidence:  ev.Confidence,
		Status:      db.SignalWaiting,
		RefPrice:    ev.RefPrice,
	}, nil
}

func (e *Engine) waitingSignal(ctx context.Context, symbol string, since time.Time) (*db.Signal, error) {
	row := e.db.DB.QueryRowContext(ctx, `
		SELECT id, symbol, triggered_at, rule_key, confidence, status, COALESCE(reason, ''), COALESCE(ref_price, 0)
		FROM signals
		WHERE symbol = ? AND status = ? AND triggered_at >= ?
		ORDER BY triggered_at DESC
		LIMIT 1
	`, symbol, string(db.SignalWaiting), since.UTC())
	return scanSignal(row)
}

func (e *Engine) hasRecentSignal(ctx context.Context, symbol string, since time.Time) (bool, error) {
	var n int
	err := e.db.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM signals WHERE symbol = ? AND triggered_at >= ?
	`, symbol, since.UTC()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count recent signals %s: %w", symbol, err)
	}
	return n > 0, nil
}

// MarkConsumed moves a WAITING signal to CONSUMED. The transition is one-way;
// a signal already terminal yields ErrTerminalSignal.
func (e *Engine) MarkConsumed(ctx context.Context, id int64) error {
	return e.markTerminal(ctx, id, db.SignalConsumed, "")
}

// MarkSkipped moves a WAITING signal to SKIPPED with a reason code.
func (e *Engine) MarkSkipped(ctx context.Context, id int64, reason string) error {
	return e.markTerminal(ctx, id, db.SignalSkipped, reason)
}

func (e *Engine) markTerminal(ctx context.Context, id int64, status db.SignalStatus, reason string) error {
	res, err := e.db.DB.ExecContext(ctx, `
		UPDATE signals SET status = ?, reason = ? WHERE id = ? AND status = ?
	`, string(status), reason, id, string(db.SignalWaiting))
	if err != nil {
		return fmt.Errorf("mark signal %d %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("signal %d: %w", id, ErrTerminalSignal)
	}
	return nil
}

// Get fetches one signal by id.
func (e *Engine) Get(ctx context.Context, id int64) (*db.Signal, error) {
	row := e.db.DB.QueryRowContext(ctx, `
		SELECT id, symbol, triggered_at, rule_key, confidence, status, COALESCE(reason, ''), COALESCE(ref_price, 0)
		FROM signals WHERE id = ?
	`, id)
	sig, err := scanSignal(row)
	if err != nil {
		return nil, err
	}
	if sig == nil {
		return nil, db.ErrNotFound
	}
	return sig, nil
}

// Recent lists the newest signals across all symbols, any status.
func (e *Engine) Recent(ctx context.Context, limit int) ([]db.Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := e.db.DB.QueryContext(ctx, `
		SELECT id, symbol, triggered_at, rule_key, confidence, status, COALESCE(reason, ''), COALESCE(ref_price, 0)
		FROM signals
		ORDER BY triggered_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent signals: %w", err)
	}
	defer rows.Close()

	var out []db.Signal
	for rows.Next() {
		var s db.Signal
		if err := rows.Scan(&s.ID, &s.Symbol, &s.TriggeredAt, &s.RuleKey, &s.Confidence, &s.Status, &s.Reason, &s.RefPrice); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ExpireStale skips WAITING signals older than the candidate window.
func (e *Engine) ExpireStale(ctx context.Context) (int64, error) {
	cutoff := e.now().Add(-e.window).UTC()
	res, err := e.db.DB.ExecContext(ctx, `
		UPDATE signals SET status = ?, reason = 'expired' WHERE status = ? AND triggered_at < ?
	`, string(db.SignalSkipped), string(db.SignalWaiting), cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale signals: %w", err)
	}
	return res.RowsAffected()
}

func scanSignal(row *sql.Row) (*db.Signal, error) {
	var s db.Signal
	err := row.Scan(&s.ID, &s.Symbol, &s.TriggeredAt, &s.RuleKey, &s.Confidence, &s.Status, &s.Reason, &s.RefPrice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan signal: %w", err)
	}
	return &s, nil
}
