// Package report builds the daily ledger row and dispatches it to the
// configured sinks.
package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"coinpilot/pkg/db"
)

// Aggregator folds a day's closed positions into the daily_ledgers row.
type Aggregator struct {
	db  *db.Database
	loc *time.Location
	now func() time.Time
}

func NewAggregator(database *db.Database, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{db: database, loc: loc, now: time.Now}
}

// SetEquityStart records the day's opening equity once. Later calls for the
// same date keep the first value unless force is set.
func (a *Aggregator) SetEquityStart(ctx context.Context, day time.Time, equity float64, force bool) error {
	date := db.DateKey(day.In(a.loc))
	expr := `COALESCE(daily_ledgers.equity_start, excluded.equity_start)`
	if force {
		expr = `excluded.equity_start`
	}
	_, err := a.db.DB.ExecContext(ctx, `
		INSERT INTO daily_ledgers (date, equity_start) VALUES (?, ?)
		ON CONFLICT(date) DO UPDATE SET
			equity_start = `+expr+`,
			updated_at = CURRENT_TIMESTAMP
	`, date, db.Round8(equity))
	if err != nil {
		return fmt.Errorf("set equity start %s: %w", date, err)
	}
	return nil
}

// Aggregate recomputes the ledger row for day from positions closed within
// the day's local bounds. equity_start survives re-aggregation.
func (a *Aggregator) Aggregate(ctx context.Context, day time.Time, equityEnd float64, halted bool, haltReason string) (*db.DailyLedger, error) {
	local := day.In(a.loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.loc)
	to := from.Add(24 * time.Hour)
	date := db.DateKey(local)

	pnl, wins, losses, tradesCount, err := a.dayOutcome(ctx, from, to)
	if err != nil {
		return nil, err
	}

	if _, err := a.db.DB.ExecContext(ctx, `
		INSERT INTO daily_ledgers (date, equity_end, pnl, wins, losses, trades_count, halted, halt_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			equity_end = excluded.equity_end,
			pnl = excluded.pnl,
			wins = excluded.wins,
			losses = excluded.losses,
			trades_count = excluded.trades_count,
			halted = excluded.halted,
			halt_reason = excluded.halt_reason,
			updated_at = CURRENT_TIMESTAMP
	`, date, db.Round8(equityEnd), pnl, wins, losses, tradesCount, boolInt(halted), haltReason); err != nil {
		return nil, fmt.Errorf("upsert daily ledger %s: %w", date, err)
	}

	// pnl_pct needs equity_start, which may have been set earlier.
	if _, err := a.db.DB.ExecContext(ctx, `
		UPDATE daily_ledgers
		SET pnl_pct = CASE WHEN COALESCE(equity_start, 0) > 0 THEN pnl / equity_start * 100 ELSE NULL END
		WHERE date = ?
	`, date); err != nil {
		return nil, fmt.Errorf("update pnl pct %s: %w", date, err)
	}

	row, err := a.Get(ctx, date)
	if err != nil {
		return nil, err
	}
	log.Info().Str("date", date).Float64("pnl", row.PnL).Int("wins", row.Wins).
		Int("losses", row.Losses).Int("trades", row.TradesCount).Msg("daily ledger aggregated")
	return row, nil
}

// dayOutcome walks positions closed in [from, to) and nets each one from its
// fills: sell proceeds minus buy cost minus all fees.
func (a *Aggregator) dayOutcome(ctx context.Context, from, to time.Time) (pnl float64, wins, losses, tradesCount int, err error) {
	rows, err := a.db.DB.QueryContext(ctx, `
		SELECT id FROM positions
		WHERE status = ? AND closed_at >= ? AND closed_at < ?
	`, string(db.PositionClosed), from.UTC(), to.UTC())
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("query closed positions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, 0, 0, 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, 0, 0, err
	}

	for _, id := range ids {
		net, fills, perr := a.positionNet(ctx, id)
		if perr != nil {
			return 0, 0, 0, 0, perr
		}
		pnl += net
		tradesCount += fills
		if net > 0 {
			wins++
		} else if net < 0 {
			losses++
		}
	}
	return db.Round8(pnl), wins, losses, tradesCount, nil
}

func (a *Aggregator) positionNet(ctx context.Context, positionID int64) (float64, int, error) {
	rows, err := a.db.DB.QueryContext(ctx, `
		SELECT side, price, qty, fee FROM trades WHERE position_id = ?
	`, positionID)
	if err != nil {
		return 0, 0, fmt.Errorf("query fills %d: %w", positionID, err)
	}
	defer rows.Close()

	var net float64
	fills := 0
	for rows.Next() {
		var (
			side            string
			price, qty, fee float64
		)
		if err := rows.Scan(&side, &price, &qty, &fee); err != nil {
			return 0, 0, err
		}
		fills++
		switch db.TradeSide(side) {
		case db.SideBuy:
			net -= price*qty + fee
		case db.SideSell:
			net += price*qty - fee
		}
	}
	return db.Round8(net), fills, rows.Err()
}

// Get fetches one ledger row by date key.
func (a *Aggregator) Get(ctx context.Context, date string) (*db.DailyLedger, error) {
	var (
		l           db.DailyLedger
		start, end  sql.NullFloat64
		pct         sql.NullFloat64
		halted      int
		reason, nts sql.NullString
	)
	err := a.db.DB.QueryRowContext(ctx, `
		SELECT id, date, equity_start, equity_end, pnl, pnl_pct, wins, losses, trades_count, halted, halt_reason, notes
		FROM daily_ledgers WHERE date = ?
	`, date).Scan(&l.ID, &l.Date, &start, &end, &l.PnL, &pct, &l.Wins, &l.Losses, &l.TradesCount, &halted, &reason, &nts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get daily ledger %s: %w", date, err)
	}
	l.EquityStart = start.Float64
	l.EquityEnd = end.Float64
	l.PnLPct = pct.Float64
	l.Halted = halted == 1
	l.HaltReason = reason.String
	l.Notes = nts.String
	return &l, nil
}

// Recent lists the newest ledger rows.
func (a *Aggregator) Recent(ctx context.Context, limit int) ([]db.DailyLedger, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := a.db.DB.QueryContext(ctx, `
		SELECT date FROM daily_ledgers ORDER BY date DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent ledgers: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]db.DailyLedger, 0, len(dates))
	for _, d := range dates {
		l, err := a.Get(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
