// Package position is the ledger of holdings and their fills.
package position

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"coinpilot/pkg/db"
)

var (
	// ErrPositionExists is returned when opening a symbol that already has
	// an OPEN position. One position per symbol at a time.
	ErrPositionExists = errors.New("symbol already has an open position")
	// ErrAlreadyClosed is returned when closing a position that left the
	// OPEN state; the close is one-way.
	ErrAlreadyClosed = errors.New("position is not open")
)

// Ledger persists positions and their trades.
type Ledger struct {
	db  *db.Database
	now func() time.Time
}

func NewLedger(database *db.Database) *Ledger {
	return &Ledger{db: database, now: time.Now}
}

// OpenRequest carries a buy fill into Open.
type OpenRequest struct {
	Symbol     string
	Mode       db.TradeMode
	Qty        float64
	EntryPrice float64
	TPPrice    float64
	SLPrice    float64
	Fee        float64
	Provider   string
	OrderID    string
}

// Fill carries a sell fill into Close.
type Fill struct {
	Price    float64
	Qty      float64
	Fee      float64
	Provider string
	OrderID  string
}

// Open creates an OPEN position together with its BUY trade. The duplicate
// check and both inserts run in one transaction, so two concurrent entries
// for the same symbol cannot both succeed and a position can never exist
// without its entry fill.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (*db.Position, error) {
	if req.Qty <= 0 || req.EntryPrice <= 0 {
		return nil, fmt.Errorf("open %s: qty and entry price must be positive", req.Symbol)
	}

	tx, err := l.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin open: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM positions WHERE symbol = ? AND status = ?
	`, req.Symbol, string(db.PositionOpen)).Scan(&n); err != nil {
		return nil, fmt.Errorf("check open position %s: %w", req.Symbol, err)
	}
	if n > 0 {
		return nil, fmt.Errorf("open %s: %w", req.Symbol, ErrPositionExists)
	}

	openedAt := l.now().UTC()
	qty := db.Round8(req.Qty)
	entryPrice := db.Round8(req.EntryPrice)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO positions (symbol, mode, qty, entry_price, tp_price, sl_price, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, req.Symbol, string(req.Mode), qty, entryPrice, db.Round8(req.TPPrice), db.Round8(req.SLPrice), string(db.PositionOpen), openedAt)
	if err != nil {
		return nil, fmt.Errorf("insert position %s: %w", req.Symbol, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := l.insertTrade(ctx, tx, db.Trade{
		PositionID: id,
		Symbol:     req.Symbol,
		Mode:       req.Mode,
		Side:       db.SideBuy,
		Price:      entryPrice,
		Qty:        qty,
		Fee:        req.Fee,
		ExecutedAt: openedAt,
		Provider:   req.Provider,
		OrderID:    req.OrderID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("mode", string(req.Mode)).
		Float64("qty", qty).
		Float64("entry", entryPrice).
		Int64("position_id", id).
		Msg("position opened")

	return &db.Position{
		ID:         id,
		Symbol:     req.Symbol,
		Mode:       req.Mode,
		Qty:        qty,
		EntryPrice: entryPrice,
		TPPrice:    db.Round8(req.TPPrice),
		SLPrice:    db.Round8(req.SLPrice),
		Status:     db.PositionOpen,
		OpenedAt:   openedAt,
	}, nil
}

// Close marks the position CLOSED and records its SELL trade in the same
// transaction. The update is guarded on the OPEN status; a second close
// reports ErrAlreadyClosed and leaves no orphan trade behind.
func (l *Ledger) Close(ctx context.Context, id int64, exit Fill, note string) error {
	tx, err := l.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin close: %w", err)
	}
	defer tx.Rollback()

	var symbol string
	var mode db.TradeMode
	if err := tx.QueryRowContext(ctx, `
		SELECT symbol, mode FROM positions WHERE id = ?
	`, id).Scan(&symbol, &mode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("position %d: %w", id, db.ErrNotFound)
		}
		return fmt.Errorf("load position %d: %w", id, err)
	}

	closedAt := l.now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET status = ?, closed_at = ?, notes = ?
		WHERE id = ? AND status = ?
	`, string(db.PositionClosed), closedAt, note, id, string(db.PositionOpen))
	if err != nil {
		return fmt.Errorf("close position %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("position %d: %w", id, ErrAlreadyClosed)
	}

	if err := l.insertTrade(ctx, tx, db.Trade{
		PositionID: id,
		Symbol:     symbol,
		Mode:       mode,
		Side:       db.SideSell,
		Price:      exit.Price,
		Qty:        exit.Qty,
		Fee:        exit.Fee,
		ExecutedAt: closedAt,
		Provider:   exit.Provider,
		OrderID:    exit.OrderID,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().Int64("position_id", id).Str("symbol", symbol).Str("note", note).Msg("position closed")
	return nil
}

// Cancel marks the position CANCELED, for entries whose qty never resolved.
// No trade is recorded.
func (l *Ledger) Cancel(ctx context.Context, id int64, note string) error {
	res, err := l.db.DB.ExecContext(ctx, `
		UPDATE positions SET status = ?, closed_at = ?, notes = ?
		WHERE id = ? AND status = ?
	`, string(db.PositionCanceled), l.now().UTC(), note, id, string(db.PositionOpen))
	if err != nil {
		return fmt.Errorf("cancel position %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("position %d: %w", id, ErrAlreadyClosed)
	}
	log.Info().Int64("position_id", id).Str("note", note).Msg("position canceled")
	return nil
}

func (l *Ledger) insertTrade(ctx context.Context, tx *sql.Tx, t db.Trade) error {
	if t.Provider == "" {
		t.Provider = "bot"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trades (position_id, symbol, mode, side, price, qty, fee, executed_at, provider, order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.PositionID, t.Symbol, string(t.Mode), string(t.Side), db.Round8(t.Price), db.Round8(t.Qty), db.Round8(t.Fee), t.ExecutedAt, t.Provider, t.OrderID); err != nil {
		return fmt.Errorf("record %s trade %s: %w", t.Side, t.Symbol, err)
	}
	return nil
}

// UpdateStops rewrites the take-profit and stop-loss levels of an open
// position.
func (l *Ledger) UpdateStops(ctx context.Context, id int64, tpPrice, slPrice float64) error {
	res, err := l.db.DB.ExecContext(ctx, `
		UPDATE positions SET tp_price = ?, sl_price = ? WHERE id = ? AND status = ?
	`, db.Round8(tpPrice), db.Round8(slPrice), id, string(db.PositionOpen))
	if err != nil {
		return fmt.Errorf("update stops %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("position %d: %w", id, ErrAlreadyClosed)
	}
	return nil
}

// Get fetches one position by id.
func (l *Ledger) Get(ctx context.Context, id int64) (*db.Position, error) {
	row := l.db.DB.QueryRowContext(ctx, selectPosition+` WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	return p, err
}

// OpenBySymbol fetches the symbol's OPEN position, db.ErrNotFound when none.
func (l *Ledger) OpenBySymbol(ctx context.Context, symbol string) (*db.Position, error) {
	row := l.db.DB.QueryRowContext(ctx, selectPosition+` WHERE symbol = ? AND status = ?`, symbol, string(db.PositionOpen))
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	return p, err
}

// GetOpenPositions lists OPEN positions oldest-first, so the watcher visits
// long-held positions before fresh ones.
func (l *Ledger) GetOpenPositions(ctx context.Context) ([]db.Position, error) {
	rows, err := l.db.DB.QueryContext(ctx, selectPosition+`
		WHERE status = ? ORDER BY opened_at ASC
	`, string(db.PositionOpen))
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// RecentPositions lists the newest positions, any status.
func (l *Ledger) RecentPositions(ctx context.Context, limit int) ([]db.Position, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.DB.QueryContext(ctx, selectPosition+`
		ORDER BY opened_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// RecordTrade appends an immutable fill row for a position.
func (l *Ledger) RecordTrade(ctx context.Context, t db.Trade) (int64, error) {
	if _, err := db.ParseSide(string(t.Side)); err != nil {
		return 0, err
	}
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = l.now()
	}
	if t.Provider == "" {
		t.Provider = "bot"
	}
	res, err := l.db.DB.ExecContext(ctx, `
		INSERT INTO trades (position_id, symbol, mode, side, price, qty, fee, executed_at, provider, order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.PositionID, t.Symbol, string(t.Mode), string(t.Side), db.Round8(t.Price), db.Round8(t.Qty), db.Round8(t.Fee), t.ExecutedAt.UTC(), t.Provider, t.OrderID)
	if err != nil {
		return 0, fmt.Errorf("record trade %s: %w", t.Symbol, err)
	}
	return res.LastInsertId()
}

// Trades lists a position's fills in execution order.
func (l *Ledger) Trades(ctx context.Context, positionID int64) ([]db.Trade, error) {
	rows, err := l.db.DB.QueryContext(ctx, `
		SELECT id, position_id, symbol, mode, side, price, qty, fee, executed_at, provider, COALESCE(order_id, '')
		FROM trades WHERE position_id = ? ORDER BY executed_at ASC, id ASC
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("query trades %d: %w", positionID, err)
	}
	defer rows.Close()

	var out []db.Trade
	for rows.Next() {
		var t db.Trade
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Symbol, &t.Mode, &t.Side, &t.Price, &t.Qty, &t.Fee, &t.ExecutedAt, &t.Provider, &t.OrderID); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TradesBetween lists fills in a time range, for the daily report.
func (l *Ledger) TradesBetween(ctx context.Context, from, to time.Time) ([]db.Trade, error) {
	rows, err := l.db.DB.QueryContext(ctx, `
		SELECT id, position_id, symbol, mode, side, price, qty, fee, executed_at, provider, COALESCE(order_id, '')
		FROM trades WHERE executed_at >= ? AND executed_at < ? ORDER BY executed_at ASC, id ASC
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query trades between: %w", err)
	}
	defer rows.Close()

	var out []db.Trade
	for rows.Next() {
		var t db.Trade
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Symbol, &t.Mode, &t.Side, &t.Price, &t.Qty, &t.Fee, &t.ExecutedAt, &t.Provider, &t.OrderID); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ComputePnL is the realized net PnL of an exit fill against the position's
// recorded entry trades: sell proceeds minus the actual buy cost, fees on
// both legs deducted. Summing the real trades keeps the buy leg priced
// correctly when the resolved sell quantity differs from the entry quantity.
func ComputePnL(entries []db.Trade, exit Fill) float64 {
	var buyCost float64
	for _, t := range entries {
		if t.Side == db.SideBuy {
			buyCost += t.Price*t.Qty + t.Fee
		}
	}
	return db.Round8(exit.Price*exit.Qty - exit.Fee - buyCost)
}

const selectPosition = `
	SELECT id, symbol, mode, qty, entry_price, COALESCE(tp_price, 0), COALESCE(sl_price, 0),
	       status, opened_at, closed_at, COALESCE(notes, '')
	FROM positions`

func scanPosition(row *sql.Row) (*db.Position, error) {
	var p db.Position
	err := row.Scan(&p.ID, &p.Symbol, &p.Mode, &p.Qty, &p.EntryPrice, &p.TPPrice, &p.SLPrice, &p.Status, &p.OpenedAt, &p.ClosedAt, &p.Notes)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPositions(rows *sql.Rows) ([]db.Position, error) {
	var out []db.Position
	for rows.Next() {
		var p db.Position
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Mode, &p.Qty, &p.EntryPrice, &p.TPPrice, &p.SLPrice, &p.Status, &p.OpenedAt, &p.ClosedAt, &p.Notes); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
