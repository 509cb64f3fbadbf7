// Package market ingests minute candles into snapshots and serves prices
// with bounded staleness.
package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"coinpilot/internal/indicators"
	"coinpilot/pkg/cache"
	"coinpilot/pkg/db"
	"coinpilot/pkg/upbit"
)

// Default indicator windows, matching the snapshot columns.
const (
	ShortWindow = 20
	LongWindow  = 60
	VolWindow   = 20
)

// CandleSource is the upstream exchange surface the gateway needs.
type CandleSource interface {
	FetchMinuteCandles(ctx context.Context, symbol string, unit, count int) ([]upbit.Candle, error)
	FetchLastPrice(ctx context.Context, symbol string) (float64, error)
}

// SymbolSource supplies the default symbol set for a snapshot batch.
type SymbolSource interface {
	EnabledSymbols(ctx context.Context) ([]string, error)
}

// Gateway fetches and stores market snapshots and derives indicators.
type Gateway struct {
	db          *db.Database
	upstream    CandleSource
	symbols     SymbolSource
	prices      *cache.PriceCache
	loc         *time.Location
	candleCount int
	now         func() time.Time
}

// NewGateway wires the gateway. candleCount is the number of minute candles
// fetched per symbol per snapshot (0 means 60).
func NewGateway(database *db.Database, upstream CandleSource, symbols SymbolSource, loc *time.Location, candleCount int) *Gateway {
	if candleCount <= 0 {
		candleCount = 60
	}
	if loc == nil {
		loc = time.Local
	}
	return &Gateway{
		db:          database,
		upstream:    upstream,
		symbols:     symbols,
		prices:      cache.NewPriceCache(),
		loc:         loc,
		candleCount: candleCount,
		now:         time.Now,
	}
}

// Snapshot ingests recent minute candles for each symbol (default: all
// enabled), upserting one row per (symbol, minute) and recomputing
// indicators. Per-symbol failures are logged and skipped; the return value is
// the total number of rows upserted.
func (g *Gateway) Snapshot(ctx context.Context, symbols []string) int {
	if len(symbols) == 0 && g.symbols != nil {
		list, err := g.symbols.EnabledSymbols(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("snapshot: load enabled symbols failed")
			return 0
		}
		symbols = list
	}

	count := 0
	for _, symbol := range symbols {
		n, err := g.snapshotSymbol(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot failed")
			continue
		}
		count += n

		if err := g.ComputeIndicators(ctx, symbol, ShortWindow, LongWindow, VolWindow); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("compute indicators failed")
		}
	}
	return count
}

func (g *Gateway) snapshotSymbol(ctx context.Context, symbol string) (int, error) {
	candles, err := g.upstream.FetchMinuteCandles(ctx, symbol, 1, g.candleCount)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, nil
	}

	tx, err := g.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_snapshots (symbol, captured_at, price_last, volume, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol, captured_at) DO UPDATE SET
			price_last = excluded.price_last,
			volume = excluded.volume,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare snapshot upsert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, c := range candles {
		at, err := c.CapturedAt(g.loc)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("bad candle timestamp")
			continue
		}
		if _, err := stmt.ExecContext(ctx, symbol, at, db.Round8(c.Close), db.Round8(c.Volume)); err != nil {
			return 0, fmt.Errorf("upsert snapshot: %w", err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit snapshots: %w", err)
	}

	// Newest candle also warms the price cache.
	g.prices.Set(symbol, candles[0].Close)
	return n, nil
}

// LastPrice resolves a usable price with bounded staleness: a snapshot
// captured within 2 minutes, then upstream behind a 2-second cache, then a
// snapshot up to 5 minutes old. Returns false when no source succeeds.
func (g *Gateway) LastPrice(ctx context.Context, symbol string) (float64, bool) {
	now := g.now()

	snap, err := g.LatestSnapshot(ctx, symbol)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Warn().Err(err).Str("symbol", symbol).Msg("latest snapshot lookup failed")
	}
	if snap != nil && now.Sub(snap.CapturedAt) <= 2*time.Minute {
		return snap.PriceLast, true
	}

	if price, ok := g.prices.GetFresh(symbol, 2*time.Second); ok {
		return price, true
	}
	price, err := g.upstream.FetchLastPrice(ctx, symbol)
	if err == nil && price > 0 {
		g.prices.Set(symbol, price)
		return price, true
	}
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("upstream price failed")
	}

	// Upstream failed; a slightly stale snapshot beats halting the loop.
	if snap != nil && now.Sub(snap.CapturedAt) <= 5*time.Minute {
		return snap.PriceLast, true
	}
	return 0, false
}

// WarmPrice feeds an externally observed price (e.g. the ticker websocket)
// into the short-lived cache.
func (g *Gateway) WarmPrice(symbol string, price float64) {
	if price > 0 {
		g.prices.Set(symbol, price)
	}
}

// ComputeIndicators loads the most recent max(longWindow, volWindow)
// snapshots and writes EMA/SMA values onto the single latest row. It is a
// no-op when fewer than shortWindow rows exist; indicators are never
// extrapolated from thin history.
func (g *Gateway) ComputeIndicators(ctx context.Context, symbol string, shortWindow, longWindow, volWindow int) error {
	need := longWindow
	if volWindow > need {
		need = volWindow
	}

	rows, err := g.RecentSnapshots(ctx, symbol, need)
	if err != nil {
		return err
	}
	if len(rows) < shortWindow {
		log.Debug().Str("symbol", symbol).Int("rows", len(rows)).
			Int("need", shortWindow).Msg("indicators skipped: insufficient history")
		return nil
	}

	// RecentSnapshots returns newest first; indicators iterate oldest first.
	closes := make([]float64, len(rows))
	volumes := make([]float64, len(rows))
	for i, r := range rows {
		j := len(rows) - 1 - i
		closes[j] = r.PriceLast
		volumes[j] = r.Volume
	}

	emaShort := indicators.EMA(closes, shortWindow)
	emaLong := indicators.EMA(closes, longWindow)
	volSMA := indicators.SMA(volumes, volWindow)

	latest := rows[0]
	_, err = g.db.DB.ExecContext(ctx, `
		UPDATE market_snapshots
		SET ema20 = ?, ema60 = ?, vol_sma20 = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, emaShort, emaLong, volSMA, latest.ID)
	if err != nil {
		return fmt.Errorf("store indicators %s: %w", symbol, err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot row for a symbol.
func (g *Gateway) LatestSnapshot(ctx context.Context, symbol string) (*db.MarketSnapshot, error) {
	rows, err := g.RecentSnapshots(ctx, symbol, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, db.ErrNotFound
	}
	return &rows[0], nil
}

// RecentSnapshots returns up to limit snapshots for a symbol, newest first.
func (g *Gateway) RecentSnapshots(ctx context.Context, symbol string, limit int) ([]db.MarketSnapshot, error) {
	rows, err := g.db.DB.QueryContext(ctx, `
		SELECT id, symbol, captured_at, price_last, COALESCE(volume, 0),
		       COALESCE(ema20, 0), COALESCE(ema60, 0), COALESCE(vol_sma20, 0)
		FROM market_snapshots
		WHERE symbol = ?
		ORDER BY captured_at DESC
		LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []db.MarketSnapshot
	for rows.Next() {
		var s db.MarketSnapshot
		if err := rows.Scan(&s.ID, &s.Symbol, &s.CapturedAt, &s.PriceLast, &s.Volume, &s.EMA20, &s.EMA60, &s.VolSMA20); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertSnapshot writes a single snapshot row directly; used by tests and
// administrative backfills.
func (g *Gateway) InsertSnapshot(ctx context.Context, s db.MarketSnapshot) error {
	_, err := g.db.DB.ExecContext(ctx, `
		INSERT INTO market_snapshots (symbol, captured_at, price_last, volume, ema20, ema60, vol_sma20, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol, captured_at) DO UPDATE SET
			price_last = excluded.price_last,
			volume = excluded.volume,
			ema20 = excluded.ema20,
			ema60 = excluded.ema60,
			vol_sma20 = excluded.vol_sma20,
			updated_at = CURRENT_TIMESTAMP
	`, s.Symbol, s.CapturedAt, s.PriceLast, s.Volume, nullableF(s.EMA20), nullableF(s.EMA60), nullableF(s.VolSMA20))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// PruneBefore deletes snapshots captured before cutoff.
func (g *Gateway) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := g.db.DB.ExecContext(ctx, `DELETE FROM market_snapshots WHERE captured_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

func nullableF(v float64) any {
	if v == 0 {
		return sql.NullFloat64{}
	}
	return v
}
