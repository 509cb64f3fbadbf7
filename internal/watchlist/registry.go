// Package watchlist tracks which symbols are actively monitored.
package watchlist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"coinpilot/pkg/db"
	"coinpilot/pkg/upbit"
)

// MetaMinQuoteKey is the symbol metadata field holding the exchange's
// minimum order total in quote currency.
const MetaMinQuoteKey = "min_total_quote"

// ChanceSource fetches per-market order constraints from the exchange.
type ChanceSource interface {
	GetOrdersChance(ctx context.Context, symbol string) (*upbit.OrdersChance, error)
}

// Registry owns watch entries. Reads of the enabled set are cached for a
// short TTL; every mutation invalidates the cache immediately.
type Registry struct {
	db       *db.Database
	exchange ChanceSource
	ttl      time.Duration

	mu       sync.Mutex
	cached   []string
	cachedAt time.Time

	now func() time.Time
}

// NewRegistry creates a registry. ttlSec bounds how stale the enabled-symbol
// cache may be (0 means 5 seconds).
func NewRegistry(database *db.Database, exchange ChanceSource, ttlSec int) *Registry {
	if ttlSec <= 0 {
		ttlSec = 5
	}
	return &Registry{
		db:       database,
		exchange: exchange,
		ttl:      time.Duration(ttlSec) * time.Second,
		now:      time.Now,
	}
}

// EnabledSymbols returns enabled symbols in priority order (TTL-cached).
func (r *Registry) EnabledSymbols(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	if r.cached != nil && r.now().Sub(r.cachedAt) < r.ttl {
		out := append([]string(nil), r.cached...)
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	rows, err := r.db.DB.QueryContext(ctx, `
		SELECT symbol FROM watch_lists
		WHERE enabled = 1
		ORDER BY priority, symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("query enabled symbols: %w", err)
	}
	defer rows.Close()

	symbols := make([]string, 0, 32)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cached = symbols
	r.cachedAt = r.now()
	r.mu.Unlock()
	return append([]string(nil), symbols...), nil
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

// Add creates the entry if absent and enables it.
func (r *Registry) Add(ctx context.Context, symbol string) error {
	_, err := r.db.DB.ExecContext(ctx, `
		INSERT INTO watch_lists (symbol, enabled, updated_at)
		VALUES (?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			enabled = 1,
			updated_at = CURRENT_TIMESTAMP
	`, symbol)
	if err != nil {
		return fmt.Errorf("add watch entry %s: %w", symbol, err)
	}
	r.invalidate()
	return nil
}

// Remove disables the entry; entries are never hard-deleted.
func (r *Registry) Remove(ctx context.Context, symbol string) (bool, error) {
	return r.setEnabled(ctx, symbol, false)
}

// Enable flips the entry to enabled.
func (r *Registry) Enable(ctx context.Context, symbol string) (bool, error) {
	return r.setEnabled(ctx, symbol, true)
}

// Disable flips the entry to disabled.
func (r *Registry) Disable(ctx context.Context, symbol string) (bool, error) {
	return r.setEnabled(ctx, symbol, false)
}

func (r *Registry) setEnabled(ctx context.Context, symbol string, enabled bool) (bool, error) {
	res, err := r.db.DB.ExecContext(ctx, `
		UPDATE watch_lists SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE symbol = ?
	`, boolInt(enabled), symbol)
	if err != nil {
		return false, fmt.Errorf("set enabled %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		r.invalidate()
	}
	return n > 0, nil
}

// Toggle inverts the enabled flag; false when the symbol is unknown.
func (r *Registry) Toggle(ctx context.Context, symbol string) (bool, error) {
	res, err := r.db.DB.ExecContext(ctx, `
		UPDATE watch_lists SET enabled = 1 - enabled, updated_at = CURRENT_TIMESTAMP WHERE symbol = ?
	`, symbol)
	if err != nil {
		return false, fmt.Errorf("toggle %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		r.invalidate()
	}
	return n > 0, nil
}

// BulkAdd adds/enables a deduplicated symbol set in one transaction.
func (r *Registry) BulkAdd(ctx context.Context, symbols []string) (int, error) {
	symbols = dedup(symbols)
	tx, err := r.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bulk add: %w", err)
	}
	defer tx.Rollback()

	for _, s := range symbols {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO watch_lists (symbol, enabled, updated_at)
			VALUES (?, 1, CURRENT_TIMESTAMP)
			ON CONFLICT(symbol) DO UPDATE SET enabled = 1, updated_at = CURRENT_TIMESTAMP
		`, s); err != nil {
			return 0, fmt.Errorf("bulk add %s: %w", s, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	r.invalidate()
	return len(symbols), nil
}

// BulkRemove disables a symbol set in one statement. Entries stay on file so
// their metadata survives a later re-add.
func (r *Registry) BulkRemove(ctx context.Context, symbols []string) (int, error) {
	symbols = dedup(symbols)
	if len(symbols) == 0 {
		return 0, nil
	}
	args := make([]any, len(symbols))
	for i, s := range symbols {
		args[i] = s
	}
	res, err := r.db.DB.ExecContext(ctx, `
		UPDATE watch_lists SET enabled = 0, updated_at = CURRENT_TIMESTAMP
		WHERE symbol IN (`+placeholders(len(symbols))+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("bulk remove: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.invalidate()
	}
	return int(n), nil
}

// RebuildDaily enables the take symbols with the highest latest-snapshot
// volume (creating entries as needed) and, unless merge is set, disables
// every other symbol. All mutations run in one transaction.
func (r *Registry) RebuildDaily(ctx context.Context, take int, merge bool) (int, error) {
	if take <= 0 {
		take = 30
	}

	top, err := r.topVolumeSymbols(ctx, take)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	for _, s := range top {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO watch_lists (symbol, enabled, updated_at)
			VALUES (?, 1, CURRENT_TIMESTAMP)
			ON CONFLICT(symbol) DO UPDATE SET enabled = 1, updated_at = CURRENT_TIMESTAMP
		`, s); err != nil {
			return 0, fmt.Errorf("rebuild enable %s: %w", s, err)
		}
	}

	if !merge {
		query := `UPDATE watch_lists SET enabled = 0, updated_at = CURRENT_TIMESTAMP`
		args := make([]any, 0, len(top))
		if len(top) > 0 {
			query += ` WHERE symbol NOT IN (` + placeholders(len(top)) + `)`
			for _, s := range top {
				args = append(args, s)
			}
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("rebuild disable others: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	r.invalidate()

	enabled, err := r.EnabledSymbols(ctx)
	if err != nil {
		return 0, err
	}
	return len(enabled), nil
}

func (r *Registry) topVolumeSymbols(ctx context.Context, take int) ([]string, error) {
	rows, err := r.db.DB.QueryContext(ctx, `
		SELECT ms.symbol
		FROM market_snapshots ms
		JOIN (
			SELECT symbol, MAX(captured_at) AS max_at
			FROM market_snapshots
			GROUP BY symbol
		) t ON ms.symbol = t.symbol AND ms.captured_at = t.max_at
		ORDER BY ms.volume DESC
		LIMIT ?
	`, take)
	if err != nil {
		return nil, fmt.Errorf("query top volume: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan top volume: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SyncExchangeMeta merges orders-chance metadata into each entry's meta map.
// Per-symbol failures are logged and skipped; returns the updated count.
func (r *Registry) SyncExchangeMeta(ctx context.Context, symbols []string) int {
	if r.exchange == nil {
		return 0
	}
	if len(symbols) == 0 {
		list, err := r.EnabledSymbols(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("sync meta: load enabled symbols failed")
			return 0
		}
		symbols = list
	}

	updated := 0
	for _, symbol := range dedup(symbols) {
		chance, err := r.exchange.GetOrdersChance(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("sync meta failed")
			continue
		}

		minQuote := chance.MinTotalBid
		if minQuote <= 0 {
			minQuote = chance.MinTotalAsk
		}
		meta := map[string]any{
			MetaMinQuoteKey: minQuote,
			"min_total_bid": chance.MinTotalBid,
			"min_total_ask": chance.MinTotalAsk,
			"bid_fee":       chance.BidFee,
			"ask_fee":       chance.AskFee,
			"synced_at":     r.now().Format(time.RFC3339),
		}
		if err := r.MergeMeta(ctx, symbol, meta); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("merge meta failed")
			continue
		}
		updated++
	}
	return updated
}

// MergeMeta overlays fields onto the entry's metadata map. Unknown symbols
// are skipped silently.
func (r *Registry) MergeMeta(ctx context.Context, symbol string, meta map[string]any) error {
	current, err := r.loadMeta(ctx, symbol)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	for k, v := range meta {
		current[k] = v
	}
	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode meta %s: %w", symbol, err)
	}
	if _, err := r.db.DB.ExecContext(ctx, `
		UPDATE watch_lists SET meta = ?, updated_at = CURRENT_TIMESTAMP WHERE symbol = ?
	`, string(data), symbol); err != nil {
		return fmt.Errorf("store meta %s: %w", symbol, err)
	}
	return nil
}

// MetaMinQuote returns the symbol's minimum quote total from metadata,
// false when unset or not positive.
func (r *Registry) MetaMinQuote(ctx context.Context, symbol string) (float64, bool) {
	meta, err := r.loadMeta(ctx, symbol)
	if err != nil {
		return 0, false
	}
	v, ok := meta[MetaMinQuoteKey]
	if !ok {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		fmt.Sscanf(n, "%f", &f)
	default:
		return 0, false
	}
	if f <= 0 {
		return 0, false
	}
	return f, true
}

func (r *Registry) loadMeta(ctx context.Context, symbol string) (map[string]any, error) {
	var raw sql.NullString
	err := r.db.DB.QueryRowContext(ctx, `SELECT meta FROM watch_lists WHERE symbol = ?`, symbol).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load meta %s: %w", symbol, err)
	}

	meta := map[string]any{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
			return nil, fmt.Errorf("decode meta %s: %w", symbol, err)
		}
	}
	return meta, nil
}

// List returns all entries, enabled first then by symbol.
func (r *Registry) List(ctx context.Context) ([]db.WatchEntry, error) {
	rows, err := r.db.DB.QueryContext(ctx, `
		SELECT id, symbol, COALESCE(base, ''), COALESCE(quote, ''), priority, enabled, COALESCE(meta, '')
		FROM watch_lists
		ORDER BY enabled DESC, symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("list watch entries: %w", err)
	}
	defer rows.Close()

	var out []db.WatchEntry
	for rows.Next() {
		var (
			e   db.WatchEntry
			raw string
		)
		if err := rows.Scan(&e.ID, &e.Symbol, &e.Base, &e.Quote, &e.Priority, &e.Enabled, &raw); err != nil {
			return nil, fmt.Errorf("scan watch entry: %w", err)
		}
		if raw != "" {
			_ = json.Unmarshal([]byte(raw), &e.Meta)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dedup(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
