// Package settings persists small key-value runtime toggles, such as the
// manual dry-mode override.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coinpilot/pkg/db"
)

// Keys used by the bot.
const (
	KeyDryOverride = "dry_override"
)

// Store reads and writes settings rows.
type Store struct {
	db *db.Database
}

// NewStore creates a settings store backed by the DB.
func NewStore(database *db.Database) *Store {
	return &Store{db: database}
}

// Get returns the value for key, false if not set.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts a key-value pair.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// Delete removes a key if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.DB.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}
