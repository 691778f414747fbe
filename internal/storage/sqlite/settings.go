package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Known vault_settings keys.
const (
	SettingInitialSyncComplete    = "initial_sync_complete"
	SettingContinuousDebounceMs   = "continuous_debounce_ms"
	SettingPeriodicIntervalMs     = "periodic_interval_ms"
	SettingTombstoneRetentionDays = "tombstone_retention_days"
)

// GetSetting reads a single vault_settings value. ok is false if the key has
// never been set, letting callers fall back to a default of their own.
func (s *Store) GetSetting(ctx context.Context, key string) (value string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM vault_settings WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("sqlite: get setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts a vault_settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: set setting %s: %w", key, err)
	}
	return nil
}

// GetInitialSyncComplete reports whether this vault has finished its first
// full pull from any backend. Defaults to false.
func (s *Store) GetInitialSyncComplete(ctx context.Context) (bool, error) {
	v, ok, err := s.GetSetting(ctx, SettingInitialSyncComplete)
	if err != nil {
		return false, err
	}
	return ok && v == "true", nil
}

// SetInitialSyncComplete records that the initial pull has finished.
func (s *Store) SetInitialSyncComplete(ctx context.Context, complete bool) error {
	v := "false"
	if complete {
		v = "true"
	}
	return s.SetSetting(ctx, SettingInitialSyncComplete, v)
}
