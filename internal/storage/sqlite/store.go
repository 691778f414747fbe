// Package sqlite implements the sync engine's local embedded store: the
// CRDT table catalog, shadow-HLC bootstrapping, dirty-table/pending-column
// bookkeeping, backend records, and tombstone compaction.
//
// Grounded closely on the teacher's internal/storage/sqlite package: the
// same WAL-mode DSN construction, connection-pool tuning, path-traversal
// guard, and RWMutex-guarded connection wrapper, rebuilt around the CRDT
// schema instead of the alert/silence schema.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a single sqlite connection pool holding one vault's data:
// both the app's own CRDT tables and the engine's bookkeeping tables.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
	mu     sync.RWMutex // guards connection lifecycle, not row data (sqlite serializes that)
}

// Open creates or opens the sqlite file at path, enabling WAL mode and
// foreign keys, and bootstraps the engine's own bookkeeping schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite: path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("sqlite: invalid path contains '..': %s", path)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "sqlite_store"), path: path}

	if err := s.bootstrapSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0600); err != nil {
			s.logger.Warn("failed to set file permissions to 0600", "path", path, "error", err)
		}
	}

	s.logger.Info("sqlite store opened", "path", path)
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for callers (goose migrations, ad-hoc
// queries from the operator CLI) that need direct access.
func (s *Store) DB() *sql.DB {
	return s.db
}

const bootstrapSchemaSQL = `
CREATE TABLE IF NOT EXISTS dirty_tables (
	table_name TEXT PRIMARY KEY,
	first_dirty_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_columns (
	table_name TEXT NOT NULL,
	column_name TEXT NOT NULL,
	PRIMARY KEY (table_name, column_name)
);

CREATE TABLE IF NOT EXISTS tombstone_index (
	table_name TEXT NOT NULL,
	row_pks TEXT NOT NULL,
	deleted_at_hlc TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (table_name, row_pks)
);

CREATE TABLE IF NOT EXISTS backends (
	id TEXT PRIMARY KEY,
	vault_id TEXT NOT NULL,
	server_url TEXT NOT NULL,
	email TEXT NOT NULL,
	encrypted_credentials TEXT NOT NULL DEFAULT '',
	credentials_nonce TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	last_push_hlc TEXT,
	last_pull_server_ts TEXT,
	created_at TEXT NOT NULL,
	UNIQUE(server_url, email, vault_id)
);

CREATE TABLE IF NOT EXISTS vault_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS haex_extensions (
	id TEXT PRIMARY KEY,
	name TEXT,
	created_at TEXT
);

CREATE TABLE IF NOT EXISTS haex_extension_migrations (
	extension_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	sql_text TEXT,
	description TEXT,
	PRIMARY KEY (extension_id, version)
);

CREATE TABLE IF NOT EXISTS applied_extension_migrations (
	extension_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	applied_at TEXT NOT NULL,
	PRIMARY KEY (extension_id, version)
);
`

func (s *Store) bootstrapSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, bootstrapSchemaSQL); err != nil {
		return fmt.Errorf("sqlite: bootstrap schema: %w", err)
	}
	if err := s.EnsureCRDTTable(ctx, "haex_extensions", []string{"name", "created_at"}); err != nil {
		return fmt.Errorf("sqlite: bootstrap haex_extensions crdt columns: %w", err)
	}
	if err := s.EnsureCRDTTable(ctx, "haex_extension_migrations", []string{"sql_text", "description"}); err != nil {
		return fmt.Errorf("sqlite: bootstrap haex_extension_migrations crdt columns: %w", err)
	}
	return nil
}
