// Package migrations coordinates the ordering a pull batch requires so a
// newly-created table always has its CRDT shadow columns before the first
// row lands in it, and runs goose-managed migrations for the operator CLI's
// manual, local-directory workflow.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

// Runner drives goose against the local sqlite database. Extension authors
// ship their own *.sql files; the engine's own bookkeeping schema is
// bootstrapped separately by internal/storage/sqlite and never goes through
// goose (it has no versioned history to roll back).
type Runner struct {
	db     *sql.DB
	fsys   fs.FS
	dir    string
	logger *slog.Logger
}

// NewRunner constructs a Runner. fsys/dir locate the migration files — an
// extension author's embed.FS (embed.FS satisfies fs.FS) in an embedding
// app, or os.DirFS for the operator CLI pointing at a plain directory on
// disk.
func NewRunner(db *sql.DB, fsys fs.FS, dir string, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("migrations: set dialect: %w", err)
	}
	return &Runner{db: db, fsys: fsys, dir: dir, logger: logger.With("component", "migrations")}, nil
}

// Up applies every pending migration.
func (r *Runner) Up(ctx context.Context) error {
	if err := goose.UpContext(ctx, r.db, r.dir); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// DownTo rolls back to a specific version (0 rolls back everything).
func (r *Runner) DownTo(ctx context.Context, version int64) error {
	if err := goose.DownToContext(ctx, r.db, r.dir, version); err != nil {
		return fmt.Errorf("migrations: down to %d: %w", version, err)
	}
	return nil
}

// Status reports the current migration version.
func (r *Runner) Status(ctx context.Context) (int64, error) {
	version, err := goose.GetDBVersionContext(ctx, r.db)
	if err != nil {
		return 0, fmt.Errorf("migrations: status: %w", err)
	}
	return version, nil
}
