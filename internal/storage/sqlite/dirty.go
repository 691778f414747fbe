package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

// MarkDirty idempotently records tableName as having unpushed changes,
// keeping the earliest dirty timestamp across repeated calls: the first
// write wins, so an already-dirty table doesn't keep resetting the debounce
// clock on every subsequent write.
func (s *Store) MarkDirty(ctx context.Context, tableName string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dirty_tables (table_name, first_dirty_at) VALUES (?, ?)
		 ON CONFLICT (table_name) DO NOTHING`,
		tableName, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: mark dirty %s: %w", tableName, err)
	}
	return nil
}

// ClearDirty removes a table from the dirty set. Called after a successful
// push of every change the scan observed for it.
func (s *Store) ClearDirty(ctx context.Context, tableName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dirty_tables WHERE table_name = ?`, tableName)
	if err != nil {
		return fmt.Errorf("sqlite: clear dirty %s: %w", tableName, err)
	}
	return nil
}

// ClearAllDirty empties the dirty set. Used around the initial_sync_complete
// transition and after an initial pull, so the engine's own writes are not
// pushed back as local changes.
func (s *Store) ClearAllDirty(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dirty_tables`)
	if err != nil {
		return fmt.Errorf("sqlite: clear all dirty: %w", err)
	}
	return nil
}

// DirtyTable is one row of the dirty_tables bookkeeping table.
type DirtyTable struct {
	TableName    string
	FirstDirtyAt time.Time
}

// ListDirty returns every currently dirty table, oldest first, so the
// orchestrator can compute the adaptive debounce window from the oldest
// pending change.
func (s *Store) ListDirty(ctx context.Context) ([]DirtyTable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name, first_dirty_at FROM dirty_tables ORDER BY first_dirty_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list dirty: %w", err)
	}
	defer rows.Close()

	var out []DirtyTable
	for rows.Next() {
		var name, at string
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse first_dirty_at for %s: %w", name, err)
		}
		out = append(out, DirtyTable{TableName: name, FirstDirtyAt: ts})
	}
	return out, rows.Err()
}

// MarkPendingColumn records that a (table, column) pair could not be applied
// because the column's user-side schema hasn't arrived yet from another
// device/extension migration.
func (s *Store) MarkPendingColumn(ctx context.Context, tableName, columnName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_columns (table_name, column_name) VALUES (?, ?)
		 ON CONFLICT (table_name, column_name) DO NOTHING`,
		tableName, columnName)
	if err != nil {
		return fmt.Errorf("sqlite: mark pending column %s.%s: %w", tableName, columnName, err)
	}
	return nil
}

// MarkPendingColumnTx is MarkPendingColumn run against an existing
// transaction, so quarantining an unknown column inside an apply batch
// doesn't need a second pooled connection fighting the batch's own write
// lock.
func (s *Store) MarkPendingColumnTx(ctx context.Context, tx *sql.Tx, tableName, columnName string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO pending_columns (table_name, column_name) VALUES (?, ?)
		 ON CONFLICT (table_name, column_name) DO NOTHING`,
		tableName, columnName)
	if err != nil {
		return fmt.Errorf("sqlite: mark pending column %s.%s: %w", tableName, columnName, err)
	}
	return nil
}

// ClearPendingColumn removes a (table, column) pair once it has been
// successfully caught up via pull-columns.
func (s *Store) ClearPendingColumn(ctx context.Context, tableName, columnName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_columns WHERE table_name = ? AND column_name = ?`,
		tableName, columnName)
	if err != nil {
		return fmt.Errorf("sqlite: clear pending column %s.%s: %w", tableName, columnName, err)
	}
	return nil
}

// PendingColumn is one row of the pending_columns bookkeeping table.
type PendingColumn = model.PendingColumn

// ListPendingColumns returns every (table, column) pair awaiting catch-up.
func (s *Store) ListPendingColumns(ctx context.Context) ([]PendingColumn, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT table_name, column_name FROM pending_columns ORDER BY table_name, column_name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pending columns: %w", err)
	}
	defer rows.Close()

	var out []PendingColumn
	for rows.Next() {
		var p PendingColumn
		if err := rows.Scan(&p.TableName, &p.ColumnName); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
