package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

// MarkTombstoned records a tombstoned row in tombstone_index for fast
// compaction sweeps, in a transaction of its own: tombstones are kept at
// least retentionDays days, and after expiry a compactor deletes them.
//
// The row's tombstone shadow column is set by SetTombstoneHLCTx and its user
// columns are nulled by NullColumns; this only writes the compaction index
// entry.
func (s *Store) MarkTombstoned(ctx context.Context, tombstone model.Tombstone) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tombstone tx: %w", err)
	}
	defer tx.Rollback()

	if err := markTombstonedTx(ctx, tx, tombstone); err != nil {
		return err
	}
	return tx.Commit()
}

// queryExecer is satisfied by both *sql.DB and *sql.Tx, letting
// markTombstonedTx run either standalone or as part of a larger transaction
// (internal/apply marks a row tombstoned in the same tx as nulling its
// columns).
type queryExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func markTombstonedTx(ctx context.Context, tx queryExecer, tombstone model.Tombstone) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tombstone_index (table_name, row_pks, deleted_at_hlc, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (table_name, row_pks) DO UPDATE SET
			deleted_at_hlc = excluded.deleted_at_hlc,
			recorded_at = excluded.recorded_at
		WHERE excluded.deleted_at_hlc > tombstone_index.deleted_at_hlc`,
		tombstone.TableName, tombstone.RowPKs, string(tombstone.DeletedAtHLC),
		tombstone.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: index tombstone %s/%s: %w", tombstone.TableName, tombstone.RowPKs, err)
	}
	return nil
}

// IsTombstoned reports whether a row currently has a live tombstone, used
// by the apply engine to suppress resurrection of a stale insert, as
// replay protection.
func (s *Store) IsTombstoned(ctx context.Context, tableName, rowPKs string) (bool, model.HLCString, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT deleted_at_hlc FROM tombstone_index WHERE table_name = ? AND row_pks = ?`,
		tableName, rowPKs)
	var hlc string
	if err := row.Scan(&hlc); err != nil {
		return false, "", nil
	}
	return true, model.HLCString(hlc), nil
}

// CompactExpiredTombstones deletes both the tombstone_index entry and the
// underlying row for every tombstone older than retention, reclaiming the
// space a nulled-out row still occupies. It does not run VACUUM.
func (s *Store) CompactExpiredTombstones(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-retention).UTC().Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name, row_pks FROM tombstone_index WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: select expired tombstones: %w", err)
	}
	type key struct{ table, pks string }
	var expired []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.table, &k.pks); err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	compacted := 0
	for _, k := range expired {
		cat, err := s.IntrospectTable(ctx, k.table)
		if err != nil {
			// Table dropped since the tombstone was written; just drop the index row.
			if _, derr := s.db.ExecContext(ctx, `DELETE FROM tombstone_index WHERE table_name = ? AND row_pks = ?`, k.table, k.pks); derr != nil {
				return compacted, derr
			}
			continue
		}
		if err := s.deleteTombstonedRow(ctx, cat, k.table, k.pks); err != nil {
			return compacted, err
		}
		compacted++
	}
	return compacted, nil
}

func (s *Store) deleteTombstonedRow(ctx context.Context, cat *TableCatalog, tableName, rowPKs string) error {
	pkValues, err := model.DecodeRowPKs(rowPKs)
	if err != nil {
		return fmt.Errorf("sqlite: decode row pks for compaction %s: %w", tableName, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin compaction tx: %w", err)
	}
	defer tx.Rollback()

	where, args := buildPKWhere(cat.PKColumns, pkValues)
	deleteSQL := fmt.Sprintf("DELETE FROM %q WHERE %s", tableName, where)
	if _, err := tx.ExecContext(ctx, deleteSQL, args...); err != nil {
		return fmt.Errorf("sqlite: delete compacted row from %s: %w", tableName, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tombstone_index WHERE table_name = ? AND row_pks = ?`, tableName, rowPKs); err != nil {
		return fmt.Errorf("sqlite: delete tombstone index entry for %s: %w", tableName, err)
	}
	return tx.Commit()
}

func buildPKWhere(pkColumns []string, values map[string]any) (string, []any) {
	where := ""
	var args []any
	for i, col := range pkColumns {
		if i > 0 {
			where += " AND "
		}
		where += fmt.Sprintf("%q = ?", col)
		args = append(args, values[col])
	}
	return where, args
}
