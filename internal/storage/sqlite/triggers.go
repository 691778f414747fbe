package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// installDirtyTriggers creates AFTER INSERT/UPDATE/DELETE triggers that mark
// a table dirty directly in SQL, so a write reaches dirty_tables even when
// it bypasses the Go layer (a raw SQL migration, a second process sharing
// the same file). internal/dirty.Tracker still exposes MarkDirty for
// callers that want to avoid the trigger round-trip on hot paths.
func installDirtyTriggers(ctx context.Context, tx *sql.Tx, tableName string) error {
	for _, op := range []string{"INSERT", "UPDATE", "DELETE"} {
		name := fmt.Sprintf("trg_dirty_%s_%s", tableName, op)
		stmt := fmt.Sprintf(`
			CREATE TRIGGER IF NOT EXISTS %q AFTER %s ON %q
			BEGIN
				INSERT INTO dirty_tables (table_name, first_dirty_at)
				VALUES (%q, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'))
				ON CONFLICT (table_name) DO NOTHING;
			END;`, name, op, tableName, tableName)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: install %s trigger on %s: %w", op, tableName, err)
		}
	}
	return nil
}

// dropDirtyTriggers removes the triggers installed by installDirtyTriggers,
// used when a table is dropped by an extension migration.
func dropDirtyTriggers(ctx context.Context, tx *sql.Tx, tableName string) error {
	for _, op := range []string{"INSERT", "UPDATE", "DELETE"} {
		name := fmt.Sprintf("trg_dirty_%s_%s", tableName, op)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %q", name)); err != nil {
			return fmt.Errorf("sqlite: drop trigger %s: %w", name, err)
		}
	}
	return nil
}
