package sqlite

import (
	"context"
	"fmt"
	"time"
)

// ExtensionMigration is one row of haex_extension_migrations: a piece of
// schema SQL an extension shipped, delivered over the wire like any other
// synced row.
type ExtensionMigration struct {
	ExtensionId string
	Version     int64
	SQLText     string
	Description string
}

// ListUnappliedExtensionMigrations returns every haex_extension_migrations
// row that has no matching applied_extension_migrations row, ordered so the
// caller can run them in the order their version numbers require.
func (s *Store) ListUnappliedExtensionMigrations(ctx context.Context) ([]ExtensionMigration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.extension_id, m.version, m.sql_text, m.description
		FROM haex_extension_migrations m
		LEFT JOIN applied_extension_migrations a
			ON a.extension_id = m.extension_id AND a.version = m.version
		WHERE a.extension_id IS NULL AND m.sql_text IS NOT NULL
		ORDER BY m.extension_id, m.version ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list unapplied extension migrations: %w", err)
	}
	defer rows.Close()

	var out []ExtensionMigration
	for rows.Next() {
		var m ExtensionMigration
		if err := rows.Scan(&m.ExtensionId, &m.Version, &m.SQLText, &m.Description); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkExtensionMigrationApplied records that a migration's SQL has run, so a
// later pull batch delivering the same row again doesn't run it twice.
func (s *Store) MarkExtensionMigrationApplied(ctx context.Context, extensionID string, version int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO applied_extension_migrations (extension_id, version, applied_at) VALUES (?, ?, ?)
		 ON CONFLICT (extension_id, version) DO NOTHING`,
		extensionID, version, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: mark extension migration applied %s v%d: %w", extensionID, version, err)
	}
	return nil
}

// ExecMigrationSQL runs one migration's SQL text directly against the vault
// database. Migration SQL arrives as plain text over the sync wire, not as a
// goose-managed file, so there's no versioned rollback — only forward
// application.
func (s *Store) ExecMigrationSQL(ctx context.Context, sqlText string) error {
	if _, err := s.db.ExecContext(ctx, sqlText); err != nil {
		return fmt.Errorf("sqlite: exec extension migration sql: %w", err)
	}
	return nil
}
