package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

// TombstoneShadowColumn is the per-table column carrying the HLC at which a
// row was tombstoned: every CRDT table carries a __tombstone__hlc column.
const TombstoneShadowColumn = "__tombstone__hlc"

// TableCatalog describes one CRDT table's columns as introspected from
// sqlite's own schema (PRAGMA table_info), split into the three kinds the
// scanner and apply engine need to reason about independently.
type TableCatalog struct {
	TableName    string
	PKColumns    []string // schema order (RowPKs output is sorted by column name)
	UserColumns  []string // excludes shadow __hlc columns and the tombstone column
	HasTombstone bool
}

// IntrospectTable reads a CRDT table's column layout directly from sqlite.
// Shadow (__hlc) columns and the tombstone column are filtered out of
// UserColumns; callers derive the shadow column name with model.ShadowColumn.
func (s *Store) IntrospectTable(ctx context.Context, tableName string) (*TableCatalog, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", tableName))
	if err != nil {
		return nil, fmt.Errorf("sqlite: introspect %s: %w", tableName, err)
	}
	defer rows.Close()

	type colInfo struct {
		cid     int
		name    string
		pk      int
	}
	var cols []colInfo

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   sql.NullString
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("sqlite: scan table_info row: %w", err)
		}
		cols = append(cols, colInfo{cid: cid, name: name, pk: pk})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("sqlite: table %s not found", tableName)
	}

	cat := &TableCatalog{TableName: tableName}

	var pkCols []struct {
		order int
		name  string
	}
	for _, c := range cols {
		if c.name == TombstoneShadowColumn {
			cat.HasTombstone = true
			continue
		}
		if strings.HasSuffix(c.name, model.ShadowSuffix) {
			continue
		}
		if c.pk > 0 {
			pkCols = append(pkCols, struct {
				order int
				name  string
			}{c.pk, c.name})
			continue
		}
		cat.UserColumns = append(cat.UserColumns, c.name)
	}

	sort.Slice(pkCols, func(i, j int) bool { return pkCols[i].order < pkCols[j].order })
	for _, p := range pkCols {
		cat.PKColumns = append(cat.PKColumns, p.name)
	}

	return cat, nil
}

// EnsureCRDTTable adds any missing shadow HLC columns and the tombstone
// column to an existing table, idempotently. Called by the migration
// coordinator whenever a table is created or altered
// by extension migrations, so newly added columns gain CRDT bookkeeping
// without a separate "register this table" step.
func (s *Store) EnsureCRDTTable(ctx context.Context, tableName string, userColumns []string) error {
	cat, err := s.IntrospectTable(ctx, tableName)
	if err != nil {
		return err
	}

	have := map[string]struct{}{}
	for _, c := range cat.UserColumns {
		have[model.ShadowColumn(c)] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin ensure-crdt-table tx: %w", err)
	}
	defer tx.Rollback()

	for _, col := range userColumns {
		shadow := model.ShadowColumn(col)
		if _, ok := have[shadow]; ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %q ADD COLUMN %q TEXT", tableName, shadow)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: add shadow column %s.%s: %w", tableName, shadow, err)
		}
	}

	if !cat.HasTombstone {
		stmt := fmt.Sprintf("ALTER TABLE %q ADD COLUMN %q TEXT", tableName, TombstoneShadowColumn)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: add tombstone column %s: %w", tableName, err)
		}
	}

	if err := installDirtyTriggers(ctx, tx, tableName); err != nil {
		return err
	}

	return tx.Commit()
}

// ListCRDTTables returns the names of every table carrying a
// __tombstone__hlc column, i.e. every table the sync engine manages.
func (s *Store) ListCRDTTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.name FROM sqlite_master m
		 WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
		 AND EXISTS (
		   SELECT 1 FROM pragma_table_info(m.name) p WHERE p.name = ?
		 )
		 ORDER BY m.name`, TombstoneShadowColumn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list crdt tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
