package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

// RowShadowState is one row's current shadow-HLC bookkeeping, as read
// before applying an incoming change, for the dominance check.
type RowShadowState struct {
	Exists        bool
	ColumnHLC     map[string]model.HLCString // user column -> its shadow HLC, only for columns that have ever been written
	TombstoneHLC  *model.HLCString
}

// GetRowShadowState reads a row's current per-column shadow HLCs and
// tombstone HLC in one query, scoped by primary key. Returns Exists=false
// (zero value otherwise) if no row with this PK exists yet.
func (s *Store) GetRowShadowState(ctx context.Context, cat *TableCatalog, rowPKs string) (*RowShadowState, error) {
	pkValues, err := model.DecodeRowPKs(rowPKs)
	if err != nil {
		return nil, fmt.Errorf("sqlite: decode row pks: %w", err)
	}

	selectCols := make([]string, 0, len(cat.UserColumns)+1)
	for _, c := range cat.UserColumns {
		selectCols = append(selectCols, model.ShadowColumn(c))
	}
	if cat.HasTombstone {
		selectCols = append(selectCols, TombstoneShadowColumn)
	}
	if len(selectCols) == 0 {
		return &RowShadowState{ColumnHLC: map[string]model.HLCString{}}, nil
	}

	quoted := make([]string, len(selectCols))
	for i, c := range selectCols {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	where, args := buildPKWhere(cat.PKColumns, pkValues)
	query := fmt.Sprintf("SELECT %s FROM %q WHERE %s", joinComma(quoted), cat.TableName, where)

	row := s.db.QueryRowContext(ctx, query, args...)
	scanDest := make([]any, len(selectCols))
	scanVals := make([]sql.NullString, len(selectCols))
	for i := range scanDest {
		scanDest[i] = &scanVals[i]
	}
	if err := row.Scan(scanDest...); err != nil {
		if err == sql.ErrNoRows {
			return &RowShadowState{ColumnHLC: map[string]model.HLCString{}}, nil
		}
		return nil, fmt.Errorf("sqlite: scan shadow state for %s: %w", cat.TableName, err)
	}

	state := &RowShadowState{Exists: true, ColumnHLC: map[string]model.HLCString{}}
	for i, c := range selectCols {
		if !scanVals[i].Valid {
			continue
		}
		if c == TombstoneShadowColumn {
			h := model.HLCString(scanVals[i].String)
			state.TombstoneHLC = &h
			continue
		}
		userCol := c[:len(c)-len(model.ShadowSuffix)]
		state.ColumnHLC[userCol] = model.HLCString(scanVals[i].String)
	}
	return state, nil
}

// UpsertColumn writes one column's value and shadow HLC for a row,
// inserting the row (with only its PK and this column populated) if it does
// not exist yet. Runs inside tx so apply can batch many column writes for
// one incoming push/pull page atomically.
func (s *Store) UpsertColumn(ctx context.Context, tx *sql.Tx, cat *TableCatalog, rowPKs string, column string, value any, hlc model.HLCString) error {
	pkValues, err := model.DecodeRowPKs(rowPKs)
	if err != nil {
		return fmt.Errorf("sqlite: decode row pks: %w", err)
	}

	cols := append(append([]string{}, cat.PKColumns...), column, model.ShadowColumn(column))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		switch {
		case c == column:
			args[i] = value
		case c == model.ShadowColumn(column):
			args[i] = string(hlc)
		default:
			args[i] = pkValues[c]
		}
	}

	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = fmt.Sprintf("%q", c)
	}
	conflictCols := make([]string, len(cat.PKColumns))
	for i, c := range cat.PKColumns {
		conflictCols[i] = fmt.Sprintf("%q", c)
	}

	query := fmt.Sprintf(
		"INSERT INTO %q (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %q = excluded.%s, %q = excluded.%s",
		cat.TableName, joinComma(quotedCols), joinComma(placeholders), joinComma(conflictCols),
		column, fmt.Sprintf("%q", column), model.ShadowColumn(column), fmt.Sprintf("%q", model.ShadowColumn(column)))

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: upsert column %s.%s: %w", cat.TableName, column, err)
	}
	return nil
}

// NullColumns sets every user column (and their shadow HLCs left untouched)
// to NULL for a row, used when applying a tombstone: a row with a live
// tombstone has no non-null user columns.
func (s *Store) NullColumns(ctx context.Context, tx *sql.Tx, cat *TableCatalog, rowPKs string) error {
	if len(cat.UserColumns) == 0 {
		return nil
	}
	pkValues, err := model.DecodeRowPKs(rowPKs)
	if err != nil {
		return fmt.Errorf("sqlite: decode row pks: %w", err)
	}

	sets := make([]string, len(cat.UserColumns))
	for i, c := range cat.UserColumns {
		sets[i] = fmt.Sprintf("%q = NULL", c)
	}
	where, args := buildPKWhere(cat.PKColumns, pkValues)
	query := fmt.Sprintf("UPDATE %q SET %s WHERE %s", cat.TableName, joinComma(sets), where)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: null columns for tombstoned row in %s: %w", cat.TableName, err)
	}
	return nil
}

// SetTombstoneHLCTx sets the tombstone shadow column for a row within tx,
// inserting the row if necessary (a delete can arrive for a row this device
// has never seen an insert for yet).
func (s *Store) SetTombstoneHLCTx(ctx context.Context, tx *sql.Tx, cat *TableCatalog, rowPKs string, hlc model.HLCString) error {
	pkValues, err := model.DecodeRowPKs(rowPKs)
	if err != nil {
		return fmt.Errorf("sqlite: decode row pks: %w", err)
	}

	cols := append(append([]string{}, cat.PKColumns...), TombstoneShadowColumn)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		if c == TombstoneShadowColumn {
			args[i] = string(hlc)
		} else {
			args[i] = pkValues[c]
		}
	}
	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = fmt.Sprintf("%q", c)
	}
	conflictCols := make([]string, len(cat.PKColumns))
	for i, c := range cat.PKColumns {
		conflictCols[i] = fmt.Sprintf("%q", c)
	}

	query := fmt.Sprintf(
		"INSERT INTO %q (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %q = excluded.%q",
		cat.TableName, joinComma(quotedCols), joinComma(placeholders), joinComma(conflictCols),
		TombstoneShadowColumn, TombstoneShadowColumn)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: set tombstone hlc for %s: %w", cat.TableName, err)
	}
	return nil
}

func joinComma(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ", "
		}
		out += it
	}
	return out
}
