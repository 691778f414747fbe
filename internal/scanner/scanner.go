// Package scanner turns a dirty table's current row state into the ordered
// batch of encrypted ColumnChange records a push round sends to a relay.
package scanner

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/haex-space/haex-vault-sync/internal/cryptobox"
	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/internal/storage/sqlite"
)

// MaxBatchColumns caps how many ColumnChange records share one BatchId,
// keeping any single push request body bounded.
const MaxBatchColumns = 500

// Scanner reads a dirty table's rows directly from sqlite, encrypts every
// non-null user column with the vault key, and emits ColumnChange batches
// in primary-key order so resuming a partial push is deterministic.
type Scanner struct {
	db     *sql.DB
	store  *sqlite.Store
	key    cryptobox.VaultKey
	logger *slog.Logger
}

// New constructs a Scanner bound to one vault's key.
func New(db *sql.DB, store *sqlite.Store, key cryptobox.VaultKey, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{db: db, store: store, key: key, logger: logger.With("component", "scanner")}
}

// ScanTable reads rows of tableName changed since sinceHlc (a column is
// included only if its shadow HLC is strictly newer) and returns them as one
// or more ColumnChange batches (user columns plus a synthetic
// TombstoneColumn entry per tombstoned row), each batch sharing a fresh
// BatchId/BatchTotal. An empty sinceHlc scans every row, for a first push or
// a full re-upload.
func (s *Scanner) ScanTable(ctx context.Context, tableName string, deviceID model.DeviceId, sinceHlc model.HLCString) ([]model.ColumnChange, error) {
	cat, err := s.store.IntrospectTable(ctx, tableName)
	if err != nil {
		return nil, fmt.Errorf("scanner: introspect %s: %w", tableName, err)
	}

	selectCols := append(append([]string{}, cat.PKColumns...), cat.UserColumns...)
	shadowCols := make([]string, 0, len(cat.UserColumns)+1)
	for _, c := range cat.UserColumns {
		shadow := model.ShadowColumn(c)
		selectCols = append(selectCols, shadow)
		shadowCols = append(shadowCols, shadow)
	}
	if cat.HasTombstone {
		selectCols = append(selectCols, sqlite.TombstoneShadowColumn)
		shadowCols = append(shadowCols, sqlite.TombstoneShadowColumn)
	}

	quoted := make([]string, len(selectCols))
	for i, c := range selectCols {
		quoted[i] = fmt.Sprintf("%q", c)
	}

	var whereClause string
	var args []any
	if sinceHlc != "" && len(shadowCols) > 0 {
		conds := make([]string, len(shadowCols))
		for i, c := range shadowCols {
			conds[i] = fmt.Sprintf("%q > ?", c)
			args = append(args, string(sinceHlc))
		}
		whereClause = " WHERE " + strings.Join(conds, " OR ")
	}
	query := fmt.Sprintf("SELECT %s FROM %q%s ORDER BY %s", joinComma(quoted), tableName, whereClause, joinComma(quotePKOrder(cat.PKColumns)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanner: select %s: %w", tableName, err)
	}
	defer rows.Close()

	var changes []model.ColumnChange
	for rows.Next() {
		rowChanges, err := s.scanRow(rows, cat, selectCols, tableName, deviceID, sinceHlc)
		if err != nil {
			return nil, err
		}
		changes = append(changes, rowChanges...)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return assignBatches(changes), nil
}

func (s *Scanner) scanRow(rows *sql.Rows, cat *sqlite.TableCatalog, selectCols []string, tableName string, deviceID model.DeviceId, sinceHlc model.HLCString) ([]model.ColumnChange, error) {
	dest := make([]any, len(selectCols))
	vals := make([]any, len(selectCols))
	for i := range dest {
		dest[i] = &vals[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scanner: scan row of %s: %w", tableName, err)
	}

	byCol := map[string]any{}
	for i, c := range selectCols {
		byCol[c] = vals[i]
	}

	pkValues := map[string]any{}
	for _, c := range cat.PKColumns {
		pkValues[c] = byCol[c]
	}
	rowPKs, err := model.RowPKs(cat.PKColumns, pkValues)
	if err != nil {
		return nil, fmt.Errorf("scanner: encode row pks for %s: %w", tableName, err)
	}

	var out []model.ColumnChange

	if cat.HasTombstone {
		if tombstoneHLC, ok := byCol[sqlite.TombstoneShadowColumn].([]byte); ok && len(tombstoneHLC) > 0 {
			out = append(out, model.ColumnChange{
				TableName:  tableName,
				RowPKs:     rowPKs,
				ColumnName: model.TombstoneColumn,
				HLC:        model.HLCString(tombstoneHLC),
				DeviceId:   deviceID,
			})
			return out, nil
		}
		if s, ok := byCol[sqlite.TombstoneShadowColumn].(string); ok && s != "" {
			out = append(out, model.ColumnChange{
				TableName:  tableName,
				RowPKs:     rowPKs,
				ColumnName: model.TombstoneColumn,
				HLC:        model.HLCString(s),
				DeviceId:   deviceID,
			})
			return out, nil
		}
	}

	for _, col := range cat.UserColumns {
		shadow := byCol[model.ShadowColumn(col)]
		shadowHLC, hasShadow := asString(shadow)
		if !hasShadow || shadowHLC == "" {
			continue // column never written
		}
		if sinceHlc != "" && shadowHLC <= string(sinceHlc) {
			continue // unchanged since the cursor
		}

		change := model.ColumnChange{
			TableName:  tableName,
			RowPKs:     rowPKs,
			ColumnName: col,
			HLC:        model.HLCString(shadowHLC),
			DeviceId:   deviceID,
		}

		value := byCol[col]
		if value != nil {
			ciphertext, nonce, err := cryptobox.Seal(s.key, tableName, col, value)
			if err != nil {
				return nil, fmt.Errorf("scanner: seal %s.%s: %w", tableName, col, err)
			}
			change.EncryptedValue = ciphertext
			change.Nonce = nonce
		}
		out = append(out, change)
	}

	return out, nil
}

func assignBatches(changes []model.ColumnChange) []model.ColumnChange {
	for start := 0; start < len(changes); start += MaxBatchColumns {
		end := start + MaxBatchColumns
		if end > len(changes) {
			end = len(changes)
		}
		batchID := uuid.NewString()
		total := end - start
		for i := start; i < end; i++ {
			changes[i].BatchId = batchID
			changes[i].BatchSeq = i - start + 1
			changes[i].BatchTotal = total
		}
	}
	return changes
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}

func quotePKOrder(pkColumns []string) []string {
	out := make([]string, len(pkColumns))
	for i, c := range pkColumns {
		out[i] = fmt.Sprintf("%q", c)
	}
	return out
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
