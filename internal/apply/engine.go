// Package apply takes incoming ColumnChange records (pushed by another
// device, pulled from a relay, or delivered by the realtime listener) and
// writes them into the local CRDT tables under column-level last-writer-wins,
// honoring tombstones and quarantining columns whose schema hasn't arrived
// yet.
package apply

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haex-space/haex-vault-sync/internal/cryptobox"
	"github.com/haex-space/haex-vault-sync/internal/events"
	"github.com/haex-space/haex-vault-sync/internal/hlc"
	"github.com/haex-space/haex-vault-sync/internal/metrics"
	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/internal/storage/sqlite"
	"github.com/haex-space/haex-vault-sync/internal/transport"
)

const shadowCacheSize = 4096

type shadowCacheKey struct {
	table  string
	rowPKs string
}

// Engine applies a whole incoming batch inside a single database
// transaction, so a decrypt failure partway through aborts the entire batch
// with no earlier table's changes left durably visible.
type Engine struct {
	store   *sqlite.Store
	key     cryptobox.VaultKey
	clock   *hlc.Clock
	cache   *lru.Cache[shadowCacheKey, *sqlite.RowShadowState]
	bus     *events.Bus
	metrics *metrics.Registry
	client  *transport.Client
	logger  *slog.Logger
}

// New constructs an Engine. clock may be nil for tests that don't care about
// clock advancement; client and metrics may be nil (tests, or a deployment
// without a relay configured yet); bus may be nil if nothing needs
// apply-driven notifications.
func New(store *sqlite.Store, key cryptobox.VaultKey, clock *hlc.Clock, bus *events.Bus, reg *metrics.Registry, client *transport.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[shadowCacheKey, *sqlite.RowShadowState](shadowCacheSize)
	return &Engine{store: store, key: key, clock: clock, cache: cache, bus: bus, metrics: reg, client: client, logger: logger.With("component", "apply")}
}

// Apply writes a batch of incoming changes inside one transaction and
// publishes a TablesUpdated event for whatever actually changed. A change to
// a table or column the local schema does not have is quarantined in
// pending_columns and does not fail the batch; any error, such as a decrypt
// failure, rolls the whole batch back.
func (e *Engine) Apply(ctx context.Context, changes []model.ColumnChange) error {
	if len(changes) == 0 {
		return nil
	}
	if e.metrics != nil {
		e.metrics.ApplyBatchSize.Observe(float64(len(changes)))
	}

	byTable := map[string][]model.ColumnChange{}
	var tableOrder []string
	for _, ch := range changes {
		if _, seen := byTable[ch.TableName]; !seen {
			tableOrder = append(tableOrder, ch.TableName)
		}
		byTable[ch.TableName] = append(byTable[ch.TableName], ch)
	}

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback()

	var touched []string
	for _, table := range tableOrder {
		changed, err := e.applyTable(ctx, tx, table, byTable[table])
		if err != nil {
			e.invalidateTablesCache(tableOrder)
			return fmt.Errorf("apply: table %s: %w", table, err)
		}
		if changed {
			touched = append(touched, table)
		}
	}

	if err := tx.Commit(); err != nil {
		e.invalidateTablesCache(tableOrder)
		return fmt.Errorf("commit apply tx: %w", err)
	}

	if len(touched) > 0 && e.bus != nil {
		if err := e.bus.Publish(events.NewTablesUpdated(touched)); err != nil {
			e.logger.Warn("dropped apply notification", "tables", touched, "error", err)
		}
	}
	return nil
}

func (e *Engine) applyTable(ctx context.Context, tx *sql.Tx, table string, changes []model.ColumnChange) (bool, error) {
	cat, err := e.store.IntrospectTable(ctx, table)
	if err != nil {
		for _, ch := range changes {
			if merr := e.store.MarkPendingColumnTx(ctx, tx, table, ch.ColumnName); merr != nil {
				return false, merr
			}
		}
		e.logger.Info("quarantined changes for unknown table", "table", table, "count", len(changes))
		return false, nil
	}

	changed := false
	for _, ch := range changes {
		did, err := e.applyChange(ctx, tx, cat, ch)
		if err != nil {
			return false, err
		}
		if did {
			changed = true
		}
	}
	return changed, nil
}

// invalidateTablesCache drops every cached shadow-state entry for the given
// tables, used when the batch's transaction rolls back so a later read
// can't trust state the database no longer holds.
func (e *Engine) invalidateTablesCache(tables []string) {
	if e.cache == nil || len(tables) == 0 {
		return
	}
	dirty := make(map[string]bool, len(tables))
	for _, t := range tables {
		dirty[t] = true
	}
	for _, key := range e.cache.Keys() {
		if dirty[key.table] {
			e.cache.Remove(key)
		}
	}
}

func (e *Engine) applyChange(ctx context.Context, tx *sql.Tx, cat *sqlite.TableCatalog, ch model.ColumnChange) (bool, error) {
	isTombstone := ch.ColumnName == model.TombstoneColumn
	if !isTombstone {
		isKnown := false
		for _, c := range cat.UserColumns {
			if c == ch.ColumnName {
				isKnown = true
				break
			}
		}
		if !isKnown {
			if err := e.store.MarkPendingColumnTx(ctx, tx, cat.TableName, ch.ColumnName); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	state, err := e.shadowState(ctx, cat, ch.RowPKs)
	if err != nil {
		return false, err
	}

	if isTombstone {
		if state.TombstoneHLC != nil && !hlc.After(ch.HLC, *state.TombstoneHLC) {
			e.dropConflict()
			return false, nil
		}
		if err := e.store.SetTombstoneHLCTx(ctx, tx, cat, ch.RowPKs, ch.HLC); err != nil {
			return false, err
		}
		if err := e.store.NullColumns(ctx, tx, cat, ch.RowPKs); err != nil {
			return false, err
		}
		if err := e.store.MarkTombstoned(ctx, model.Tombstone{
			TableName: cat.TableName, RowPKs: ch.RowPKs, DeletedAtHLC: ch.HLC, RecordedAt: time.Now(),
		}); err != nil {
			return false, err
		}
		state.TombstoneHLC = &ch.HLC
		e.observe(ch.HLC)
		return true, nil
	}

	if state.TombstoneHLC != nil && hlc.After(*state.TombstoneHLC, ch.HLC) {
		e.dropConflict()
		return false, nil // replay protection: a live tombstone outranks a stale insert/update
	}

	if existing, ok := state.ColumnHLC[ch.ColumnName]; ok && !hlc.After(ch.HLC, existing) {
		e.dropConflict()
		return false, nil
	}

	var value any
	if !ch.IsNull() {
		value, err = cryptobox.Open(e.key, cat.TableName, ch.ColumnName, ch.EncryptedValue, ch.Nonce)
		if err != nil {
			return false, fmt.Errorf("decrypt %s.%s: %w", cat.TableName, ch.ColumnName, err)
		}
	}

	if err := e.store.UpsertColumn(ctx, tx, cat, ch.RowPKs, ch.ColumnName, value, ch.HLC); err != nil {
		return false, err
	}
	state.Exists = true
	state.ColumnHLC[ch.ColumnName] = ch.HLC
	e.observe(ch.HLC)
	return true, nil
}

// observe folds an accepted change's HLC into the vault's clock so a later
// local write is never stamped behind a timestamp we've already applied.
func (e *Engine) observe(ts model.HLCString) {
	if e.clock == nil {
		return
	}
	decoded, err := hlc.Decode(ts)
	if err != nil {
		e.logger.Warn("could not decode accepted HLC for clock observe", "hlc", ts, "error", err)
		return
	}
	e.clock.Observe(decoded)
}

func (e *Engine) shadowState(ctx context.Context, cat *sqlite.TableCatalog, rowPKs string) (*sqlite.RowShadowState, error) {
	key := shadowCacheKey{table: cat.TableName, rowPKs: rowPKs}
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			return cached, nil
		}
	}
	state, err := e.store.GetRowShadowState(ctx, cat, rowPKs)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Add(key, state)
	}
	return state, nil
}

func (e *Engine) dropConflict() {
	if e.metrics != nil {
		e.metrics.ConflictDrops.Inc()
	}
}
