// Package dirty tracks which CRDT tables have unpushed local changes,
// backed by the sqlite-native dirty_tables table and its trigger-driven
// bookkeeping (internal/storage/sqlite).
package dirty

import (
	"context"
	"log/slog"
	"time"

	"github.com/haex-space/haex-vault-sync/internal/events"
	"github.com/haex-space/haex-vault-sync/internal/storage/sqlite"
)

// store is the subset of *sqlite.Store the tracker depends on, narrowed so
// tests can substitute an in-memory fake without opening real sqlite.
type store interface {
	MarkDirty(ctx context.Context, tableName string, at time.Time) error
	ClearDirty(ctx context.Context, tableName string) error
	ClearAllDirty(ctx context.Context) error
	ListDirty(ctx context.Context) ([]sqlite.DirtyTable, error)
}

// Tracker is the C2 dirty-table bookkeeping component. Most writes reach
// dirty_tables via the sqlite AFTER-write triggers installed per table;
// Tracker exists for the paths that need to mark or clear dirt explicitly
// (push completion, the initial-sync-complete double clear) and to notify
// internal/events when the dirty set changes so the orchestrator's debounce
// timer can react without polling.
type Tracker struct {
	store  store
	bus    *events.Bus
	nowFn  func() time.Time
	logger *slog.Logger
}

// New constructs a Tracker. bus may be nil if nothing needs to observe
// dirty-set changes (e.g. in tests).
func New(store *sqlite.Store, bus *events.Bus, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, bus: bus, nowFn: time.Now, logger: logger.With("component", "dirty_tracker")}
}

// MarkDirty records tableName as dirty if it is not already, then notifies
// subscribers so the orchestrator can recompute its debounce deadline.
func (t *Tracker) MarkDirty(ctx context.Context, tableName string) error {
	if err := t.store.MarkDirty(ctx, tableName, t.nowFn()); err != nil {
		return err
	}
	t.notify(tableName)
	return nil
}

// ClearDirty removes tableName from the dirty set after every change it had
// pending has been successfully pushed.
func (t *Tracker) ClearDirty(ctx context.Context, tableName string) error {
	return t.store.ClearDirty(ctx, tableName)
}

// ClearAll empties the dirty set, used around the initial_sync_complete
// transition and after an initial pull so the engine's own writes (backend
// init, setting the flag, applying downloaded rows) are not pushed back as
// local changes.
func (t *Tracker) ClearAll(ctx context.Context) error {
	return t.store.ClearAllDirty(ctx)
}

// List returns the current dirty set, oldest-dirtied-first.
func (t *Tracker) List(ctx context.Context) ([]sqlite.DirtyTable, error) {
	return t.store.ListDirty(ctx)
}

// OldestAge returns how long the oldest dirty table has been waiting,
// the input the orchestrator's adaptive debounce window is derived from.
// Returns 0, false if nothing is dirty.
func (t *Tracker) OldestAge(ctx context.Context) (time.Duration, bool, error) {
	dirty, err := t.List(ctx)
	if err != nil {
		return 0, false, err
	}
	if len(dirty) == 0 {
		return 0, false, nil
	}
	return t.nowFn().Sub(dirty[0].FirstDirtyAt), true, nil
}

func (t *Tracker) notify(tableName string) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(events.NewTablesUpdated([]string{tableName})); err != nil {
		t.logger.Warn("dropped dirty-table notification", "table", tableName, "error", err)
	}
}
