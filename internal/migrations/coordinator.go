package migrations

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/internal/storage/sqlite"
)

// extensionsTable and extensionMigrationsTable are the CRDT tables an
// extension's registration and its schema migrations sync through,
// alongside ordinary application data.
const (
	extensionsTable          = "haex_extensions"
	extensionMigrationsTable = "haex_extension_migrations"
)

// Coordinator orders the work one pull batch can contain so schema always
// lands before the data that depends on it:
//
//  1. extension rows - haex_extensions/haex_extension_migrations changes go
//     through the normal apply engine like any other table
//  2. migration execution - any migration row that arrived with SQL this
//     device hasn't run yet gets executed, in ascending version order per
//     extension, with the run recorded so it never repeats
//  3. definitions - ensure every table a regular change touches has its
//     shadow/tombstone columns, now that migrations may have created it
//  4. remaining changes - hand ordinary data changes to the apply engine,
//     then let pending-column catch-up pick up anything unblocked by the
//     schema that just landed
type Coordinator struct {
	store   *sqlite.Store
	logger  *slog.Logger
	applyFn func(ctx context.Context, changes []model.ColumnChange) error
	catchUp func(ctx context.Context) error
}

// Option configures optional Coordinator behavior.
type Option func(*Coordinator)

// WithCatchUp registers the pending-column catch-up hook (internal/pull's
// PullPendingColumns) to run as the final phase.
func WithCatchUp(fn func(ctx context.Context) error) Option {
	return func(c *Coordinator) { c.catchUp = fn }
}

// SetCatchUp wires the catch-up hook after construction, for callers that
// need a Coordinator to exist before the thing that services the final
// phase can be built (internal/orchestrator depends on internal/pull, which
// in turn depends on this Coordinator's ProcessPullBatch as its process
// callback).
func (c *Coordinator) SetCatchUp(fn func(ctx context.Context) error) {
	c.catchUp = fn
}

// New constructs a Coordinator. applyFn is internal/apply's batch entry
// point.
func New(store *sqlite.Store, applyFn func(ctx context.Context, changes []model.ColumnChange) error, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{store: store, applyFn: applyFn, logger: logger.With("component", "migration_coordinator")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessPullBatch runs the four phases over one page of pulled changes.
func (c *Coordinator) ProcessPullBatch(ctx context.Context, changes []model.ColumnChange) error {
	extensionChanges, dataChanges := partition(changes)

	if c.applyFn != nil && len(extensionChanges) > 0 {
		if err := c.applyFn(ctx, extensionChanges); err != nil {
			return fmt.Errorf("migrations: extension rows phase: %w", err)
		}
	}

	if err := c.runPendingMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: execution phase: %w", err)
	}

	if err := c.ensureDefinitions(ctx, dataChanges); err != nil {
		return fmt.Errorf("migrations: definitions phase: %w", err)
	}

	if c.applyFn != nil && len(dataChanges) > 0 {
		if err := c.applyFn(ctx, dataChanges); err != nil {
			return fmt.Errorf("migrations: remaining-changes phase: %w", err)
		}
	}

	if c.catchUp != nil {
		if err := c.catchUp(ctx); err != nil {
			return fmt.Errorf("migrations: catch-up phase: %w", err)
		}
	}

	return nil
}

func partition(changes []model.ColumnChange) (extensionChanges, dataChanges []model.ColumnChange) {
	for _, ch := range changes {
		if ch.TableName == extensionsTable || ch.TableName == extensionMigrationsTable {
			extensionChanges = append(extensionChanges, ch)
			continue
		}
		dataChanges = append(dataChanges, ch)
	}
	return extensionChanges, dataChanges
}

// runPendingMigrations executes any migration SQL this device has received
// but not yet run, per extension and in ascending version order, so a
// migration that depends on an earlier one in the same extension never runs
// out of order.
func (c *Coordinator) runPendingMigrations(ctx context.Context) error {
	pending, err := c.store.ListUnappliedExtensionMigrations(ctx)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := c.store.ExecMigrationSQL(ctx, m.SQLText); err != nil {
			return fmt.Errorf("run migration %s v%d: %w", m.ExtensionId, m.Version, err)
		}
		if err := c.store.MarkExtensionMigrationApplied(ctx, m.ExtensionId, m.Version, time.Now()); err != nil {
			return fmt.Errorf("record migration %s v%d applied: %w", m.ExtensionId, m.Version, err)
		}
		c.logger.Info("applied extension migration", "extension", m.ExtensionId, "version", m.Version)
	}
	return nil
}

// ensureDefinitions guarantees every table a regular change touches has its
// shadow/tombstone columns before the apply engine writes to it.
func (c *Coordinator) ensureDefinitions(ctx context.Context, dataChanges []model.ColumnChange) error {
	tables := map[string]struct{}{}
	for _, ch := range dataChanges {
		tables[ch.TableName] = struct{}{}
	}

	for table := range tables {
		cat, err := c.store.IntrospectTable(ctx, table)
		if err != nil {
			// Table doesn't exist locally yet; an extension migration that
			// hasn't run here is the likely cause. Leave the change to the
			// apply engine, which will quarantine it as a pending column.
			continue
		}
		if err := c.store.EnsureCRDTTable(ctx, table, cat.UserColumns); err != nil {
			return fmt.Errorf("ensure crdt table %s: %w", table, err)
		}
	}
	return nil
}
