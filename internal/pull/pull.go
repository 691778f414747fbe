// Package pull implements C6: pulling unseen changes from every enabled
// backend and handing each page to the migration coordinator / apply
// engine, paging until each backend reports no more data.
package pull

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haex-space/haex-vault-sync/internal/backendstate"
	"github.com/haex-space/haex-vault-sync/internal/metrics"
	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/internal/storage/sqlite"
	"github.com/haex-space/haex-vault-sync/internal/transport"
)

// ProcessBatchFunc hands a pulled page's changes to the rest of the engine
// (internal/migrations.Coordinator.ProcessPullBatch in production).
type ProcessBatchFunc func(ctx context.Context, changes []model.ColumnChange) error

// Pipeline drives one vault's pull path.
type Pipeline struct {
	store     *sqlite.Store
	locks     *backendstate.Registry
	metrics   *metrics.Registry
	logger    *slog.Logger
	newClient func(b model.Backend) *transport.Client
	process   ProcessBatchFunc
}

// New constructs a Pipeline.
func New(store *sqlite.Store, locks *backendstate.Registry, reg *metrics.Registry, newClient func(model.Backend) *transport.Client, process ProcessBatchFunc, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: store, locks: locks, metrics: reg, newClient: newClient, process: process, logger: logger.With("component", "pull")}
}

// PullAll pulls from every enabled backend in turn.
func (p *Pipeline) PullAll(ctx context.Context) error {
	backends, err := p.store.ListEnabledBackends(ctx)
	if err != nil {
		return fmt.Errorf("pull: list enabled backends: %w", err)
	}
	for _, b := range backends {
		if _, err := p.PullBackend(ctx, b); err != nil {
			p.logger.Warn("pull failed for backend", "backend", b.Id, "error", err)
			if p.metrics != nil {
				p.metrics.PullFailures.WithLabelValues(string(b.Id)).Inc()
			}
		}
	}
	return nil
}

// PullBackend pages through one backend's unseen changes, handing each page
// to process and advancing its stored pull cursor after every page. b need
// not have a persisted row yet (the initial-pull path in internal/orchestrator
// calls this against a transient, in-memory backend before the row exists;
// the cursor writes simply affect zero rows until the caller persists it).
// The final server timestamp observed is returned so that caller can persist
// it itself once the backend row is created.
func (p *Pipeline) PullBackend(ctx context.Context, b model.Backend) (*time.Time, error) {
	var lastServerTS *time.Time
	err := p.locks.WithLock(ctx, b.Id, func(ctx context.Context) error {
		client := p.newClient(b)
		cursor := transport.PullCursor{AfterUpdatedAt: b.LastPullServerTS, Limit: transport.DefaultPullPageLimit}

		for {
			start := time.Now()
			page, err := client.Pull(ctx, b.VaultId, cursor)
			if p.metrics != nil {
				p.metrics.PullDuration.Observe(time.Since(start).Seconds())
			}
			if err != nil {
				return fmt.Errorf("pull from %s: %w", b.Id, err)
			}

			if len(page.Changes) > 0 {
				if p.process != nil {
					if err := p.process(ctx, page.Changes); err != nil {
						return fmt.Errorf("process pulled batch from %s: %w", b.Id, err)
					}
				}
			}

			serverTS := page.ServerTimestamp
			lastServerTS = &serverTS
			if err := p.store.UpdateBackendCursor(ctx, b.Id, nil, &serverTS); err != nil {
				return fmt.Errorf("advance pull cursor for %s: %w", b.Id, err)
			}

			if !page.HasMore {
				return nil
			}
			cursor.AfterUpdatedAt = &serverTS
			cursor.AfterTableName = page.LastTableName
			cursor.AfterRowPKs = page.LastRowPKs
		}
	})
	return lastServerTS, err
}

// PullPendingColumns re-requests the specific (table, column) pairs the
// apply engine has quarantined, letting a column catch up once its schema
// arrives without waiting for a full re-pull.
func (p *Pipeline) PullPendingColumns(ctx context.Context, vaultId model.VaultId, b model.Backend) error {
	pending, err := p.store.ListPendingColumns(ctx)
	if err != nil {
		return fmt.Errorf("pull pending columns: list: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	selectors := make([]transport.ColumnSelector, len(pending))
	for i, pc := range pending {
		selectors[i] = transport.ColumnSelector{TableName: pc.TableName, ColumnName: pc.ColumnName}
	}

	return p.locks.WithLock(ctx, b.Id, func(ctx context.Context) error {
		client := p.newClient(b)
		cursor := transport.PullCursor{Limit: transport.DefaultPullPageLimit}
		for {
			page, err := client.PullColumns(ctx, transport.PullColumnsRequest{VaultId: vaultId, Columns: selectors, Limit: cursor.Limit, Cursor: cursor})
			if err != nil {
				return fmt.Errorf("pull-columns from %s: %w", b.Id, err)
			}
			if len(page.Changes) > 0 && p.process != nil {
				if err := p.process(ctx, page.Changes); err != nil {
					return fmt.Errorf("process pending-column batch from %s: %w", b.Id, err)
				}
				for _, ch := range page.Changes {
					if err := p.store.ClearPendingColumn(ctx, ch.TableName, ch.ColumnName); err != nil {
						return err
					}
				}
			}
			if !page.HasMore {
				return nil
			}
			cursor.AfterTableName = page.LastTableName
			cursor.AfterRowPKs = page.LastRowPKs
		}
	})
}
