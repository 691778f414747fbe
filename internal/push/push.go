// Package push implements C5: pushing a vault's dirty tables to every
// enabled backend, one backend at a time under its async mutex, advancing
// that backend's last-push cursor only after the relay accepts the batch.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haex-space/haex-vault-sync/internal/backendstate"
	"github.com/haex-space/haex-vault-sync/internal/dirty"
	"github.com/haex-space/haex-vault-sync/internal/hlc"
	"github.com/haex-space/haex-vault-sync/internal/metrics"
	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/internal/scanner"
	"github.com/haex-space/haex-vault-sync/internal/storage/sqlite"
	"github.com/haex-space/haex-vault-sync/internal/transport"
)

// Pipeline drives one vault's push path.
type Pipeline struct {
	store    *sqlite.Store
	scanner  *scanner.Scanner
	tracker  *dirty.Tracker
	clock    *hlc.Clock
	locks    *backendstate.Registry
	metrics  *metrics.Registry
	logger   *slog.Logger
	deviceID model.DeviceId
	newClient func(b model.Backend) *transport.Client
}

// New constructs a Pipeline. newClient builds (or looks up) the transport
// client for a given backend — the caller owns client lifecycle/caching
// since credentials differ per backend.
func New(store *sqlite.Store, sc *scanner.Scanner, tracker *dirty.Tracker, clock *hlc.Clock, locks *backendstate.Registry, reg *metrics.Registry, deviceID model.DeviceId, newClient func(model.Backend) *transport.Client, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store: store, scanner: sc, tracker: tracker, clock: clock, locks: locks,
		metrics: reg, deviceID: deviceID, newClient: newClient, logger: logger.With("component", "push"),
	}
}

// PushAll scans every dirty table and pushes it to every enabled backend,
// scanning each table once per backend from that backend's own last-push
// cursor so a backend that's already caught up doesn't get resent rows it
// already has. A table is only cleared from the dirty set once every
// backend that had something to send has accepted it.
func (p *Pipeline) PushAll(ctx context.Context) error {
	dirtyTables, err := p.tracker.List(ctx)
	if err != nil {
		return fmt.Errorf("push: list dirty tables: %w", err)
	}
	if len(dirtyTables) == 0 {
		return nil
	}

	backends, err := p.store.ListEnabledBackends(ctx)
	if err != nil {
		return fmt.Errorf("push: list enabled backends: %w", err)
	}
	if len(backends) == 0 {
		return nil
	}

	for _, dt := range dirtyTables {
		anyChanges := false
		acceptedByAll := true
		for _, b := range backends {
			current, err := p.store.GetBackend(ctx, b.Id)
			if err != nil {
				return fmt.Errorf("push: reload backend %s: %w", b.Id, err)
			}
			since := model.HLCString("")
			if current.LastPushHLC != nil {
				since = *current.LastPushHLC
			}

			changes, err := p.scanner.ScanTable(ctx, dt.TableName, p.deviceID, since)
			if err != nil {
				return fmt.Errorf("push: scan %s: %w", dt.TableName, err)
			}
			if len(changes) == 0 {
				continue
			}
			anyChanges = true

			if err := p.pushTableToBackend(ctx, *current, dt.TableName, changes, false); err != nil {
				acceptedByAll = false
				p.logger.Warn("push failed for backend", "backend", b.Id, "table", dt.TableName, "error", err)
				if p.metrics != nil {
					p.metrics.PushFailures.WithLabelValues(string(b.Id)).Inc()
				}
			}
		}
		if !anyChanges || acceptedByAll {
			if err := p.tracker.ClearDirty(ctx, dt.TableName); err != nil {
				return err
			}
		}
	}
	return nil
}

// PushBackend re-pushes the current column state of every named table to a
// single backend, ignoring the local dirty set and the backend's push
// cursor. Used for the full re-upload recovery path when a server has lost
// data: cursors are advanced from the server's own response so the next
// pull doesn't echo this data straight back.
func (p *Pipeline) PushBackend(ctx context.Context, b model.Backend, tables []string) error {
	for _, table := range tables {
		changes, err := p.scanner.ScanTable(ctx, table, p.deviceID, model.HLCString(""))
		if err != nil {
			return fmt.Errorf("push: scan %s: %w", table, err)
		}
		if len(changes) == 0 {
			continue
		}
		if err := p.pushTableToBackend(ctx, b, table, changes, true); err != nil {
			return fmt.Errorf("push: full re-upload %s to %s: %w", table, b.Id, err)
		}
	}
	return nil
}

// pushTableToBackend advances the backend's pull cursor from the response
// only when the backend has none yet (first-push bootstrap), unless
// alwaysSetPullCursor is set for the full re-upload path.
func (p *Pipeline) pushTableToBackend(ctx context.Context, b model.Backend, table string, changes []model.ColumnChange, alwaysSetPullCursor bool) error {
	return p.locks.WithLock(ctx, b.Id, func(ctx context.Context) error {
		client := p.newClient(b)
		timer := metricsTimer(p.metrics)

		resp, err := client.Push(ctx, transport.PushRequest{VaultId: b.VaultId, Changes: changes})
		timer()
		if err != nil {
			return fmt.Errorf("push %s to %s: %w", table, b.Id, err)
		}

		newest := newestHLC(changes)
		if newest != nil {
			pullTS := &resp.ServerTimestamp
			if !alwaysSetPullCursor && b.LastPullServerTS != nil {
				pullTS = nil
			}
			if err := p.store.UpdateBackendCursor(ctx, b.Id, newest, pullTS); err != nil {
				return fmt.Errorf("advance push cursor for %s: %w", b.Id, err)
			}
		}
		return nil
	})
}

func newestHLC(changes []model.ColumnChange) *model.HLCString {
	if len(changes) == 0 {
		return nil
	}
	newest := changes[0].HLC
	for _, c := range changes[1:] {
		if c.HLC > newest {
			newest = c.HLC
		}
	}
	return &newest
}

func metricsTimer(reg *metrics.Registry) func() {
	if reg == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		reg.PushDuration.Observe(time.Now().Sub(start).Seconds())
	}
}
