// Package engine is the sync engine's public facade: the single entry
// point an embedding app (desktop shell, CLI, extension host)
// calls in-process. It owns construction and wiring of every internal
// component and exposes nothing else — callers never reach into
// internal/* directly.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/haex-space/haex-vault-sync/internal/apply"
	"github.com/haex-space/haex-vault-sync/internal/backendstate"
	"github.com/haex-space/haex-vault-sync/internal/config"
	"github.com/haex-space/haex-vault-sync/internal/cryptobox"
	"github.com/haex-space/haex-vault-sync/internal/dirty"
	"github.com/haex-space/haex-vault-sync/internal/events"
	"github.com/haex-space/haex-vault-sync/internal/hlc"
	"github.com/haex-space/haex-vault-sync/internal/metrics"
	"github.com/haex-space/haex-vault-sync/internal/migrations"
	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/internal/orchestrator"
	"github.com/haex-space/haex-vault-sync/internal/pull"
	"github.com/haex-space/haex-vault-sync/internal/push"
	"github.com/haex-space/haex-vault-sync/internal/scanner"
	"github.com/haex-space/haex-vault-sync/internal/storage/sqlite"
	"github.com/haex-space/haex-vault-sync/internal/transport"
	"github.com/haex-space/haex-vault-sync/pkg/logger"
	"github.com/haex-space/haex-vault-sync/pkg/syncerrors"
)

// Engine is one open vault's sync subsystem, constructed by Open and torn
// down by Close. Not safe to share across vaults; one Engine per vault
// file, since the engine operates on exactly one vault at a time.
type Engine struct {
	cfg      *config.Config
	store    *sqlite.Store
	bus      *events.Bus
	fanout   *events.ExternalFanout
	tracker  *dirty.Tracker
	orch     *orchestrator.Orchestrator
	push     *push.Pipeline
	pull     *pull.Pipeline
	metrics  *metrics.Registry
	key      cryptobox.VaultKey
	deviceID model.DeviceId
	logger   *slog.Logger
	settings *config.SettingsReloader
}

// Deps carries the pieces a caller must supply that the engine cannot
// derive from config alone: the unlocked vault key, the stable device id,
// and the function the engine calls to obtain a bearer token per backend
// (token issuance/refresh is a non-goal).
type Deps struct {
	Key            cryptobox.VaultKey
	DeviceID       model.DeviceId
	PrometheusReg  prometheus.Registerer
	TokenForBackend func(ctx context.Context, b model.Backend) (string, error)
}

// Open wires every internal component for one vault and returns a ready
// Engine. It does not start sync; call StartSync once the caller has
// finished any pre-sync setup (e.g. registering table-reload callbacks).
func Open(ctx context.Context, cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.TokenForBackend == nil {
		return nil, fmt.Errorf("engine: open: Deps.TokenForBackend is required")
	}

	log := logger.New(logger.Config{
		Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output,
		Filename: cfg.Log.Filename, MaxSizeMB: cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups, MaxAgeDays: cfg.Log.MaxAgeDays, Compress: cfg.Log.Compress,
	})

	reg := deps.PrometheusReg
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metricsReg := metrics.NewRegistry(reg)

	store, err := sqlite.Open(ctx, cfg.Storage.VaultPath, log)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	bus := events.New(log)
	bus.Start(ctx)

	fanout := events.NewExternalFanout(log)
	bus.Subscribe(events.Registration{Reload: fanout.Broadcast})

	tracker := dirty.New(store, bus, log)
	locks := backendstate.NewRegistry()
	clock := hlc.New(deps.DeviceID, time.Now)
	sc := scanner.New(store.DB(), store, deps.Key, log)

	newClient := func(b model.Backend) *transport.Client {
		return transport.New(transport.Config{
			BaseURL:        b.ServerURL,
			RequestTimeout: cfg.Transport.RequestTimeout,
			RateLimit:      rate.Limit(cfg.Transport.RateLimitRPS),
			RateBurst:      cfg.Transport.RateLimitBurst,
			Retry: transport.RetryPolicy{
				MaxRetries: cfg.Transport.MaxRetries,
				BaseDelay:  cfg.Transport.BaseDelay,
				MaxDelay:   cfg.Transport.MaxDelay,
				Multiplier: 2.0,
				Jitter:     true,
				Logger:     log,
			},
		}, func(ctx context.Context) (string, error) { return deps.TokenForBackend(ctx, b) }, log)
	}

	pushPipeline := push.New(store, sc, tracker, clock, locks, metricsReg, deps.DeviceID, newClient, log)
	applyEngine := apply.New(store, deps.Key, clock, bus, metricsReg, nil, log)
	coordinator := migrations.New(store, applyEngine.Apply, log)
	pullPipeline := pull.New(store, locks, metricsReg, newClient, coordinator.ProcessPullBatch, log)

	orch := orchestrator.New(store, tracker, pushPipeline, pullPipeline, locks, bus, deps.Key, deps.DeviceID, nil, metricsReg, log)
	coordinator.SetCatchUp(orch.PullPendingColumnsAny)

	settings := config.NewSettingsReloader()
	settings.Subscribe(orch.ApplySettings)

	return &Engine{
		cfg: cfg, store: store, bus: bus, fanout: fanout, tracker: tracker,
		orch: orch, push: pushPipeline, pull: pullPipeline, metrics: metricsReg,
		key: deps.Key, deviceID: deps.DeviceID,
		logger:   log.With("component", "engine"),
		settings: settings,
	}, nil
}

// Close releases the underlying store handle. StopSync should be called
// first if sync is running; Close does not do it implicitly so a caller
// that wants a fast, ungraceful shutdown (process exit) can skip straight
// to it.
func (e *Engine) Close() error {
	e.bus.Stop(context.Background())
	return e.store.Close()
}

// StartSync begins the startup sequence for every enabled backend.
func (e *Engine) StartSync(ctx context.Context) error {
	return e.orch.StartAll(ctx)
}

// StopSync tears down every backend's runtime.
func (e *Engine) StopSync(ctx context.Context) error {
	return e.orch.StopAll(ctx)
}

// AddBackend seals the bearer token under the vault key and persists a new
// disabled backend record. Call EnableBackend (or PerformInitialPull for a
// brand new remote vault) to bring it into the running sync set.
func (e *Engine) AddBackend(ctx context.Context, serverURL, email, bearerToken string) (model.Backend, error) {
	ciphertext, nonce, err := cryptobox.Seal(e.key, "backends", "credentials", bearerToken)
	if err != nil {
		return model.Backend{}, &syncerrors.CryptoFailedError{Table: "backends", Column: "credentials", Err: err}
	}
	b := model.Backend{
		Id: model.NewBackendId(), VaultId: model.NewVaultId(),
		ServerURL: serverURL, Email: email,
		EncryptedCredentials: ciphertext, CredentialsNonce: nonce,
		Enabled: false, CreatedAt: time.Now(),
	}
	if err := e.store.UpsertBackend(ctx, b); err != nil {
		return model.Backend{}, fmt.Errorf("engine: add backend: %w", err)
	}
	return b, nil
}

// RemoveBackend stops the backend's runtime (if running) and deletes its
// record and cursors.
func (e *Engine) RemoveBackend(ctx context.Context, id model.BackendId) error {
	e.orch.StopBackend(id)
	if err := e.store.DeleteBackend(ctx, id); err != nil {
		return fmt.Errorf("engine: remove backend: %w", err)
	}
	return nil
}

// EnableBackend flips a backend enabled and starts its runtime.
func (e *Engine) EnableBackend(ctx context.Context, id model.BackendId) error {
	if err := e.store.SetBackendEnabled(ctx, id, true); err != nil {
		return fmt.Errorf("engine: enable backend: %w", err)
	}
	b, err := e.store.GetBackend(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: enable backend: %w", err)
	}
	e.orch.StartBackend(*b)
	return nil
}

// DisableBackend stops the backend's runtime and flips it disabled,
// leaving its cursors intact for a later re-enable.
func (e *Engine) DisableBackend(ctx context.Context, id model.BackendId) error {
	e.orch.StopBackend(id)
	if err := e.store.SetBackendEnabled(ctx, id, false); err != nil {
		return fmt.Errorf("engine: disable backend: %w", err)
	}
	return nil
}

// PerformInitialPull runs the initial-pull path for a brand new remote
// vault. The orchestrator stores backend (enabled) only after the download
// has been applied. AddBackend already stores its record (disabled), so
// passing AddBackend's return value here overwrites that stored record.
func (e *Engine) PerformInitialPull(ctx context.Context, backend model.Backend) error {
	return e.orch.PerformInitialPull(ctx, backend)
}

// PushAll runs the full re-upload recovery path against one backend.
func (e *Engine) PushAll(ctx context.Context, backendID model.BackendId) error {
	b, err := e.store.GetBackend(ctx, backendID)
	if err != nil {
		return fmt.Errorf("engine: push all: %w", err)
	}
	return e.orch.PushAllFull(ctx, *b)
}

// Push runs one ordinary incremental push pass: every dirty table to every
// enabled backend. Exposed for the operator CLI's manual "push now" verb;
// the running engine already does this on its own debounce/periodic
// schedule once StartSync is called.
func (e *Engine) Push(ctx context.Context) error {
	return e.push.PushAll(ctx)
}

// Pull runs one ordinary incremental pull for a single backend. Exposed
// for the operator CLI's manual "pull now" verb.
func (e *Engine) Pull(ctx context.Context, backendID model.BackendId) error {
	b, err := e.store.GetBackend(ctx, backendID)
	if err != nil {
		return fmt.Errorf("engine: pull: %w", err)
	}
	_, err = e.pull.PullBackend(ctx, *b)
	if err != nil {
		return fmt.Errorf("engine: pull: %w", err)
	}
	return nil
}

// ListBackends returns every configured backend, for the operator CLI's
// "backend list" verb.
func (e *Engine) ListBackends(ctx context.Context) ([]model.Backend, error) {
	backends, err := e.store.ListBackends(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: list backends: %w", err)
	}
	return backends, nil
}

// ImportBackends upserts a batch of backend records as-is (including
// already-sealed credentials), for the operator CLI's "import-config"
// verb restoring a support bundle exported from the same vault key.
func (e *Engine) ImportBackends(ctx context.Context, backends []model.Backend) error {
	for _, b := range backends {
		if err := e.store.UpsertBackend(ctx, b); err != nil {
			return fmt.Errorf("engine: import backend %s: %w", b.Id, err)
		}
	}
	return nil
}

// CleanupTombstones deletes tombstones older than retentionDays and their
// tombstone_index entries. It does not run VACUUM; Vacuum reclaims the
// freed pages.
func (e *Engine) CleanupTombstones(ctx context.Context, retentionDays int) (int, error) {
	n, err := e.store.CompactExpiredTombstones(ctx, time.Duration(retentionDays)*24*time.Hour, time.Now())
	if err != nil {
		return 0, fmt.Errorf("engine: cleanup tombstones: %w", err)
	}
	return n, nil
}

// Vacuum reclaims freed database pages. Run after a large CleanupTombstones
// pass or a bulk delete, not on a tight schedule — SQLite's VACUUM rewrites
// the entire file.
func (e *Engine) Vacuum(ctx context.Context) error {
	if _, err := e.store.DB().ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("engine: vacuum: %w", err)
	}
	return nil
}

// UpdateSetting persists one vault_settings tunable (continuous_debounce_ms,
// periodic_interval_ms, tombstone_retention_days) and hot-reloads every
// component that cares about it, without stopping and
// restarting sync.
func (e *Engine) UpdateSetting(ctx context.Context, key, value string) error {
	if err := e.store.SetSetting(ctx, key, value); err != nil {
		return fmt.Errorf("engine: update setting %s: %w", key, err)
	}
	e.settings.Reload(e.currentSettings(ctx))
	return nil
}

func (e *Engine) currentSettings(ctx context.Context) config.Settings {
	var s config.Settings
	if v, ok, _ := e.store.GetSetting(ctx, sqlite.SettingContinuousDebounceMs); ok {
		s.ContinuousDebounceMs, _ = strconv.Atoi(v)
	}
	if v, ok, _ := e.store.GetSetting(ctx, sqlite.SettingPeriodicIntervalMs); ok {
		s.PeriodicIntervalMs, _ = strconv.Atoi(v)
	}
	if v, ok, _ := e.store.GetSetting(ctx, sqlite.SettingTombstoneRetentionDays); ok {
		s.TombstoneRetentionDays, _ = strconv.Atoi(v)
	}
	return s
}

// RegisterTableReload subscribes fn to fire whenever a pull or apply
// touches any table in tables (empty tables means "every table"). The
// returned handle's Release unregisters it.
func (e *Engine) RegisterTableReload(tables []string, fn func(events.TablesUpdated)) events.Handle {
	set := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	return e.bus.Subscribe(events.Registration{Tables: set, Reload: fn})
}

// OnTablesUpdated registers an extension subscriber for the
// permission-filtered external fanout. Unlike RegisterTableReload,
// delivery here fails closed: a subscriber never
// receives a table it isn't permitted to see, not even as an empty event.
func (e *Engine) OnTablesUpdated(sub events.ExtensionSubscriber) {
	e.fanout.Register(sub)
}
