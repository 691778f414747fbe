// Package orchestrator implements C8: the per-backend lifecycle state
// machine, adaptive push debounce, periodic fallback pull, and the initial
// pull / full re-upload recovery paths that tie every other component into
// one running sync engine.
//
// Grounded on the teacher's internal/config.ReloadCoordinator for the shape
// of a phased startup/teardown sequence with a shared mutable state map, and
// internal/realtime.Bus's Start/Stop lifecycle for the listener goroutines.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/haex-space/haex-vault-sync/internal/backendstate"
	"github.com/haex-space/haex-vault-sync/internal/config"
	"github.com/haex-space/haex-vault-sync/internal/cryptobox"
	"github.com/haex-space/haex-vault-sync/internal/dirty"
	"github.com/haex-space/haex-vault-sync/internal/events"
	"github.com/haex-space/haex-vault-sync/internal/metrics"
	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/internal/pull"
	"github.com/haex-space/haex-vault-sync/internal/push"
	"github.com/haex-space/haex-vault-sync/internal/realtime"
	"github.com/haex-space/haex-vault-sync/internal/storage/sqlite"
)

// State is a backend's position in the sync lifecycle.
type State int

const (
	Idle State = iota
	Initializing
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	defaultDebounceBase     = 300 * time.Millisecond
	debounceCeiling         = 5 * time.Second
	debounceWindow          = time.Second
	debounceBurstThreshold  = 10
	defaultPeriodicInterval = 5 * time.Minute

	defaultTombstoneRetentionDays = 30
	tombstoneSweepInterval        = time.Hour
)

type backendRuntime struct {
	backend  model.Backend
	state    State
	cancel   context.CancelFunc
	stopTick chan struct{}
}

// Orchestrator owns the running state of every enabled backend: its
// realtime subscription goroutine, periodic fallback-pull ticker, and
// lifecycle state. Exactly one Orchestrator exists per open vault.
type Orchestrator struct {
	store *sqlite.Store
	tracker *dirty.Tracker
	push  *push.Pipeline
	pull  *pull.Pipeline
	locks *backendstate.Registry
	bus   *events.Bus
	key   cryptobox.VaultKey

	deviceID model.DeviceId
	dial     realtime.Dialer
	metrics  *metrics.Registry
	logger   *slog.Logger

	debounceBase           time.Duration
	periodicInterval       time.Duration
	tombstoneRetentionDays int

	mu       sync.Mutex
	runtimes map[model.BackendId]*backendRuntime
	runCtx   context.Context
	runCancel context.CancelFunc
	dirtySub events.Handle

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	eventTimes    []time.Time
}

// New constructs an Orchestrator. dial may be nil to use
// realtime.DefaultDialer; tests substitute their own to point at an
// in-memory relay double.
func New(store *sqlite.Store, tracker *dirty.Tracker, pushPipeline *push.Pipeline, pullPipeline *pull.Pipeline, locks *backendstate.Registry, bus *events.Bus, key cryptobox.VaultKey, deviceID model.DeviceId, dial realtime.Dialer, reg *metrics.Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = realtime.DefaultDialer
	}
	return &Orchestrator{
		store: store, tracker: tracker, push: pushPipeline, pull: pullPipeline,
		locks: locks, bus: bus, key: key, deviceID: deviceID, dial: dial, metrics: reg,
		logger:           logger.With("component", "orchestrator"),
		debounceBase:           defaultDebounceBase,
		periodicInterval:       defaultPeriodicInterval,
		tombstoneRetentionDays: defaultTombstoneRetentionDays,
		runtimes:               map[model.BackendId]*backendRuntime{},
	}
}

// StartAll runs the startup sequence: load config, install the
// dirty-tables listener, init every enabled backend, then clear dirty
// tables twice around the initial_sync_complete transition so neither the
// inits' own write side effects nor setting the flag itself get re-pushed
// before the engine is considered fully started.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.loadConfig(ctx)

	o.mu.Lock()
	o.runCtx, o.runCancel = context.WithCancel(context.Background())
	o.mu.Unlock()

	o.dirtySub = o.bus.Subscribe(events.Registration{Reload: o.onDirtyEvent})
	go o.runTombstoneSweep(o.runCtx)

	backends, err := o.store.ListEnabledBackends(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: list enabled backends: %w", err)
	}
	for _, b := range backends {
		o.initBackend(o.runCtx, b)
	}

	if err := o.tracker.ClearAll(ctx); err != nil {
		return fmt.Errorf("orchestrator: clear dirty after init: %w", err)
	}
	if err := o.store.SetInitialSyncComplete(ctx, true); err != nil {
		return fmt.Errorf("orchestrator: set initial_sync_complete: %w", err)
	}
	if err := o.tracker.ClearAll(ctx); err != nil {
		return fmt.Errorf("orchestrator: clear dirty after initial_sync_complete: %w", err)
	}
	return nil
}

// StopAll tears down every subscription and timer and empties the state
// map. Best-effort graceful: an in-progress DB transaction still commits or
// rolls back atomically, it is never interrupted.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	o.mu.Lock()
	runtimes := o.runtimes
	o.runtimes = map[model.BackendId]*backendRuntime{}
	cancel := o.runCancel
	o.mu.Unlock()

	for _, rt := range runtimes {
		o.stopBackend(rt)
	}
	if cancel != nil {
		cancel()
	}
	o.dirtySub.Release()
	o.locks.Reset()

	o.debounceMu.Lock()
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
		o.debounceTimer = nil
	}
	o.eventTimes = nil
	o.debounceMu.Unlock()
	return nil
}

func (o *Orchestrator) stopBackend(rt *backendRuntime) {
	rt.state = Stopped
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.stopTick != nil {
		close(rt.stopTick)
	}
}

// initBackend runs the init(backend) sequence: pull, push,
// subscribe to realtime, start the periodic fallback timer.
func (o *Orchestrator) initBackend(ctx context.Context, b model.Backend) {
	rt := &backendRuntime{backend: b, state: Initializing, stopTick: make(chan struct{})}
	o.mu.Lock()
	o.runtimes[b.Id] = rt
	o.mu.Unlock()

	if _, err := o.pull.PullBackend(ctx, b); err != nil {
		o.logger.Warn("init pull failed", "backend", b.Id, "error", err)
	}
	if err := o.push.PushAll(ctx); err != nil {
		o.logger.Warn("init push failed", "backend", b.Id, "error", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	sub := realtime.New(b, o.deviceID, o.dial, o.tokenSource(b), o.pullFunc(), o.realtimeFallback(), o.metrics, o.logger)
	go sub.Run(subCtx)

	go o.runPeriodicPull(subCtx, rt)

	rt.state = Running
}

// StartBackend brings up one backend's runtime (realtime subscription plus
// periodic fallback) outside the StartAll sequence, for a backend enabled
// or added after the engine is already running.
func (o *Orchestrator) StartBackend(b model.Backend) {
	o.initBackend(o.currentRunCtx(), b)
}

// StopBackend tears down one backend's runtime without affecting the rest,
// for a backend disabled or removed while the engine keeps running.
func (o *Orchestrator) StopBackend(id model.BackendId) {
	o.mu.Lock()
	rt, ok := o.runtimes[id]
	if ok {
		delete(o.runtimes, id)
	}
	o.mu.Unlock()
	if ok {
		o.stopBackend(rt)
	}
}

func (o *Orchestrator) runPeriodicPull(ctx context.Context, rt *backendRuntime) {
	ticker := time.NewTicker(o.periodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rt.stopTick:
			return
		case <-ticker.C:
			if _, err := o.pull.PullBackend(ctx, rt.backend); err != nil {
				o.logger.Warn("periodic fallback pull failed", "backend", rt.backend.Id, "error", err)
			}
		}
	}
}

func (o *Orchestrator) pullFunc() realtime.PullFunc {
	return func(ctx context.Context, b model.Backend) error {
		_, err := o.pull.PullBackend(ctx, b)
		return err
	}
}

func (o *Orchestrator) realtimeFallback() realtime.FallbackFunc {
	return func(b model.Backend) {
		o.logger.Info("realtime listener fell back to periodic pull only", "backend", b.Id)
	}
}

func (o *Orchestrator) tokenSource(b model.Backend) realtime.TokenSource {
	return func(ctx context.Context) (string, error) {
		if b.EncryptedCredentials == "" {
			return "", fmt.Errorf("orchestrator: backend %s has no stored credentials", b.Id)
		}
		value, err := cryptobox.Open(o.key, "backends", "credentials", b.EncryptedCredentials, b.CredentialsNonce)
		if err != nil {
			return "", fmt.Errorf("orchestrator: decrypt backend %s credentials: %w", b.Id, err)
		}
		token, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("orchestrator: backend %s credentials are not a bearer token string", b.Id)
		}
		return token, nil
	}
}

// PerformInitialPull implements the initial pull path for a brand
// new remote vault: the backend is never persisted until every bit of its
// data has been downloaded, decrypted and applied, so a crash mid-pull
// leaves no half-configured backend row behind. The dirty set is cleared
// before persisting so the just-applied data (which the dirty triggers see
// as ordinary writes) is not immediately echoed back in the next push.
func (o *Orchestrator) PerformInitialPull(ctx context.Context, backend model.Backend) error {
	lastServerTS, err := o.pull.PullBackend(ctx, backend)
	if err != nil {
		return fmt.Errorf("orchestrator: initial pull: %w", err)
	}
	if err := o.tracker.ClearAll(ctx); err != nil {
		return fmt.Errorf("orchestrator: clear dirty after initial pull: %w", err)
	}

	backend.LastPullServerTS = lastServerTS
	backend.Enabled = true
	if err := o.store.UpsertBackend(ctx, backend); err != nil {
		return fmt.Errorf("orchestrator: persist backend after initial pull: %w", err)
	}

	o.initBackend(o.currentRunCtx(), backend)
	return nil
}

// PushAllFull implements the full re-upload path: recovery from a
// server that lost data. Every CRDT table is scanned and pushed regardless
// of dirty state, to exactly one backend.
func (o *Orchestrator) PushAllFull(ctx context.Context, backend model.Backend) error {
	tables, err := o.store.ListCRDTTables(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: list crdt tables: %w", err)
	}
	return o.push.PushBackend(ctx, backend, tables)
}

// PullPendingColumnsAny services the migration coordinator's phase-4
// catch-up hook: pending columns aren't tied to the backend that originally
// sent them, so any enabled backend can re-serve their history.
func (o *Orchestrator) PullPendingColumnsAny(ctx context.Context) error {
	backends, err := o.store.ListEnabledBackends(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: list enabled backends: %w", err)
	}
	if len(backends) == 0 {
		return nil
	}
	return o.pull.PullPendingColumns(ctx, backends[0].VaultId, backends[0])
}

func (o *Orchestrator) currentRunCtx() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx == nil {
		o.runCtx, o.runCancel = context.WithCancel(context.Background())
	}
	return o.runCtx
}

func (o *Orchestrator) loadConfig(ctx context.Context) {
	if v, ok, _ := o.store.GetSetting(ctx, sqlite.SettingContinuousDebounceMs); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			o.debounceBase = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok, _ := o.store.GetSetting(ctx, sqlite.SettingPeriodicIntervalMs); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			o.periodicInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok, _ := o.store.GetSetting(ctx, sqlite.SettingTombstoneRetentionDays); ok {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			o.tombstoneRetentionDays = days
		}
	}
}

// ApplySettings updates the live tunables sourced from vault_settings
// without stopping and restarting sync. The engine subscribes
// this to a config.SettingsReloader so the embedding app's settings screen
// can change debounce/interval/retention while the vault is open.
func (o *Orchestrator) ApplySettings(s config.Settings) {
	o.debounceMu.Lock()
	if s.ContinuousDebounceMs > 0 {
		o.debounceBase = time.Duration(s.ContinuousDebounceMs) * time.Millisecond
	}
	o.debounceMu.Unlock()

	o.mu.Lock()
	if s.PeriodicIntervalMs > 0 {
		o.periodicInterval = time.Duration(s.PeriodicIntervalMs) * time.Millisecond
	}
	if s.TombstoneRetentionDays > 0 {
		o.tombstoneRetentionDays = s.TombstoneRetentionDays
	}
	o.mu.Unlock()
}

// runTombstoneSweep is the scheduled maintenance sweep a sync engine needs
// even though spec.md leaves cleanupTombstones/vacuum's cadence undetailed:
// once an hour, delete tombstones older than the configured retention.
func (o *Orchestrator) runTombstoneSweep(ctx context.Context) {
	ticker := time.NewTicker(tombstoneSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			retention := o.tombstoneRetentionDays
			o.mu.Unlock()
			n, err := o.store.CompactExpiredTombstones(ctx, time.Duration(retention)*24*time.Hour, time.Now())
			if err != nil {
				o.logger.Warn("tombstone sweep failed", "error", err)
				continue
			}
			if n > 0 {
				o.logger.Info("tombstone sweep compacted expired rows", "count", n)
			}
		}
	}
}

// onDirtyEvent is the dirty-tables listener install: it
// recomputes the adaptive debounce window on every local write and
// (re)schedules the push it will eventually trigger.
func (o *Orchestrator) onDirtyEvent(events.TablesUpdated) {
	o.scheduleDebouncedPush()
}

func (o *Orchestrator) scheduleDebouncedPush() {
	o.debounceMu.Lock()
	defer o.debounceMu.Unlock()

	now := time.Now()
	o.eventTimes = append(o.eventTimes, now)
	cutoff := now.Add(-debounceWindow)
	kept := o.eventTimes[:0]
	for _, t := range o.eventTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	o.eventTimes = kept

	delay := o.currentDebounce(len(o.eventTimes))
	if o.metrics != nil {
		o.metrics.DebounceMillis.Set(float64(delay.Milliseconds()))
	}
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}
	o.debounceTimer = time.AfterFunc(delay, o.firePush)
}

// currentDebounce scales linearly from the configured base up to a 5 s
// ceiling once a 1 s sliding window sees at least debounceBurstThreshold
// events, coalescing bulk imports into fewer, larger pushes.
func (o *Orchestrator) currentDebounce(eventsInWindow int) time.Duration {
	if eventsInWindow < debounceBurstThreshold {
		return o.debounceBase
	}
	scale := float64(eventsInWindow) / float64(debounceBurstThreshold)
	d := time.Duration(float64(o.debounceBase) * scale)
	if d > debounceCeiling {
		d = debounceCeiling
	}
	return d
}

func (o *Orchestrator) firePush() {
	ctx := o.currentRunCtx()
	if err := o.push.PushAll(ctx); err != nil {
		o.logger.Warn("debounced push failed", "error", err)
	}
}
