// Package events implements the event bus: an internal "tables updated"
// channel consumed by the UI's store-reload registry, and a
// permission-filtered external channel for extension subscribers.
//
// Grounded on the teacher's internal/realtime package (DefaultEventBus):
// same non-blocking buffered-channel publish with drop-on-full, same
// per-subscriber goroutine fanout with context-cancellation cleanup. The
// payload is a set of affected table names instead of a dashboard event.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrChannelFull is returned when the internal publish channel is saturated
// and an event had to be dropped. Since tables-updated events are
// idempotent signals (a missed one just means a reload registration fires
// slightly later, on the next successful publish), dropping is acceptable
// and logged rather than fatal.
var ErrChannelFull = errors.New("events: channel full, event dropped")

// TablesUpdated is the payload published after a successful pull or apply.
type TablesUpdated struct {
	ID        string
	Tables    map[string]struct{}
	Timestamp time.Time
}

// NewTablesUpdated builds a TablesUpdated event from a slice of table names.
func NewTablesUpdated(tables []string) TablesUpdated {
	set := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	return TablesUpdated{ID: uuid.New().String(), Tables: set, Timestamp: time.Now()}
}

// Intersects reports whether this event touches any table in interested.
func (e TablesUpdated) Intersects(interested map[string]struct{}) bool {
	if len(interested) == 0 {
		return true // an empty interest set means "all tables"
	}
	for t := range interested {
		if _, ok := e.Tables[t]; ok {
			return true
		}
	}
	return false
}

// Registration binds a reload callback to the set of tables it cares about,
// mirroring a (Set<tableName>, reloadFn) store-reload entry.
type Registration struct {
	Tables map[string]struct{}
	Reload func(TablesUpdated)
}

// Bus is the internal publish/subscribe hub. Subscription lifetime is
// bound to the handle returned by Subscribe: calling its Release
// unregisters it. A handle that is dropped without Release stays
// registered.
type Bus struct {
	mu            sync.RWMutex
	registrations map[uint64]Registration
	nextID        uint64

	eventChan chan TablesUpdated
	stopChan  chan struct{}
	wg        sync.WaitGroup

	logger *slog.Logger
}

// New constructs a Bus with a bounded internal queue.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		registrations: make(map[uint64]Registration),
		eventChan:     make(chan TablesUpdated, 256),
		stopChan:      make(chan struct{}),
		logger:        logger.With("component", "event_bus"),
	}
}

// Handle unregisters its Registration when Release is called.
type Handle struct {
	id  uint64
	bus *Bus
}

// Release unregisters the bound callback. Safe to call multiple times.
func (h Handle) Release() {
	if h.bus == nil {
		return
	}
	h.bus.unsubscribe(h.id)
}

// Subscribe registers a reload callback and returns a Handle whose Release
// unregisters it.
func (b *Bus) Subscribe(reg Registration) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.registrations[id] = reg
	return Handle{id: id, bus: b}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.registrations, id)
}

// Publish enqueues an event for asynchronous delivery to every intersecting
// registration. Non-blocking: a full queue drops the event and returns
// ErrChannelFull rather than stalling the caller (typically the pull
// pipeline, which must not be blocked by a slow UI reload).
func (b *Bus) Publish(event TablesUpdated) error {
	select {
	case b.eventChan <- event:
		return nil
	default:
		b.logger.Warn("event channel full, dropping tables-updated event", "event_id", event.ID)
		return ErrChannelFull
	}
}

// Start launches the dispatch worker. Call once per Bus lifetime.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.dispatchLoop(ctx)
}

// Stop signals the dispatch worker to drain and exit, waiting up to the
// context deadline.
func (b *Bus) Stop(ctx context.Context) error {
	close(b.stopChan)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopChan:
			for {
				select {
				case event := <-b.eventChan:
					b.dispatch(event)
				default:
					return
				}
			}
		case event := <-b.eventChan:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event TablesUpdated) {
	b.mu.RLock()
	regs := make([]Registration, 0, len(b.registrations))
	for _, r := range b.registrations {
		regs = append(regs, r)
	}
	b.mu.RUnlock()

	for _, r := range regs {
		if event.Intersects(r.Tables) {
			r.Reload(event)
		}
	}
}
