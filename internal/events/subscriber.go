package events

import (
	"context"
	"log/slog"
	"sync"
)

// ExtensionSubscriber receives one filtered TablesUpdated message per
// publish, containing only the tables it has read permission for: a
// filtered external channel, one message per extension subscriber.
// Implementations live in the extension host, not here; this package only
// owns the filtering and fanout.
type ExtensionSubscriber interface {
	ID() string
	// AllowedTables returns the set of table names this subscriber may
	// observe. An empty set means "no tables" (not "all tables") — unlike
	// Registration.Tables, permission filtering must fail closed.
	AllowedTables() map[string]struct{}
	// Send delivers a filtered event. Returning an error causes the
	// subscriber to be dropped from future broadcasts.
	Send(ctx context.Context, event TablesUpdated) error
	Context() context.Context
}

// ExternalFanout broadcasts a permission-filtered view of each published
// event to every registered extension subscriber, concurrently, matching
// the teacher's broadcastEvent concurrency shape (one goroutine per
// subscriber, waited on before returning).
type ExternalFanout struct {
	mu          sync.RWMutex
	subscribers map[string]ExtensionSubscriber
	logger      *slog.Logger
}

// NewExternalFanout constructs an ExternalFanout.
func NewExternalFanout(logger *slog.Logger) *ExternalFanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExternalFanout{
		subscribers: make(map[string]ExtensionSubscriber),
		logger:      logger.With("component", "extension_fanout"),
	}
}

// Register adds an extension subscriber.
func (f *ExternalFanout) Register(sub ExtensionSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[sub.ID()] = sub
}

// Unregister removes an extension subscriber.
func (f *ExternalFanout) Unregister(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribers, id)
}

// Broadcast filters event per-subscriber to the intersection of
// event.Tables and the subscriber's AllowedTables, and delivers only when
// that intersection is non-empty — a subscriber never learns that an
// out-of-permission table changed at all, including via an empty-but-present
// message.
func (f *ExternalFanout) Broadcast(event TablesUpdated) {
	f.mu.RLock()
	subs := make([]ExtensionSubscriber, 0, len(f.subscribers))
	for _, s := range f.subscribers {
		subs = append(subs, s)
	}
	f.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		filtered, ok := filterForSubscriber(event, sub.AllowedTables())
		if !ok {
			continue
		}
		wg.Add(1)
		go func(s ExtensionSubscriber, e TablesUpdated) {
			defer wg.Done()
			select {
			case <-s.Context().Done():
				f.Unregister(s.ID())
				return
			default:
			}
			if err := s.Send(s.Context(), e); err != nil {
				f.logger.Warn("extension subscriber send failed, unregistering", "subscriber_id", s.ID(), "error", err)
				f.Unregister(s.ID())
			}
		}(sub, filtered)
	}
	wg.Wait()
}

// filterForSubscriber narrows event.Tables to the subscriber's permitted
// set, returning ok=false when nothing in the event is visible to them.
func filterForSubscriber(event TablesUpdated, allowed map[string]struct{}) (TablesUpdated, bool) {
	visible := make(map[string]struct{})
	for t := range event.Tables {
		if _, ok := allowed[t]; ok {
			visible[t] = struct{}{}
		}
	}
	if len(visible) == 0 {
		return TablesUpdated{}, false
	}
	return TablesUpdated{ID: event.ID, Tables: visible, Timestamp: event.Timestamp}, true
}
