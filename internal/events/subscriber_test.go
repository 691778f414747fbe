package events

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id      string
	allowed map[string]struct{}
	ctx     context.Context
	mu      sync.Mutex
	got     []TablesUpdated
}

func (f *fakeSubscriber) ID() string                          { return f.id }
func (f *fakeSubscriber) AllowedTables() map[string]struct{}  { return f.allowed }
func (f *fakeSubscriber) Context() context.Context            { return f.ctx }
func (f *fakeSubscriber) Send(_ context.Context, e TablesUpdated) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, e)
	return nil
}

func TestBroadcastFiltersToAllowedTables(t *testing.T) {
	fanout := NewExternalFanout(nil)
	sub := &fakeSubscriber{id: "ext-1", allowed: map[string]struct{}{"notes": {}}, ctx: context.Background()}
	fanout.Register(sub)

	fanout.Broadcast(NewTablesUpdated([]string{"notes", "secrets"}))

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.got, 1)
	_, hasNotes := sub.got[0].Tables["notes"]
	_, hasSecrets := sub.got[0].Tables["secrets"]
	require.True(t, hasNotes)
	require.False(t, hasSecrets, "subscriber must never learn about a table outside its permissions")
}

func TestBroadcastSkipsSubscriberWithNoOverlap(t *testing.T) {
	fanout := NewExternalFanout(nil)
	sub := &fakeSubscriber{id: "ext-1", allowed: map[string]struct{}{"folders": {}}, ctx: context.Background()}
	fanout.Register(sub)

	fanout.Broadcast(NewTablesUpdated([]string{"notes"}))

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Empty(t, sub.got)
}

func TestBroadcastUnregistersOnCancelledContext(t *testing.T) {
	fanout := NewExternalFanout(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sub := &fakeSubscriber{id: "ext-1", allowed: map[string]struct{}{"notes": {}}, ctx: ctx}
	fanout.Register(sub)

	fanout.Broadcast(NewTablesUpdated([]string{"notes"}))

	fanout.mu.RLock()
	_, stillRegistered := fanout.subscribers["ext-1"]
	fanout.mu.RUnlock()
	require.False(t, stillRegistered)
}
