package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToIntersectingRegistration(t *testing.T) {
	bus := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	var mu sync.Mutex
	var received []TablesUpdated
	handle := bus.Subscribe(Registration{
		Tables: map[string]struct{}{"notes": {}},
		Reload: func(e TablesUpdated) {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, e)
		},
	})
	defer handle.Release()

	require.NoError(t, bus.Publish(NewTablesUpdated([]string{"notes", "tags"})))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPublishSkipsNonIntersectingRegistration(t *testing.T) {
	bus := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	fired := make(chan struct{}, 1)
	handle := bus.Subscribe(Registration{
		Tables: map[string]struct{}{"folders": {}},
		Reload: func(TablesUpdated) { fired <- struct{}{} },
	})
	defer handle.Release()

	require.NoError(t, bus.Publish(NewTablesUpdated([]string{"notes"})))

	select {
	case <-fired:
		t.Fatal("registration for an unrelated table should not fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleReleaseUnregisters(t *testing.T) {
	bus := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	fired := make(chan struct{}, 1)
	handle := bus.Subscribe(Registration{
		Tables: map[string]struct{}{"notes": {}},
		Reload: func(TablesUpdated) { fired <- struct{}{} },
	})
	handle.Release()

	require.NoError(t, bus.Publish(NewTablesUpdated([]string{"notes"})))

	select {
	case <-fired:
		t.Fatal("released handle must not receive further events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyInterestSetMeansAllTables(t *testing.T) {
	event := NewTablesUpdated([]string{"notes"})
	require.True(t, event.Intersects(map[string]struct{}{}))
}

func TestPublishDropsWhenChannelFull(t *testing.T) {
	bus := New(nil) // never started: nothing drains eventChan (buffer 256)

	var lastErr error
	for i := 0; i < 300; i++ {
		lastErr = bus.Publish(NewTablesUpdated([]string{"notes"}))
	}
	require.ErrorIs(t, lastErr, ErrChannelFull)
}
