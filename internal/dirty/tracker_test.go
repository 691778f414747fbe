package dirty

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haex-space/haex-vault-sync/internal/events"
	"github.com/haex-space/haex-vault-sync/internal/storage/sqlite"
)

type fakeStore struct {
	dirty map[string]time.Time
}

func newFakeStore() *fakeStore { return &fakeStore{dirty: map[string]time.Time{}} }

func (f *fakeStore) MarkDirty(_ context.Context, tableName string, at time.Time) error {
	if _, ok := f.dirty[tableName]; !ok {
		f.dirty[tableName] = at
	}
	return nil
}

func (f *fakeStore) ClearDirty(_ context.Context, tableName string) error {
	delete(f.dirty, tableName)
	return nil
}

func (f *fakeStore) ClearAllDirty(_ context.Context) error {
	f.dirty = map[string]time.Time{}
	return nil
}

func (f *fakeStore) ListDirty(_ context.Context) ([]sqlite.DirtyTable, error) {
	var out []sqlite.DirtyTable
	for name, at := range f.dirty {
		out = append(out, sqlite.DirtyTable{TableName: name, FirstDirtyAt: at})
	}
	return out, nil
}

func newTestTracker(fs *fakeStore, bus *events.Bus) *Tracker {
	return &Tracker{store: fs, bus: bus, nowFn: time.Now, logger: nil}
}

func TestMarkDirtyKeepsFirstTimestamp(t *testing.T) {
	fs := newFakeStore()
	tr := New(nil, nil, nil)
	tr.store = fs

	require.NoError(t, tr.MarkDirty(context.Background(), "notes"))
	first := fs.dirty["notes"]
	require.NoError(t, tr.MarkDirty(context.Background(), "notes"))
	require.Equal(t, first, fs.dirty["notes"])
}

func TestClearAllEmptiesTrackedSet(t *testing.T) {
	fs := newFakeStore()
	tr := New(nil, nil, nil)
	tr.store = fs
	require.NoError(t, tr.MarkDirty(context.Background(), "notes"))
	require.NoError(t, tr.MarkDirty(context.Background(), "folders"))

	require.NoError(t, tr.ClearAll(context.Background()))

	list, err := tr.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestOldestAgeReflectsEarliestDirtyTable(t *testing.T) {
	fs := newFakeStore()
	tr := New(nil, nil, nil)
	tr.store = fs
	fs.dirty["notes"] = time.Now().Add(-5 * time.Minute)

	age, ok, err := tr.OldestAge(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.GreaterOrEqual(t, age, 5*time.Minute)
}

func TestOldestAgeFalseWhenNothingDirty(t *testing.T) {
	fs := newFakeStore()
	tr := New(nil, nil, nil)
	tr.store = fs

	_, ok, err := tr.OldestAge(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkDirtyPublishesToBus(t *testing.T) {
	bus := events.New(nil)
	fs := newFakeStore()
	tr := newTestTracker(fs, bus)

	received := make(chan events.TablesUpdated, 1)
	tr.bus.Subscribe(events.Registration{
		Tables: map[string]struct{}{"notes": {}},
		Reload: func(e events.TablesUpdated) { received <- e },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	require.NoError(t, tr.MarkDirty(context.Background(), "notes"))

	select {
	case e := <-received:
		_, ok := e.Tables["notes"]
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected dirty-table notification")
	}
}
