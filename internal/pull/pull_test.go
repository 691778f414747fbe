package pull

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haex-space/haex-vault-sync/internal/backendstate"
	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/internal/relaytest"
	"github.com/haex-space/haex-vault-sync/internal/storage/sqlite"
	"github.com/haex-space/haex-vault-sync/internal/transport"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPullAllDeliversSeededChangesToProcessor(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	backend := model.Backend{Id: "b1", VaultId: "v1", ServerURL: "https://relay.example.com", Email: "a@b.com", Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, store.UpsertBackend(ctx, backend))

	srv := relaytest.New()
	srv.Seed("v1", model.ColumnChange{TableName: "notes", RowPKs: `{"id":"n1"}`, ColumnName: "title", HLC: "x"})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	var processed []model.ColumnChange
	locks := backendstate.NewRegistry()
	pipeline := New(store, locks, nil, func(b model.Backend) *transport.Client {
		return transport.New(transport.Config{BaseURL: ts.URL}, func(context.Context) (string, error) { return "token", nil }, nil)
	}, func(ctx context.Context, changes []model.ColumnChange) error {
		processed = append(processed, changes...)
		return nil
	}, nil)

	require.NoError(t, pipeline.PullAll(ctx))
	require.Len(t, processed, 1)
	require.Equal(t, "notes", processed[0].TableName)

	got, err := store.GetBackend(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got.LastPullServerTS)
}

func TestPullPendingColumnsClearsCaughtUpColumns(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.MarkPendingColumn(ctx, "notes", "tags"))

	backend := model.Backend{Id: "b1", VaultId: "v1", ServerURL: "https://relay.example.com", Email: "a@b.com", Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, store.UpsertBackend(ctx, backend))

	srv := relaytest.New()
	srv.Seed("v1", model.ColumnChange{TableName: "notes", RowPKs: `{"id":"n1"}`, ColumnName: "tags", HLC: "x"})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	locks := backendstate.NewRegistry()
	pipeline := New(store, locks, nil, func(b model.Backend) *transport.Client {
		return transport.New(transport.Config{BaseURL: ts.URL}, func(context.Context) (string, error) { return "token", nil }, nil)
	}, func(ctx context.Context, changes []model.ColumnChange) error { return nil }, nil)

	require.NoError(t, pipeline.PullPendingColumns(ctx, "v1", backend))

	pending, err := store.ListPendingColumns(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}
