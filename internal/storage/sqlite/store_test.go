package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createNotesTable(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.db.Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, title TEXT, body TEXT)`)
	require.NoError(t, err)
	require.NoError(t, s.EnsureCRDTTable(context.Background(), "notes", []string{"title", "body"}))
}

func TestEnsureCRDTTableAddsShadowAndTombstoneColumns(t *testing.T) {
	s := openTestStore(t)
	createNotesTable(t, s)

	cat, err := s.IntrospectTable(context.Background(), "notes")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"id"}, cat.PKColumns)
	require.ElementsMatch(t, []string{"title", "body"}, cat.UserColumns)
	require.True(t, cat.HasTombstone)
}

func TestEnsureCRDTTableIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	createNotesTable(t, s)
	require.NoError(t, s.EnsureCRDTTable(context.Background(), "notes", []string{"title", "body"}))

	cat, err := s.IntrospectTable(context.Background(), "notes")
	require.NoError(t, err)
	require.Len(t, cat.UserColumns, 2)
}

func TestEnsureCRDTTableAddsNewlyAppearingColumn(t *testing.T) {
	s := openTestStore(t)
	createNotesTable(t, s)

	_, err := s.db.Exec(`ALTER TABLE notes ADD COLUMN archived INTEGER`)
	require.NoError(t, err)
	require.NoError(t, s.EnsureCRDTTable(context.Background(), "notes", []string{"title", "body", "archived"}))

	cat, err := s.IntrospectTable(context.Background(), "notes")
	require.NoError(t, err)
	require.Contains(t, cat.UserColumns, "archived")
}

func TestDirtyTriggerMarksTableOnInsert(t *testing.T) {
	s := openTestStore(t)
	createNotesTable(t, s)

	_, err := s.db.Exec(`INSERT INTO notes (id, title) VALUES (?, ?)`, "n1", "hello")
	require.NoError(t, err)

	dirty, err := s.ListDirty(context.Background())
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	require.Equal(t, "notes", dirty[0].TableName)
}

func TestMarkDirtyKeepsEarliestTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	first := time.Now().UTC().Add(-time.Hour)
	second := time.Now().UTC()

	require.NoError(t, s.MarkDirty(ctx, "notes", first))
	require.NoError(t, s.MarkDirty(ctx, "notes", second))

	dirty, err := s.ListDirty(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	require.WithinDuration(t, first, dirty[0].FirstDirtyAt, time.Second)
}

func TestClearAllDirtyEmptiesTheSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.MarkDirty(ctx, "notes", time.Now()))
	require.NoError(t, s.MarkDirty(ctx, "folders", time.Now()))

	require.NoError(t, s.ClearAllDirty(ctx))

	dirty, err := s.ListDirty(ctx)
	require.NoError(t, err)
	require.Empty(t, dirty)
}

func TestPendingColumnLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkPendingColumn(ctx, "notes", "tags"))
	pending, err := s.ListPendingColumns(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.ClearPendingColumn(ctx, "notes", "tags"))
	pending, err = s.ListPendingColumns(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestUpsertAndGetBackendRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := model.Backend{
		Id:        model.BackendId(uuid.NewString()),
		VaultId:   model.VaultId(uuid.NewString()),
		ServerURL: "https://relay.example.com",
		Email:     "user@example.com",
		Enabled:   true,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.UpsertBackend(ctx, b))

	got, err := s.GetBackend(ctx, b.Id)
	require.NoError(t, err)
	require.Equal(t, b.ServerURL, got.ServerURL)
	require.True(t, got.Enabled)
	require.Nil(t, got.LastPushHLC)
}

func TestSetBackendEnabledTogglesFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := model.Backend{Id: model.BackendId(uuid.NewString()), VaultId: model.VaultId(uuid.NewString()), ServerURL: "https://r.example.com", Email: "a@b.com", Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, s.UpsertBackend(ctx, b))

	require.NoError(t, s.SetBackendEnabled(ctx, b.Id, false))
	enabled, err := s.ListEnabledBackends(ctx)
	require.NoError(t, err)
	require.Empty(t, enabled)
}

func TestUpsertColumnWritesValueAndShadowHLC(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createNotesTable(t, s)

	cat, err := s.IntrospectTable(ctx, "notes")
	require.NoError(t, err)

	rowPKs, err := model.RowPKs(cat.PKColumns, map[string]any{"id": "n1"})
	require.NoError(t, err)

	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.UpsertColumn(ctx, tx, cat, rowPKs, "title", "hello", model.HLCString("0000000000000000001-0000000000-device-a")))
	require.NoError(t, tx.Commit())

	state, err := s.GetRowShadowState(ctx, cat, rowPKs)
	require.NoError(t, err)
	require.True(t, state.Exists)
	require.Equal(t, model.HLCString("0000000000000000001-0000000000-device-a"), state.ColumnHLC["title"])
}

func TestCompactExpiredTombstonesDeletesRowAndIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createNotesTable(t, s)

	cat, err := s.IntrospectTable(ctx, "notes")
	require.NoError(t, err)
	rowPKs, err := model.RowPKs(cat.PKColumns, map[string]any{"id": "n1"})
	require.NoError(t, err)

	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetTombstoneHLCTx(ctx, tx, cat, rowPKs, "ts"))
	require.NoError(t, tx.Commit())

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.MarkTombstoned(ctx, model.Tombstone{TableName: "notes", RowPKs: rowPKs, DeletedAtHLC: "ts", RecordedAt: old}))

	compacted, err := s.CompactExpiredTombstones(ctx, 24*time.Hour, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, compacted)

	tombstoned, _, err := s.IsTombstoned(ctx, "notes", rowPKs)
	require.NoError(t, err)
	require.False(t, tombstoned)
}

func TestInitialSyncCompleteDefaultsFalse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	complete, err := s.GetInitialSyncComplete(ctx)
	require.NoError(t, err)
	require.False(t, complete)

	require.NoError(t, s.SetInitialSyncComplete(ctx, true))
	complete, err = s.GetInitialSyncComplete(ctx)
	require.NoError(t, err)
	require.True(t, complete)
}
