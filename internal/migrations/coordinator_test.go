package migrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/internal/storage/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcessPullBatchAppliesExtensionAndDataChanges(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.DB().Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	require.NoError(t, store.EnsureCRDTTable(ctx, "notes", []string{"title"}))

	var applied []model.ColumnChange
	coord := New(store, func(_ context.Context, changes []model.ColumnChange) error {
		applied = append(applied, changes...)
		return nil
	}, nil)

	err = coord.ProcessPullBatch(ctx, []model.ColumnChange{
		{TableName: "notes", RowPKs: `{"id":"n1"}`, ColumnName: "title"},
		{TableName: extensionMigrationsTable, RowPKs: `{"extension_id":"ext-a","version":"1"}`, ColumnName: "sql_text"},
	})
	require.NoError(t, err)
	require.Len(t, applied, 2, "the extension row and the data row each go through apply, in separate calls")
}

func TestProcessPullBatchSkipsMissingTableGracefully(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	var applyCalled bool
	coord := New(store, func(_ context.Context, _ []model.ColumnChange) error {
		applyCalled = true
		return nil
	}, nil)

	err := coord.ProcessPullBatch(ctx, []model.ColumnChange{
		{TableName: "not_created_yet", RowPKs: `{"id":"1"}`, ColumnName: "x"},
	})
	require.NoError(t, err)
	require.True(t, applyCalled, "apply still runs so it can quarantine the change as pending")
}

func TestProcessPullBatchRunsCatchUpHook(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	var caughtUp bool
	coord := New(store, func(context.Context, []model.ColumnChange) error { return nil }, nil,
		WithCatchUp(func(context.Context) error { caughtUp = true; return nil }))

	require.NoError(t, coord.ProcessPullBatch(ctx, nil))
	require.True(t, caughtUp)
}

func TestProcessPullBatchRunsNewlyDeliveredMigrationSQL(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.DB().Exec(
		`INSERT INTO haex_extension_migrations (extension_id, version, sql_text, description) VALUES (?, ?, ?, ?)`,
		"ext-a", 1, `CREATE TABLE widgets (id TEXT PRIMARY KEY, label TEXT)`, "create widgets")
	require.NoError(t, err)

	coord := New(store, func(context.Context, []model.ColumnChange) error { return nil }, nil)
	require.NoError(t, coord.ProcessPullBatch(ctx, nil))

	_, err = store.DB().Exec(`INSERT INTO widgets (id, label) VALUES ('w1', 'x')`)
	require.NoError(t, err, "migration sql must have run and created the table")

	pending, err := store.ListUnappliedExtensionMigrations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending, "applied migration must not be reported as pending again")
}

func TestProcessPullBatchDoesNotRerunAppliedMigration(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.DB().Exec(
		`INSERT INTO haex_extension_migrations (extension_id, version, sql_text, description) VALUES (?, ?, ?, ?)`,
		"ext-a", 1, `CREATE TABLE widgets (id TEXT PRIMARY KEY)`, "create widgets")
	require.NoError(t, err)

	coord := New(store, func(context.Context, []model.ColumnChange) error { return nil }, nil)
	require.NoError(t, coord.ProcessPullBatch(ctx, nil))
	require.NoError(t, coord.ProcessPullBatch(ctx, nil), "running the same migration row again must not re-execute its SQL")
}

func TestPartitionSeparatesExtensionAndDataChanges(t *testing.T) {
	extensionChanges, dataChanges := partition([]model.ColumnChange{
		{TableName: extensionsTable},
		{TableName: extensionMigrationsTable},
		{TableName: "notes"},
		{TableName: "notes"},
	})
	require.Len(t, extensionChanges, 2)
	require.Len(t, dataChanges, 2)
}
