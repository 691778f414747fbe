package apply

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haex-space/haex-vault-sync/internal/cryptobox"
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

func testKey(t *testing.T) cryptobox.VaultKey {
	t.Helper()
	var k cryptobox.VaultKey
	for i := range k {
		k[i] = byte(i + 1)
	}
	return k
}

func seal(t *testing.T, key cryptobox.VaultKey, table, col string, value any) (string, string) {
	t.Helper()
	ct, nonce, err := cryptobox.Seal(key, table, col, value)
	require.NoError(t, err)
	return ct, nonce
}

func setupNotes(t *testing.T, store *sqlite.Store) {
	t.Helper()
	_, err := store.DB().Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, title TEXT, body TEXT)`)
	require.NoError(t, err)
	require.NoError(t, store.EnsureCRDTTable(context.Background(), "notes", []string{"title", "body"}))
}

func readTitle(t *testing.T, store *sqlite.Store, id string) *string {
	t.Helper()
	var title *string
	row := store.DB().QueryRow(`SELECT title FROM notes WHERE id = ?`, id)
	err := row.Scan(&title)
	if err != nil {
		return nil
	}
	return title
}

func TestApplyInsertsNewRow(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	setupNotes(t, store)
	key := testKey(t)
	eng := New(store, key, nil, nil, nil, nil, nil)

	ct, nonce := seal(t, key, "notes", "title", "hello")
	rowPKs, err := model.RowPKs([]string{"id"}, map[string]any{"id": "n1"})
	require.NoError(t, err)

	err = eng.Apply(ctx, []model.ColumnChange{{
		TableName: "notes", RowPKs: rowPKs, ColumnName: "title",
		HLC: "0000000000000000001-0000000000-device-a", EncryptedValue: ct, Nonce: nonce,
	}})
	require.NoError(t, err)

	title := readTitle(t, store, "n1")
	require.NotNil(t, title)
	require.Equal(t, "hello", *title)
}

func TestApplyDropsStaleWrite(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	setupNotes(t, store)
	key := testKey(t)
	eng := New(store, key, nil, nil, nil, nil, nil)

	rowPKs, err := model.RowPKs([]string{"id"}, map[string]any{"id": "n1"})
	require.NoError(t, err)

	ct1, n1 := seal(t, key, "notes", "title", "second")
	require.NoError(t, eng.Apply(ctx, []model.ColumnChange{{
		TableName: "notes", RowPKs: rowPKs, ColumnName: "title",
		HLC: "0000000000000000002-0000000000-device-a", EncryptedValue: ct1, Nonce: n1,
	}}))

	ct2, n2 := seal(t, key, "notes", "title", "stale")
	require.NoError(t, eng.Apply(ctx, []model.ColumnChange{{
		TableName: "notes", RowPKs: rowPKs, ColumnName: "title",
		HLC: "0000000000000000001-0000000000-device-a", EncryptedValue: ct2, Nonce: n2,
	}}))

	title := readTitle(t, store, "n1")
	require.Equal(t, "second", *title)
}

func TestApplyTombstoneNullsColumnsAndSuppressesReplay(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	setupNotes(t, store)
	key := testKey(t)
	eng := New(store, key, nil, nil, nil, nil, nil)

	rowPKs, err := model.RowPKs([]string{"id"}, map[string]any{"id": "n1"})
	require.NoError(t, err)

	ct, nonce := seal(t, key, "notes", "title", "hello")
	require.NoError(t, eng.Apply(ctx, []model.ColumnChange{{
		TableName: "notes", RowPKs: rowPKs, ColumnName: "title",
		HLC: "0000000000000000001-0000000000-device-a", EncryptedValue: ct, Nonce: nonce,
	}}))

	require.NoError(t, eng.Apply(ctx, []model.ColumnChange{{
		TableName: "notes", RowPKs: rowPKs, ColumnName: model.TombstoneColumn,
		HLC: "0000000000000000002-0000000000-device-a",
	}}))
	require.Nil(t, readTitle(t, store, "n1"))

	staleCt, staleNonce := seal(t, key, "notes", "title", "resurrected")
	require.NoError(t, eng.Apply(ctx, []model.ColumnChange{{
		TableName: "notes", RowPKs: rowPKs, ColumnName: "title",
		HLC: "0000000000000000001-0000000000-device-b", EncryptedValue: staleCt, Nonce: staleNonce,
	}}))
	require.Nil(t, readTitle(t, store, "n1"), "stale insert after tombstone must not resurrect the row")
}

func TestApplyQuarantinesUnknownColumn(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	setupNotes(t, store)
	eng := New(store, testKey(t), nil, nil, nil, nil, nil)

	rowPKs, err := model.RowPKs([]string{"id"}, map[string]any{"id": "n1"})
	require.NoError(t, err)

	require.NoError(t, eng.Apply(ctx, []model.ColumnChange{{
		TableName: "notes", RowPKs: rowPKs, ColumnName: "tags",
		HLC: "0000000000000000001-0000000000-device-a",
	}}))

	pending, err := store.ListPendingColumns(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "tags", pending[0].ColumnName)
}

func TestApplyQuarantinesUnknownTable(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	eng := New(store, testKey(t), nil, nil, nil, nil, nil)

	require.NoError(t, eng.Apply(ctx, []model.ColumnChange{{
		TableName: "folders", RowPKs: `{"id":"f1"}`, ColumnName: "name",
		HLC: "0000000000000000001-0000000000-device-a",
	}}))

	pending, err := store.ListPendingColumns(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "folders", pending[0].TableName)
}
