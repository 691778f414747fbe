package scanner

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
		k[i] = byte(i)
	}
	return k
}

func TestScanTableEmitsEncryptedColumnChanges(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.DB().Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	require.NoError(t, store.EnsureCRDTTable(ctx, "notes", []string{"title"}))
	_, err = store.DB().Exec(`INSERT INTO notes (id, title, title__hlc) VALUES (?, ?, ?)`, "n1", "hello", "0000000000000000001-0000000000-device-a")
	require.NoError(t, err)

	sc := New(store.DB(), store, testKey(t), nil)
	changes, err := sc.ScanTable(ctx, "notes", model.DeviceId("device-a"), model.HLCString(""))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "title", changes[0].ColumnName)
	require.NotEmpty(t, changes[0].EncryptedValue)
	require.NotEmpty(t, changes[0].Nonce)
	require.Equal(t, 1, changes[0].BatchTotal)
}

func TestScanTableSkipsUnwrittenColumns(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.DB().Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, title TEXT, body TEXT)`)
	require.NoError(t, err)
	require.NoError(t, store.EnsureCRDTTable(ctx, "notes", []string{"title", "body"}))
	_, err = store.DB().Exec(`INSERT INTO notes (id, title, title__hlc) VALUES (?, ?, ?)`, "n1", "hello", "0000000000000000001-0000000000-device-a")
	require.NoError(t, err)

	sc := New(store.DB(), store, testKey(t), nil)
	changes, err := sc.ScanTable(ctx, "notes", model.DeviceId("device-a"), model.HLCString(""))
	require.NoError(t, err)
	require.Len(t, changes, 1, "body was never written, should not appear")
}

func TestScanTableEmitsTombstoneInsteadOfColumns(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.DB().Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	require.NoError(t, store.EnsureCRDTTable(ctx, "notes", []string{"title"}))
	_, err = store.DB().Exec(`INSERT INTO notes (id, title, title__hlc, "__tombstone__hlc") VALUES (?, ?, ?, ?)`,
		"n1", nil, "0000000000000000001-0000000000-device-a", "0000000000000000002-0000000000-device-a")
	require.NoError(t, err)

	sc := New(store.DB(), store, testKey(t), nil)
	changes, err := sc.ScanTable(ctx, "notes", model.DeviceId("device-a"), model.HLCString(""))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, model.TombstoneColumn, changes[0].ColumnName)
}

func TestScanTableOnlyEmitsColumnsNewerThanCursor(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.DB().Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, title TEXT, body TEXT)`)
	require.NoError(t, err)
	require.NoError(t, store.EnsureCRDTTable(ctx, "notes", []string{"title", "body"}))
	_, err = store.DB().Exec(`INSERT INTO notes (id, title, title__hlc, body, body__hlc) VALUES (?, ?, ?, ?, ?)`,
		"n1", "hello", "0000000000000000001-0000000000-device-a", "world", "0000000000000000003-0000000000-device-a")
	require.NoError(t, err)

	sc := New(store.DB(), store, testKey(t), nil)
	changes, err := sc.ScanTable(ctx, "notes", model.DeviceId("device-a"), model.HLCString("0000000000000000002-0000000000-device-a"))
	require.NoError(t, err)
	require.Len(t, changes, 1, "only body was written after the cursor")
	require.Equal(t, "body", changes[0].ColumnName)
}

func TestScanTableWithCursorPastEveryColumnEmitsNoRows(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.DB().Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	require.NoError(t, store.EnsureCRDTTable(ctx, "notes", []string{"title"}))
	_, err = store.DB().Exec(`INSERT INTO notes (id, title, title__hlc) VALUES (?, ?, ?)`, "n1", "hello", "0000000000000000001-0000000000-device-a")
	require.NoError(t, err)

	sc := New(store.DB(), store, testKey(t), nil)
	changes, err := sc.ScanTable(ctx, "notes", model.DeviceId("device-a"), model.HLCString("0000000000000000009-0000000000-device-a"))
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestAssignBatchesSplitsAtMaxBatchColumns(t *testing.T) {
	changes := make([]model.ColumnChange, MaxBatchColumns+1)
	out := assignBatches(changes)
	require.Equal(t, 1, out[0].BatchSeq)
	require.Equal(t, MaxBatchColumns, out[0].BatchTotal)
	require.Equal(t, 1, out[MaxBatchColumns].BatchSeq, "second batch restarts sequence numbering")
	require.NotEqual(t, out[0].BatchId, out[MaxBatchColumns].BatchId)
}
