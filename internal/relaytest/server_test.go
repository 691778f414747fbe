package relaytest

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/internal/transport"
)

func newTestClient(t *testing.T, srv *Server) *transport.Client {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return transport.New(transport.Config{BaseURL: ts.URL}, func(context.Context) (string, error) { return "test-token", nil }, nil)
}

func TestPushThenPullRoundTrips(t *testing.T) {
	srv := New()
	client := newTestClient(t, srv)
	vaultId := model.VaultId("v1")

	_, err := client.Push(context.Background(), transport.PushRequest{
		VaultId: vaultId,
		Changes: []model.ColumnChange{{TableName: "notes", RowPKs: `{"id":"n1"}`, ColumnName: "title", HLC: "x"}},
	})
	require.NoError(t, err)

	page, err := client.Pull(context.Background(), vaultId, transport.PullCursor{})
	require.NoError(t, err)
	require.Len(t, page.Changes, 1)
	require.Equal(t, "notes", page.Changes[0].TableName)
}

func TestUnauthorizedWithWrongToken(t *testing.T) {
	srv := New()
	srv.Token = "expected"
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := transport.New(transport.Config{BaseURL: ts.URL, Retry: transport.RetryPolicy{}}, func(context.Context) (string, error) { return "wrong-token", nil }, nil)
	_, err := client.Pull(context.Background(), "v1", transport.PullCursor{})
	require.Error(t, err)
}
