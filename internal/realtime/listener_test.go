package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/internal/transport"
)

type fakeRelay struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
}

func (f *fakeRelay) broadcast(t *testing.T, note transport.RealtimeNotification) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(note)
	require.NoError(t, err)
	for _, c := range f.conns {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
	}
}

func dialerFor(wsURL string) Dialer {
	return func(ctx context.Context, backend model.Backend, token string) (*websocket.Conn, error) {
		u := strings.Replace(wsURL, "http://", "ws://", 1)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
		return conn, err
	}
}

func TestSubscriptionTriggersPullOnRemoteEvent(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay)
	defer srv.Close()

	backend := model.Backend{Id: "b1", VaultId: "v1", ServerURL: srv.URL, Enabled: true}

	var pullCount int32
	pullDone := make(chan struct{}, 1)
	pull := func(ctx context.Context, b model.Backend) error {
		atomic.AddInt32(&pullCount, 1)
		select {
		case pullDone <- struct{}{}:
		default:
		}
		return nil
	}

	sub := New(backend, "self-device", dialerFor(srv.URL), func(context.Context) (string, error) { return "tok", nil }, pull, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	// Wait for the connection to register.
	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return len(relay.conns) == 1
	}, time.Second, 10*time.Millisecond)

	relay.broadcast(t, transport.RealtimeNotification{VaultId: "v1", Table: "notes", Op: "update", DeviceId: "other-device"})

	select {
	case <-pullDone:
	case <-time.After(2 * time.Second):
		t.Fatal("expected debounced pull to fire")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&pullCount))
}

func TestSubscriptionDropsSelfOriginatedEvent(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay)
	defer srv.Close()

	backend := model.Backend{Id: "b1", VaultId: "v1", ServerURL: srv.URL, Enabled: true}

	var pullCount int32
	pull := func(ctx context.Context, b model.Backend) error {
		atomic.AddInt32(&pullCount, 1)
		return nil
	}

	sub := New(backend, "self-device", dialerFor(srv.URL), func(context.Context) (string, error) { return "tok", nil }, pull, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return len(relay.conns) == 1
	}, time.Second, 10*time.Millisecond)

	relay.broadcast(t, transport.RealtimeNotification{VaultId: "v1", Table: "notes", Op: "update", DeviceId: "self-device"})

	time.Sleep(Debounce + 200*time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&pullCount))
}

func TestSubscriptionFallsBackAfterReconnectBudgetExhausted(t *testing.T) {
	backend := model.Backend{Id: "b1", VaultId: "v1", ServerURL: "http://127.0.0.1:1", Enabled: true}

	var fellBack int32
	sub := New(backend, "self-device", func(ctx context.Context, b model.Backend, token string) (*websocket.Conn, error) {
		return nil, context.DeadlineExceeded
	}, func(context.Context) (string, error) { return "tok", nil }, func(context.Context, model.Backend) error { return nil },
		func(model.Backend) { atomic.AddInt32(&fellBack, 1) }, nil, nil)
	sub.policy = transport.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	sub.Run(context.Background())
	require.Equal(t, int32(1), atomic.LoadInt32(&fellBack))
}
