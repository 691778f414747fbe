// Package realtime implements a per-backend websocket listener that
// subscribes to the relay's notification channel and schedules a debounced
// pull on any remote write. It never applies payloads itself — it is a
// liveness hint only.
//
// Grounded on the teacher's cmd/server/handlers/silence_ws.go WebSocketHub,
// used the other direction here: a client Dialer rather than an Upgrader,
// since the engine subscribes to the relay rather than serving subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haex-space/haex-vault-sync/internal/metrics"
	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/internal/transport"
	"github.com/haex-space/haex-vault-sync/pkg/syncerrors"
)

// Debounce is the coalescing window between a remote-write notification and
// the pull it triggers.
const Debounce = 500 * time.Millisecond

// PullFunc triggers a pull for backend, as internal/pull.Pipeline.PullAll
// would for a single backend.
type PullFunc func(ctx context.Context, backend model.Backend) error

// FallbackFunc is invoked once the reconnect budget is exhausted, so the
// orchestrator can lean entirely on the periodic fallback-pull timer.
type FallbackFunc func(backend model.Backend)

// TokenSource mirrors transport.TokenSource, kept separate to avoid an
// import a websocket dial doesn't otherwise need.
type TokenSource func(ctx context.Context) (string, error)

// Dialer opens the websocket connection for backend. The default
// implementation (DefaultDialer) derives the URL from backend.ServerURL;
// tests substitute their own to point at an httptest server.
type Dialer func(ctx context.Context, backend model.Backend, token string) (*websocket.Conn, error)

// Subscription runs one backend's realtime listener for the lifetime of a
// context; the caller (orchestrator) starts one per enabled backend.
type Subscription struct {
	backend  model.Backend
	selfID   model.DeviceId
	dial     Dialer
	tokens   TokenSource
	pull     PullFunc
	fallback FallbackFunc
	metrics  *metrics.Registry
	logger   *slog.Logger
	policy   transport.RetryPolicy

	mu    sync.Mutex
	timer *time.Timer
}

// New constructs a Subscription for backend.
func New(backend model.Backend, selfID model.DeviceId, dial Dialer, tokens TokenSource, pull PullFunc, fallback FallbackFunc, reg *metrics.Registry, logger *slog.Logger) *Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = DefaultDialer
	}
	return &Subscription{
		backend:  backend,
		selfID:   selfID,
		dial:     dial,
		tokens:   tokens,
		pull:     pull,
		fallback: fallback,
		metrics:  reg,
		logger:   logger.With("component", "realtime", "backend", backend.Id),
		policy:   transport.RealtimeReconnectPolicy(),
	}
}

// Run blocks until ctx is cancelled or the reconnect budget is exhausted. On
// exhaustion it invokes fallback exactly once and returns; it never retries
// again afterward, falling back permanently to the periodic pull timer.
func (s *Subscription) Run(ctx context.Context) {
	err := transport.WithRetry(ctx, s.policy, func(error) bool { return ctx.Err() == nil }, func() error {
		return s.connectAndListen(ctx)
	})
	if err == nil || ctx.Err() != nil {
		return
	}
	s.logger.Warn("realtime reconnect budget exhausted, falling back to periodic pull")
	if s.fallback != nil {
		s.fallback(s.backend)
	}
}

// Stop cancels any pending debounced pull. The caller is expected to cancel
// Run's context separately to tear down the connection.
func (s *Subscription) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Subscription) connectAndListen(ctx context.Context) error {
	token, err := s.tokens(ctx)
	if err != nil {
		return &syncerrors.NotAuthenticatedError{Reason: err.Error()}
	}

	conn, err := s.dial(ctx, s.backend, token)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RealtimeReconnect.Inc()
		}
		return &syncerrors.NetworkError{Retryable: true, Err: err}
	}
	defer conn.Close()

	s.logger.Info("realtime subscription established")
	return s.readLoop(ctx, conn)
}

func (s *Subscription) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return &syncerrors.NetworkError{Retryable: true, Err: err}
		}

		var note transport.RealtimeNotification
		if err := json.Unmarshal(data, &note); err != nil {
			s.logger.Warn("dropping malformed realtime notification", "error", err)
			continue
		}
		if note.DeviceId == s.selfID {
			continue
		}
		s.scheduleDebouncedPull(ctx)
	}
}

func (s *Subscription) scheduleDebouncedPull(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(Debounce, func() {
		if err := s.pull(ctx, s.backend); err != nil {
			s.logger.Warn("realtime-triggered pull failed", "error", err)
		}
	})
}

// DefaultDialer dials the relay's per-vault notification channel at
// <ws(s)>://<host>/sync/ws?vaultId=..., carrying the bearer token the same
// way transport.Client does over HTTP.
func DefaultDialer(ctx context.Context, backend model.Backend, token string) (*websocket.Conn, error) {
	u, err := url.Parse(backend.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sync/ws"
	q := u.Query()
	q.Set("vaultId", backend.VaultId.String())
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
