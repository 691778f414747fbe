// Package transport implements the relay wire contract: a retrying,
// rate-limited HTTP client carrying a bearer token obtained on demand.
// Grounded on the teacher's internal/core/resilience retry/backoff
// machinery, adapted from LLM/webhook call retries to sync HTTP calls, plus
// golang.org/x/time/rate (used server-side for inbound limiting in the
// teacher's internal/api/middleware/rate_limit.go) used here client-side to
// bound outbound push/pull request rate.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/pkg/syncerrors"
)

// TokenSource returns a currently-valid bearer token on demand. The engine
// does not issue or refresh tokens itself; it calls this
// once per request and surfaces NotAuthenticatedError if it fails.
type TokenSource func(ctx context.Context) (string, error)

// Config configures a Client.
type Config struct {
	BaseURL      string
	RequestTimeout time.Duration // default 30s
	RateLimit    rate.Limit     // requests per second; 0 disables limiting
	RateBurst    int
	Retry        RetryPolicy
}

// Client implements the relay wire contract over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
	retry      RetryPolicy
	logger     *slog.Logger
}

// New constructs a Client. tokens supplies the bearer token per request.
func New(cfg Config, tokens TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.BaseDelay == 0 {
		retry = DefaultRetryPolicy()
	}
	retry.Logger = logger

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		limiter:    limiter,
		retry:      retry,
		logger:     logger.With("component", "transport"),
	}
}

// Push implements POST /sync/push, retrying on transient network failure
// but never on a non-2xx server response: on HTTP error, fail fast and do
// not advance cursors.
func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	var resp PushResponse
	err := WithRetry(ctx, c.retry, func(err error) bool {
		if ne, ok := err.(*syncerrors.NetworkError); ok {
			if _, isServer := ne.Err.(*syncerrors.ServerError); isServer {
				return false
			}
		}
		return isRetryable(err)
	}, func() error {
		return c.doJSON(ctx, http.MethodPost, "/sync/push", req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull implements GET /sync/pull for a single page.
func (c *Client) Pull(ctx context.Context, vaultId model.VaultId, cursor PullCursor) (*PullPage, error) {
	q := url.Values{}
	q.Set("vaultId", vaultId.String())
	if cursor.AfterUpdatedAt != nil {
		q.Set("afterUpdatedAt", cursor.AfterUpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	if cursor.AfterTableName != "" {
		q.Set("afterTableName", cursor.AfterTableName)
	}
	if cursor.AfterRowPKs != "" {
		q.Set("afterRowPks", cursor.AfterRowPKs)
	}
	limit := cursor.Limit
	if limit <= 0 {
		limit = DefaultPullPageLimit
	}
	q.Set("limit", strconv.Itoa(limit))

	var page PullPage
	err := c.withRetry(ctx, func() error {
		return c.doJSON(ctx, http.MethodGet, "/sync/pull?"+q.Encode(), nil, &page)
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// PullColumns implements POST /sync/pull-columns, used by pending-column
// catch-up.
func (c *Client) PullColumns(ctx context.Context, req PullColumnsRequest) (*PullPage, error) {
	body := struct {
		VaultId        model.VaultId    `json:"vaultId"`
		Columns        []ColumnSelector `json:"columns"`
		Limit          int              `json:"limit"`
		AfterTableName string           `json:"afterTableName,omitempty"`
		AfterRowPKs    string           `json:"afterRowPks,omitempty"`
	}{
		VaultId:        req.VaultId,
		Columns:        req.Columns,
		Limit:          req.Limit,
		AfterTableName: req.Cursor.AfterTableName,
		AfterRowPKs:    req.Cursor.AfterRowPKs,
	}

	var page PullPage
	err := c.withRetry(ctx, func() error {
		return c.doJSON(ctx, http.MethodPost, "/sync/pull-columns", body, &page)
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// ListVaults implements GET /sync/vaults.
func (c *Client) ListVaults(ctx context.Context) ([]VaultSummary, error) {
	var vaults []VaultSummary
	err := c.withRetry(ctx, func() error {
		return c.doJSON(ctx, http.MethodGet, "/sync/vaults", nil, &vaults)
	})
	if err != nil {
		return nil, err
	}
	return vaults, nil
}

func (c *Client) withRetry(ctx context.Context, op func() error) error {
	return WithRetry(ctx, c.retry, isRetryable, op)
}

func isRetryable(err error) bool {
	var netErr *syncerrors.NetworkError
	if e, ok := err.(*syncerrors.NetworkError); ok {
		netErr = e
		return netErr.Retryable
	}
	return false
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &syncerrors.CancelledError{Op: "transport.rate_limit_wait"}
		}
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.tokens(ctx)
	if err != nil {
		return &syncerrors.NotAuthenticatedError{Reason: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &syncerrors.NetworkError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &syncerrors.NetworkError{Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &syncerrors.NotAuthenticatedError{Reason: string(respBody)}
	case resp.StatusCode >= 500:
		return &syncerrors.NetworkError{Retryable: true, Err: &syncerrors.ServerError{Status: resp.StatusCode, Message: string(respBody)}}
	case resp.StatusCode >= 400:
		return &syncerrors.ServerError{Status: resp.StatusCode, Message: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}
