package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

// UpsertBackend inserts or replaces a backend record by id. Credentials are
// expected to already be sealed by internal/cryptobox before
// reaching this layer; the store never sees a plaintext secret.
func (s *Store) UpsertBackend(ctx context.Context, b model.Backend) error {
	var lastPushHLC any
	if b.LastPushHLC != nil {
		lastPushHLC = string(*b.LastPushHLC)
	}
	var lastPullTS any
	if b.LastPullServerTS != nil {
		lastPullTS = b.LastPullServerTS.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backends (id, vault_id, server_url, email, encrypted_credentials, credentials_nonce, enabled, last_push_hlc, last_pull_server_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			server_url = excluded.server_url,
			email = excluded.email,
			encrypted_credentials = excluded.encrypted_credentials,
			credentials_nonce = excluded.credentials_nonce,
			enabled = excluded.enabled,
			last_push_hlc = excluded.last_push_hlc,
			last_pull_server_ts = excluded.last_pull_server_ts`,
		b.Id.String(), b.VaultId.String(), b.ServerURL, b.Email,
		b.EncryptedCredentials, b.CredentialsNonce, boolToInt(b.Enabled),
		lastPushHLC, lastPullTS, b.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: upsert backend %s: %w", b.Id, err)
	}
	return nil
}

// GetBackend loads a single backend by id.
func (s *Store) GetBackend(ctx context.Context, id model.BackendId) (*model.Backend, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, vault_id, server_url, email, encrypted_credentials, credentials_nonce, enabled, last_push_hlc, last_pull_server_ts, created_at
		FROM backends WHERE id = ?`, id.String())
	b, err := scanBackend(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: backend %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBackends returns every configured backend for the vault, regardless
// of enabled state.
func (s *Store) ListBackends(ctx context.Context) ([]model.Backend, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vault_id, server_url, email, encrypted_credentials, credentials_nonce, enabled, last_push_hlc, last_pull_server_ts, created_at
		FROM backends ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list backends: %w", err)
	}
	defer rows.Close()

	var out []model.Backend
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ListEnabledBackends returns only backends with Enabled = true, the set
// the push/pull pipelines iterate over.
func (s *Store) ListEnabledBackends(ctx context.Context) ([]model.Backend, error) {
	all, err := s.ListBackends(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Backend
	for _, b := range all {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out, nil
}

// SetBackendEnabled toggles whether a backend participates in sync.
func (s *Store) SetBackendEnabled(ctx context.Context, id model.BackendId, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE backends SET enabled = ? WHERE id = ?`, boolToInt(enabled), id.String())
	if err != nil {
		return fmt.Errorf("sqlite: set backend enabled %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: backend %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// DeleteBackend removes a backend record entirely.
func (s *Store) DeleteBackend(ctx context.Context, id model.BackendId) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backends WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("sqlite: delete backend %s: %w", id, err)
	}
	return nil
}

// UpdateBackendCursor advances a backend's push/pull progress markers after
// a successful round, so a restart resumes rather than re-syncing from
// scratch.
func (s *Store) UpdateBackendCursor(ctx context.Context, id model.BackendId, lastPushHLC *model.HLCString, lastPullServerTS *time.Time) error {
	if lastPushHLC != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE backends SET last_push_hlc = ? WHERE id = ?`, string(*lastPushHLC), id.String()); err != nil {
			return fmt.Errorf("sqlite: update backend %s push cursor: %w", id, err)
		}
	}
	if lastPullServerTS != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE backends SET last_pull_server_ts = ? WHERE id = ?`, lastPullServerTS.UTC().Format(time.RFC3339Nano), id.String()); err != nil {
			return fmt.Errorf("sqlite: update backend %s pull cursor: %w", id, err)
		}
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBackend(row scannable) (*model.Backend, error) {
	var (
		id, vaultId, serverURL, email, encCreds, credsNonce, createdAt string
		enabled                                                       int
		lastPushHLC, lastPullTS                                       sql.NullString
	)
	if err := row.Scan(&id, &vaultId, &serverURL, &email, &encCreds, &credsNonce, &enabled, &lastPushHLC, &lastPullTS, &createdAt); err != nil {
		return nil, err
	}

	b := &model.Backend{
		Id:                   model.BackendId(id),
		VaultId:              model.VaultId(vaultId),
		ServerURL:            serverURL,
		Email:                email,
		EncryptedCredentials: encCreds,
		CredentialsNonce:     credsNonce,
		Enabled:              enabled != 0,
	}

	createdTS, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: parse backend created_at: %w", err)
	}
	b.CreatedAt = createdTS

	if lastPushHLC.Valid {
		h := model.HLCString(lastPushHLC.String)
		b.LastPushHLC = &h
	}
	if lastPullTS.Valid {
		ts, err := time.Parse(time.RFC3339Nano, lastPullTS.String)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse backend last_pull_server_ts: %w", err)
		}
		b.LastPullServerTS = &ts
	}

	return b, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
