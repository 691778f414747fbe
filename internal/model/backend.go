package model

import "time"

// Backend is a configured relay endpoint plus its sync cursors.
//
// Invariant enforced by the store, not this struct: at most one Backend per
// (ServerURL, Email, VaultId) triple.
type Backend struct {
	Id      BackendId `validate:"required"`
	VaultId VaultId   `validate:"required"`

	ServerURL string `validate:"required,url"`
	Email     string `validate:"required,email"`

	// EncryptedCredentials and CredentialsNonce hold the bearer-token
	// material sealed under the vault key itself.
	EncryptedCredentials string
	CredentialsNonce     string

	Enabled bool

	// LastPushHLC is nil until the first successful push from this backend.
	LastPushHLC *HLCString
	// LastPullServerTS is nil until the first successful pull (or push
	// bootstrap, per DESIGN.md Open Question #1) sets it.
	LastPullServerTS *time.Time

	CreatedAt time.Time
}

// Disabled backends keep their cursors; only Enabled gates push/pull.
func (b *Backend) CanSync() bool {
	return b != nil && b.Enabled
}
