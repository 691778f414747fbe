// Package syncerrors defines the tagged error taxonomy the sync engine
// propagates to callers. Each variant is a distinct type so
// callers use errors.As to branch on taxonomy rather than string matching,
// following the pattern the teacher's internal/api/errors package uses for
// its APIError codes — minus the HTTP-status coupling, which has no place
// in an in-process engine API.
package syncerrors

import "fmt"

// NotAuthenticatedError is returned when a bearer token is unavailable or
// the relay rejected it. Surfaced to the UI for re-login.
type NotAuthenticatedError struct {
	Reason string
}

func (e *NotAuthenticatedError) Error() string {
	if e.Reason == "" {
		return "sync: not authenticated"
	}
	return fmt.Sprintf("sync: not authenticated: %s", e.Reason)
}

// VaultLockedError is returned when an operation needs the vault key but it
// is not currently held in memory.
type VaultLockedError struct {
	VaultId string
}

func (e *VaultLockedError) Error() string {
	return fmt.Sprintf("sync: vault %s is locked", e.VaultId)
}

// NetworkError wraps a transport-level failure. Retryable distinguishes
// transient conditions (timeouts, connection resets) worth retrying locally
// from permanent ones.
type NetworkError struct {
	Retryable bool
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("sync: network error (retryable=%v): %v", e.Retryable, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError wraps a non-2xx relay response. Cursors must never advance
// past a change the server rejected.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("sync: server error %d: %s", e.Status, e.Message)
}

// CryptoFailedError is returned when any column in a pulled page fails to
// decrypt. This aborts the entire apply transaction — there is no
// partial-apply path for a page containing a CryptoFailedError.
type CryptoFailedError struct {
	Table  string
	Column string
	Err    error
}

func (e *CryptoFailedError) Error() string {
	return fmt.Sprintf("sync: decryption failed for %s.%s: %v", e.Table, e.Column, e.Err)
}

func (e *CryptoFailedError) Unwrap() error { return e.Err }

// SchemaMismatchError represents an incoming change referencing a table or
// column the local schema does not have. This is never surfaced as an
// error to the UI — it is recovered transparently via
// pending-column quarantine — but the apply engine still needs a typed
// value internally to route the change there instead of failing the batch.
type SchemaMismatchError struct {
	Table  string
	Column string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("sync: unknown schema for %s.%s, quarantined", e.Table, e.Column)
}

// ConflictResolvedError represents an HLC-dominated drop: the incoming
// change's timestamp did not exceed the stored one. Internal only, never
// surfaced to the UI.
type ConflictResolvedError struct {
	Table, Column, RowPKs string
}

func (e *ConflictResolvedError) Error() string {
	return fmt.Sprintf("sync: change to %s.%s (row %s) superseded by a newer local value", e.Table, e.Column, e.RowPKs)
}

// BackendDisabledError is returned when an operation is attempted against a
// disabled backend. Programmer error: callers should check Backend.Enabled
// (or catch this) before invoking push/pull.
type BackendDisabledError struct {
	BackendId string
}

func (e *BackendDisabledError) Error() string {
	return fmt.Sprintf("sync: backend %s is disabled", e.BackendId)
}

// BackendUnknownError is returned when a BackendId does not resolve in the
// registry.
type BackendUnknownError struct {
	BackendId string
}

func (e *BackendUnknownError) Error() string {
	return fmt.Sprintf("sync: backend %s is unknown", e.BackendId)
}

// CancelledError represents a cooperative stop (StopSync, context
// cancellation) interrupting an in-flight operation before its next durable
// commit point.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("sync: %s cancelled", e.Op)
}
