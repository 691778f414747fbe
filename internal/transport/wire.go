package transport

import (
	"time"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

// PushRequest is the POST /sync/push body.
type PushRequest struct {
	VaultId model.VaultId        `json:"vaultId"`
	Changes []model.ColumnChange `json:"changes"`
}

// PushResponse is the POST /sync/push response.
type PushResponse struct {
	ServerTimestamp time.Time `json:"serverTimestamp"`
	Accepted        int       `json:"accepted"`
}

// PullPage is the GET /sync/pull (and POST /sync/pull-columns)
// response shape: one page of changes plus the cursor to request the next.
type PullPage struct {
	Changes         []model.ColumnChange `json:"changes"`
	HasMore         bool                  `json:"hasMore"`
	ServerTimestamp time.Time             `json:"serverTimestamp"`
	LastTableName   string                `json:"lastTableName"`
	LastRowPKs      string                `json:"lastRowPks"`
}

// PullCursor identifies where a paginated pull should resume: the "after"
// triple ensures stable pagination under concurrent server writes.
type PullCursor struct {
	AfterUpdatedAt *time.Time
	AfterTableName string
	AfterRowPKs    string
	Limit          int
}

// PullColumnsRequest is the POST /sync/pull-columns body, used by the
// apply engine's pending-column catch-up.
type PullColumnsRequest struct {
	VaultId model.VaultId    `json:"vaultId"`
	Columns []ColumnSelector `json:"columns"`
	Limit   int              `json:"limit"`
	Cursor  PullCursor       `json:"-"`
}

// ColumnSelector names one (table, column) pair to catch up on.
type ColumnSelector struct {
	TableName  string `json:"tableName"`
	ColumnName string `json:"columnName"`
}

// VaultSummary is one entry of the GET /sync/vaults response.
type VaultSummary struct {
	VaultId              model.VaultId `json:"vaultId"`
	EncryptedVaultName   string        `json:"encryptedVaultName"`
	VaultNameNonce       string        `json:"vaultNameNonce"`
	VaultNameSalt        string        `json:"vaultNameSalt"`
	CreatedAt            time.Time     `json:"createdAt"`
}

const DefaultPullPageLimit = 1000

// RealtimeNotification is one message on the relay's per-vault notification
// channel: a liveness hint only, never a payload to apply.
type RealtimeNotification struct {
	VaultId  model.VaultId    `json:"vaultId"`
	Table    string           `json:"table"`
	Op       string           `json:"op"` // "insert" | "update"
	DeviceId model.DeviceId   `json:"deviceId"`
}
