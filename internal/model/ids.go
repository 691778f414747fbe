// Package model defines the value types shared across the sync engine:
// vault/device/backend identifiers, column changes, tombstones, and the
// canonical encoding rules rows are keyed by.
package model

import (
	"github.com/google/uuid"
)

// VaultId identifies an isolated, independently-synced data set.
type VaultId string

// DeviceId identifies a stable device, persisted outside the vault file.
type DeviceId string

// BackendId identifies a configured relay endpoint.
type BackendId string

// NewVaultId generates a fresh random VaultId.
func NewVaultId() VaultId {
	return VaultId(uuid.New().String())
}

// NewDeviceId generates a fresh random DeviceId.
func NewDeviceId() DeviceId {
	return DeviceId(uuid.New().String())
}

// NewBackendId generates a fresh random BackendId.
func NewBackendId() BackendId {
	return BackendId(uuid.New().String())
}

// NewBatchId generates a fresh random push batch id.
func NewBatchId() string {
	return uuid.New().String()
}

func (v VaultId) String() string   { return string(v) }
func (d DeviceId) String() string  { return string(d) }
func (b BackendId) String() string { return string(b) }
