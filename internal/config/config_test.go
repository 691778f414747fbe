package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VAULTSYNC_STORAGE_VAULT_PATH", "/tmp/vault.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Engine.TombstoneRetentionDays)
	assert.Equal(t, 300, cfg.Engine.ContinuousDebounceMs)
	assert.Equal(t, 3, cfg.Transport.MaxRetries)
	assert.True(t, cfg.Realtime.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Lock.Enabled)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := writeTempYAML(t, `
storage:
  vault_path: /home/user/.haex/vault.db
engine:
  continuous_debounce_ms: 750
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/home/user/.haex/vault.db", cfg.Storage.VaultPath)
	assert.Equal(t, 750, cfg.Engine.ContinuousDebounceMs)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeTempYAML(t, `
storage:
  vault_path: /from/file.db
`)
	t.Setenv("VAULTSYNC_STORAGE_VAULT_PATH", "/from/env.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env.db", cfg.Storage.VaultPath)
}

func TestLoadRejectsMissingVaultPath(t *testing.T) {
	_, err := Load("")
	require.Error(t, err, "storage.vault_path is required and has no default")
}

func TestLoadRejectsLockEnabledWithoutRedisURL(t *testing.T) {
	path := writeTempYAML(t, `
storage:
  vault_path: /tmp/vault.db
lock:
  enabled: true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadAcceptsLockEnabledWithRedisURL(t *testing.T) {
	path := writeTempYAML(t, `
storage:
  vault_path: /tmp/vault.db
lock:
  enabled: true
  redis_url: redis://localhost:6379/0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Lock.RedisURL)
}
