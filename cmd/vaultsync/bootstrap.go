package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/haex-space/haex-vault-sync/engine"
	"github.com/haex-space/haex-vault-sync/internal/config"
	"github.com/haex-space/haex-vault-sync/internal/cryptobox"
	"github.com/haex-space/haex-vault-sync/internal/model"
)

// openEngine wires an Engine from a config file plus the two pieces a
// debug CLI invocation can't derive from config: the vault key (hex in
// VAULTSYNC_VAULT_KEY — the CLI is a local debug tool, not the vault's
// real unlock path) and a static bearer token (VAULTSYNC_BEARER_TOKEN)
// used for every backend, since the CLI has no login flow of its own.
func openEngine(ctx context.Context, configPath string) (*engine.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("vaultsync: load config: %w", err)
	}

	key, err := vaultKeyFromEnv()
	if err != nil {
		return nil, err
	}

	token := os.Getenv("VAULTSYNC_BEARER_TOKEN")

	return engine.Open(ctx, cfg, engine.Deps{
		Key:      key,
		DeviceID: model.DeviceId(envOrDefault("VAULTSYNC_DEVICE_ID", "vaultsync-cli")),
		TokenForBackend: func(ctx context.Context, b model.Backend) (string, error) {
			if token == "" {
				return "", fmt.Errorf("vaultsync: VAULTSYNC_BEARER_TOKEN is not set")
			}
			return token, nil
		},
	})
}

func vaultKeyFromEnv() (cryptobox.VaultKey, error) {
	var key cryptobox.VaultKey
	raw := os.Getenv("VAULTSYNC_VAULT_KEY")
	if raw == "" {
		return key, fmt.Errorf("vaultsync: VAULTSYNC_VAULT_KEY is not set (expected %d hex bytes)", cryptobox.KeySize)
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return key, fmt.Errorf("vaultsync: decode VAULTSYNC_VAULT_KEY: %w", err)
	}
	if len(decoded) != cryptobox.KeySize {
		return key, fmt.Errorf("vaultsync: VAULTSYNC_VAULT_KEY must be %d bytes, got %d", cryptobox.KeySize, len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

func envOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
