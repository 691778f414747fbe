// Package config loads engine configuration with spf13/viper: defaults,
// an optional YAML file, then VAULTSYNC_-prefixed environment overrides,
// validated with go-playground/validator/v10.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the root engine configuration.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Transport TransportConfig `mapstructure:"transport"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Log       LogConfig       `mapstructure:"log"`
	Lock      LockConfig      `mapstructure:"lock"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// EngineConfig holds cross-cutting sync tunables not tied to one backend.
// Load fills and validates them, but engine.Open and the orchestrator do not
// read them: the orchestrator falls back to its own defaults (300 ms
// debounce, 5 min periodic pull, 30 days' tombstone retention) until a vault
// sets its own values in vault_settings.
type EngineConfig struct {
	// DeviceID persists outside the vault file: the HLC node_id is stable
	// per device, not per vault. Nothing in this package mints an id when
	// it is left empty.
	DeviceID string `mapstructure:"device_id"`

	TombstoneRetentionDays int `mapstructure:"tombstone_retention_days" validate:"min=1"`

	// ContinuousDebounceMs and PeriodicIntervalMs mirror the vault_settings
	// keys of the same names.
	ContinuousDebounceMs int `mapstructure:"continuous_debounce_ms" validate:"min=1"`
	PeriodicIntervalMs   int `mapstructure:"periodic_interval_ms" validate:"min=1"`
}

// StorageConfig points at the local embedded vault database.
type StorageConfig struct {
	// VaultPath is the modernc.org/sqlite DSN, e.g. "/home/user/.haex/vault.db"
	// or ":memory:" for tests.
	VaultPath string `mapstructure:"vault_path" validate:"required"`
}

// TransportConfig configures the relay HTTP client (internal/transport).
type TransportConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=0"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=0"`
	BaseDelay      time.Duration `mapstructure:"base_delay" validate:"min=0"`
	MaxDelay       time.Duration `mapstructure:"max_delay" validate:"min=0"`

	// RateLimitRPS/RateLimitBurst drive a golang.org/x/time/rate.Limiter the
	// transport client applies client-side, independent of any server-side
	// limit the relay enforces: a token bucket ahead of the request so a
	// slow relay never sees a retry storm.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps" validate:"min=0"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst" validate:"min=0"`
}

// RealtimeConfig holds settings for the websocket notification listener
// (C9). Load fills and validates them; the listener does not read them and
// uses transport.RealtimeReconnectPolicy and realtime.Debounce instead.
type RealtimeConfig struct {
	Enabled bool `mapstructure:"enabled"`

	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay" validate:"min=0"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay" validate:"min=0"`
	ReconnectMaxTries  int           `mapstructure:"reconnect_max_tries" validate:"min=0"`

	DebounceMs int `mapstructure:"debounce_ms" validate:"min=0"`
}

// LogConfig configures log/slog output, following the teacher's
// pkg/logger shape (level/format/output plus lumberjack rotation fields).
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	Output     string `mapstructure:"output" validate:"oneof=stdout stderr file"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=1"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"min=0"`
	Compress   bool   `mapstructure:"compress"`
}

// LockConfig configures the optional Redis-backed distributed backend lock
// (internal/backendstate.DistributedLock), disabled by default since most
// deployments are a single process per vault file.
type LockConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	RedisURL string `mapstructure:"redis_url" validate:"required_if=Enabled true"`

	TTL            time.Duration `mapstructure:"ttl" validate:"min=0"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" validate:"min=0"`
	RetryInterval  time.Duration `mapstructure:"retry_interval" validate:"min=0"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=0"`
}

// MetricsConfig holds settings for an optional Prometheus exposition
// endpoint. Load fills and validates them; no command of cmd/vaultsync reads
// them, and the engine starts no metrics listener of its own.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Path    string `mapstructure:"path"`
}

var validate = validator.New()

// Load reads defaults, then configPath if non-empty, then VAULTSYNC_*
// environment variables, in that order of increasing precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("vaultsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.tombstone_retention_days", 30)
	v.SetDefault("engine.continuous_debounce_ms", 300)
	v.SetDefault("engine.periodic_interval_ms", 30000)

	v.SetDefault("storage.vault_path", "")

	v.SetDefault("transport.request_timeout", "30s")
	v.SetDefault("transport.max_retries", 3)
	v.SetDefault("transport.base_delay", "250ms")
	v.SetDefault("transport.max_delay", "5s")
	v.SetDefault("transport.rate_limit_rps", 10.0)
	v.SetDefault("transport.rate_limit_burst", 20)

	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.reconnect_base_delay", "5s")
	v.SetDefault("realtime.reconnect_max_delay", "20s")
	v.SetDefault("realtime.reconnect_max_tries", 3)
	v.SetDefault("realtime.debounce_ms", 500)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("lock.enabled", false)
	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("lock.acquire_timeout", "5s")
	v.SetDefault("lock.retry_interval", "100ms")
	v.SetDefault("lock.max_retries", 3)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
