package backendstate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLockConfig configures a Redis-backed cross-process lock, used
// only when multiple processes share the same vault file; distributed
// coordination is optional and disabled by default.
type DistributedLockConfig struct {
	TTL            time.Duration
	AcquireTimeout time.Duration
	RetryInterval  time.Duration
	MaxRetries     int
}

func (c DistributedLockConfig) withDefaults() DistributedLockConfig {
	if c.TTL == 0 {
		c.TTL = 30 * time.Second
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 100 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	return c
}

// DistributedLock wraps a Redis SETNX lock scoped to one backend, released
// with a compare-and-delete Lua script so a process can never release a
// lock it doesn't hold (e.g. after its own lease already expired and
// another process took over).
type DistributedLock struct {
	redis    *redis.Client
	key      string
	value    string
	ttl      time.Duration
	logger   *slog.Logger
	cfg      DistributedLockConfig
	acquired bool
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// NewDistributedLock builds a lock for backendKey (typically
// "vaultsync:backend:<id>"). Safe to construct even if client is nil;
// Acquire then returns an error rather than panicking, so callers can treat
// "no Redis configured" as "distributed locking unavailable" uniformly.
func NewDistributedLock(client *redis.Client, backendKey string, cfg DistributedLockConfig, logger *slog.Logger) *DistributedLock {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &DistributedLock{
		redis:  client,
		key:    backendKey,
		value:  generateLockValue(),
		ttl:    cfg.TTL,
		logger: logger.With("component", "distributed_lock", "key", backendKey),
		cfg:    cfg,
	}
}

func generateLockValue() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("lock_%d", time.Now().UnixNano())
	}
	return "lock_" + hex.EncodeToString(buf)
}

// Acquire retries up to MaxRetries times with RetryInterval between
// attempts, returning false (not an error) if another holder keeps winning.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	if l.redis == nil {
		return false, fmt.Errorf("backendstate: distributed lock: no redis client configured")
	}

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		acquireCtx, cancel := context.WithTimeout(ctx, l.cfg.AcquireTimeout)
		ok, err := l.redis.SetNX(acquireCtx, l.key, l.value, l.ttl).Result()
		cancel()
		if err != nil {
			if attempt == l.cfg.MaxRetries {
				return false, fmt.Errorf("backendstate: acquire distributed lock after %d attempts: %w", attempt+1, err)
			}
			if !sleepOrDone(ctx, l.cfg.RetryInterval) {
				return false, ctx.Err()
			}
			continue
		}
		if ok {
			l.acquired = true
			return true, nil
		}
		if attempt == l.cfg.MaxRetries {
			return false, nil
		}
		if !sleepOrDone(ctx, l.cfg.RetryInterval) {
			return false, ctx.Err()
		}
	}
	return false, nil
}

// Release runs the compare-and-delete script; a no-op if this lock was
// never successfully acquired.
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired || l.redis == nil {
		return nil
	}
	releaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := l.redis.Eval(releaseCtx, releaseScript, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("backendstate: release distributed lock: %w", err)
	}
	if n, ok := res.(int64); ok && n == 1 {
		l.acquired = false
	}
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
