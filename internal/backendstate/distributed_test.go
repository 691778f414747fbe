package backendstate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestDistributedLockAcquireAndRelease(t *testing.T) {
	client := newTestRedis(t)
	lock := NewDistributedLock(client, "vaultsync:backend:b1", DistributedLockConfig{}, nil)

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Release(context.Background()))
}

func TestDistributedLockSecondAcquireFailsWhileHeld(t *testing.T) {
	client := newTestRedis(t)
	first := NewDistributedLock(client, "vaultsync:backend:b1", DistributedLockConfig{}, nil)
	ok, err := first.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	second := NewDistributedLock(client, "vaultsync:backend:b1", DistributedLockConfig{MaxRetries: 0, RetryInterval: time.Millisecond}, nil)
	ok, err = second.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDistributedLockReleaseIsNoOpWithoutAcquire(t *testing.T) {
	client := newTestRedis(t)
	lock := NewDistributedLock(client, "vaultsync:backend:b1", DistributedLockConfig{}, nil)
	require.NoError(t, lock.Release(context.Background()))
}

func TestDistributedLockWithoutClientReturnsError(t *testing.T) {
	lock := NewDistributedLock(nil, "vaultsync:backend:b1", DistributedLockConfig{}, nil)
	_, err := lock.Acquire(context.Background())
	require.Error(t, err)
}
