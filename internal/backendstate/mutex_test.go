package backendstate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

func TestAsyncMutexExcludesConcurrentLockers(t *testing.T) {
	m := NewAsyncMutex()
	var active int32
	var sawOverlap int32

	run := func() {
		require.NoError(t, m.Lock(context.Background()))
		defer m.Unlock()
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.StoreInt32(&sawOverlap, 1)
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}

	done := make(chan struct{})
	go func() { run(); done <- struct{}{} }()
	go func() { run(); done <- struct{}{} }()
	<-done
	<-done

	require.Zero(t, sawOverlap)
}

func TestAsyncMutexLockRespectsContextCancellation(t *testing.T) {
	m := NewAsyncMutex()
	require.NoError(t, m.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Lock(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAsyncMutexTryLockDoesNotBlock(t *testing.T) {
	m := NewAsyncMutex()
	require.True(t, m.TryLock())
	require.False(t, m.TryLock())
}

func TestAsyncMutexUnlockWithoutLockPanics(t *testing.T) {
	m := NewAsyncMutex()
	require.Panics(t, func() { m.Unlock() })
}

func TestRegistryReturnsSameMutexForSameBackend(t *testing.T) {
	r := NewRegistry()
	id := model.BackendId("b1")
	require.Same(t, r.For(id), r.For(id))
}

func TestRegistryWithLockReleasesOnError(t *testing.T) {
	r := NewRegistry()
	id := model.BackendId("b1")

	err := r.WithLock(context.Background(), id, func(ctx context.Context) error {
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	require.True(t, r.For(id).TryLock(), "mutex must be released even when fn errors")
}
