// Package backendstate serializes push/pull access per backend: an
// in-process cooperative async mutex so two goroutines never run a
// push and pull for the same backend concurrently, plus an optional
// Redis-backed distributed lock for the rarer case of two processes sharing
// one vault file (two app windows, a CLI command run mid-sync).
package backendstate

import (
	"context"
	"fmt"

	"github.com/haex-space/haex-vault-sync/internal/model"
)

// AsyncMutex is a channel-based mutex, not a sync.Mutex: Lock respects
// context cancellation while waiting, and never does a check-then-set on a
// shared flag — acquisition is the single receive of the token from the
// buffered channel succeeding.
type AsyncMutex struct {
	ch chan struct{}
}

// NewAsyncMutex returns an unlocked mutex.
func NewAsyncMutex() *AsyncMutex {
	m := &AsyncMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// Lock blocks until the mutex is acquired or ctx is done.
func (m *AsyncMutex) Lock(ctx context.Context) error {
	select {
	case <-m.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock attempts to acquire without blocking.
func (m *AsyncMutex) TryLock() bool {
	select {
	case <-m.ch:
		return true
	default:
		return false
	}
}

// Unlock releases the mutex. Calling Unlock without a matching successful
// Lock/TryLock is a programmer error and panics, the same way sync.Mutex's
// race detector would catch a double-unlock.
func (m *AsyncMutex) Unlock() {
	select {
	case m.ch <- struct{}{}:
	default:
		panic("backendstate: Unlock of already-unlocked AsyncMutex")
	}
}

// Registry hands out one AsyncMutex per backend, lazily, so callers never
// need to pre-register a backend before locking it.
type Registry struct {
	mu      chan struct{}
	mutexes map[model.BackendId]*AsyncMutex
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{mu: make(chan struct{}, 1), mutexes: map[model.BackendId]*AsyncMutex{}}
	r.mu <- struct{}{}
	return r
}

// For returns the AsyncMutex for a backend, creating it on first use.
func (r *Registry) For(id model.BackendId) *AsyncMutex {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()

	m, ok := r.mutexes[id]
	if !ok {
		m = NewAsyncMutex()
		r.mutexes[id] = m
	}
	return m
}

// WithLock runs fn while holding the backend's mutex, releasing it even if
// fn panics or returns an error.
func (r *Registry) WithLock(ctx context.Context, id model.BackendId, fn func(ctx context.Context) error) error {
	m := r.For(id)
	if err := m.Lock(ctx); err != nil {
		return fmt.Errorf("backendstate: acquire lock for %s: %w", id, err)
	}
	defer m.Unlock()
	return fn(ctx)
}

// Reset drops every known mutex, used when sync is fully stopped. Any
// goroutine still waiting on a dropped mutex's Lock keeps
// waiting on its own private channel; this only stops new callers from
// contending with stale state.
func (r *Registry) Reset() {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	r.mutexes = map[model.BackendId]*AsyncMutex{}
}
