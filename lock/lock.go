/*
Package lock provides a cooperative, cluster-wide named lock.

PURPOSE:
  The rounding-correction sweep must run on at most one instance at a
  time. Each instance tries to take the lock before sweeping and skips
  the run when someone else holds it. Nothing waits on a lock.

IMPLEMENTATIONS:
  Memory: single-process, for tests and single-instance deployments
  Redis:  SET NX PX with an owner token, released by compare-and-delete

Both expire a held lock after its TTL so a crashed holder cannot block
the sweep forever. A holder that needs longer than the TTL calls Extend
before it runs out.
*/
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotHeld is returned by Release and Extend when the lock has expired
// or was taken over by another owner.
var ErrNotHeld = errors.New("lock not held")

// Locker acquires named locks.
type Locker interface {
	// Acquire returns (nil, nil) when the lock is held by someone else.
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	// Extend pushes the expiry out to ttl from now.
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// =============================================================================
// MEMORY
// =============================================================================

type memoryEntry struct {
	token   string
	expires time.Time
}

// Memory is an in-process Locker.
type Memory struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	Clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryEntry)}
}

func (m *Memory) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

func (m *Memory) Acquire(_ context.Context, name string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.held[name]; ok && now.Before(e.expires) {
		return nil, nil
	}
	token := uuid.NewString()
	m.held[name] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{m: m, name: name, token: token}, nil
}

type memoryLease struct {
	m     *Memory
	name  string
	token string
}

func (l *memoryLease) Extend(_ context.Context, ttl time.Duration) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	now := l.m.now()
	e, ok := l.m.held[l.name]
	if !ok || e.token != l.token || !now.Before(e.expires) {
		return ErrNotHeld
	}
	l.m.held[l.name] = memoryEntry{token: l.token, expires: now.Add(ttl)}
	return nil
}

func (l *memoryLease) Release(_ context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	e, ok := l.m.held[l.name]
	if !ok || e.token != l.token {
		return ErrNotHeld
	}
	delete(l.m.held, l.name)
	return nil
}
