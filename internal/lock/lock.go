// Package lock provides named locks that keep periodic jobs from overlapping,
// either within one process or across every process sharing a Redis server.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when another holder owns the lock
var ErrNotAcquired = errors.New("lock is held by another process")

// Locker runs a function while holding a named lock
type Locker interface {
	// TryRun runs fn when the lock is free and reports whether it ran
	TryRun(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

// Local serialises jobs inside one process
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an in-process locker
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryRun implements Locker. The ttl is ignored.
func (l *Local) TryRun(ctx context.Context, name string, _ time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l.mu.Lock()
	if _, ok := l.held[name]; ok {
		l.mu.Unlock()
		return false, nil
	}
	l.held[name] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}()
	return true, fn(ctx)
}
