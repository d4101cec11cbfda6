package engine

import (
	"context"
	"fmt"
	"sync"
)

// UnlockFunc releases a held run lock. It is safe to call exactly once.
type UnlockFunc func()

// RunLocker serializes advancers per run. Locks are keyed by run ID, so
// different runs never contend; a second acquisition of the same run fails
// immediately with ErrRunLocked instead of blocking.
type RunLocker interface {
	Acquire(ctx context.Context, runID string) (UnlockFunc, error)
}

// MemoryLocker is the in-process RunLocker used by single-instance
// deployments and tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]struct{}),
	}
}

func (l *MemoryLocker) Acquire(_ context.Context, runID string) (UnlockFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[runID]; taken {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, runID)
	}

	l.held[runID] = struct{}{}

	var once sync.Once

	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()

			delete(l.held, runID)
		})
	}, nil
}
