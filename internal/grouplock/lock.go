// Package grouplock provides per-key mutual exclusion for confirmation and
// withdrawal processing. The shipped implementation is process-local: it
// serializes this process against itself, nothing more. Engines must re-read
// external state after acquiring a lock rather than trusting pre-lock reads.
package grouplock

import (
	"context"
	"strings"
	"sync"
)

// Locker hands out exclusive access to a string key. Acquire blocks while the
// key is held elsewhere; distinct keys never contend. A lease-based
// implementation over the document store is the scale-out path for
// multi-instance deployments.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Key builds the canonical lock key for a (holder, token) pair.
func Key(holder, token string) string {
	return strings.ToLower(holder) + ":" + strings.ToLower(token)
}

// WithdrawKey is the lock-key variant used by withdrawal processing.
func WithdrawKey(user, token string) string {
	return "withdraw:" + Key(user, token)
}

// VaultKey is the lock-key variant used for vault creation per owner.
func VaultKey(owner string) string {
	return "vault:" + strings.ToLower(owner)
}

// MemoryLocker is the in-process Locker. Each key maps to a one-slot channel
// acting as a mutex; waiters block on the channel or their context.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

// Acquire takes the key's slot, blocking until it is free or ctx is done. The
// returned release function is idempotent.
func (l *MemoryLocker) Acquire(ctx context.Context, key string) (func(), error) {
	s := l.slot(key)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-s })
	}
	return release, nil
}
