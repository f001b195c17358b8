/*
Package lock provides short-lived named locks around report regeneration.

PURPOSE:
  Two workers picking up regeneration requests for the same period at the
  same time would both delete and rebuild its reports. The job takes a
  lock named after the period first, so at most one rebuild per period runs
  at a time. Lock names never span schools.

IMPLEMENTATIONS:
  Local: in-process, for a single server and for tests
  Redis: github.com/bsm/redislock, for several servers sharing a queue
*/
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when the lock is held elsewhere.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker obtains named locks.
type Locker interface {
	// Acquire takes the named lock for at most ttl. It does not wait: if the
	// lock is held it returns ErrNotAcquired.
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
}

// =============================================================================
// LOCAL
// =============================================================================

// Local is an in-process Locker. Expired entries are taken over.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	now   func() time.Time
	token uint64
}

type localEntry struct {
	token   uint64
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), now: time.Now}
}

func (l *Local) Acquire(_ context.Context, name string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[name]; ok && now.Before(e.expires) {
		return nil, ErrNotAcquired
	}
	l.token++
	l.held[name] = localEntry{token: l.token, expires: now.Add(ttl)}
	return &localLock{owner: l, name: name, token: l.token}, nil
}

type localLock struct {
	owner *Local
	name  string
	token uint64
}

// Release is a no-op when the lock already expired and was taken over.
func (ll *localLock) Release(context.Context) error {
	ll.owner.mu.Lock()
	defer ll.owner.mu.Unlock()
	if e, ok := ll.owner.held[ll.name]; ok && e.token == ll.token {
		delete(ll.owner.held, ll.name)
	}
	return nil
}

// Nop never contends. Useful where regeneration is single-threaded.
type Nop struct{}

func (Nop) Acquire(context.Context, string, time.Duration) (Lock, error) { return nopLock{}, nil }

type nopLock struct{}

func (nopLock) Release(context.Context) error { return nil }
