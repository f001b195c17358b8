package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meal-ledger/lock"
)

func TestLocal_ExclusiveUntilReleased(t *testing.T) {
	l := lock.NewLocal()
	ctx := context.Background()

	held, err := l.Acquire(ctx, "regenerate:s1/2025-04", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "regenerate:s1/2025-04", time.Minute)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)

	other, err := l.Acquire(ctx, "regenerate:s2/2025-04", time.Minute)
	require.NoError(t, err, "locks never span schools")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, held.Release(ctx))
	again, err := l.Acquire(ctx, "regenerate:s1/2025-04", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocal_ExpiredLockIsTakenOver(t *testing.T) {
	// GIVEN: A lock whose TTL has passed
	// WHEN: Another caller acquires it and the first holder releases late
	// THEN: The late release does not free the new holder's lock

	l := lock.NewLocal()
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "p", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	fresh, err := l.Acquire(ctx, "p", time.Minute)
	require.NoError(t, err)
	require.NoError(t, stale.Release(ctx))

	_, err = l.Acquire(ctx, "p", time.Minute)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	require.NoError(t, fresh.Release(ctx))
}

func TestNop_NeverContends(t *testing.T) {
	var l lock.Nop
	a, err := l.Acquire(context.Background(), "p", time.Minute)
	require.NoError(t, err)
	b, err := l.Acquire(context.Background(), "p", time.Minute)
	require.NoError(t, err)
	assert.NoError(t, a.Release(context.Background()))
	assert.NoError(t, b.Release(context.Background()))
}
