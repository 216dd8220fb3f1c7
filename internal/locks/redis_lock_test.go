package locks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) (*RedisLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLock(client, 2*time.Second, nil), mr
}

func TestAcquireAndRelease(t *testing.T) {
	lock, _ := newTestLock(t)
	ctx := context.Background()

	lease, err := lock.Acquire(ctx, "slot:shop-1:2026-09-01T10:00")
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, "slot:shop-1:2026-09-01T10:00")
	assert.True(t, errors.Is(err, ErrNotAcquired))

	lease.Release(ctx)

	_, err = lock.Acquire(ctx, "slot:shop-1:2026-09-01T10:00")
	assert.NoError(t, err)
}

func TestDistinctKeysDoNotContend(t *testing.T) {
	lock, _ := newTestLock(t)
	ctx := context.Background()

	_, err := lock.Acquire(ctx, "slot:shop-1:a")
	require.NoError(t, err)
	_, err = lock.Acquire(ctx, "slot:shop-1:b")
	assert.NoError(t, err)
}

func TestReleaseDoesNotStealExpiredLock(t *testing.T) {
	lock, mr := newTestLock(t)
	ctx := context.Background()

	lease, err := lock.Acquire(ctx, "slot:k")
	require.NoError(t, err)

	// TTL elapses and another holder takes over.
	mr.FastForward(3 * time.Second)
	other, err := lock.Acquire(ctx, "slot:k")
	require.NoError(t, err)

	// Releasing the stale lease must not free the new holder's lock.
	lease.Release(ctx)
	_, err = lock.Acquire(ctx, "slot:k")
	assert.True(t, errors.Is(err, ErrNotAcquired))

	other.Release(ctx)
}
