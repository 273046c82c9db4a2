package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTryLockIsExclusive(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	first := NewJobLock(client, "payout_sweep", time.Minute)
	second := NewJobLock(client, "payout_sweep", time.Minute)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Unlock(ctx))

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnlockLeavesOtherHoldersLock(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	stale := NewDistributedLock(client, "k", "a", time.Second)
	ok, err := stale.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	current := NewDistributedLock(client, "k", "b", time.Minute)
	ok, err = current.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale.Unlock(ctx))
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestLockWithoutRedisAlwaysSucceeds(t *testing.T) {
	l := NewCollectLock(nil, "ORD1")
	ok, err := l.TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Unlock(context.Background()))
}

func TestLockGivesUpAfterRetries(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	holder := NewCollectLock(client, "ORD2")
	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	err = NewCollectLock(client, "ORD2").Lock(ctx, time.Millisecond, 3)
	assert.ErrorIs(t, err, ErrLockFailed)
}

func TestLockWaitsForRelease(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	holder := NewCollectLock(client, "ORD3")
	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = holder.Unlock(context.Background())
	}()

	waiter := NewCollectLock(client, "ORD3")
	require.NoError(t, waiter.Lock(ctx, 5*time.Millisecond, 100))
	require.NoError(t, waiter.Unlock(ctx))
}

func TestLockStopsOnCancel(t *testing.T) {
	_, client := newRedis(t)
	holder := NewCollectLock(client, "ORD4")
	ok, err := holder.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewCollectLock(client, "ORD4").Lock(ctx, time.Second, 5)
	assert.ErrorIs(t, err, context.Canceled)
}
