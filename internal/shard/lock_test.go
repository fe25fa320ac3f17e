package shard

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a running Redis (localhost:6379); they skip
// otherwise, matching the integration-test convention used across the
// repo.
func testLockRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 13})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	return rdb
}

func TestLockMutualExclusion(t *testing.T) {
	rdb := testLockRedis(t)
	ctx := context.Background()
	a := NewManager(rdb, "consumer-a", 30*time.Second, zerolog.Nop())
	b := NewManager(rdb, "consumer-b", 30*time.Second, zerolog.Nop())

	ok, err := a.Acquire(ctx, "m-1:de_dust2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, a.Holds("m-1:de_dust2"))

	t.Run("second consumer cannot take a held lock", func(t *testing.T) {
		ok, err := b.Acquire(ctx, "m-1:de_dust2")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, b.Holds("m-1:de_dust2"))
	})

	t.Run("release hands the shard over", func(t *testing.T) {
		require.NoError(t, a.Release(ctx, "m-1:de_dust2"))
		assert.False(t, a.Holds("m-1:de_dust2"))

		ok, err := b.Acquire(ctx, "m-1:de_dust2")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestLockExtend(t *testing.T) {
	rdb := testLockRedis(t)
	ctx := context.Background()
	a := NewManager(rdb, "consumer-a", 30*time.Second, zerolog.Nop())
	b := NewManager(rdb, "consumer-b", 30*time.Second, zerolog.Nop())

	ok, err := a.Acquire(ctx, "m-1:de_dust2")
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("owner can extend", func(t *testing.T) {
		ok, err := a.Extend(ctx, "m-1:de_dust2")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("non-owner extend fails without touching the lock", func(t *testing.T) {
		ok, err := b.Extend(ctx, "m-1:de_dust2")
		require.NoError(t, err)
		assert.False(t, ok)

		owner, err := rdb.Get(ctx, LockKey("m-1:de_dust2")).Result()
		require.NoError(t, err)
		assert.Equal(t, "consumer-a", owner)
	})

	t.Run("extend after takeover reports the loss", func(t *testing.T) {
		// Simulate lease expiry plus takeover.
		require.NoError(t, rdb.Set(ctx, LockKey("m-1:de_dust2"), "consumer-b", time.Minute).Err())

		ok, err := a.Extend(ctx, "m-1:de_dust2")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, a.Holds("m-1:de_dust2"), "lost shard leaves the held set")
	})
}

func TestReleaseAll(t *testing.T) {
	rdb := testLockRedis(t)
	ctx := context.Background()
	a := NewManager(rdb, "consumer-a", 30*time.Second, zerolog.Nop())

	for _, s := range []string{"m-1:de_dust2", "m-2:de_mirage"} {
		ok, err := a.Acquire(ctx, s)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Len(t, a.Held(), 2)

	a.ReleaseAll(ctx)
	assert.Empty(t, a.Held())

	n, err := rdb.Exists(ctx, LockKey("m-1:de_dust2"), LockKey("m-2:de_mirage")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
