package dlq

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/matchpulse/internal/schema"
	"github.com/terminal-bench/matchpulse/internal/stream"
)

// These tests need a running Redis (localhost:6379 or REDIS_URL); they
// skip otherwise, matching the integration-test convention used across
// the repo.
func testRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 9})
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

func dlqEvent(id string, seq int64) *schema.Event {
	return &schema.Event{
		EventID: id,
		MatchID: "m-1",
		MapID:   "de_dust2",
		Type:    schema.TypeKill,
		SeqNo:   seq,
	}
}

func TestRecordFailureBudget(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	m := NewManager(rdb, stream.NewLog(rdb), 3, zerolog.Nop())
	shard := "m-1:de_dust2"
	ev := dlqEvent("ev-1", 1)
	procErr := errors.New("reducer exploded")

	t.Run("parks exactly on the configured failure", func(t *testing.T) {
		for i := 1; i <= 2; i++ {
			parked, err := m.RecordFailure(ctx, shard, ev, procErr)
			require.NoError(t, err)
			assert.False(t, parked, "failure %d is below budget", i)
		}
		parked, err := m.RecordFailure(ctx, shard, ev, procErr)
		require.NoError(t, err)
		assert.True(t, parked, "third failure exhausts the budget")
	})

	t.Run("parked entry carries the failure history", func(t *testing.T) {
		entries, err := m.Entries(ctx, shard, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "ev-1", entries[0].Event.EventID)
		assert.Equal(t, int64(3), entries[0].RetryCount)
		assert.Equal(t, "reducer exploded", entries[0].Error)
		assert.False(t, entries[0].FirstFailedAt.IsZero())
		assert.False(t, entries[0].LastFailedAt.Before(entries[0].FirstFailedAt))
	})

	t.Run("budget resets after parking", func(t *testing.T) {
		parked, err := m.RecordFailure(ctx, shard, ev, procErr)
		require.NoError(t, err)
		assert.False(t, parked, "a re-ingested event starts a fresh budget")
	})
}

func TestRetryBookkeeping(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	m := NewManager(rdb, stream.NewLog(rdb), 3, zerolog.Nop())
	shard := "m-1:de_dust2"
	ev := dlqEvent("ev-1", 1)

	t.Run("no record before any failure", func(t *testing.T) {
		_, open, err := m.RetryCount(ctx, shard, ev.EventID)
		require.NoError(t, err)
		assert.False(t, open)
	})

	t.Run("count tracks recorded failures", func(t *testing.T) {
		for i := 1; i <= 2; i++ {
			_, err := m.RecordFailure(ctx, shard, ev, errors.New("down"))
			require.NoError(t, err)
		}
		n, open, err := m.RetryCount(ctx, shard, ev.EventID)
		require.NoError(t, err)
		assert.True(t, open)
		assert.Equal(t, int64(2), n)
	})

	t.Run("clear closes the record after a successful attempt", func(t *testing.T) {
		require.NoError(t, m.ClearRetries(ctx, shard, ev.EventID))
		_, open, err := m.RetryCount(ctx, shard, ev.EventID)
		require.NoError(t, err)
		assert.False(t, open)
	})
}

func TestRequeue(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	log := stream.NewLog(rdb)
	m := NewManager(rdb, log, 1, zerolog.Nop())
	shard := "m-1:de_dust2"

	park := func(t *testing.T, ev *schema.Event) {
		t.Helper()
		parked, err := m.RecordFailure(ctx, shard, ev, errors.New("down"))
		require.NoError(t, err)
		require.True(t, parked)
	}

	t.Run("requeue all republishes in park order and clears the queue", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			park(t, dlqEvent(fmt.Sprintf("ev-%d", i), int64(i)))
		}

		n, err := m.RequeueAll(ctx, shard)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		entries, err := m.Entries(ctx, shard, 10)
		require.NoError(t, err)
		assert.Empty(t, entries)

		require.NoError(t, log.EnsureGroup(ctx, shard))
		batch, err := log.ReadBatch(ctx, shard, "test-consumer", 10, 100*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, batch, 3)
		assert.Equal(t, "ev-0", batch[0].Event.EventID)
		assert.Equal(t, "ev-2", batch[2].Event.EventID)
	})

	t.Run("requeue leaves an open zero-count record", func(t *testing.T) {
		n, open, err := m.RetryCount(ctx, shard, "ev-0")
		require.NoError(t, err)
		assert.True(t, open, "requeued events are marked for re-attempt")
		assert.Equal(t, int64(0), n)
	})

	t.Run("requeue single removes only that entry", func(t *testing.T) {
		park(t, dlqEvent("keep-1", 10))
		park(t, dlqEvent("take-1", 11))

		require.NoError(t, m.RequeueEvent(ctx, shard, "take-1"))

		entries, err := m.Entries(ctx, shard, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "keep-1", entries[0].Event.EventID)

		err = m.RequeueEvent(ctx, shard, "no-such-event")
		assert.Error(t, err)
	})
}

func TestStats(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	m := NewManager(rdb, stream.NewLog(rdb), 1, zerolog.Nop())

	for i := 0; i < 2; i++ {
		parked, err := m.RecordFailure(ctx, "m-1:de_dust2", dlqEvent(fmt.Sprintf("a-%d", i), int64(i)), errors.New("x"))
		require.NoError(t, err)
		require.True(t, parked)
	}
	parked, err := m.RecordFailure(ctx, "m-2:de_mirage", dlqEvent("b-0", 0), errors.New("x"))
	require.NoError(t, err)
	require.True(t, parked)

	stats, err := m.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.Shards["m-1:de_dust2"])
	assert.Equal(t, int64(1), stats.Shards["m-2:de_mirage"])

	shards, err := m.DLQShards(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m-1:de_dust2", "m-2:de_mirage"}, shards)
}
