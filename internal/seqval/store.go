package seqval

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists the last applied sequence number per shard.
type Store interface {
	// LastSeq returns the last applied seq for the shard, or -1 when
	// the shard has no recorded sequence.
	LastSeq(ctx context.Context, shardKey string) (int64, error)
	SetLastSeq(ctx context.Context, shardKey string, seq int64) error
}

const lastSeqTTL = 2 * time.Hour

func lastSeqKey(shardKey string) string {
	return "seq:last:" + shardKey
}

// RedisStore keeps last-seq counters in Redis with a sliding TTL.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore creates a Redis-backed sequence store.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) LastSeq(ctx context.Context, shardKey string) (int64, error) {
	val, err := s.rdb.Get(ctx, lastSeqKey(shardKey)).Result()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	seq, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return -1, nil
	}
	return seq, nil
}

func (s *RedisStore) SetLastSeq(ctx context.Context, shardKey string, seq int64) error {
	return s.rdb.Set(ctx, lastSeqKey(shardKey), seq, lastSeqTTL).Err()
}

// MemoryStore is an in-process sequence store used by tests and by the
// validator benchmarks.
type MemoryStore struct {
	mu   sync.Mutex
	seqs map[string]int64
}

// NewMemoryStore creates an empty in-memory sequence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seqs: make(map[string]int64)}
}

func (s *MemoryStore) LastSeq(_ context.Context, shardKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.seqs[shardKey]; ok {
		return seq, nil
	}
	return -1, nil
}

func (s *MemoryStore) SetLastSeq(_ context.Context, shardKey string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[shardKey] = seq
	return nil
}
