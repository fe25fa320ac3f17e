package shard

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Lua scripts keep extend and release atomic: both first compare the
// stored owner so a consumer can never touch a lock it no longer holds.
var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Manager acquires and maintains lease-based shard locks in Redis.
// Leases expire on their own, so a crashed owner never permanently
// parks a shard.
type Manager struct {
	rdb   redis.UniversalClient
	owner string
	lease time.Duration
	log   zerolog.Logger

	mu   sync.Mutex
	held map[string]bool
}

// NewManager creates a lock manager for one consumer identity.
func NewManager(rdb redis.UniversalClient, owner string, lease time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		rdb:   rdb,
		owner: owner,
		lease: lease,
		log:   log.With().Str("component", "shard_lock").Logger(),
		held:  make(map[string]bool),
	}
}

// Owner returns the consumer identity this manager locks on behalf of.
func (m *Manager) Owner() string {
	return m.owner
}

// Acquire attempts to take the shard lock. Returns true when this
// consumer now owns the shard.
func (m *Manager) Acquire(ctx context.Context, shardKey string) (bool, error) {
	ok, err := m.rdb.SetNX(ctx, LockKey(shardKey), m.owner, m.lease).Result()
	if err != nil {
		return false, err
	}
	if ok {
		m.mu.Lock()
		m.held[shardKey] = true
		m.mu.Unlock()
	}
	return ok, nil
}

// Extend refreshes the lease on a held lock. Returns false when the
// lock is no longer owned by this consumer.
func (m *Manager) Extend(ctx context.Context, shardKey string) (bool, error) {
	res, err := extendScript.Run(ctx, m.rdb, []string{LockKey(shardKey)}, m.owner, m.lease.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	if res == 0 {
		m.forget(shardKey)
		return false, nil
	}
	return true, nil
}

// Release drops a held lock. Releasing a lock owned by someone else is
// a no-op.
func (m *Manager) Release(ctx context.Context, shardKey string) error {
	m.forget(shardKey)
	_, err := releaseScript.Run(ctx, m.rdb, []string{LockKey(shardKey)}, m.owner).Result()
	return err
}

// ReleaseAll drops every lock this manager holds.
func (m *Manager) ReleaseAll(ctx context.Context) {
	for _, s := range m.Held() {
		if err := m.Release(ctx, s); err != nil {
			m.log.Warn().Err(err).Str("shard", s).Msg("failed to release shard lock")
		}
	}
}

// Held returns the shards this manager believes it owns.
func (m *Manager) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.held))
	for s := range m.held {
		out = append(out, s)
	}
	return out
}

// Holds reports whether the manager believes it owns shardKey.
func (m *Manager) Holds(shardKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[shardKey]
}

func (m *Manager) forget(shardKey string) {
	m.mu.Lock()
	delete(m.held, shardKey)
	m.mu.Unlock()
}

// Heartbeat refreshes all held locks every lease/3 until ctx is done.
// Shards whose refresh fails are dropped from the held set and reported
// on lost, so the consumer can abandon their in-flight batches.
func (m *Manager) Heartbeat(ctx context.Context, lost chan<- string) {
	ticker := time.NewTicker(m.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range m.Held() {
				ok, err := m.Extend(ctx, s)
				if err != nil {
					m.log.Warn().Err(err).Str("shard", s).Msg("lock heartbeat error")
					continue
				}
				if !ok {
					m.log.Warn().Str("shard", s).Msg("lock lost on heartbeat")
					select {
					case lost <- s:
					default:
					}
				}
			}
		}
	}
}
