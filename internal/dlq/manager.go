// Package dlq tracks per-event retry budgets and parks events that
// exhaust them in per-shard dead-letter queues.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/terminal-bench/matchpulse/internal/schema"
	"github.com/terminal-bench/matchpulse/internal/stream"
	"github.com/terminal-bench/matchpulse/pkg/metrics"
)

const (
	// DefaultMaxRetries is the failure budget before an event is parked.
	DefaultMaxRetries = 3

	dlqPrefix     = "dlq:"
	retriesPrefix = "dlq:retries:"
	firstPrefix   = "dlq:first:"

	bookkeepingTTL = 24 * time.Hour
)

// Entry is one parked event with its failure history.
type Entry struct {
	Event         *schema.Event `json:"event"`
	Error         string        `json:"error"`
	RetryCount    int64         `json:"retry_count"`
	FirstFailedAt time.Time     `json:"first_failed_at"`
	LastFailedAt  time.Time     `json:"last_failed_at"`
}

// Stats summarizes the dead-letter backlog.
type Stats struct {
	Shards       map[string]int64 `json:"shards"`
	TotalEntries int64            `json:"total_entries"`
}

// Manager implements retry counting and parking. It is shared by all
// shard workers in a consumer; every method is safe for concurrent use
// because all state lives in Redis.
type Manager struct {
	rdb        redis.UniversalClient
	log        *stream.Log
	maxRetries int64
	logger     zerolog.Logger
	now        func() time.Time
}

// NewManager creates a DLQ manager. maxRetries <= 0 selects the
// default budget.
func NewManager(rdb redis.UniversalClient, streamLog *stream.Log, maxRetries int, logger zerolog.Logger) *Manager {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Manager{
		rdb:        rdb,
		log:        streamLog,
		maxRetries: int64(maxRetries),
		logger:     logger.With().Str("component", "dlq").Logger(),
		now:        time.Now,
	}
}

func dlqKey(shard string) string     { return dlqPrefix + shard }
func retriesKey(shard string) string { return retriesPrefix + shard }
func firstKey(shard string) string   { return firstPrefix + shard }

// RecordFailure counts one processing failure for the event. When the
// budget is exhausted the event is parked and true is returned: the
// caller must then ack the source entry so the log stops redelivering
// it. Below the budget it returns false and the caller must NOT ack.
func (m *Manager) RecordFailure(ctx context.Context, shard string, ev *schema.Event, procErr error) (bool, error) {
	now := m.now()

	pipe := m.rdb.Pipeline()
	count := pipe.HIncrBy(ctx, retriesKey(shard), ev.EventID, 1)
	pipe.HSetNX(ctx, firstKey(shard), ev.EventID, now.Format(time.RFC3339Nano))
	pipe.Expire(ctx, retriesKey(shard), bookkeepingTTL)
	pipe.Expire(ctx, firstKey(shard), bookkeepingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("record failure %s: %w", ev.EventID, err)
	}

	retries := count.Val()
	if retries < m.maxRetries {
		m.logger.Warn().Err(procErr).
			Str("shard", shard).Str("event_id", ev.EventID).
			Int64("retry", retries).Int64("budget", m.maxRetries).
			Msg("event processing failed, leaving for redelivery")
		return false, nil
	}

	firstAt := now
	if raw, err := m.rdb.HGet(ctx, firstKey(shard), ev.EventID).Result(); err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			firstAt = t
		}
	}

	entry := Entry{
		Event:         ev,
		Error:         procErr.Error(),
		RetryCount:    retries,
		FirstFailedAt: firstAt,
		LastFailedAt:  now,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode dlq entry %s: %w", ev.EventID, err)
	}

	pipe = m.rdb.Pipeline()
	pipe.RPush(ctx, dlqKey(shard), raw)
	pipe.HDel(ctx, retriesKey(shard), ev.EventID)
	pipe.HDel(ctx, firstKey(shard), ev.EventID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("park event %s: %w", ev.EventID, err)
	}

	metrics.DLQParked.Inc()
	m.logger.Error().Err(procErr).
		Str("shard", shard).Str("event_id", ev.EventID).
		Int64("retries", retries).
		Msg("retry budget exhausted, event parked in dlq")
	return true, nil
}

// RetryCount returns the pending failure count for an event and whether
// it has an open retry record at all. An open record marks a redelivery
// that must be re-attempted: a failed attempt awaiting its budget, or a
// requeued event carrying a fresh zero count.
func (m *Manager) RetryCount(ctx context.Context, shard, eventID string) (int64, bool, error) {
	n, err := m.rdb.HGet(ctx, retriesKey(shard), eventID).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("retry count %s: %w", eventID, err)
	}
	return n, true, nil
}

// ClearRetries drops the retry bookkeeping for an event after a
// successful attempt, so a later duplicate is not taken for a
// redelivery.
func (m *Manager) ClearRetries(ctx context.Context, shard, eventID string) error {
	pipe := m.rdb.Pipeline()
	pipe.HDel(ctx, retriesKey(shard), eventID)
	pipe.HDel(ctx, firstKey(shard), eventID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear retries %s: %w", eventID, err)
	}
	return nil
}

// RequeueEvent republishes a single parked event back into the primary
// log and removes it from the queue. The event id identifies the entry.
func (m *Manager) RequeueEvent(ctx context.Context, shard, eventID string) error {
	raws, err := m.rdb.LRange(ctx, dlqKey(shard), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read dlq %s: %w", shard, err)
	}
	for _, raw := range raws {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Event == nil {
			continue
		}
		if entry.Event.EventID != eventID {
			continue
		}
		if err := m.republish(ctx, shard, &entry); err != nil {
			return err
		}
		if err := m.rdb.LRem(ctx, dlqKey(shard), 1, raw).Err(); err != nil {
			return fmt.Errorf("remove dlq entry %s: %w", eventID, err)
		}
		return nil
	}
	return fmt.Errorf("dlq entry %s not found in shard %s", eventID, shard)
}

// RequeueAll republishes every parked event for the shard, in park
// order, and clears the queue. Returns the number requeued.
func (m *Manager) RequeueAll(ctx context.Context, shard string) (int, error) {
	requeued := 0
	for {
		raw, err := m.rdb.LPop(ctx, dlqKey(shard)).Result()
		if err == redis.Nil {
			return requeued, nil
		}
		if err != nil {
			return requeued, fmt.Errorf("pop dlq %s: %w", shard, err)
		}
		var entry Entry
		if jerr := json.Unmarshal([]byte(raw), &entry); jerr != nil || entry.Event == nil {
			m.logger.Warn().Str("shard", shard).Msg("dropping undecodable dlq entry")
			continue
		}
		if err := m.republish(ctx, shard, &entry); err != nil {
			// Put it back so nothing is lost; the admin can retry.
			m.rdb.LPush(ctx, dlqKey(shard), raw)
			return requeued, err
		}
		requeued++
	}
}

// republish appends the event back onto its shard stream and resets its
// retry bookkeeping to a fresh zero count. The open record tells the
// consumer to re-attempt the event even though its ts_event is long
// past the lateness window by now.
func (m *Manager) republish(ctx context.Context, shard string, entry *Entry) error {
	raw, err := json.Marshal(entry.Event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", entry.Event.EventID, err)
	}
	if _, err := m.log.Requeue(ctx, shard, raw); err != nil {
		return fmt.Errorf("requeue event %s: %w", entry.Event.EventID, err)
	}
	pipe := m.rdb.Pipeline()
	pipe.HSet(ctx, retriesKey(shard), entry.Event.EventID, 0)
	pipe.Expire(ctx, retriesKey(shard), bookkeepingTTL)
	pipe.HDel(ctx, firstKey(shard), entry.Event.EventID)
	pipe.Exec(ctx)

	metrics.DLQRequeued.Inc()
	return nil
}

// DLQShards lists shards that currently have parked events.
func (m *Manager) DLQShards(ctx context.Context) ([]string, error) {
	var shards []string
	iter := m.rdb.Scan(ctx, 0, dlqPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, retriesPrefix) || strings.HasPrefix(key, firstPrefix) {
			continue
		}
		shards = append(shards, strings.TrimPrefix(key, dlqPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan dlq shards: %w", err)
	}
	return shards, nil
}

// Entries returns up to limit parked entries for a shard, oldest first.
func (m *Manager) Entries(ctx context.Context, shard string, limit int64) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := m.rdb.LRange(ctx, dlqKey(shard), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dlq %s: %w", shard, err)
	}
	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetStats reports per-shard queue depths.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	shards, err := m.DLQShards(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Shards: make(map[string]int64, len(shards))}
	for _, shard := range shards {
		n, err := m.rdb.LLen(ctx, dlqKey(shard)).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("dlq length %s: %w", shard, err)
		}
		stats.Shards[shard] = n
		stats.TotalEntries += n
	}
	return stats, nil
}
