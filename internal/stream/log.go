// Package stream is the client for the per-shard durable log, backed by
// Redis Streams with consumer-group semantics.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/matchpulse/internal/schema"
	"github.com/terminal-bench/matchpulse/internal/shard"
)

const (
	// Group is the single consumer group reading the per-shard logs.
	Group = "state-consumers"

	// activeShardsKey indexes shards with recent appends for discovery.
	activeShardsKey = "shards:active"

	// maxLen approx-trims each shard log; older entries have been acked
	// or abandoned long before this depth.
	maxLen = 50000

	// endedTTL expires a shard log after the match ends.
	endedTTL = time.Hour

	dataField = "data"
)

// Entry is one durable log record.
type Entry struct {
	ID    string
	Event *schema.Event
}

// Log wraps the Redis Streams operations the pipeline needs.
type Log struct {
	rdb redis.UniversalClient
}

// NewLog creates a log client.
func NewLog(rdb redis.UniversalClient) *Log {
	return &Log{rdb: rdb}
}

// Append serializes ev onto its shard's stream and registers the shard
// for discovery. Returns the strictly increasing stream entry id.
func (l *Log) Append(ctx context.Context, ev *schema.Event) (string, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	key := shard.Key(ev.MatchID, ev.MapID)
	pipe := l.rdb.Pipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: shard.StreamKey(key),
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{dataField: raw},
	})
	pipe.SAdd(ctx, activeShardsKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("append to shard %s: %w", key, err)
	}
	return add.Val(), nil
}

// EnsureGroup creates the consumer group for a shard if it does not
// exist yet, starting from the beginning of the stream.
func (l *Log) EnsureGroup(ctx context.Context, shardKey string) error {
	err := l.rdb.XGroupCreateMkStream(ctx, shard.StreamKey(shardKey), Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group for %s: %w", shardKey, err)
	}
	return nil
}

// ReadBatch pulls up to count new entries for this consumer, blocking
// up to block. Entries that fail to deserialize are returned with a nil
// Event so the caller can ack and count them.
func (l *Log) ReadBatch(ctx context.Context, shardKey, consumerID string, count int64, block time.Duration) ([]Entry, error) {
	res, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: consumerID,
		Streams:  []string{shard.StreamKey(shardKey), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read shard %s: %w", shardKey, err)
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entries = append(entries, decodeMessage(msg))
		}
	}
	return entries, nil
}

// ClaimStale transfers entries pending longer than minIdle from dead
// consumers to this one, so a crashed owner's batch is redelivered.
func (l *Log) ClaimStale(ctx context.Context, shardKey, consumerID string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := l.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   shard.StreamKey(shardKey),
		Group:    Group,
		Consumer: consumerID,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil || strings.Contains(err.Error(), "NOGROUP") {
			return nil, nil
		}
		return nil, fmt.Errorf("claim stale on %s: %w", shardKey, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, decodeMessage(msg))
	}
	return entries, nil
}

// Ack removes an entry from the pending list.
func (l *Log) Ack(ctx context.Context, shardKey, entryID string) error {
	return l.rdb.XAck(ctx, shard.StreamKey(shardKey), Group, entryID).Err()
}

// PendingCount returns the number of delivered-but-unacked entries.
func (l *Log) PendingCount(ctx context.Context, shardKey string) (int64, error) {
	p, err := l.rdb.XPending(ctx, shard.StreamKey(shardKey), Group).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, err
	}
	return p.Count, nil
}

// ActiveShards lists shards registered for discovery.
func (l *Log) ActiveShards(ctx context.Context) ([]string, error) {
	return l.rdb.SMembers(ctx, activeShardsKey).Result()
}

// MarkEnded installs the post-match TTL on a shard's log and removes it
// from discovery once the match is over.
func (l *Log) MarkEnded(ctx context.Context, shardKey string) error {
	pipe := l.rdb.Pipeline()
	pipe.Expire(ctx, shard.StreamKey(shardKey), endedTTL)
	pipe.SRem(ctx, activeShardsKey, shardKey)
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue re-appends a raw event to its shard's stream; used by DLQ
// requeue, which must flow through the normal ordered path.
func (l *Log) Requeue(ctx context.Context, shardKey string, raw []byte) (string, error) {
	return l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: shard.StreamKey(shardKey),
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{dataField: raw},
	}).Result()
}

func decodeMessage(msg redis.XMessage) Entry {
	entry := Entry{ID: msg.ID}
	raw, ok := msg.Values[dataField].(string)
	if !ok {
		return entry
	}
	var ev schema.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return entry
	}
	entry.Event = &ev
	return entry
}
