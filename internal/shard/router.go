// Package shard derives shard keys and manages lease-based shard locks.
//
// A shard is the ordering domain (match_id, map_id): all events for one
// shard form an ordered log, and exactly one consumer owns a shard at a
// time, enforced by the lock manager rather than the log itself.
package shard

import (
	"fmt"
	"hash/crc32"
)

// Key returns the authoritative shard key for a (match, map) pair.
func Key(matchID, mapID string) string {
	return fmt.Sprintf("%s:%s", matchID, mapID)
}

// Bucket maps a shard key onto one of n numeric buckets. The bucket is
// informational (placement, dashboards); ordering is keyed on the exact
// pair, never the bucket.
func Bucket(key string, n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return crc32.ChecksumIEEE([]byte(key)) % n
}

// StreamKey returns the durable log key for a shard.
func StreamKey(shardKey string) string {
	return "events:" + shardKey
}

// LockKey returns the lock key for a shard.
func LockKey(shardKey string) string {
	return "shard:lock:" + shardKey
}
