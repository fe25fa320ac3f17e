package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/matchpulse/internal/schema"
)

// snapshotTTL is the sliding expiry on a match-state snapshot.
const snapshotTTL = 24 * time.Hour

func snapshotKey(matchID string) string {
	return "match:" + matchID
}

// UpdateChannel returns the pub/sub channel carrying state deltas for a
// match.
func UpdateChannel(matchID string) string {
	return "updates:match:" + matchID
}

// Delta is the message published after every state mutation.
type Delta struct {
	MatchID      string     `json:"match_id"`
	StateVersion uint64     `json:"state_version"`
	EventID      string     `json:"event_id"`
	EventType    string     `json:"event_type"`
	State        MatchState `json:"state"`
}

// Store persists match-state snapshots and publishes deltas. All writes
// for a match come from the shard's current lock owner, so there is no
// write contention on a key.
type Store struct {
	rdb redis.UniversalClient
}

// NewStore creates a snapshot store.
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Load returns the current snapshot, or a fresh initial state when the
// match has none yet.
func (s *Store) Load(ctx context.Context, matchID, mapID string) (MatchState, error) {
	raw, err := s.rdb.Get(ctx, snapshotKey(matchID)).Bytes()
	if err == redis.Nil {
		return NewMatchState(matchID, mapID), nil
	}
	if err != nil {
		return MatchState{}, fmt.Errorf("load state %s: %w", matchID, err)
	}
	var st MatchState
	if err := json.Unmarshal(raw, &st); err != nil {
		return MatchState{}, fmt.Errorf("decode state %s: %w", matchID, err)
	}
	return st, nil
}

// Save persists the snapshot with a refreshed TTL and publishes the
// delta for the event that produced it.
func (s *Store) Save(ctx context.Context, st MatchState, ev *schema.Event) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", st.MatchID, err)
	}
	delta, err := json.Marshal(Delta{
		MatchID:      st.MatchID,
		StateVersion: st.StateVersion,
		EventID:      ev.EventID,
		EventType:    string(ev.Type),
		State:        st,
	})
	if err != nil {
		return fmt.Errorf("encode delta %s: %w", st.MatchID, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, snapshotKey(st.MatchID), raw, snapshotTTL)
	pipe.Publish(ctx, UpdateChannel(st.MatchID), delta)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save state %s: %w", st.MatchID, err)
	}
	return nil
}
