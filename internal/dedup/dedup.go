// Package dedup tracks seen event ids so duplicate deliveries are
// accepted without a second state application.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Mode selects the dedup storage layout.
type Mode string

const (
	// ModeSet keeps a bounded per-match set. Memory is capped by random
	// pruning at the cost of a slightly higher false-miss rate late in
	// a match; duplicates inside a match-duration window are what matter.
	ModeSet Mode = "set"
	// ModeKey keeps one TTL key per event id, for sources that do not
	// send a match_id.
	ModeKey Mode = "key"
)

// Config holds dedup parameters.
type Config struct {
	Mode       Mode
	TTL        time.Duration
	MaxSetSize int64
}

// Service answers "have we seen this event id before?".
type Service struct {
	rdb redis.UniversalClient
	cfg Config
	log zerolog.Logger
}

// NewService creates a dedup service.
func NewService(rdb redis.UniversalClient, cfg Config, log zerolog.Logger) *Service {
	if cfg.Mode == "" {
		cfg.Mode = ModeSet
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Hour
	}
	if cfg.MaxSetSize <= 0 {
		cfg.MaxSetSize = 50000
	}
	return &Service{rdb: rdb, cfg: cfg, log: log.With().Str("component", "dedup").Logger()}
}

func matchSetKey(matchID string) string {
	return "match:events:" + matchID
}

func eventKey(eventID string) string {
	return "event:seen:" + eventID
}

// IsDuplicate reports whether eventID was already admitted.
func (s *Service) IsDuplicate(ctx context.Context, eventID, matchID string) (bool, error) {
	if s.cfg.Mode == ModeKey || matchID == "" {
		n, err := s.rdb.Exists(ctx, eventKey(eventID)).Result()
		return n > 0, err
	}
	return s.rdb.SIsMember(ctx, matchSetKey(matchID), eventID).Result()
}

// MarkSeen records eventID. In set mode it installs the match TTL on
// first write and prunes a random slice once the set outgrows the cap.
func (s *Service) MarkSeen(ctx context.Context, eventID, matchID string) error {
	if s.cfg.Mode == ModeKey || matchID == "" {
		return s.rdb.Set(ctx, eventKey(eventID), 1, s.cfg.TTL).Err()
	}

	key := matchSetKey(matchID)
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, key, eventID)
	pipe.ExpireNX(ctx, key, s.cfg.TTL)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if over := card.Val() - s.cfg.MaxSetSize; over > 0 {
		victims, err := s.rdb.SRandMemberN(ctx, key, over).Result()
		if err != nil {
			return err
		}
		if len(victims) > 0 {
			members := make([]any, len(victims))
			for i, v := range victims {
				members[i] = v
			}
			if err := s.rdb.SRem(ctx, key, members...).Err(); err != nil {
				return err
			}
			s.log.Debug().Str("match_id", matchID).Int("pruned", len(victims)).
				Msg("pruned dedup set to cap")
		}
	}
	return nil
}
