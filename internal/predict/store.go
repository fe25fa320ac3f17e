package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// predictionTTL keeps the latest prediction around briefly for late
// subscribers; the pub/sub channel is the primary delivery path.
const predictionTTL = 10 * time.Minute

func predictionKey(matchID string) string {
	return "prediction:" + matchID
}

// UpdateChannel returns the pub/sub channel carrying prediction updates
// for a match.
func UpdateChannel(matchID string) string {
	return "updates:prediction:" + matchID
}

// Store persists the latest prediction per match and publishes each new
// one.
type Store struct {
	rdb redis.UniversalClient
}

// NewStore creates a prediction store.
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Save writes the prediction snapshot and publishes it.
func (s *Store) Save(ctx context.Context, pred Prediction) error {
	raw, err := json.Marshal(pred)
	if err != nil {
		return fmt.Errorf("encode prediction %s: %w", pred.MatchID, err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, predictionKey(pred.MatchID), raw, predictionTTL)
	pipe.Publish(ctx, UpdateChannel(pred.MatchID), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save prediction %s: %w", pred.MatchID, err)
	}
	return nil
}

// Load returns the latest stored prediction for a match, or nil when
// none exists.
func (s *Store) Load(ctx context.Context, matchID string) (*Prediction, error) {
	raw, err := s.rdb.Get(ctx, predictionKey(matchID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load prediction %s: %w", matchID, err)
	}
	var pred Prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return nil, fmt.Errorf("decode prediction %s: %w", matchID, err)
	}
	return &pred, nil
}
