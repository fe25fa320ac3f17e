// Package ratings resolves team strength ratings for the prediction
// engine, backed by Postgres with an in-process cache.
package ratings

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// DefaultRating is used when a team has no stored rating or the store
// is unreachable; predictions degrade to neutral strength rather than
// failing.
const DefaultRating = 1000.0

// Source yields the strength rating for a team.
type Source interface {
	Rating(ctx context.Context, teamID string) float64
}

// Static is a Source with a fixed table; used when DATABASE_URL is not
// configured and by tests.
type Static map[string]float64

func (s Static) Rating(_ context.Context, teamID string) float64 {
	if r, ok := s[teamID]; ok {
		return r
	}
	return DefaultRating
}

type cachedRating struct {
	rating  float64
	fetched time.Time
}

// Repo reads team ratings from Postgres. Lookups sit on the prediction
// hot path, so results are cached for cacheTTL.
type Repo struct {
	db       *sql.DB
	cacheTTL time.Duration
	log      zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cachedRating
}

// NewRepo opens the ratings database.
func NewRepo(databaseURL string, log zerolog.Logger) (*Repo, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	return &Repo{
		db:       db,
		cacheTTL: 5 * time.Minute,
		log:      log.With().Str("component", "ratings").Logger(),
		cache:    make(map[string]cachedRating),
	}, nil
}

// Rating returns the team's rating, the cached value within TTL, or
// DefaultRating when the row or the database is unavailable.
func (r *Repo) Rating(ctx context.Context, teamID string) float64 {
	if teamID == "" {
		return DefaultRating
	}

	r.mu.RLock()
	if c, ok := r.cache[teamID]; ok && time.Since(c.fetched) < r.cacheTTL {
		r.mu.RUnlock()
		return c.rating
	}
	r.mu.RUnlock()

	var rating float64
	err := r.db.QueryRowContext(ctx,
		`SELECT rating FROM team_ratings WHERE team_id = $1`, teamID,
	).Scan(&rating)
	if err == sql.ErrNoRows {
		rating = DefaultRating
	} else if err != nil {
		r.log.Warn().Err(err).Str("team_id", teamID).Msg("rating lookup failed, using default")
		return DefaultRating
	}

	r.mu.Lock()
	r.cache[teamID] = cachedRating{rating: rating, fetched: time.Now()}
	r.mu.Unlock()
	return rating
}

// Close releases the database handle.
func (r *Repo) Close() error {
	return r.db.Close()
}
