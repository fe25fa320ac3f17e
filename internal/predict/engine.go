// Package predict derives a win probability from the live match state
// using a deterministic rule-based scorer with swing damping and a
// last-good fallback.
package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/matchpulse/internal/ratings"
	"github.com/terminal-bench/matchpulse/internal/schema"
	"github.com/terminal-bench/matchpulse/internal/state"
)

// ModelVersion tags every prediction with the scorer revision.
const ModelVersion = "rule-based-v2"

// Scoring constants. These are the contract: downstream consumers and
// the evaluation harness assume exactly these weights.
const (
	weightStrength = 0.10
	weightAlive    = 0.15
	weightEquip    = 0.05
	weightStreak   = 0.02
	bombSwing      = 0.25

	probFloor = 0.05
	probCeil  = 0.95

	confFloor = 0.10
	confCeil  = 0.95

	// Damping: the probability may move at most baseMaxSwing plus
	// swingPerSecond for each second since the previous prediction.
	baseMaxSwing   = 0.20
	swingPerSecond = 0.05
)

// ErrNoPrediction is returned when the scorer fails and no previous
// prediction exists to fall back on.
var ErrNoPrediction = errors.New("no prediction available")

// Prediction is the scored outcome for one state snapshot.
type Prediction struct {
	MatchID          string    `json:"match_id"`
	PTeamAWin        float64   `json:"p_team_a_win"`
	PTeamBWin        float64   `json:"p_team_b_win"`
	Confidence       float64   `json:"confidence"`
	ModelVersion     string    `json:"model_version"`
	TriggerEventID   string    `json:"trigger_event_id"`
	TriggerEventType string    `json:"trigger_event_type"`
	TsCalc           time.Time `json:"ts_calc"`
	StateVersion     uint64    `json:"state_version"`
}

// Features are the inputs extracted from state for one scoring pass.
type Features struct {
	AliveDiff    int
	EquipDiff    float64
	EconDiff     float64
	BombPlanted  bool
	TeamASide    state.Side
	WinStreakA   int
	WinStreakB   int
	StrengthDiff float64
}

// Engine computes predictions. It keeps the previous prediction per
// shard for damping and fallback; persistence of the latest snapshot is
// the consumer's job.
type Engine struct {
	ratings ratings.Source
	log     zerolog.Logger

	mu   sync.Mutex
	prev map[string]Prediction

	now   func() time.Time
	score func(Features) (float64, error) // test hook
}

// NewEngine creates a prediction engine.
func NewEngine(src ratings.Source, log zerolog.Logger) *Engine {
	e := &Engine{
		ratings: src,
		log:     log.With().Str("component", "predict").Logger(),
		prev:    make(map[string]Prediction),
		now:     time.Now,
	}
	e.score = e.ruleScore
	return e
}

// ExtractFeatures projects the state into scorer inputs, clamped to
// their documented ranges.
func (e *Engine) ExtractFeatures(ctx context.Context, st state.MatchState) Features {
	ratingA := e.ratings.Rating(ctx, st.TeamA.ID)
	ratingB := e.ratings.Rating(ctx, st.TeamB.ID)

	return Features{
		AliveDiff:    clampInt(st.TeamA.AliveCount-st.TeamB.AliveCount, -5, 5),
		EquipDiff:    clampFloat(float64(st.TeamA.EquipmentValue-st.TeamB.EquipmentValue)/10000, -1, 1),
		EconDiff:     clampFloat(float64(st.TeamA.Money-st.TeamB.Money)/10000, -1, 1),
		BombPlanted:  st.BombPlanted,
		TeamASide:    st.TeamA.Side,
		WinStreakA:   st.TeamB.ConsecutiveRoundLosses,
		WinStreakB:   st.TeamA.ConsecutiveRoundLosses,
		StrengthDiff: (ratingA - ratingB) / 500,
	}
}

// ruleScore computes the raw team-A win probability.
func (e *Engine) ruleScore(f Features) (float64, error) {
	p := 0.5 +
		weightStrength*f.StrengthDiff +
		weightAlive*float64(f.AliveDiff) +
		weightEquip*f.EquipDiff +
		weightStreak*float64(f.WinStreakA-f.WinStreakB)

	if f.BombPlanted {
		switch f.TeamASide {
		case state.SideT:
			p += bombSwing
		case state.SideCT:
			p -= bombSwing
		}
	}

	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("scorer produced non-finite probability")
	}
	return clampFloat(p, probFloor, probCeil), nil
}

// Predict scores the state snapshot for shardKey, triggered by ev.
// A scorer failure returns the previous prediction at minimum
// confidence; with no previous prediction the failure propagates.
func (e *Engine) Predict(ctx context.Context, shardKey string, st state.MatchState, ev *schema.Event) (Prediction, error) {
	now := e.now()

	e.mu.Lock()
	prev, hasPrev := e.prev[shardKey]
	e.mu.Unlock()

	p, err := e.score(e.ExtractFeatures(ctx, st))
	if err != nil {
		if !hasPrev {
			return Prediction{}, fmt.Errorf("%w: %v", ErrNoPrediction, err)
		}
		e.log.Warn().Err(err).Str("shard", shardKey).Msg("scorer failed, returning last-good prediction")
		fallback := prev
		fallback.Confidence = confFloor
		fallback.TsCalc = now
		fallback.TriggerEventID = ev.EventID
		fallback.TriggerEventType = string(ev.Type)
		e.remember(shardKey, fallback)
		return fallback, nil
	}

	if hasPrev {
		p = dampen(p, prev.PTeamAWin, now.Sub(prev.TsCalc).Seconds())
	}

	conf := 1 - float64(st.TeamA.AliveCount+st.TeamB.AliveCount)/10
	if st.BombPlanted {
		conf += 0.2
	}
	conf = clampFloat(conf, confFloor, confCeil)

	// Exact 4-dp rounding with an exact complement, so the pair always
	// sums to 1 after rounding.
	pA := decimal.NewFromFloat(p).Round(4)
	pB := decimal.NewFromInt(1).Sub(pA)

	pred := Prediction{
		MatchID:          st.MatchID,
		PTeamAWin:        pA.InexactFloat64(),
		PTeamBWin:        pB.InexactFloat64(),
		Confidence:       conf,
		ModelVersion:     ModelVersion,
		TriggerEventID:   ev.EventID,
		TriggerEventType: string(ev.Type),
		TsCalc:           now,
		StateVersion:     st.StateVersion,
	}
	e.remember(shardKey, pred)
	return pred, nil
}

// dampen bounds the move from the previous probability: large jumps are
// spread over successive predictions instead of spiking the feed.
func dampen(p, pPrev, ageSeconds float64) float64 {
	maxMove := baseMaxSwing + math.Max(0, ageSeconds)*swingPerSecond
	delta := p - pPrev
	if math.Abs(delta) <= maxMove {
		return p
	}
	if delta > 0 {
		return pPrev + maxMove
	}
	return pPrev - maxMove
}

func (e *Engine) remember(shardKey string, pred Prediction) {
	e.mu.Lock()
	e.prev[shardKey] = pred
	e.mu.Unlock()
}

// DropShard forgets damping state for a shard; called on lock loss so
// the next owner starts from its own baseline.
func (e *Engine) DropShard(shardKey string) {
	e.mu.Lock()
	delete(e.prev, shardKey)
	e.mu.Unlock()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
