package predict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/matchpulse/internal/ratings"
	"github.com/terminal-bench/matchpulse/internal/schema"
	"github.com/terminal-bench/matchpulse/internal/state"
)

func newTestEngine(src ratings.Source) *Engine {
	if src == nil {
		src = ratings.Static{}
	}
	return NewEngine(src, zerolog.Nop())
}

func liveState() state.MatchState {
	st := state.NewMatchState("m-1", "de_dust2")
	st.TeamA.ID = "t-alpha"
	st.TeamB.ID = "t-beta"
	st.TeamA.Side = state.SideCT
	st.TeamB.Side = state.SideT
	st.Phase = state.PhaseLive
	st.StateVersion = 12
	return st
}

func trigger(typ schema.EventType) *schema.Event {
	return &schema.Event{
		EventID: "e-42",
		MatchID: "m-1",
		MapID:   "de_dust2",
		Type:    typ,
	}
}

func TestPredictEvenState(t *testing.T) {
	e := newTestEngine(nil)
	pred, err := e.Predict(context.Background(), "m-1:de_dust2", liveState(), trigger(schema.TypeRoundStart))
	require.NoError(t, err)

	assert.Equal(t, 0.5, pred.PTeamAWin)
	assert.Equal(t, 0.5, pred.PTeamBWin)
	assert.Equal(t, ModelVersion, pred.ModelVersion)
	assert.Equal(t, "e-42", pred.TriggerEventID)
	assert.Equal(t, uint64(12), pred.StateVersion)
}

func TestFeatureWeights(t *testing.T) {
	t.Run("alive advantage", func(t *testing.T) {
		st := liveState()
		st.TeamA.AliveCount = 4
		st.TeamB.AliveCount = 2

		e := newTestEngine(nil)
		pred, err := e.Predict(context.Background(), "m-1:de_dust2", st, trigger(schema.TypeKill))
		require.NoError(t, err)
		assert.InDelta(t, 0.80, pred.PTeamAWin, 1e-9)
	})

	t.Run("probability is clamped to the ceiling", func(t *testing.T) {
		st := liveState()
		st.TeamB.AliveCount = 0

		e := newTestEngine(nil)
		pred, err := e.Predict(context.Background(), "m-1:de_dust2", st, trigger(schema.TypeKill))
		require.NoError(t, err)
		assert.Equal(t, 0.95, pred.PTeamAWin)
		assert.InDelta(t, 0.05, pred.PTeamBWin, 1e-9)
	})

	t.Run("bomb plant swings toward the attacking side", func(t *testing.T) {
		st := liveState()
		st.TeamA.Side = state.SideT
		st.TeamB.Side = state.SideCT
		st.BombPlanted = true

		e := newTestEngine(nil)
		pred, err := e.Predict(context.Background(), "m-1:de_dust2", st, trigger(schema.TypeBombPlanted))
		require.NoError(t, err)
		assert.InDelta(t, 0.75, pred.PTeamAWin, 1e-9)
	})

	t.Run("bomb plant swings against a defending team A", func(t *testing.T) {
		st := liveState()
		st.BombPlanted = true // team A is CT in liveState

		e := newTestEngine(nil)
		pred, err := e.Predict(context.Background(), "m-1:de_dust2", st, trigger(schema.TypeBombPlanted))
		require.NoError(t, err)
		assert.InDelta(t, 0.25, pred.PTeamAWin, 1e-9)
	})

	t.Run("strength difference from ratings", func(t *testing.T) {
		src := ratings.Static{"t-alpha": 1100, "t-beta": 1000}
		e := newTestEngine(src)
		pred, err := e.Predict(context.Background(), "m-1:de_dust2", liveState(), trigger(schema.TypeRoundStart))
		require.NoError(t, err)
		// (1100-1000)/500 = 0.2 strength diff at weight 0.10.
		assert.InDelta(t, 0.52, pred.PTeamAWin, 1e-9)
	})

	t.Run("loss streaks favor the team on a run", func(t *testing.T) {
		st := liveState()
		st.TeamB.ConsecutiveRoundLosses = 3 // team A won the last 3

		e := newTestEngine(nil)
		pred, err := e.Predict(context.Background(), "m-1:de_dust2", st, trigger(schema.TypeRoundStart))
		require.NoError(t, err)
		assert.InDelta(t, 0.56, pred.PTeamAWin, 1e-9)
	})
}

func TestDamping(t *testing.T) {
	t.Run("large swing is capped by elapsed time", func(t *testing.T) {
		t0 := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
		e := newTestEngine(nil)
		e.now = func() time.Time { return t0 }

		pred, err := e.Predict(context.Background(), "m-1:de_dust2", liveState(), trigger(schema.TypeRoundStart))
		require.NoError(t, err)
		require.Equal(t, 0.5, pred.PTeamAWin)

		// 500ms later a 4v2 snapshot scores 0.80 raw; the move is capped
		// at 0.20 + 0.5*0.05 = 0.225.
		e.now = func() time.Time { return t0.Add(500 * time.Millisecond) }
		st := liveState()
		st.TeamA.AliveCount = 4
		st.TeamB.AliveCount = 2

		pred, err = e.Predict(context.Background(), "m-1:de_dust2", st, trigger(schema.TypeKill))
		require.NoError(t, err)
		assert.InDelta(t, 0.725, pred.PTeamAWin, 1e-9)
		assert.InDelta(t, 0.275, pred.PTeamBWin, 1e-9)
	})

	t.Run("damping compounds across successive predictions", func(t *testing.T) {
		t0 := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
		e := newTestEngine(nil)
		e.now = func() time.Time { return t0 }

		_, err := e.Predict(context.Background(), "m-1:de_dust2", liveState(), trigger(schema.TypeRoundStart))
		require.NoError(t, err)

		st := liveState()
		st.TeamB.AliveCount = 0 // raw 0.95

		e.now = func() time.Time { return t0.Add(time.Second) }
		pred, err := e.Predict(context.Background(), "m-1:de_dust2", st, trigger(schema.TypeKill))
		require.NoError(t, err)
		assert.InDelta(t, 0.75, pred.PTeamAWin, 1e-9)

		e.now = func() time.Time { return t0.Add(2 * time.Second) }
		pred, err = e.Predict(context.Background(), "m-1:de_dust2", st, trigger(schema.TypeKill))
		require.NoError(t, err)
		assert.Equal(t, 0.95, pred.PTeamAWin, "second step reaches the raw value")
	})

	t.Run("shards do not share damping baselines", func(t *testing.T) {
		e := newTestEngine(nil)
		_, err := e.Predict(context.Background(), "m-1:de_dust2", liveState(), trigger(schema.TypeRoundStart))
		require.NoError(t, err)

		st := liveState()
		st.MatchID = "m-2"
		st.TeamB.AliveCount = 0
		pred, err := e.Predict(context.Background(), "m-2:de_mirage", st, trigger(schema.TypeKill))
		require.NoError(t, err)
		assert.Equal(t, 0.95, pred.PTeamAWin, "fresh shard starts undamped")
	})
}

func TestConfidence(t *testing.T) {
	cases := []struct {
		name   string
		aliveA int
		aliveB int
		bomb   bool
		want   float64
	}{
		{"full round floors at minimum", 5, 5, false, 0.10},
		{"late round is confident", 1, 1, false, 0.80},
		{"bomb adds certainty", 2, 2, true, 0.80},
		{"never exceeds ceiling", 0, 0, true, 0.95},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := liveState()
			st.TeamA.AliveCount = tc.aliveA
			st.TeamB.AliveCount = tc.aliveB
			st.BombPlanted = tc.bomb

			e := newTestEngine(nil)
			pred, err := e.Predict(context.Background(), "m-1:de_dust2", st, trigger(schema.TypeKill))
			require.NoError(t, err)
			assert.InDelta(t, tc.want, pred.Confidence, 1e-9)
		})
	}
}

func TestRounding(t *testing.T) {
	t.Run("probabilities round to 4 decimals and sum to 1", func(t *testing.T) {
		e := newTestEngine(nil)
		e.score = func(Features) (float64, error) { return 0.123456, nil }

		pred, err := e.Predict(context.Background(), "m-1:de_dust2", liveState(), trigger(schema.TypeKill))
		require.NoError(t, err)
		assert.Equal(t, 0.1235, pred.PTeamAWin)
		assert.Equal(t, 0.8765, pred.PTeamBWin)
	})
}

func TestScorerFallback(t *testing.T) {
	t.Run("returns last-good prediction at minimum confidence", func(t *testing.T) {
		e := newTestEngine(nil)
		st := liveState()
		st.TeamA.AliveCount = 4
		st.TeamB.AliveCount = 2

		first, err := e.Predict(context.Background(), "m-1:de_dust2", st, trigger(schema.TypeKill))
		require.NoError(t, err)

		e.score = func(Features) (float64, error) { return 0, errors.New("boom") }
		pred, err := e.Predict(context.Background(), "m-1:de_dust2", st, trigger(schema.TypeRoundEnd))
		require.NoError(t, err)

		assert.Equal(t, first.PTeamAWin, pred.PTeamAWin)
		assert.Equal(t, first.PTeamBWin, pred.PTeamBWin)
		assert.Equal(t, 0.10, pred.Confidence)
		assert.Equal(t, string(schema.TypeRoundEnd), pred.TriggerEventType)
	})

	t.Run("propagates failure when no previous prediction exists", func(t *testing.T) {
		e := newTestEngine(nil)
		e.score = func(Features) (float64, error) { return 0, errors.New("boom") }

		_, err := e.Predict(context.Background(), "m-1:de_dust2", liveState(), trigger(schema.TypeKill))
		assert.ErrorIs(t, err, ErrNoPrediction)
	})

	t.Run("DropShard clears the fallback baseline", func(t *testing.T) {
		e := newTestEngine(nil)
		_, err := e.Predict(context.Background(), "m-1:de_dust2", liveState(), trigger(schema.TypeKill))
		require.NoError(t, err)

		e.DropShard("m-1:de_dust2")
		e.score = func(Features) (float64, error) { return 0, errors.New("boom") }
		_, err = e.Predict(context.Background(), "m-1:de_dust2", liveState(), trigger(schema.TypeKill))
		assert.ErrorIs(t, err, ErrNoPrediction)
	})
}
