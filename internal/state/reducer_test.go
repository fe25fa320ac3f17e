package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/matchpulse/internal/schema"
)

var evCounter int

// ev mints events with distinct ids; redelivery behavior is exercised
// explicitly by reusing a returned event.
func ev(typ schema.EventType, payload map[string]any) *schema.Event {
	evCounter++
	return &schema.Event{
		EventID: fmt.Sprintf("e-%d", evCounter),
		MatchID: "m-1",
		MapID:   "de_dust2",
		Type:    typ,
		Payload: payload,
		TsEvent: time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC),
	}
}

func startedState() MatchState {
	st := NewMatchState("m-1", "de_dust2")
	st = Reduce(st, ev(schema.TypeRoundStart, map[string]any{
		"team_a_score": float64(0), "team_b_score": float64(0),
		"team_a_side": "CT", "team_b_side": "T",
		"team_a_id": "t-alpha", "team_b_id": "t-beta",
	}))
	st = Reduce(st, ev(schema.TypeFreezeTimeEnded, nil))
	return st
}

func TestRoundStart(t *testing.T) {
	st := NewMatchState("m-1", "de_dust2")
	st = Reduce(st, ev(schema.TypeRoundStart, map[string]any{
		"team_a_side": "CT", "team_b_side": "T",
		"team_a_id": "t-alpha", "team_b_id": "t-beta",
	}))

	assert.Equal(t, PhaseFreeze, st.Phase)
	assert.Equal(t, 5, st.TeamA.AliveCount)
	assert.Equal(t, 5, st.TeamB.AliveCount)
	assert.Equal(t, SideCT, st.TeamA.Side)
	assert.Equal(t, SideT, st.TeamB.Side)
	assert.Equal(t, "t-alpha", st.TeamA.ID)
	assert.False(t, st.BombPlanted)
	assert.Equal(t, uint64(1), st.StateVersion)
}

func TestKill(t *testing.T) {
	t.Run("decrements victim and credits killer", func(t *testing.T) {
		st := startedState()
		st = Reduce(st, ev(schema.TypeKill, map[string]any{
			"killer_team": "A", "victim_team": "B",
		}))

		assert.Equal(t, 4, st.TeamB.AliveCount)
		assert.Equal(t, 5, st.TeamA.AliveCount)
		assert.Equal(t, 1, st.TeamA.KillsRound)
		assert.Equal(t, 1, st.TeamA.KillsTotal)
	})

	t.Run("alive count never goes below zero", func(t *testing.T) {
		st := startedState()
		for i := 0; i < 8; i++ {
			st = Reduce(st, ev(schema.TypeKill, map[string]any{
				"killer_team": "A", "victim_team": "B",
			}))
		}
		assert.Equal(t, 0, st.TeamB.AliveCount)
		assert.Equal(t, 8, st.TeamA.KillsTotal)
	})
}

func TestBombLifecycle(t *testing.T) {
	st := startedState()
	st = Reduce(st, ev(schema.TypeBombPlanted, map[string]any{
		"player_id": "p1", "player_team": "B", "site": "B",
	}))
	assert.Equal(t, PhaseBombPlanted, st.Phase)
	assert.True(t, st.BombPlanted)
	assert.Equal(t, "B", st.BombSite)
	assert.Equal(t, 40, st.SecondsRemaining)

	st = Reduce(st, ev(schema.TypeBombDefused, map[string]any{
		"player_id": "p2", "player_team": "A", "site": "B",
	}))
	assert.Equal(t, PhaseEnded, st.Phase)
	assert.False(t, st.BombPlanted)
}

func TestRoundEnd(t *testing.T) {
	t.Run("adopts authoritative payload scores", func(t *testing.T) {
		st := startedState()
		st = Reduce(st, ev(schema.TypeRoundEnd, map[string]any{
			"winner_team": "A", "win_reason": "elimination",
			"team_a_score": float64(7), "team_b_score": float64(3),
		}))
		assert.Equal(t, 7, st.TeamA.Score)
		assert.Equal(t, 3, st.TeamB.Score)
	})

	t.Run("increments winner score without payload scores", func(t *testing.T) {
		st := startedState()
		st = Reduce(st, ev(schema.TypeRoundEnd, map[string]any{
			"winner_team": "B", "win_reason": "bomb_exploded",
		}))
		assert.Equal(t, 0, st.TeamA.Score)
		assert.Equal(t, 1, st.TeamB.Score)
	})

	t.Run("tracks loss streaks and round history", func(t *testing.T) {
		st := startedState()
		for i := 0; i < 3; i++ {
			st = Reduce(st, ev(schema.TypeRoundEnd, map[string]any{
				"winner_team": "A", "win_reason": "elimination",
			}))
		}
		assert.Equal(t, 0, st.TeamA.ConsecutiveRoundLosses)
		assert.Equal(t, 3, st.TeamB.ConsecutiveRoundLosses)
		require.Len(t, st.RoundHistory, 3)
		assert.Equal(t, "A", st.RoundHistory[0].Winner)
		assert.Equal(t, "elimination", st.RoundHistory[0].WinReason)

		st = Reduce(st, ev(schema.TypeRoundEnd, map[string]any{
			"winner_team": "B", "win_reason": "time_expired",
		}))
		assert.Equal(t, 0, st.TeamB.ConsecutiveRoundLosses)
		assert.Equal(t, 1, st.TeamA.ConsecutiveRoundLosses)
	})

	t.Run("round history append does not mutate the input state", func(t *testing.T) {
		before := startedState()
		after := Reduce(before, ev(schema.TypeRoundEnd, map[string]any{
			"winner_team": "A", "win_reason": "elimination",
		}))
		assert.Empty(t, before.RoundHistory)
		assert.Len(t, after.RoundHistory, 1)
	})
}

func TestMapTransitions(t *testing.T) {
	st := startedState()
	st = Reduce(st, ev(schema.TypeRoundEnd, map[string]any{
		"winner_team": "A", "win_reason": "elimination",
	}))
	st = Reduce(st, ev(schema.TypeMapEnd, map[string]any{"winner_team": "A"}))
	assert.Equal(t, 1, st.TeamA.MapsWon)

	st = Reduce(st, ev(schema.TypeMapStart, nil))
	assert.Equal(t, 0, st.TeamA.Score)
	assert.Equal(t, 1, st.RoundNo)
	assert.Equal(t, PhaseWarmup, st.Phase)
	assert.Equal(t, 1, st.TeamA.MapsWon, "maps_won survives a map reset")

	st = Reduce(st, ev(schema.TypeMatchStart, nil))
	assert.Equal(t, 0, st.TeamA.MapsWon)
}

func TestEconomyUpdate(t *testing.T) {
	st := startedState()
	st = Reduce(st, ev(schema.TypeEconomyUpdate, map[string]any{
		"team_a_econ": float64(12000), "team_b_econ": float64(4300),
		"team_a_equipment_value": float64(20500),
	}))
	assert.Equal(t, int64(12000), st.TeamA.Money)
	assert.Equal(t, int64(4300), st.TeamB.Money)
	assert.Equal(t, int64(20500), st.TeamA.EquipmentValue)
	assert.Equal(t, int64(0), st.TeamB.EquipmentValue)
}

func TestVersionAlwaysAdvances(t *testing.T) {
	t.Run("no-op types still bump state_version", func(t *testing.T) {
		st := startedState()
		v := st.StateVersion
		st = Reduce(st, ev(schema.TypePlayerHurt, map[string]any{"player_id": "p3"}))
		assert.Equal(t, v+1, st.StateVersion)

		st = Reduce(st, ev(schema.EventType("drone_sighting"), nil))
		assert.Equal(t, v+2, st.StateVersion)
	})
}

func TestReduceDeterministic(t *testing.T) {
	t.Run("same input produces the same output", func(t *testing.T) {
		events := []*schema.Event{
			ev(schema.TypeRoundStart, map[string]any{
				"team_a_side": "CT", "team_b_side": "T",
				"team_a_id": "t-alpha", "team_b_id": "t-beta",
			}),
			ev(schema.TypeFreezeTimeEnded, nil),
			ev(schema.TypeKill, map[string]any{"killer_team": "A", "victim_team": "B"}),
		}
		a := NewMatchState("m-1", "de_dust2")
		b := NewMatchState("m-1", "de_dust2")
		for _, e := range events {
			a = Reduce(a, e)
			b = Reduce(b, e)
		}
		assert.Equal(t, a, b)
	})

	t.Run("reapplying an event is a no-op", func(t *testing.T) {
		st := startedState()
		e := ev(schema.TypeRoundEnd, map[string]any{
			"winner_team": "A", "win_reason": "elimination",
			"team_a_score": float64(1), "team_b_score": float64(0),
		})
		once := Reduce(st, e)
		twice := Reduce(once, e)
		assert.Equal(t, once, twice)
	})
}

func TestRedeliveredEventDoesNotMutateTwice(t *testing.T) {
	t.Run("second application of a kill leaves the state unchanged", func(t *testing.T) {
		st := startedState()
		kill := ev(schema.TypeKill, map[string]any{"killer_team": "A", "victim_team": "B"})

		st = Reduce(st, kill)
		require.Equal(t, 4, st.TeamB.AliveCount)
		version := st.StateVersion

		st = Reduce(st, kill)
		assert.Equal(t, 4, st.TeamB.AliveCount, "alive count decremented once")
		assert.Equal(t, 1, st.TeamA.KillsTotal, "kill credited once")
		assert.Equal(t, version, st.StateVersion, "version bumped once")
	})

	t.Run("applied-id window is bounded", func(t *testing.T) {
		st := startedState()
		first := ev(schema.TypeKill, map[string]any{"killer_team": "A", "victim_team": "B"})
		st = Reduce(st, first)

		for i := 0; i < 140; i++ {
			st = Reduce(st, ev(schema.TypePlayerHurt, map[string]any{"player_id": "p3"}))
		}
		assert.LessOrEqual(t, len(st.RecentEventIDs), recentEventWindow)
		assert.False(t, st.Applied(first.EventID), "old ids age out of the window")
	})
}

func TestReplayRebuildsState(t *testing.T) {
	events := []*schema.Event{
		ev(schema.TypeMapStart, nil),
		ev(schema.TypeRoundStart, map[string]any{
			"team_a_side": "CT", "team_b_side": "T",
			"team_a_id": "t-alpha", "team_b_id": "t-beta",
		}),
		ev(schema.TypeFreezeTimeEnded, nil),
		ev(schema.TypeKill, map[string]any{"killer_team": "A", "victim_team": "B"}),
		ev(schema.TypeKill, map[string]any{"killer_team": "A", "victim_team": "B"}),
		ev(schema.TypeRoundEnd, map[string]any{"winner_team": "A", "win_reason": "elimination"}),
	}

	live := NewMatchState("m-1", "de_dust2")
	for _, e := range events {
		live = Reduce(live, e)
	}
	replayed := NewMatchState("m-1", "de_dust2")
	for _, e := range events {
		replayed = Reduce(replayed, e)
	}

	assert.Equal(t, live.TeamA.Score, replayed.TeamA.Score)
	assert.Equal(t, live.RoundNo, replayed.RoundNo)
	assert.Equal(t, live.TeamA.KillsTotal, replayed.TeamA.KillsTotal)
	assert.Equal(t, live.StateVersion, replayed.StateVersion)
}
