package state

import (
	"github.com/terminal-bench/matchpulse/internal/schema"
)

const bombTimerSeconds = 40

// Reduce applies one event to the match state and returns the new
// state. It is a pure function: no I/O, no clock, deterministic for a
// given (state, event) pair. Unknown event types leave the aggregate
// untouched but still bump the state version, so replays and live
// processing agree on version numbers. An event id already in the
// recent window is a redelivery and returns the state unchanged, so
// apply(apply(s, e), e) = apply(s, e).
func Reduce(st MatchState, ev *schema.Event) MatchState {
	if st.Applied(ev.EventID) {
		return st
	}

	switch ev.Type {
	case schema.TypeMatchStart:
		st.TeamA.MapsWon = 0
		st.TeamB.MapsWon = 0

	case schema.TypeMapStart:
		st.TeamA.Score = 0
		st.TeamB.Score = 0
		st.TeamA.KillsRound = 0
		st.TeamB.KillsRound = 0
		st.RoundNo = 1
		st.Phase = PhaseWarmup
		st.BombPlanted = false
		st.BombSite = ""
		if ev.MapID != "" {
			st.MapID = ev.MapID
		}

	case schema.TypeRoundStart:
		st.Phase = PhaseFreeze
		st.TeamA.AliveCount = 5
		st.TeamB.AliveCount = 5
		st.TeamA.KillsRound = 0
		st.TeamB.KillsRound = 0
		st.BombPlanted = false
		st.BombSite = ""
		st.SecondsRemaining = 0
		if ev.RoundNo > 0 {
			st.RoundNo = ev.RoundNo
		}
		if side, ok := ev.PayloadString("team_a_side"); ok {
			st.TeamA.Side = Side(side)
		}
		if side, ok := ev.PayloadString("team_b_side"); ok {
			st.TeamB.Side = Side(side)
		}
		if id, ok := ev.PayloadString("team_a_id"); ok {
			st.TeamA.ID = id
		}
		if id, ok := ev.PayloadString("team_b_id"); ok {
			st.TeamB.ID = id
		}

	case schema.TypeFreezeTimeEnded:
		st.Phase = PhaseLive

	case schema.TypeKill:
		if team, ok := ev.PayloadString("victim_team"); ok {
			victim := teamRef(&st, team)
			if victim != nil && victim.AliveCount > 0 {
				victim.AliveCount--
			}
		}
		if team, ok := ev.PayloadString("killer_team"); ok {
			if killer := teamRef(&st, team); killer != nil {
				killer.KillsRound++
				killer.KillsTotal++
			}
		}

	case schema.TypeBombPlanted:
		st.Phase = PhaseBombPlanted
		st.BombPlanted = true
		st.SecondsRemaining = bombTimerSeconds
		if site, ok := ev.PayloadString("site"); ok {
			st.BombSite = site
		}

	case schema.TypeBombDefused, schema.TypeBombExploded:
		st.Phase = PhaseEnded
		st.BombPlanted = false

	case schema.TypeRoundEnd:
		st = reduceRoundEnd(st, ev)

	case schema.TypeMapEnd:
		if team, ok := ev.PayloadString("winner_team"); ok {
			if winner := teamRef(&st, team); winner != nil {
				winner.MapsWon++
			}
		}

	case schema.TypeEconomyUpdate:
		if n, ok := ev.PayloadInt("team_a_econ"); ok {
			st.TeamA.Money = n
		}
		if n, ok := ev.PayloadInt("team_b_econ"); ok {
			st.TeamB.Money = n
		}
		if n, ok := ev.PayloadInt("team_a_equipment_value"); ok {
			st.TeamA.EquipmentValue = n
		}
		if n, ok := ev.PayloadInt("team_b_equipment_value"); ok {
			st.TeamB.EquipmentValue = n
		}

	default:
		// No aggregate change; version still advances below.
	}

	st.StateVersion++
	st.LastEventID = ev.EventID
	if !ev.TsIngest.IsZero() {
		st.LastEventAt = ev.TsIngest
	} else {
		st.LastEventAt = ev.TsEvent
	}
	if ev.EventID != "" {
		// Copy-on-append, like the round history: the input state's ring
		// is never mutated through a shared backing array.
		recent := make([]string, len(st.RecentEventIDs), len(st.RecentEventIDs)+1)
		copy(recent, st.RecentEventIDs)
		recent = append(recent, ev.EventID)
		if len(recent) > recentEventWindow {
			recent = recent[len(recent)-recentEventWindow:]
		}
		st.RecentEventIDs = recent
	}
	return st
}

func reduceRoundEnd(st MatchState, ev *schema.Event) MatchState {
	st.Phase = PhaseEnded

	winner, _ := ev.PayloadString("winner_team")

	// Payload scores are authoritative when present, allowing the
	// source to correct earlier drift; otherwise the winner's score is
	// incremented locally.
	aScore, aOK := ev.PayloadInt("team_a_score")
	bScore, bOK := ev.PayloadInt("team_b_score")
	if aOK && bOK {
		st.TeamA.Score = int(aScore)
		st.TeamB.Score = int(bScore)
	} else if w := teamRef(&st, winner); w != nil {
		w.Score++
	}

	roundNo := st.RoundNo
	if ev.RoundNo > 0 {
		roundNo = ev.RoundNo
	}
	reason, _ := ev.PayloadString("win_reason")
	record := RoundRecord{
		RoundNo:    roundNo,
		Winner:     winner,
		WinReason:  reason,
		TeamAKills: st.TeamA.KillsRound,
		TeamBKills: st.TeamB.KillsRound,
	}
	// Copy-on-append keeps the reducer pure: the input state's history
	// slice is never mutated through a shared backing array.
	history := make([]RoundRecord, len(st.RoundHistory), len(st.RoundHistory)+1)
	copy(history, st.RoundHistory)
	st.RoundHistory = append(history, record)

	switch winner {
	case "A":
		st.TeamA.ConsecutiveRoundLosses = 0
		st.TeamB.ConsecutiveRoundLosses++
	case "B":
		st.TeamB.ConsecutiveRoundLosses = 0
		st.TeamA.ConsecutiveRoundLosses++
	}
	return st
}

func teamRef(st *MatchState, team string) *TeamState {
	switch team {
	case "A":
		return &st.TeamA
	case "B":
		return &st.TeamB
	default:
		return nil
	}
}
