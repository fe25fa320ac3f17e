// Package state owns the live per-match aggregate: a pure reducer over
// events plus a versioned snapshot store.
package state

import (
	"time"
)

// Side is which half a team is currently playing.
type Side string

const (
	SideCT Side = "CT"
	SideT  Side = "T"
)

// Phase is the round phase.
type Phase string

const (
	PhaseWarmup      Phase = "warmup"
	PhaseFreeze      Phase = "freeze"
	PhaseLive        Phase = "live"
	PhaseBombPlanted Phase = "bomb_planted"
	PhaseEnded       Phase = "ended"
)

// TeamState aggregates one team's standing within the match.
type TeamState struct {
	ID                     string `json:"id,omitempty"`
	Score                  int    `json:"score"`
	MapsWon                int    `json:"maps_won"`
	AliveCount             int    `json:"alive_count"`
	ConsecutiveRoundLosses int    `json:"consecutive_round_losses"`
	Side                   Side   `json:"side,omitempty"`
	Money                  int64  `json:"money"`
	EquipmentValue         int64  `json:"equipment_value"`
	KillsRound             int    `json:"kills_round"`
	KillsTotal             int    `json:"kills_total"`
}

// RoundRecord is one entry of the round history.
type RoundRecord struct {
	RoundNo    int    `json:"round_no"`
	Winner     string `json:"winner"`
	WinReason  string `json:"win_reason"`
	TeamAKills int    `json:"team_a_kills"`
	TeamBKills int    `json:"team_b_kills"`
}

// recentEventWindow bounds the applied-id ring carried in the snapshot.
// It comfortably covers the reorder buffer plus the lateness window.
const recentEventWindow = 128

// MatchState is the live aggregate for one match. StateVersion is
// strictly increasing: every applied event bumps it exactly once.
type MatchState struct {
	MatchID string `json:"match_id"`
	MapID   string `json:"map_id,omitempty"`

	TeamA TeamState `json:"team_a"`
	TeamB TeamState `json:"team_b"`

	RoundNo          int    `json:"round_no"`
	Phase            Phase  `json:"phase"`
	BombPlanted      bool   `json:"bomb_planted"`
	BombSite         string `json:"bomb_site,omitempty"`
	SecondsRemaining int    `json:"seconds_remaining"`

	LastEventID  string    `json:"last_event_id,omitempty"`
	LastEventAt  time.Time `json:"last_event_at,omitempty"`
	StateVersion uint64    `json:"state_version"`

	RoundHistory []RoundRecord `json:"round_history,omitempty"`

	// RecentEventIDs is a bounded ring of the last applied event ids.
	// Redeliveries (claimed stale entries, DLQ requeues) hit this ring
	// and leave the aggregate untouched.
	RecentEventIDs []string `json:"recent_event_ids,omitempty"`
}

// Applied reports whether an event id already mutated this state within
// the recent window.
func (st *MatchState) Applied(eventID string) bool {
	if eventID == "" {
		return false
	}
	for _, id := range st.RecentEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// NewMatchState returns the initial state for a match.
func NewMatchState(matchID, mapID string) MatchState {
	return MatchState{
		MatchID: matchID,
		MapID:   mapID,
		Phase:   PhaseWarmup,
		TeamA:   TeamState{AliveCount: 5},
		TeamB:   TeamState{AliveCount: 5},
	}
}
