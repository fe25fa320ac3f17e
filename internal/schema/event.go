// Package schema defines the canonical match event shape and validates
// incoming payloads before they are admitted to the durable log.
package schema

import (
	"encoding/json"
	"time"
)

// MaxEventBytes is the cap on a single serialized event.
const MaxEventBytes = 64 * 1024

// SchemaVersion is the single supported event schema version.
const SchemaVersion = "1.0"

// EventType labels the closed set of event variants.
type EventType string

const (
	TypeMatchStart      EventType = "match_start"
	TypeMatchEnd        EventType = "match_end"
	TypeMapStart        EventType = "map_start"
	TypeMapEnd          EventType = "map_end"
	TypeRoundStart      EventType = "round_start"
	TypeRoundEnd        EventType = "round_end"
	TypeKill            EventType = "kill"
	TypeDeath           EventType = "death"
	TypeAssist          EventType = "assist"
	TypeBombPlanted     EventType = "bomb_planted"
	TypeBombDefused     EventType = "bomb_defused"
	TypeBombExploded    EventType = "bomb_exploded"
	TypePlayerHurt      EventType = "player_hurt"
	TypeFreezeTimeEnded EventType = "freeze_time_ended"
	TypeTimeoutStart    EventType = "timeout_start"
	TypeTimeoutEnd      EventType = "timeout_end"
	TypeEconomyUpdate   EventType = "economy_update"
)

var knownTypes = map[EventType]bool{
	TypeMatchStart:      true,
	TypeMatchEnd:        true,
	TypeMapStart:        true,
	TypeMapEnd:          true,
	TypeRoundStart:      true,
	TypeRoundEnd:        true,
	TypeKill:            true,
	TypeDeath:           true,
	TypeAssist:          true,
	TypeBombPlanted:     true,
	TypeBombDefused:     true,
	TypeBombExploded:    true,
	TypePlayerHurt:      true,
	TypeFreezeTimeEnded: true,
	TypeTimeoutStart:    true,
	TypeTimeoutEnd:      true,
	TypeEconomyUpdate:   true,
}

// KnownType reports whether t belongs to the closed event type set.
func KnownType(t EventType) bool {
	return knownTypes[t]
}

// predictionTriggers is the subset of event types that recompute the
// win probability.
var predictionTriggers = map[EventType]bool{
	TypeRoundStart:   true,
	TypeRoundEnd:     true,
	TypeKill:         true,
	TypeBombPlanted:  true,
	TypeBombDefused:  true,
	TypeBombExploded: true,
}

// IsPredictionTrigger reports whether events of type t trigger the
// prediction engine.
func IsPredictionTrigger(t EventType) bool {
	return predictionTriggers[t]
}

// Event is the wire object producers POST and the pipeline processes.
// Unknown top-level fields survive a decode/encode round trip so that
// newer producers are not stripped by older pipeline versions.
type Event struct {
	EventID       string         `json:"event_id"`
	MatchID       string         `json:"match_id"`
	MapID         string         `json:"map_id"`
	RoundNo       int            `json:"round_no"`
	TsEvent       time.Time      `json:"ts_event"`
	TsIngest      time.Time      `json:"ts_ingest,omitempty"`
	Type          EventType      `json:"type"`
	Source        string         `json:"source"`
	SeqNo         int64          `json:"seq_no"`
	Payload       map[string]any `json:"payload,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	SchemaVersion string         `json:"schema_version,omitempty"`

	// extra holds unrecognized top-level fields verbatim.
	extra map[string]json.RawMessage
}

var knownFields = map[string]bool{
	"event_id":       true,
	"match_id":       true,
	"map_id":         true,
	"round_no":       true,
	"ts_event":       true,
	"ts_ingest":      true,
	"type":           true,
	"source":         true,
	"seq_no":         true,
	"payload":        true,
	"trace_id":       true,
	"schema_version": true,
}

// eventAlias avoids recursing into the custom JSON methods.
type eventAlias struct {
	EventID       string         `json:"event_id"`
	MatchID       string         `json:"match_id"`
	MapID         string         `json:"map_id"`
	RoundNo       int            `json:"round_no"`
	TsEvent       string         `json:"ts_event"`
	TsIngest      string         `json:"ts_ingest,omitempty"`
	Type          EventType      `json:"type"`
	Source        string         `json:"source"`
	SeqNo         int64          `json:"seq_no"`
	Payload       map[string]any `json:"payload,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	SchemaVersion string         `json:"schema_version,omitempty"`
}

// UnmarshalJSON decodes an event, keeping unknown fields aside.
// Timestamp fields must be RFC 3339; a malformed one surfaces as a
// bad_timestamp validation error so admission can report it precisely.
func (e *Event) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var alias eventAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	e.EventID = alias.EventID
	e.MatchID = alias.MatchID
	e.MapID = alias.MapID
	e.RoundNo = alias.RoundNo
	e.Type = alias.Type
	e.Source = alias.Source
	e.SeqNo = alias.SeqNo
	e.Payload = alias.Payload
	e.TraceID = alias.TraceID
	e.SchemaVersion = alias.SchemaVersion

	if alias.TsEvent != "" {
		ts, err := time.Parse(time.RFC3339, alias.TsEvent)
		if err != nil {
			return &ValidationError{Kind: ErrBadTimestamp, Field: "ts_event"}
		}
		e.TsEvent = ts
	}
	if alias.TsIngest != "" {
		ts, err := time.Parse(time.RFC3339, alias.TsIngest)
		if err != nil {
			return &ValidationError{Kind: ErrBadTimestamp, Field: "ts_ingest"}
		}
		e.TsIngest = ts
	}

	e.extra = nil
	for k, v := range fields {
		if knownFields[k] {
			continue
		}
		if e.extra == nil {
			e.extra = make(map[string]json.RawMessage)
		}
		e.extra[k] = v
	}
	return nil
}

// MarshalJSON re-emits the event with any preserved unknown fields.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(knownFields)+len(e.extra))
	for k, v := range e.extra {
		out[k] = v
	}

	alias := eventAlias{
		EventID:       e.EventID,
		MatchID:       e.MatchID,
		MapID:         e.MapID,
		RoundNo:       e.RoundNo,
		TsEvent:       e.TsEvent.Format(time.RFC3339Nano),
		Type:          e.Type,
		Source:        e.Source,
		SeqNo:         e.SeqNo,
		Payload:       e.Payload,
		TraceID:       e.TraceID,
		SchemaVersion: e.SchemaVersion,
	}
	if !e.TsIngest.IsZero() {
		alias.TsIngest = e.TsIngest.Format(time.RFC3339Nano)
	}

	known, err := json.Marshal(alias)
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// ExtraFields returns the unknown top-level fields carried by the event.
func (e *Event) ExtraFields() map[string]json.RawMessage {
	return e.extra
}

// payload accessors; absent or mistyped values report !ok.

// PayloadString returns payload[key] as a string.
func (e *Event) PayloadString(key string) (string, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PayloadNumber returns payload[key] as a float64.
func (e *Event) PayloadNumber(key string) (float64, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// PayloadInt returns payload[key] truncated to an int64.
func (e *Event) PayloadInt(key string) (int64, bool) {
	f, ok := e.PayloadNumber(key)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// PayloadBool returns payload[key] as a bool.
func (e *Event) PayloadBool(key string) (bool, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
