package schema

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind classifies a validation failure.
type ErrorKind string

const (
	ErrSizeExceeded    ErrorKind = "size_exceeded"
	ErrMissingRequired ErrorKind = "missing_required"
	ErrBadEnum         ErrorKind = "bad_enum"
	ErrBadUUID         ErrorKind = "bad_uuid"
	ErrBadTimestamp    ErrorKind = "bad_timestamp"
)

// ValidationError reports why an event was rejected at admission.
type ValidationError struct {
	Kind  ErrorKind
	Field string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Field)
}

// AsValidationError unwraps err into a *ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Validator validates raw event bodies against the canonical schema.
// With Strict set, unknown event types are rejected; otherwise they pass
// through as generic events whose payload is left unvalidated.
type Validator struct {
	Strict bool
}

// NewValidator returns a validator in strict mode.
func NewValidator() *Validator {
	return &Validator{Strict: true}
}

// Validate parses and validates a raw event body.
func (v *Validator) Validate(raw []byte) (*Event, error) {
	if len(raw) > MaxEventBytes {
		return nil, &ValidationError{Kind: ErrSizeExceeded}
	}

	var ev Event
	if err := ev.UnmarshalJSON(raw); err != nil {
		if ve, ok := AsValidationError(err); ok {
			return nil, ve
		}
		return nil, &ValidationError{Kind: ErrMissingRequired, Field: "body"}
	}

	if ev.EventID == "" {
		return nil, &ValidationError{Kind: ErrMissingRequired, Field: "event_id"}
	}
	if _, err := uuid.Parse(ev.EventID); err != nil {
		return nil, &ValidationError{Kind: ErrBadUUID, Field: "event_id"}
	}
	if ev.TraceID != "" {
		if _, err := uuid.Parse(ev.TraceID); err != nil {
			return nil, &ValidationError{Kind: ErrBadUUID, Field: "trace_id"}
		}
	}
	if ev.MatchID == "" {
		return nil, &ValidationError{Kind: ErrMissingRequired, Field: "match_id"}
	}
	if ev.MapID == "" {
		return nil, &ValidationError{Kind: ErrMissingRequired, Field: "map_id"}
	}
	if ev.RoundNo < 0 || ev.RoundNo > 100 {
		return nil, &ValidationError{Kind: ErrBadEnum, Field: "round_no"}
	}
	if ev.TsEvent.IsZero() {
		return nil, &ValidationError{Kind: ErrMissingRequired, Field: "ts_event"}
	}
	if ev.Type == "" {
		return nil, &ValidationError{Kind: ErrMissingRequired, Field: "type"}
	}
	if ev.Source == "" {
		return nil, &ValidationError{Kind: ErrMissingRequired, Field: "source"}
	}
	if len(ev.Source) > 100 {
		return nil, &ValidationError{Kind: ErrBadEnum, Field: "source"}
	}
	if ev.SeqNo < 0 {
		return nil, &ValidationError{Kind: ErrBadEnum, Field: "seq_no"}
	}
	if ev.SchemaVersion == "" {
		ev.SchemaVersion = SchemaVersion
	} else if ev.SchemaVersion != SchemaVersion {
		return nil, &ValidationError{Kind: ErrBadEnum, Field: "schema_version"}
	}

	if !KnownType(ev.Type) {
		if v.Strict {
			return nil, &ValidationError{Kind: ErrBadEnum, Field: "type"}
		}
		// Unknown type in lenient mode: generic event, payload opaque.
		return &ev, nil
	}

	if err := validatePayload(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func validatePayload(ev *Event) error {
	switch ev.Type {
	case TypeKill:
		return validateKill(ev)
	case TypeRoundStart:
		return validateRoundStart(ev)
	case TypeRoundEnd:
		return validateRoundEnd(ev)
	case TypeBombPlanted, TypeBombDefused, TypeBombExploded:
		return validateBomb(ev)
	case TypeEconomyUpdate:
		return validateEconomy(ev)
	default:
		// Remaining types carry free-form payloads.
		return nil
	}
}

func requireString(ev *Event, field string) (string, error) {
	s, ok := ev.PayloadString(field)
	if !ok || s == "" {
		return "", &ValidationError{Kind: ErrMissingRequired, Field: "payload." + field}
	}
	return s, nil
}

func requireTeam(ev *Event, field string) error {
	s, err := requireString(ev, field)
	if err != nil {
		return err
	}
	if s != "A" && s != "B" {
		return &ValidationError{Kind: ErrBadEnum, Field: "payload." + field}
	}
	return nil
}

func requireSide(ev *Event, field string) error {
	s, err := requireString(ev, field)
	if err != nil {
		return err
	}
	if s != "CT" && s != "T" {
		return &ValidationError{Kind: ErrBadEnum, Field: "payload." + field}
	}
	return nil
}

func requireNumber(ev *Event, field string) (float64, error) {
	n, ok := ev.PayloadNumber(field)
	if !ok {
		return 0, &ValidationError{Kind: ErrMissingRequired, Field: "payload." + field}
	}
	return n, nil
}

func validateKill(ev *Event) error {
	if _, err := requireString(ev, "killer_player_id"); err != nil {
		return err
	}
	if err := requireTeam(ev, "killer_team"); err != nil {
		return err
	}
	if _, err := requireString(ev, "victim_player_id"); err != nil {
		return err
	}
	if err := requireTeam(ev, "victim_team"); err != nil {
		return err
	}
	if _, err := requireString(ev, "weapon"); err != nil {
		return err
	}
	if _, ok := ev.PayloadBool("is_headshot"); !ok {
		return &ValidationError{Kind: ErrMissingRequired, Field: "payload.is_headshot"}
	}
	return nil
}

func validateRoundStart(ev *Event) error {
	if _, err := requireNumber(ev, "team_a_score"); err != nil {
		return err
	}
	if _, err := requireNumber(ev, "team_b_score"); err != nil {
		return err
	}
	if err := requireSide(ev, "team_a_side"); err != nil {
		return err
	}
	if err := requireSide(ev, "team_b_side"); err != nil {
		return err
	}
	if _, err := requireString(ev, "team_a_id"); err != nil {
		return err
	}
	if _, err := requireString(ev, "team_b_id"); err != nil {
		return err
	}
	return nil
}

var winReasons = map[string]bool{
	"elimination":   true,
	"bomb_exploded": true,
	"bomb_defused":  true,
	"time_expired":  true,
}

func validateRoundEnd(ev *Event) error {
	if err := requireTeam(ev, "winner_team"); err != nil {
		return err
	}
	reason, err := requireString(ev, "win_reason")
	if err != nil {
		return err
	}
	if !winReasons[reason] {
		return &ValidationError{Kind: ErrBadEnum, Field: "payload.win_reason"}
	}
	if _, err := requireNumber(ev, "team_a_score"); err != nil {
		return err
	}
	if _, err := requireNumber(ev, "team_b_score"); err != nil {
		return err
	}
	return nil
}

func validateBomb(ev *Event) error {
	if _, err := requireString(ev, "player_id"); err != nil {
		return err
	}
	if err := requireTeam(ev, "player_team"); err != nil {
		return err
	}
	site, err := requireString(ev, "site")
	if err != nil {
		return err
	}
	if site != "A" && site != "B" {
		return &ValidationError{Kind: ErrBadEnum, Field: "payload.site"}
	}
	return nil
}

var buyTypes = map[string]bool{
	"full":   true,
	"force":  true,
	"eco":    true,
	"pistol": true,
}

func validateEconomy(ev *Event) error {
	for _, field := range []string{"team_a_econ", "team_b_econ"} {
		n, err := requireNumber(ev, field)
		if err != nil {
			return err
		}
		if n < 0 {
			return &ValidationError{Kind: ErrBadEnum, Field: "payload." + field}
		}
	}
	// Equipment values are optional; the state engine reads these exact
	// per-team spellings, so reject anything out of range here.
	for _, field := range []string{"team_a_equipment_value", "team_b_equipment_value"} {
		if n, ok := ev.PayloadNumber(field); ok && n < 0 {
			return &ValidationError{Kind: ErrBadEnum, Field: "payload." + field}
		}
	}
	if bt, ok := ev.PayloadString("buy_type"); ok && !buyTypes[bt] {
		return &ValidationError{Kind: ErrBadEnum, Field: "payload.buy_type"}
	}
	return nil
}
