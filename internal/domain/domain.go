package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names an operation type. Kinds the replay engine does not know are
// still valid log entries.
type Kind string

const (
	KindStartInnings Kind = "start_innings"
	KindDeliverBall  Kind = "deliver_ball"
	KindEndInnings   Kind = "end_innings"
	KindSelectBatter Kind = "select_batter"
	KindChangeBowler Kind = "change_bowler"
	KindSwapStrike   Kind = "swap_strike"
	KindRetireBatter Kind = "retire_batter"
	KindUndo         Kind = "undo"
)

// Known reports whether the replay engine applies this kind.
func (k Kind) Known() bool {
	switch k {
	case KindStartInnings, KindDeliverBall, KindEndInnings, KindSelectBatter,
		KindChangeBowler, KindSwapStrike, KindRetireBatter, KindUndo:
		return true
	}
	return false
}

// Operation is one admitted entry of a match log.
type Operation struct {
	MatchID           string          `json:"match_id" msgpack:"match_id"`
	Sequence          int64           `json:"sequence" msgpack:"sequence"`
	ClientOperationID string          `json:"client_operation_id" msgpack:"client_operation_id"`
	ActorID           string          `json:"actor_id" msgpack:"actor_id"`
	Kind              Kind            `json:"kind" msgpack:"kind"`
	Payload           json.RawMessage `json:"payload,omitempty" msgpack:"payload"`
	RecordedAt        time.Time       `json:"recorded_at" format:"date-time" msgpack:"recorded_at"`
}

type Extra string

const (
	ExtraNone   Extra = ""
	ExtraWide   Extra = "wide"
	ExtraNoBall Extra = "no_ball"
	ExtraBye    Extra = "bye"
	ExtraLegBye Extra = "leg_bye"
)

// End is a physical end of the pitch.
type End string

const (
	EndStriker    End = "striker"
	EndNonStriker End = "non_striker"
)

const DismissalRunOut = "run_out"

type StartInnings struct {
	Innings       int    `json:"innings,omitempty"`
	BattingTeamID string `json:"batting_team_id"`
	BowlingTeamID string `json:"bowling_team_id"`
	StrikerID     string `json:"striker_id"`
	NonStrikerID  string `json:"non_striker_id"`
	BowlerID      string `json:"bowler_id"`
	MaxOvers      int    `json:"max_overs,omitempty"`
}

type Wicket struct {
	End       End    `json:"end"`
	Dismissal string `json:"dismissal,omitempty"`
	FielderID string `json:"fielder_id,omitempty"`
}

type DeliverBall struct {
	Runs     int     `json:"runs"`
	Extra    Extra   `json:"extra,omitempty"`
	Boundary bool    `json:"boundary,omitempty"`
	Wicket   *Wicket `json:"wicket,omitempty"`
}

type SelectBatter struct {
	BatterID string `json:"batter_id"`
}

type ChangeBowler struct {
	BowlerID string `json:"bowler_id"`
}

type RetireBatter struct {
	End End `json:"end"`
}

// DecodePayload returns the typed payload for a known kind. Kinds without a
// payload and unknown kinds decode to nil.
func DecodePayload(kind Kind, raw json.RawMessage) (any, error) {
	var target any
	switch kind {
	case KindStartInnings:
		target = &StartInnings{}
	case KindDeliverBall:
		target = &DeliverBall{}
	case KindSelectBatter:
		target = &SelectBatter{}
	case KindChangeBowler:
		target = &ChangeBowler{}
	case KindRetireBatter:
		target = &RetireBatter{}
	default:
		return nil, nil
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: payload is required", kind)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	if err := validatePayload(target); err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return target, nil
}

func validatePayload(p any) error {
	switch v := p.(type) {
	case *StartInnings:
		if v.Innings < 0 || v.MaxOvers < 0 {
			return fmt.Errorf("innings and max_overs must not be negative")
		}
		if v.StrikerID == "" || v.NonStrikerID == "" || v.BowlerID == "" {
			return fmt.Errorf("striker_id, non_striker_id and bowler_id are required")
		}
		if v.StrikerID == v.NonStrikerID {
			return fmt.Errorf("striker and non-striker must differ")
		}
	case *DeliverBall:
		if v.Runs < 0 || v.Runs > 7 {
			return fmt.Errorf("runs must be between 0 and 7")
		}
		switch v.Extra {
		case ExtraNone, ExtraWide, ExtraNoBall, ExtraBye, ExtraLegBye:
		default:
			return fmt.Errorf("unknown extra %q", v.Extra)
		}
		if v.Boundary && v.Runs != 4 && v.Runs != 6 {
			return fmt.Errorf("boundary must score 4 or 6")
		}
		if v.Wicket != nil && !validEnd(v.Wicket.End) {
			return fmt.Errorf("wicket end must be striker or non_striker")
		}
	case *SelectBatter:
		if v.BatterID == "" {
			return fmt.Errorf("batter_id is required")
		}
	case *ChangeBowler:
		if v.BowlerID == "" {
			return fmt.Errorf("bowler_id is required")
		}
	case *RetireBatter:
		if !validEnd(v.End) {
			return fmt.Errorf("end must be striker or non_striker")
		}
	}
	return nil
}

func validEnd(e End) bool {
	return e == EndStriker || e == EndNonStriker
}
