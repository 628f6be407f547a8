package replay

import (
	"fmt"

	"scorebook/internal/domain"
)

// TransitionError reports an operation that does not fit the current phase of
// the match.
type TransitionError struct {
	Code    string
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func transitionErr(code, format string, args ...any) error {
	return &TransitionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CheckTransition decides whether a decoded payload of the given kind can be
// applied to state. Unknown kinds and undo always pass.
func CheckTransition(state domain.MatchState, kind domain.Kind, payload any) error {
	live := state.Status == domain.StatusLive && !state.InningsComplete
	switch kind {
	case domain.KindStartInnings:
		if live {
			return transitionErr("innings_active", "innings %d is still in progress", state.Innings)
		}
		p, _ := payload.(*domain.StartInnings)
		if p != nil && p.Innings != 0 && p.Innings != state.Innings+1 {
			return transitionErr("innings_out_of_order", "next innings is %d, got %d", state.Innings+1, p.Innings)
		}
	case domain.KindEndInnings:
		if !live {
			return transitionErr("no_active_innings", "no active innings to end")
		}
	case domain.KindDeliverBall:
		if !live {
			return notLive(state)
		}
		if state.Striker == "" || state.NonStriker == "" {
			return transitionErr("vacant_slot", "select a batter before the next delivery")
		}
		if state.Bowler == "" {
			return transitionErr("no_bowler", "select a bowler before the next delivery")
		}
	case domain.KindSelectBatter:
		if !live {
			return notLive(state)
		}
		if state.Striker != "" && state.NonStriker != "" {
			return transitionErr("no_vacancy", "both batting slots are filled")
		}
		p, _ := payload.(*domain.SelectBatter)
		if p != nil {
			if p.BatterID == state.Striker || p.BatterID == state.NonStriker {
				return transitionErr("batter_unavailable", "%s is already batting", p.BatterID)
			}
			if state.Batters[p.BatterID].Out {
				return transitionErr("batter_unavailable", "%s is out", p.BatterID)
			}
		}
	case domain.KindChangeBowler, domain.KindSwapStrike:
		if !live {
			return notLive(state)
		}
	case domain.KindRetireBatter:
		if !live {
			return notLive(state)
		}
		p, _ := payload.(*domain.RetireBatter)
		if p != nil {
			if (p.End == domain.EndStriker && state.Striker == "") || (p.End == domain.EndNonStriker && state.NonStriker == "") {
				return transitionErr("vacant_slot", "no batter at the %s end", p.End)
			}
		}
	}
	return nil
}

func notLive(state domain.MatchState) error {
	if state.InningsComplete {
		return transitionErr("innings_complete", "innings %d is complete", state.Innings)
	}
	return transitionErr("not_live", "match is %s", state.Status)
}
