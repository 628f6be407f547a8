// Package replay rebuilds match state from an ordered operation log.
// Everything here is a pure function of its input.
package replay

import (
	"scorebook/internal/domain"
)

const DefaultRecentWindow = 6

type Options struct {
	// RecentWindow bounds MatchState.RecentBalls. Zero means DefaultRecentWindow.
	RecentWindow int
}

func (o Options) window() int {
	if o.RecentWindow <= 0 {
		return DefaultRecentWindow
	}
	return o.RecentWindow
}

// Fold removes undo operations and the operations they cancel. An undo drops
// the most recent surviving operation; an undo with nothing left to drop does
// nothing. Undos never survive the fold, so an undo cannot itself be undone.
func Fold(ops []domain.Operation) []domain.Operation {
	valid := make([]domain.Operation, 0, len(ops))
	for _, op := range ops {
		if op.Kind == domain.KindUndo {
			if len(valid) > 0 {
				valid = valid[:len(valid)-1]
			}
			continue
		}
		valid = append(valid, op)
	}
	return valid
}

// Reconstruct returns the state produced by ops, which must be in sequence
// order. Operations that cannot apply in the current phase are recorded in
// MatchState.Skipped instead of failing the replay.
func Reconstruct(matchID string, ops []domain.Operation, opts Options) domain.MatchState {
	state := domain.NewMatchState(matchID)
	if n := len(ops); n > 0 {
		state.Version = ops[n-1].Sequence
	}
	for _, op := range Fold(ops) {
		if !Apply(&state, op, opts) {
			state.Skipped = append(state.Skipped, op.Sequence)
		}
	}
	return state
}

// Apply mutates state with a single effective operation and reports whether it
// took effect. Unknown kinds are no-ops and count as applied.
func Apply(state *domain.MatchState, op domain.Operation, opts Options) bool {
	if !op.Kind.Known() {
		return true
	}
	payload, err := domain.DecodePayload(op.Kind, op.Payload)
	if err != nil {
		return false
	}
	if CheckTransition(*state, op.Kind, payload) != nil {
		return false
	}
	switch op.Kind {
	case domain.KindStartInnings:
		startInnings(state, payload.(*domain.StartInnings))
	case domain.KindDeliverBall:
		deliverBall(state, payload.(*domain.DeliverBall), opts.window())
	case domain.KindEndInnings:
		endInnings(state)
	case domain.KindSelectBatter:
		selectBatter(state, payload.(*domain.SelectBatter).BatterID)
	case domain.KindChangeBowler:
		state.Bowler = payload.(*domain.ChangeBowler).BowlerID
		ensureBowler(state, state.Bowler)
	case domain.KindSwapStrike:
		state.Striker, state.NonStriker = state.NonStriker, state.Striker
	case domain.KindRetireBatter:
		retireBatter(state, payload.(*domain.RetireBatter).End)
	}
	return true
}

func startInnings(state *domain.MatchState, p *domain.StartInnings) {
	innings := p.Innings
	if innings == 0 {
		innings = state.Innings + 1
	}
	first, target := state.FirstInningsRuns, state.Target
	fresh := domain.NewMatchState(state.MatchID)
	fresh.Version = state.Version
	fresh.Skipped = state.Skipped
	*state = fresh
	state.Innings = innings
	if innings > 1 {
		state.FirstInningsRuns = first
		state.Target = target
	}
	state.Status = domain.StatusLive
	state.BattingTeamID = p.BattingTeamID
	state.BowlingTeamID = p.BowlingTeamID
	state.Striker = p.StrikerID
	state.NonStriker = p.NonStrikerID
	state.Bowler = p.BowlerID
	state.MaxOvers = p.MaxOvers
	ensureBatter(state, p.StrikerID)
	ensureBatter(state, p.NonStrikerID)
	ensureBowler(state, p.BowlerID)
}

func endInnings(state *domain.MatchState) {
	state.InningsComplete = true
	state.Status = domain.StatusInningsBreak
	state.FreeHit = false
	if state.Innings == 1 {
		state.FirstInningsRuns = state.Runs
		state.Target = state.Runs + 1
	}
}

// selectBatter fills the striker slot first, then the non-striker slot.
func selectBatter(state *domain.MatchState, id string) {
	if state.Striker == "" {
		state.Striker = id
	} else {
		state.NonStriker = id
	}
	ensureBatter(state, id)
}

func retireBatter(state *domain.MatchState, end domain.End) {
	id := state.Striker
	if end == domain.EndNonStriker {
		id = state.NonStriker
	}
	stats := state.Batters[id]
	stats.Dismissal = "retired"
	state.Batters[id] = stats
	if end == domain.EndStriker {
		state.Striker = ""
	} else {
		state.NonStriker = ""
	}
}

func ensureBatter(state *domain.MatchState, id string) {
	if _, ok := state.Batters[id]; !ok {
		state.Batters[id] = domain.BatterStats{}
	}
}

func ensureBowler(state *domain.MatchState, id string) {
	if _, ok := state.Bowlers[id]; !ok {
		state.Bowlers[id] = domain.BowlerStats{}
	}
}
