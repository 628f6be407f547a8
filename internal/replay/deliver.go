package replay

import (
	"strconv"

	"scorebook/internal/domain"
)

// deliverBall applies one delivery. The order of the steps is significant when
// a single ball ends an over, rotates strike and takes a wicket.
func deliverBall(state *domain.MatchState, p *domain.DeliverBall, window int) {
	striker, bowler := state.Striker, state.Bowler

	// Wides and no-balls are not legal and carry one automatic run.
	legal := p.Extra != domain.ExtraWide && p.Extra != domain.ExtraNoBall
	auto := 0
	if !legal {
		auto = 1
	}

	state.Runs += p.Runs + auto
	creditBall(state, striker, bowler, p, legal)

	// Rotation follows runs actually run, before the wicket is resolved.
	if p.Runs%2 == 1 {
		state.Striker, state.NonStriker = state.NonStriker, state.Striker
	}

	// A wicket belongs to the physical end, read after rotation.
	if p.Wicket != nil {
		out := state.Striker
		if p.Wicket.End == domain.EndNonStriker {
			out = state.NonStriker
			state.NonStriker = ""
		} else {
			state.Striker = ""
		}
		state.Wickets++
		stats := state.Batters[out]
		stats.Out = true
		stats.Dismissal = p.Wicket.Dismissal
		if stats.Dismissal == "" {
			stats.Dismissal = "out"
		}
		state.Batters[out] = stats
		if p.Wicket.Dismissal != domain.DismissalRunOut {
			b := state.Bowlers[bowler]
			b.Wickets++
			state.Bowlers[bowler] = b
		}
	}

	if legal {
		state.LegalBalls++
	}
	if state.MaxOvers > 0 && state.LegalBalls >= state.MaxOvers*domain.BallsPerOver {
		endInnings(state)
	}

	if legal && state.LegalBalls%domain.BallsPerOver == 0 && !state.InningsComplete {
		endOfOverSwap(state)
	}

	state.FreeHit = p.Extra == domain.ExtraNoBall && !state.InningsComplete

	state.RecentBalls = append(state.RecentBalls, describe(p))
	if n := len(state.RecentBalls); n > window {
		state.RecentBalls = append([]string{}, state.RecentBalls[n-window:]...)
	}
}

// endOfOverSwap exchanges ends. With one slot vacant the surviving batter
// takes strike and the incoming batter will fill the non-striker slot.
func endOfOverSwap(state *domain.MatchState) {
	switch {
	case state.Striker != "" && state.NonStriker != "":
		state.Striker, state.NonStriker = state.NonStriker, state.Striker
	case state.Striker == "" && state.NonStriker != "":
		state.Striker, state.NonStriker = state.NonStriker, ""
	}
}

func creditBall(state *domain.MatchState, striker, bowler string, p *domain.DeliverBall, legal bool) {
	bat := state.Batters[striker]
	bowl := state.Bowlers[bowler]

	switch p.Extra {
	case domain.ExtraWide:
		state.Extras.Wides += 1 + p.Runs
		bowl.Wides++
		bowl.Runs += 1 + p.Runs
	case domain.ExtraNoBall:
		state.Extras.NoBalls++
		bowl.NoBalls++
		bowl.Runs += 1 + p.Runs
		bat.Runs += p.Runs
		bat.Balls++
	case domain.ExtraBye:
		state.Extras.Byes += p.Runs
		bat.Balls++
	case domain.ExtraLegBye:
		state.Extras.LegByes += p.Runs
		bat.Balls++
	default:
		bowl.Runs += p.Runs
		bat.Runs += p.Runs
		bat.Balls++
	}
	offBat := p.Extra == domain.ExtraNone || p.Extra == domain.ExtraNoBall
	if p.Boundary && offBat {
		switch p.Runs {
		case 4:
			bat.Fours++
		case 6:
			bat.Sixes++
		}
	}
	if legal {
		bowl.Balls++
	}
	state.Batters[striker] = bat
	state.Bowlers[bowler] = bowl
}

// describe renders a delivery for the recent-balls strip: "0".."7", "Wd",
// "2Nb", "1B", "3Lb", with a trailing "W" for a wicket ("W" alone for a
// wicket off a dot ball).
func describe(p *domain.DeliverBall) string {
	var s string
	switch p.Extra {
	case domain.ExtraWide:
		s = "Wd"
	case domain.ExtraNoBall:
		s = "Nb"
	case domain.ExtraBye:
		s = "B"
	case domain.ExtraLegBye:
		s = "Lb"
	}
	if p.Extra == domain.ExtraNone {
		s = strconv.Itoa(p.Runs)
	} else if p.Runs > 0 {
		s = strconv.Itoa(p.Runs) + s
	}
	if p.Wicket != nil {
		if s == "0" {
			return "W"
		}
		return s + "W"
	}
	return s
}
