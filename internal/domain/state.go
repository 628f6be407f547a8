package domain

import "fmt"

type Status string

const (
	StatusScheduled    Status = "scheduled"
	StatusLive         Status = "live"
	StatusInningsBreak Status = "innings_break"
)

const BallsPerOver = 6

type Extras struct {
	Wides   int `json:"wides"`
	NoBalls int `json:"no_balls"`
	Byes    int `json:"byes"`
	LegByes int `json:"leg_byes"`
}

func (e Extras) Total() int {
	return e.Wides + e.NoBalls + e.Byes + e.LegByes
}

type BatterStats struct {
	Runs      int    `json:"runs"`
	Balls     int    `json:"balls"`
	Fours     int    `json:"fours"`
	Sixes     int    `json:"sixes"`
	Out       bool   `json:"out"`
	Dismissal string `json:"dismissal,omitempty"`
}

type BowlerStats struct {
	Balls   int `json:"balls"`
	Runs    int `json:"runs"`
	Wickets int `json:"wickets"`
	Wides   int `json:"wides"`
	NoBalls int `json:"no_balls"`
}

func (b BowlerStats) Overs() string {
	return Overs(b.Balls)
}

// Overs renders a legal-ball count in overs notation, e.g. 14 -> "2.2".
func Overs(balls int) string {
	return fmt.Sprintf("%d.%d", balls/BallsPerOver, balls%BallsPerOver)
}

// MatchState is derived from a match log and never stored as truth.
// An empty Striker, NonStriker or Bowler is a vacant slot.
type MatchState struct {
	MatchID          string                 `json:"match_id"`
	Version          int64                  `json:"version"`
	Status           Status                 `json:"status"`
	Innings          int                    `json:"innings"`
	BattingTeamID    string                 `json:"batting_team_id,omitempty"`
	BowlingTeamID    string                 `json:"bowling_team_id,omitempty"`
	Runs             int                    `json:"runs"`
	Wickets          int                    `json:"wickets"`
	LegalBalls       int                    `json:"legal_balls"`
	MaxOvers         int                    `json:"max_overs,omitempty"`
	Extras           Extras                 `json:"extras"`
	Striker          string                 `json:"striker"`
	NonStriker       string                 `json:"non_striker"`
	Bowler           string                 `json:"bowler"`
	Batters          map[string]BatterStats `json:"batters"`
	Bowlers          map[string]BowlerStats `json:"bowlers"`
	RecentBalls      []string               `json:"recent_balls"`
	InningsComplete  bool                   `json:"innings_complete"`
	FirstInningsRuns int                    `json:"first_innings_runs,omitempty"`
	Target           int                    `json:"target,omitempty"`
	FreeHit          bool                   `json:"free_hit"`
	Skipped          []int64                `json:"skipped,omitempty"`
}

func NewMatchState(matchID string) MatchState {
	return MatchState{
		MatchID:     matchID,
		Status:      StatusScheduled,
		Batters:     map[string]BatterStats{},
		Bowlers:     map[string]BowlerStats{},
		RecentBalls: []string{},
	}
}

func (s MatchState) Overs() string {
	return Overs(s.LegalBalls)
}

// Clone returns a copy that shares no maps or slices with s.
func (s MatchState) Clone() MatchState {
	out := s
	out.Batters = make(map[string]BatterStats, len(s.Batters))
	for k, v := range s.Batters {
		out.Batters[k] = v
	}
	out.Bowlers = make(map[string]BowlerStats, len(s.Bowlers))
	for k, v := range s.Bowlers {
		out.Bowlers[k] = v
	}
	out.RecentBalls = append([]string{}, s.RecentBalls...)
	if s.Skipped != nil {
		out.Skipped = append([]int64{}, s.Skipped...)
	}
	return out
}
