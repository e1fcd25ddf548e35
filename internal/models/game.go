package models

import (
	"strings"
	"time"

	"sportsdata/pipeline/internal/warehouse"
)

// GameScoresTable is the business table the scores processor replaces per date.
const GameScoresTable = "game_team_scores"

// GameScoreKeys is the primary key of GameScoresTable.
var GameScoreKeys = []string{"game_id", "team_code"}

// GameScoreFields are the columns that define a row's content. fetched_at
// changes on every poll and is left out so unchanged games hash the same.
var GameScoreFields = []string{
	"game_id",
	"team_code",
	"opponent_code",
	"is_home",
	"season",
	"week",
	"game_date",
	"kickoff_at",
	"status",
	"period",
	"time_remaining",
	"points",
	"opponent_points",
	"points_q1",
	"points_q2",
	"points_q3",
	"points_q4",
	"points_overtime",
}

// GameInput is a game as returned by the SportsDataIO scores feed
type GameInput struct {
	GameID        int    `json:"GameID"`
	Season        int    `json:"Season"`
	Week          int    `json:"Week"`
	HomeTeam      string `json:"HomeTeam"` // Team code
	AwayTeam      string `json:"AwayTeam"` // Team code
	Day           string `json:"Day"`      // date of the game, local midnight
	DateTime      string `json:"DateTime"` // ISO 8601 format
	Status        string `json:"Status"`
	Period        string `json:"Period"`
	TimeRemaining string `json:"TimeRemaining"`

	// Scores
	HomeScore *int `json:"HomeScore,omitempty"`
	AwayScore *int `json:"AwayScore,omitempty"`

	// Quarter scores
	HomeScoreQuarter1 *int `json:"HomeScoreQuarter1,omitempty"`
	HomeScoreQuarter2 *int `json:"HomeScoreQuarter2,omitempty"`
	HomeScoreQuarter3 *int `json:"HomeScoreQuarter3,omitempty"`
	HomeScoreQuarter4 *int `json:"HomeScoreQuarter4,omitempty"`
	HomeScoreOvertime *int `json:"HomeScoreOvertime,omitempty"`

	AwayScoreQuarter1 *int `json:"AwayScoreQuarter1,omitempty"`
	AwayScoreQuarter2 *int `json:"AwayScoreQuarter2,omitempty"`
	AwayScoreQuarter3 *int `json:"AwayScoreQuarter3,omitempty"`
	AwayScoreQuarter4 *int `json:"AwayScoreQuarter4,omitempty"`
	AwayScoreOvertime *int `json:"AwayScoreOvertime,omitempty"`
}

// feed timestamps carry no zone
const feedTimeLayout = "2006-01-02T15:04:05"

// TeamRows converts the game into one row per team. gameDate is the
// partition the game is stored under.
func (gi *GameInput) TeamRows(gameDate time.Time, fetchedAt time.Time) []warehouse.Row {
	gameDate = time.Date(gameDate.Year(), gameDate.Month(), gameDate.Day(), 0, 0, 0, 0, time.UTC)

	var kickoff any
	if t, ok := parseFeedTime(gi.DateTime); ok {
		kickoff = t
	}

	home := gi.baseRow(gameDate, kickoff, fetchedAt)
	home["team_code"] = gi.HomeTeam
	home["opponent_code"] = gi.AwayTeam
	home["is_home"] = true
	home["points"] = score(gi.HomeScore)
	home["opponent_points"] = score(gi.AwayScore)
	home["points_q1"] = score(gi.HomeScoreQuarter1)
	home["points_q2"] = score(gi.HomeScoreQuarter2)
	home["points_q3"] = score(gi.HomeScoreQuarter3)
	home["points_q4"] = score(gi.HomeScoreQuarter4)
	home["points_overtime"] = score(gi.HomeScoreOvertime)

	away := gi.baseRow(gameDate, kickoff, fetchedAt)
	away["team_code"] = gi.AwayTeam
	away["opponent_code"] = gi.HomeTeam
	away["is_home"] = false
	away["points"] = score(gi.AwayScore)
	away["opponent_points"] = score(gi.HomeScore)
	away["points_q1"] = score(gi.AwayScoreQuarter1)
	away["points_q2"] = score(gi.AwayScoreQuarter2)
	away["points_q3"] = score(gi.AwayScoreQuarter3)
	away["points_q4"] = score(gi.AwayScoreQuarter4)
	away["points_overtime"] = score(gi.AwayScoreOvertime)

	return []warehouse.Row{home, away}
}

func (gi *GameInput) baseRow(gameDate time.Time, kickoff any, fetchedAt time.Time) warehouse.Row {
	return warehouse.Row{
		"game_id":        gi.GameID,
		"season":         gi.Season,
		"week":           gi.Week,
		"game_date":      gameDate,
		"kickoff_at":     kickoff,
		"status":         gi.Status,
		"period":         optional(gi.Period),
		"time_remaining": optional(gi.TimeRemaining),
		"fetched_at":     fetchedAt.UTC(),
	}
}

// IsActive returns true if the game is currently in progress
func (gi *GameInput) IsActive() bool {
	return gi.Status == "InProgress"
}

// IsScheduled returns true if the game is scheduled but not started
func (gi *GameInput) IsScheduled() bool {
	return gi.Status == "Scheduled"
}

// IsFinal returns true if the game is completed
func (gi *GameInput) IsFinal() bool {
	return strings.HasPrefix(gi.Status, "Final")
}

func parseFeedTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(feedTimeLayout, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func score(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}
