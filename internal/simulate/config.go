// Package simulate plays ranking sessions against a running server with a
// hidden true order and checks that every personal ranking reproduces it.
package simulate

import (
	"errors"
	"time"
)

// Config holds configuration for a simulation run.
type Config struct {
	BaseURL      string        // Base URL of the service
	Family       string        // Family whose deck is played
	Mode         string        // Play mode; empty uses the server default
	Sessions     int           // Number of sessions to play
	Workers      int           // Number of concurrent players
	RejectRate   float64       // Probability that a player rejects a card
	Seed         uint64        // Seed for the true order and player choices
	Timeout      time.Duration // HTTP request timeout
	MinAgreement float64       // Required pairwise agreement of the leaderboard with the true order
	OutputFile   string        // Optional JSON report path
	Verbose      bool          // Log every session
}

// Sentinel errors returned by Run.
var (
	ErrUnhealthy     = errors.New("service is not healthy")
	ErrMismatch      = errors.New("personal ranking does not match the true order")
	ErrTooManySteps  = errors.New("session needed more comparisons than binary insertion allows")
	ErrLowAgreement  = errors.New("leaderboard disagrees with the true order")
	ErrUnexpectedAPI = errors.New("unexpected api response")
)

// Next mirrors the step the server asks for.
type Next struct {
	Kind   string `json:"kind"`
	ItemID string `json:"item_id,omitempty"`
	Pair   *Pair  `json:"pair,omitempty"`
}

// Pair is a comparison request.
type Pair struct {
	ItemA string `json:"item_a"`
	ItemB string `json:"item_b"`
}

// Session is the session view returned by the server.
type Session struct {
	SessionID string   `json:"session_id"`
	FamilyID  string   `json:"family_id"`
	Mode      string   `json:"mode"`
	Status    string   `json:"status"`
	Version   int64    `json:"version"`
	Deck      []string `json:"deck"`
	Ranking   []string `json:"ranking"`
	Next      Next     `json:"next"`
}

// Step is the answer to an intake or comparison.
type Step struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	Version      int64  `json:"version"`
	Next         Next   `json:"next"`
	Completed    bool   `json:"completed"`
	Duplicate    bool   `json:"duplicate"`
	ChildSession string `json:"child_session,omitempty"`
}

// Results is the final ranking of a session.
type Results struct {
	SessionID       string   `json:"session_id"`
	Status          string   `json:"status"`
	PersonalRanking []string `json:"personal_ranking"`
}

// Standing is a leaderboard row.
type Standing struct {
	Rank        int     `json:"rank"`
	ItemID      string  `json:"item_id"`
	Rating      float64 `json:"rating"`
	GamesPlayed int     `json:"games_played"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
}

// Stats holds run statistics.
type Stats struct {
	SessionsPlayed   int           `json:"sessions_played"`
	SessionsMatched  int           `json:"sessions_matched"`
	SessionsFailed   int           `json:"sessions_failed"`
	Intakes          int           `json:"intakes"`
	Comparisons      int           `json:"comparisons"`
	ComparisonBudget int           `json:"comparison_budget"`
	TrueOrder        []string      `json:"true_order"`
	Leaderboard      []Standing    `json:"leaderboard"`
	Agreement        float64       `json:"agreement"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Duration         time.Duration `json:"duration"`
}
