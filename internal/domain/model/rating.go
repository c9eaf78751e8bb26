package model

import "time"

// Rating is an item's global skill rating.
type Rating struct {
	ItemID      string    `json:"item_id"`
	Rating      float64   `json:"rating"`
	GamesPlayed int       `json:"games_played"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	Likes       int       `json:"likes"`
	Dislikes    int       `json:"dislikes"`
	Confidence  float64   `json:"confidence"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WinRate returns wins over games played, zero before the first game.
func (r Rating) WinRate() float64 {
	if r.GamesPlayed == 0 {
		return 0
	}
	return float64(r.Wins) / float64(r.GamesPlayed)
}

// Interactions is the number of accept/reject signals the item received.
func (r Rating) Interactions() int { return r.Likes + r.Dislikes }

// RankingScore weights the rating by confidence.
func (r Rating) RankingScore() float64 { return r.Rating * r.Confidence }

// Marker records that a session's events were folded into global ratings.
type Marker struct {
	SessionID  string    `json:"session_id"`
	FoldedAt   time.Time `json:"folded_at"`
	Applied    int       `json:"applied"`
	Skipped    int       `json:"skipped"`
	Duplicates int       `json:"duplicates"`
}

// RanksBefore orders ratings for the leaderboard: rating desc, then more games
// played (lower variance), then item id asc.
func RanksBefore(a, b Rating) bool {
	if a.Rating != b.Rating {
		return a.Rating > b.Rating
	}
	if a.GamesPlayed != b.GamesPlayed {
		return a.GamesPlayed > b.GamesPlayed
	}
	return a.ItemID < b.ItemID
}

// Standing is a leaderboard row.
type Standing struct {
	Rank int `json:"rank"`
	Rating
	WinRate float64 `json:"win_rate"`
	// RankingScore is the rating weighted by confidence, so items with few
	// interactions do not look strong too early.
	RankingScore float64 `json:"ranking_score"`
}
