// Package rating folds completed sessions into global Elo-style ratings.
//
// Everything here is pure and deterministic: the same sessions folded in the
// same order always produce bit-identical ratings. Where the results are
// stored, and the exactly-once bookkeeping, belong to the caller.
package rating

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/okian/cardrank/internal/domain/model"
)

// Default rating configuration constants.
const (
	defaultBaseline        = 1500.0
	defaultKFactor         = 32.0
	defaultConfidenceGames = 100
	eloScale               = 400.0
)

// Lookup returns the stored rating of an item, or false when it has none yet.
type Lookup func(itemID string) (model.Rating, bool)

// Report counts what a fold did with a session's comparisons.
type Report struct {
	Applied    int
	Skipped    int
	Duplicates int
	Likes      int
	Dislikes   int
}

// Marker turns the report into the processed-session marker for sessionID.
func (r Report) Marker(sessionID string, at time.Time) model.Marker {
	return model.Marker{
		SessionID:  sessionID,
		FoldedAt:   at,
		Applied:    r.Applied,
		Skipped:    r.Skipped,
		Duplicates: r.Duplicates,
	}
}

// Calculator holds the rating parameters.
type Calculator struct {
	baseline        float64
	k               float64
	confidenceGames int
}

// NewCalculator creates a calculator with configuration options.
func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{
		baseline:        defaultBaseline,
		k:               defaultKFactor,
		confidenceGames: defaultConfidenceGames,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Baseline is the rating given to an item that has never played.
func (c *Calculator) Baseline() float64 { return c.baseline }

// Initial returns the baseline rating for itemID.
func (c *Calculator) Initial(itemID string, at time.Time) model.Rating {
	return model.Rating{ItemID: itemID, Rating: c.baseline, UpdatedAt: at}
}

// Expected is the probability that an item rated self beats one rated other.
func Expected(self, other float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (other-self)/eloScale))
}

// Update applies one game. Both expectations are taken from the ratings
// before the game.
func (c *Calculator) Update(winner, loser *model.Rating, at time.Time) {
	ew := Expected(winner.Rating, loser.Rating)
	el := Expected(loser.Rating, winner.Rating)
	winner.Rating += c.k * (1 - ew)
	loser.Rating += c.k * (0 - el)

	winner.GamesPlayed++
	winner.Wins++
	loser.GamesPlayed++
	loser.Losses++

	winner.Confidence = c.Confidence(winner.Interactions())
	loser.Confidence = c.Confidence(loser.Interactions())
	winner.UpdatedAt = at
	loser.UpdatedAt = at
}

// Confidence grows linearly with accept/reject interactions and saturates
// at one.
func (c *Calculator) Confidence(interactions int) float64 {
	if c.confidenceGames <= 0 {
		return 1
	}
	return math.Min(1, float64(interactions)/float64(c.confidenceGames))
}

// Validate reports whether a comparison may be folded: two distinct items,
// the winner one of them, both in the session's deck.
func Validate(g model.Comparison, s *model.Session) bool {
	if g.ItemA == "" || g.ItemA == g.ItemB {
		return false
	}
	if g.Winner != g.ItemA && g.Winner != g.ItemB {
		return false
	}
	return s.InDeck(g.ItemA) && s.InDeck(g.ItemB)
}

// Fold applies a completed session to the ratings visible through lookup and
// returns every rating it touched. Intakes bump likes and dislikes; each valid
// comparison is one game. Only the first comparison of a pair counts.
func (c *Calculator) Fold(s *model.Session, lookup Lookup) (map[string]model.Rating, Report) {
	at := s.CompletedAt
	touched := make(map[string]model.Rating)
	get := func(id string) model.Rating {
		if r, ok := touched[id]; ok {
			return r
		}
		if r, ok := lookup(id); ok {
			return r
		}
		return c.Initial(id, at)
	}

	var rep Report
	for _, in := range s.Intakes {
		r := get(in.ItemID)
		switch in.Decision {
		case model.Accept:
			r.Likes++
			rep.Likes++
		case model.Reject:
			r.Dislikes++
			rep.Dislikes++
		default:
			continue
		}
		r.Confidence = c.Confidence(r.Interactions())
		r.UpdatedAt = at
		touched[in.ItemID] = r
	}

	seen := make(map[string]struct{}, len(s.Comparisons))
	for _, g := range s.Comparisons {
		if !Validate(g, s) {
			rep.Skipped++
			continue
		}
		key := model.PairKey(g.ItemA, g.ItemB)
		if _, dup := seen[key]; dup {
			rep.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		loserID := g.Opponent(g.Winner)
		w, l := get(g.Winner), get(loserID)
		c.Update(&w, &l, at)
		touched[g.Winner] = w
		touched[loserID] = l
		rep.Applied++
	}
	return touched, rep
}

// SortForReplay orders done sessions the way a recompute replays them: by
// completion time, then id.
func SortForReplay(sessions []*model.Session) {
	slices.SortStableFunc(sessions, func(a, b *model.Session) int {
		if c := a.CompletedAt.Compare(b.CompletedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Recompute rebuilds every rating from scratch. items are seeded at the
// baseline; sessions that are not done are ignored.
func (c *Calculator) Recompute(items []string, sessions []*model.Session, now time.Time) (map[string]model.Rating, []model.Marker) {
	ratings := make(map[string]model.Rating, len(items))
	for _, id := range items {
		ratings[id] = c.Initial(id, now)
	}

	done := make([]*model.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Done() {
			done = append(done, s)
		}
	}
	SortForReplay(done)

	markers := make([]model.Marker, 0, len(done))
	lookup := func(id string) (model.Rating, bool) {
		r, ok := ratings[id]
		return r, ok
	}
	for _, s := range done {
		touched, rep := c.Fold(s, lookup)
		for id, r := range touched {
			ratings[id] = r
		}
		markers = append(markers, rep.Marker(s.ID, now))
	}
	return ratings, markers
}
