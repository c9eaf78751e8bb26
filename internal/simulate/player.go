package simulate

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/bits"
	"math/rand/v2"
	"slices"
)

// Truth is the hidden preference every simulated player shares. Items are
// ordered by a seeded hash, so the order is known for any item the server
// deals, including sub-family decks.
type Truth struct {
	seed uint64
}

// NewTruth returns the true order for seed.
func NewTruth(seed uint64) Truth { return Truth{seed: seed} }

func (t Truth) key(id string) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], t.seed)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

// Prefers reports whether a ranks above b.
func (t Truth) Prefers(a, b string) bool {
	ka, kb := t.key(a), t.key(b)
	if ka != kb {
		return ka < kb
	}
	return a < b
}

// Order sorts ids best first.
func (t Truth) Order(ids []string) []string {
	out := slices.Clone(ids)
	slices.SortFunc(out, func(a, b string) int {
		switch {
		case a == b:
			return 0
		case t.Prefers(a, b):
			return -1
		}
		return 1
	})
	return out
}

// insertionBudget is the most comparisons binary insertion may ask for when
// placing n items one after another: the sum of ceil(log2(k+1)) for k < n.
func insertionBudget(n int) int {
	total := 0
	for k := 1; k < n; k++ {
		total += bits.Len(uint(k))
	}
	return total
}

// sessionReport is the outcome of one played session.
type sessionReport struct {
	SessionID   string
	Deck        []string
	Accepted    []string
	Ranking     []string
	Intakes     int
	Comparisons int
	Child       string
}

// player plays sessions truthfully.
type player struct {
	client     *Client
	truth      Truth
	rejectRate float64
	rng        *rand.Rand
}

func newPlayer(c *Client, truth Truth, rejectRate float64, seed, stream uint64) *player {
	return &player{
		client:     c,
		truth:      truth,
		rejectRate: rejectRate,
		rng:        rand.New(rand.NewPCG(seed, stream)),
	}
}

// play drives the session to done and checks the personal ranking.
func (p *player) play(ctx context.Context, s Session) (sessionReport, error) {
	rep := sessionReport{SessionID: s.SessionID, Deck: s.Deck}
	version, next := s.Version, s.Next
	canReject := s.Mode != "vote"

	for next.Kind != "none" {
		var (
			st  Step
			err error
		)
		switch next.Kind {
		case "item":
			decision := "accept"
			if canReject && p.rng.Float64() < p.rejectRate {
				decision = "reject"
			} else {
				rep.Accepted = append(rep.Accepted, next.ItemID)
			}
			st, err = p.client.Intake(ctx, s.SessionID, version, next.ItemID, decision)
			rep.Intakes++
		case "compare":
			if next.Pair == nil {
				return rep, fmt.Errorf("%w: compare step without a pair", ErrUnexpectedAPI)
			}
			a, b := next.Pair.ItemA, next.Pair.ItemB
			winner := a
			if p.truth.Prefers(b, a) {
				winner = b
			}
			st, err = p.client.Compare(ctx, s.SessionID, version, a, b, winner)
			rep.Comparisons++
		default:
			return rep, fmt.Errorf("%w: unknown step %q", ErrUnexpectedAPI, next.Kind)
		}
		if err != nil {
			return rep, err
		}
		version, next = st.Version, st.Next
		if st.Completed {
			rep.Child = st.ChildSession
		}
	}

	res, err := p.client.Results(ctx, s.SessionID)
	if err != nil {
		return rep, err
	}
	rep.Ranking = res.PersonalRanking

	want := p.truth.Order(rep.Accepted)
	if s.Mode == "swipe" {
		// Swipe keeps acceptance order.
		want = rep.Accepted
	}
	if !slices.Equal(want, rep.Ranking) {
		return rep, fmt.Errorf("%w: session %s ranked %v, want %v", ErrMismatch, s.SessionID, rep.Ranking, want)
	}
	if budget := insertionBudget(len(rep.Accepted)); rep.Comparisons > budget {
		return rep, fmt.Errorf("%w: session %s asked %d, budget %d", ErrTooManySteps, s.SessionID, rep.Comparisons, budget)
	}
	return rep, nil
}

// agreement returns the fraction of row pairs whose leaderboard order matches
// the true order. Rows without games are ignored.
func agreement(t Truth, rows []Standing) float64 {
	played := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.GamesPlayed > 0 {
			played = append(played, r.ItemID)
		}
	}
	pairs, agree := 0, 0
	for i := 0; i < len(played); i++ {
		for j := i + 1; j < len(played); j++ {
			pairs++
			if t.Prefers(played[i], played[j]) {
				agree++
			}
		}
	}
	if pairs == 0 {
		return 1
	}
	return float64(agree) / float64(pairs)
}
