// Package ranking places a newly accepted item into a personal ranking with
// as few pairwise comparisons as possible.
//
// The engine is pure: it reads the comparison log and the current ranking and
// either names the index where the candidate belongs or the single item the
// candidate must be compared with next. Ranking index 0 is the most preferred
// item.
package ranking

import (
	"fmt"
	"slices"

	"github.com/okian/cardrank/internal/domain/model"
)

// Step is the engine's answer for a candidate. Exactly one of the two
// outcomes is set: Compare is non-empty when a comparison is required,
// otherwise Index is the insertion position.
type Step struct {
	Index   int
	Compare string
}

// NeedsComparison reports whether the user must be asked before inserting.
func (s Step) NeedsComparison() bool { return s.Compare != "" }

// InsertAt returns an insertion step.
func InsertAt(i int) Step { return Step{Index: i} }

// CompareWith returns a comparison step.
func CompareWith(id string) Step { return Step{Compare: id} }

// Bounds is the accumulated half-open range [Lo, Hi) of ranking indexes the
// candidate may still be inserted at.
type Bounds struct {
	Lo, Hi int
}

// Settled reports whether no comparison is left to narrow the range.
func (b Bounds) Settled() bool { return b.Lo >= b.Hi }

// Accumulate folds every recorded comparison between candidate and a ranked
// item into search bounds. Only the first outcome recorded for a pair counts.
// Comparisons against items not in ranking are ignored: they belong to other
// insertions.
func Accumulate(log []model.Comparison, ranking []string, candidate string) (Bounds, error) {
	if candidate == "" {
		return Bounds{}, fmt.Errorf("%w: empty candidate", ErrMalformed)
	}
	index := make(map[string]int, len(ranking))
	for i, id := range ranking {
		if id == candidate {
			return Bounds{}, fmt.Errorf("%w: candidate %q is already ranked", ErrMalformed, candidate)
		}
		index[id] = i
	}

	b := Bounds{Lo: 0, Hi: len(ranking)}
	seen := make(map[string]struct{})
	for _, c := range log {
		if !c.Involves(candidate) {
			continue
		}
		if c.ItemA == c.ItemB {
			return Bounds{}, fmt.Errorf("%w: self comparison of %q", ErrMalformed, c.ItemA)
		}
		if c.Winner != c.ItemA && c.Winner != c.ItemB {
			return Bounds{}, fmt.Errorf("%w: winner %q not in pair (%q, %q)", ErrMalformed, c.Winner, c.ItemA, c.ItemB)
		}
		key := model.PairKey(c.ItemA, c.ItemB)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		i, ranked := index[c.Opponent(candidate)]
		if !ranked {
			continue
		}
		if c.Winner == candidate {
			b.Hi = min(b.Hi, i)
		} else {
			b.Lo = max(b.Lo, i+1)
		}
	}
	return b, nil
}

// NextStep decides what happens to candidate: insert it now, or compare it
// with the item in the middle of the remaining range.
func NextStep(log []model.Comparison, ranking []string, candidate string) (Step, error) {
	b, err := Accumulate(log, ranking, candidate)
	if err != nil {
		return Step{}, err
	}
	if len(ranking) == 0 {
		return InsertAt(0), nil
	}
	if b.Settled() {
		return InsertAt(min(b.Lo, len(ranking))), nil
	}
	return CompareWith(ranking[(b.Lo+b.Hi)/2]), nil
}

// Insert returns a new ranking with id placed at index i.
func Insert(ranking []string, i int, id string) []string {
	i = max(0, min(i, len(ranking)))
	out := make([]string, 0, len(ranking)+1)
	out = append(out, ranking[:i]...)
	out = append(out, id)
	return append(out, ranking[i:]...)
}

// MaxComparisons is the worst-case number of comparisons needed to insert one
// item into a ranking of size n: ceil(log2(n+1)).
func MaxComparisons(n int) int {
	steps := 0
	for span := n + 1; span > 1; span = (span + 1) / 2 {
		steps++
	}
	return steps
}

// Consistent reports whether ranking agrees with every first-recorded
// comparison between two of its items.
func Consistent(log []model.Comparison, ranking []string) bool {
	pos := make(map[string]int, len(ranking))
	for i, id := range ranking {
		pos[id] = i
	}
	seen := make(map[string]struct{})
	for _, c := range log {
		key := model.PairKey(c.ItemA, c.ItemB)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		pa, okA := pos[c.ItemA]
		pb, okB := pos[c.ItemB]
		if !okA || !okB {
			continue
		}
		winner, loser := pa, pb
		if c.Winner == c.ItemB {
			winner, loser = pb, pa
		}
		if winner > loser {
			return false
		}
	}
	return true
}

// Permutation reports whether ranking holds exactly the items of accepted.
func Permutation(ranking, accepted []string) bool {
	if len(ranking) != len(accepted) {
		return false
	}
	a := slices.Clone(ranking)
	b := slices.Clone(accepted)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
