// Package session implements the per-session state machine:
// intake -> comparing -> intake ... -> done.
//
// Transitions are pure functions over *model.Session. They never touch the
// version counter; persisting the result with a compare-and-swap on the
// version is the caller's job.
package session

import (
	"fmt"
	"time"

	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/internal/domain/ranking"
)

// NextKind says what the client has to do next.
type NextKind string

// Next step kinds.
const (
	NextItem    NextKind = "item"
	NextCompare NextKind = "compare"
	NextNone    NextKind = "none"
)

// Next is the step surfaced to the client.
type Next struct {
	Kind   NextKind    `json:"kind"`
	ItemID string      `json:"item_id,omitempty"`
	Pair   *model.Pair `json:"pair,omitempty"`
}

// Outcome describes the effect of one transition.
type Outcome struct {
	Status    model.Status
	Next      Next
	Completed bool // this call moved the session to done
	Duplicate bool // nothing changed; the event was already applied
	Placed    string
	PlacedAt  int
	Asked     int // comparisons it took to place Placed
}

// New creates a session for deck. An empty deck yields a session that is
// already done.
func New(id, familyID string, mode model.Mode, deck []string, now time.Time) (*model.Session, error) {
	if id == "" || familyID == "" {
		return nil, fmt.Errorf("%w: session and family ids are required", model.ErrValidation)
	}
	if _, err := For(mode); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(deck))
	for _, item := range deck {
		if item == "" {
			return nil, fmt.Errorf("%w: empty item id in deck", model.ErrValidation)
		}
		if _, dup := seen[item]; dup {
			return nil, fmt.Errorf("%w: item %q appears twice in deck", model.ErrValidation, item)
		}
		seen[item] = struct{}{}
	}

	s := &model.Session{
		ID:          id,
		FamilyID:    familyID,
		Mode:        mode,
		Deck:        append([]string(nil), deck...),
		Status:      model.StatusIntake,
		Version:     1,
		Intakes:     []model.Intake{},
		Comparisons: []model.Comparison{},
		Ranking:     []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(deck) == 0 {
		s.Status = model.StatusDone
		s.CompletedAt = now
	}
	return s, nil
}

// NextOf returns the current next step without changing anything.
func NextOf(s *model.Session) Next {
	switch s.Status {
	case model.StatusComparing:
		if s.Pending != nil {
			p := *s.Pending
			return Next{Kind: NextCompare, Pair: &p}
		}
	case model.StatusIntake:
		if c := s.Cursor(); c < len(s.Deck) {
			return Next{Kind: NextItem, ItemID: s.Deck[c]}
		}
	}
	return Next{Kind: NextNone}
}

func duplicate(s *model.Session) Outcome {
	return Outcome{Status: s.Status, Next: NextOf(s), Duplicate: true, PlacedAt: -1}
}

// Intake applies an accept or reject decision to the current deck item.
func Intake(s *model.Session, itemID string, d model.Decision, now time.Time) (Outcome, error) {
	if s.Done() {
		return duplicate(s), nil
	}
	st, err := For(s.Mode)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := model.ParseDecision(string(d)); err != nil {
		return Outcome{}, err
	}
	if !s.InDeck(itemID) {
		return Outcome{}, fmt.Errorf("%w: %q", model.ErrUnknownItem, itemID)
	}
	if prev, ok := s.DecisionFor(itemID); ok {
		if prev == d {
			return duplicate(s), nil
		}
		return Outcome{}, fmt.Errorf("%w: %q was already %sed", model.ErrConflictingOutcome, itemID, prev)
	}
	if d == model.Reject && !st.AllowReject() {
		return Outcome{}, model.ErrRejectNotAllowed
	}
	if s.Status != model.StatusIntake {
		return Outcome{}, fmt.Errorf("%w: a comparison is pending", model.ErrInvalidTransition)
	}
	if head := s.Deck[s.Cursor()]; head != itemID {
		return Outcome{}, fmt.Errorf("%w: expected %q, got %q", model.ErrInvalidTransition, head, itemID)
	}

	s.Intakes = append(s.Intakes, model.Intake{ItemID: itemID, Decision: d, At: now})
	if d == model.Accept {
		s.Candidate = itemID
	}
	return settle(s, st, now)
}

// Compare records the winner of the pending pair and moves the candidate on.
func Compare(s *model.Session, itemA, itemB, winner string, now time.Time) (Outcome, error) {
	if s.Done() {
		return duplicate(s), nil
	}
	st, err := For(s.Mode)
	if err != nil {
		return Outcome{}, err
	}
	if itemA == itemB {
		return Outcome{}, model.ErrSelfComparison
	}
	if winner != itemA && winner != itemB {
		return Outcome{}, model.ErrWinnerNotInPair
	}
	if !s.InDeck(itemA) || !s.InDeck(itemB) {
		return Outcome{}, fmt.Errorf("%w: pair (%q, %q)", model.ErrUnknownItem, itemA, itemB)
	}
	for _, c := range s.Comparisons {
		if (model.Pair{ItemA: c.ItemA, ItemB: c.ItemB}).Same(itemA, itemB) {
			if c.Winner == winner {
				return duplicate(s), nil
			}
			return Outcome{}, fmt.Errorf("%w: %q already won", model.ErrConflictingOutcome, c.Winner)
		}
	}
	if s.Status != model.StatusComparing || s.Pending == nil || !s.Pending.Same(itemA, itemB) {
		return Outcome{}, model.ErrPairNotPending
	}

	s.Comparisons = append(s.Comparisons, model.Comparison{ItemA: itemA, ItemB: itemB, Winner: winner, At: now})
	return settle(s, st, now)
}

// settle is the single decision point after every event: a pending placement
// always wins over deck exhaustion, so the last accepted item is never
// dropped by an early completion.
func settle(s *model.Session, st Strategy, now time.Time) (Outcome, error) {
	s.UpdatedAt = now
	out := Outcome{PlacedAt: -1}

	if s.Candidate != "" {
		step, err := st.Place(s, s.Candidate)
		if err != nil {
			return Outcome{}, err
		}
		if step.NeedsComparison() {
			s.Status = model.StatusComparing
			s.Pending = &model.Pair{ItemA: s.Candidate, ItemB: step.Compare}
			out.Status = s.Status
			out.Next = NextOf(s)
			return out, nil
		}
		out.Placed = s.Candidate
		out.PlacedAt = step.Index
		out.Asked = asked(s.Comparisons, s.Candidate)
		s.Ranking = ranking.Insert(s.Ranking, step.Index, s.Candidate)
		s.Candidate = ""
		s.Pending = nil
	}

	if s.Cursor() >= len(s.Deck) {
		s.Status = model.StatusDone
		s.CompletedAt = now
		out.Completed = true
	} else {
		s.Status = model.StatusIntake
	}
	out.Status = s.Status
	out.Next = NextOf(s)
	return out, nil
}

func asked(log []model.Comparison, candidate string) int {
	n := 0
	for _, c := range log {
		if c.Involves(candidate) {
			n++
		}
	}
	return n
}
