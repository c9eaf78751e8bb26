package model

import (
	"slices"
	"time"
)

// Status is the lifecycle phase of a session.
type Status string

// Session statuses.
const (
	StatusIntake    Status = "intake"
	StatusComparing Status = "comparing"
	StatusDone      Status = "done"
)

// Mode selects the orchestration strategy applied to a session.
type Mode string

// Play modes.
const (
	ModeRank         Mode = "rank"
	ModeSwipe        Mode = "swipe"
	ModeVote         Mode = "vote"
	ModeHierarchical Mode = "hierarchical"
)

// ParseMode validates a mode name; the empty string selects def.
func ParseMode(s string, def Mode) (Mode, error) {
	if s == "" {
		return def, nil
	}
	switch m := Mode(s); m {
	case ModeRank, ModeSwipe, ModeVote, ModeHierarchical:
		return m, nil
	}
	return "", ErrUnknownMode
}

// Decision is the binary intake signal for a deck item.
type Decision string

// Intake decisions.
const (
	Accept Decision = "accept"
	Reject Decision = "reject"
)

// ParseDecision validates a decision name.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case Accept, Reject:
		return d, nil
	}
	return "", ErrUnknownDecision
}

// Intake records the decision taken on one deck item.
type Intake struct {
	ItemID   string    `json:"item_id"`
	Decision Decision  `json:"decision"`
	At       time.Time `json:"at"`
}

// Comparison is one pairwise preference.
type Comparison struct {
	ItemA  string    `json:"item_a"`
	ItemB  string    `json:"item_b"`
	Winner string    `json:"winner"`
	At     time.Time `json:"at"`
}

// Involves reports whether id is one of the compared items.
func (c Comparison) Involves(id string) bool { return c.ItemA == id || c.ItemB == id }

// Opponent returns the item compared against id.
func (c Comparison) Opponent(id string) string {
	if c.ItemA == id {
		return c.ItemB
	}
	return c.ItemA
}

// Pair is an unordered comparison request.
type Pair struct {
	ItemA string `json:"item_a"`
	ItemB string `json:"item_b"`
}

// Same reports whether a and b name the pair in either order.
func (p Pair) Same(a, b string) bool {
	return (p.ItemA == a && p.ItemB == b) || (p.ItemA == b && p.ItemB == a)
}

// PairKey returns an order-independent key for the pair (a, b).
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// Session is one user's run through the deck of a single family.
type Session struct {
	ID          string       `json:"id"`
	FamilyID    string       `json:"family_id"`
	Mode        Mode         `json:"mode"`
	Deck        []string     `json:"deck"`
	Status      Status       `json:"status"`
	Version     int64        `json:"version"`
	Intakes     []Intake     `json:"intakes"`
	Comparisons []Comparison `json:"comparisons"`
	Ranking     []string     `json:"ranking"`
	Candidate   string       `json:"candidate,omitempty"`
	Pending     *Pair        `json:"pending,omitempty"`
	RootID      string       `json:"root_id,omitempty"`
	Depth       int          `json:"depth"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Accepted returns the accept log: accepted item ids in intake order.
func (s *Session) Accepted() []string {
	out := make([]string, 0, len(s.Intakes))
	for _, in := range s.Intakes {
		if in.Decision == Accept {
			out = append(out, in.ItemID)
		}
	}
	return out
}

// Cursor is the index of the next undecided deck item.
func (s *Session) Cursor() int { return len(s.Intakes) }

// InDeck reports whether id belongs to the session's deck.
func (s *Session) InDeck(id string) bool { return slices.Contains(s.Deck, id) }

// DecisionFor returns the recorded decision for id, if any.
func (s *Session) DecisionFor(id string) (Decision, bool) {
	for _, in := range s.Intakes {
		if in.ItemID == id {
			return in.Decision, true
		}
	}
	return "", false
}

// Done reports whether the session is terminal.
func (s *Session) Done() bool { return s.Status == StatusDone }

// IsChild reports whether the session was spawned by a hierarchy.
func (s *Session) IsChild() bool { return s.RootID != "" }

// Clone returns a deep copy so stores never share slices with callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Deck = slices.Clone(s.Deck)
	c.Intakes = slices.Clone(s.Intakes)
	c.Comparisons = slices.Clone(s.Comparisons)
	c.Ranking = slices.Clone(s.Ranking)
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	return &c
}
