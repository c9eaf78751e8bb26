package session

import (
	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/internal/domain/ranking"
)

// Strategy is the per-mode policy plugged into the state machine. All modes
// share the machine and the ranking engine; they only differ in whether
// rejects are allowed and how an accepted item is placed.
type Strategy interface {
	Mode() model.Mode
	AllowReject() bool
	Place(s *model.Session, candidate string) (ranking.Step, error)
}

type binaryStrategy struct {
	mode        model.Mode
	allowReject bool
}

func (b binaryStrategy) Mode() model.Mode  { return b.mode }
func (b binaryStrategy) AllowReject() bool { return b.allowReject }

func (b binaryStrategy) Place(s *model.Session, candidate string) (ranking.Step, error) {
	return ranking.NextStep(s.Comparisons, s.Ranking, candidate)
}

// swipeStrategy ranks accepted items in the order they were accepted.
type swipeStrategy struct{}

func (swipeStrategy) Mode() model.Mode  { return model.ModeSwipe }
func (swipeStrategy) AllowReject() bool { return true }

func (swipeStrategy) Place(s *model.Session, _ string) (ranking.Step, error) {
	return ranking.InsertAt(len(s.Ranking)), nil
}

var strategies = map[model.Mode]Strategy{ //nolint:gochecknoglobals // closed strategy set
	model.ModeRank:         binaryStrategy{mode: model.ModeRank, allowReject: true},
	model.ModeHierarchical: binaryStrategy{mode: model.ModeHierarchical, allowReject: true},
	model.ModeVote:         binaryStrategy{mode: model.ModeVote, allowReject: false},
	model.ModeSwipe:        swipeStrategy{},
}

// For returns the strategy for mode.
func For(mode model.Mode) (Strategy, error) {
	st, ok := strategies[mode]
	if !ok {
		return nil, model.ErrUnknownMode
	}
	return st, nil
}
