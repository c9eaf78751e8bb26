package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/internal/domain/session"
	. "github.com/smartystreets/goconvey/convey"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func mustNew(mode model.Mode, deck ...string) *model.Session {
	s, err := session.New("s1", "fam", mode, deck, t0)
	if err != nil {
		panic(err)
	}
	return s
}

func TestNew(t *testing.T) {
	Convey("Given session construction", t, func() {
		Convey("When the deck is valid", func() {
			s, err := session.New("s1", "fam", model.ModeRank, []string{"A", "B"}, t0)

			Convey("Then the session starts in intake at version 1", func() {
				So(err, ShouldBeNil)
				So(s.Status, ShouldEqual, model.StatusIntake)
				So(s.Version, ShouldEqual, 1)
				So(session.NextOf(s), ShouldResemble, session.Next{Kind: session.NextItem, ItemID: "A"})
			})
		})

		Convey("When the deck is empty", func() {
			s, err := session.New("s1", "fam", model.ModeRank, nil, t0)

			Convey("Then the session is immediately done", func() {
				So(err, ShouldBeNil)
				So(s.Done(), ShouldBeTrue)
				So(s.Ranking, ShouldBeEmpty)
				So(session.NextOf(s).Kind, ShouldEqual, session.NextNone)
			})
		})

		Convey("When the deck repeats an item or the mode is unknown", func() {
			_, errDup := session.New("s1", "fam", model.ModeRank, []string{"A", "A"}, t0)
			_, errMode := session.New("s1", "fam", model.Mode("bogus"), []string{"A"}, t0)

			Convey("Then validation errors are returned", func() {
				So(errors.Is(errDup, model.ErrValidation), ShouldBeTrue)
				So(errors.Is(errMode, model.ErrUnknownMode), ShouldBeTrue)
			})
		})
	})
}

func TestRankScenario(t *testing.T) {
	Convey("Given a rank session over [A, B, C]", t, func() {
		s := mustNew(model.ModeRank, "A", "B", "C")

		out, err := session.Intake(s, "A", model.Accept, t0)
		So(err, ShouldBeNil)
		So(out.Placed, ShouldEqual, "A")
		So(s.Ranking, ShouldResemble, []string{"A"})

		out, err = session.Intake(s, "B", model.Accept, t0)
		So(err, ShouldBeNil)
		So(out.Status, ShouldEqual, model.StatusComparing)
		So(*out.Next.Pair, ShouldResemble, model.Pair{ItemA: "B", ItemB: "A"})

		out, err = session.Compare(s, "B", "A", "B", t0)
		So(err, ShouldBeNil)
		So(s.Ranking, ShouldResemble, []string{"B", "A"})
		So(out.Asked, ShouldEqual, 1)

		_, err = session.Intake(s, "C", model.Accept, t0)
		So(err, ShouldBeNil)
		So(s.Pending.ItemB, ShouldEqual, "A")

		out, err = session.Compare(s, "C", "A", "A", t0)

		Convey("Then the final ranking is [B, A, C] and the session is done", func() {
			So(err, ShouldBeNil)
			So(out.Completed, ShouldBeTrue)
			So(s.Done(), ShouldBeTrue)
			So(s.Ranking, ShouldResemble, []string{"B", "A", "C"})
			So(s.CompletedAt, ShouldEqual, t0)
		})

		Convey("Then further events on the done session are no-ops", func() {
			out, err := session.Compare(s, "C", "A", "C", t0)
			So(err, ShouldBeNil)
			So(out.Duplicate, ShouldBeTrue)
			So(s.Ranking, ShouldResemble, []string{"B", "A", "C"})
		})
	})
}

func TestLastAcceptIsNeverDropped(t *testing.T) {
	Convey("Given the last deck item is accepted while comparisons are needed", t, func() {
		s := mustNew(model.ModeRank, "A", "B")
		_, _ = session.Intake(s, "A", model.Accept, t0)
		out, err := session.Intake(s, "B", model.Accept, t0)

		Convey("Then the session waits for the comparison instead of completing", func() {
			So(err, ShouldBeNil)
			So(out.Completed, ShouldBeFalse)
			So(s.Status, ShouldEqual, model.StatusComparing)

			out, err = session.Compare(s, "A", "B", "A", t0)
			So(err, ShouldBeNil)
			So(out.Completed, ShouldBeTrue)
			So(s.Ranking, ShouldResemble, []string{"A", "B"})
		})
	})
}

func TestRejects(t *testing.T) {
	Convey("Given a rank session where everything is rejected", t, func() {
		s := mustNew(model.ModeRank, "A", "B")
		_, err1 := session.Intake(s, "A", model.Reject, t0)
		out, err2 := session.Intake(s, "B", model.Reject, t0)

		Convey("Then the session completes with an empty ranking", func() {
			So(err1, ShouldBeNil)
			So(err2, ShouldBeNil)
			So(out.Completed, ShouldBeTrue)
			So(s.Ranking, ShouldBeEmpty)
			So(s.Comparisons, ShouldBeEmpty)
		})
	})

	Convey("Given a vote session", t, func() {
		s := mustNew(model.ModeVote, "A", "B")
		_, err := session.Intake(s, "A", model.Reject, t0)

		Convey("Then rejecting is refused without mutation", func() {
			So(errors.Is(err, model.ErrRejectNotAllowed), ShouldBeTrue)
			So(s.Intakes, ShouldBeEmpty)
		})
	})
}

func TestSwipeMode(t *testing.T) {
	Convey("Given a swipe session", t, func() {
		s := mustNew(model.ModeSwipe, "A", "B", "C")
		for _, id := range []string{"A", "B", "C"} {
			d := model.Accept
			if id == "B" {
				d = model.Reject
			}
			_, err := session.Intake(s, id, d, t0)
			So(err, ShouldBeNil)
		}

		Convey("Then the ranking follows accept order without comparisons", func() {
			So(s.Done(), ShouldBeTrue)
			So(s.Ranking, ShouldResemble, []string{"A", "C"})
			So(s.Comparisons, ShouldBeEmpty)
		})
	})
}

func TestIntakeErrors(t *testing.T) {
	Convey("Given a rank session mid-play", t, func() {
		s := mustNew(model.ModeRank, "A", "B", "C")
		_, _ = session.Intake(s, "A", model.Accept, t0)

		Convey("When the same decision is repeated", func() {
			out, err := session.Intake(s, "A", model.Accept, t0)

			Convey("Then it is a duplicate no-op", func() {
				So(err, ShouldBeNil)
				So(out.Duplicate, ShouldBeTrue)
				So(s.Intakes, ShouldHaveLength, 1)
			})
		})

		Convey("When the opposite decision is sent for a decided item", func() {
			_, err := session.Intake(s, "A", model.Reject, t0)
			So(errors.Is(err, model.ErrConflictingOutcome), ShouldBeTrue)
			So(errors.Is(err, model.ErrStateConflict), ShouldBeTrue)
		})

		Convey("When an item outside the deck is sent", func() {
			_, err := session.Intake(s, "Z", model.Accept, t0)
			So(errors.Is(err, model.ErrUnknownItem), ShouldBeTrue)
		})

		Convey("When an item is sent out of order", func() {
			_, err := session.Intake(s, "C", model.Accept, t0)
			So(errors.Is(err, model.ErrInvalidTransition), ShouldBeTrue)
		})

		Convey("When intake arrives while a comparison is pending", func() {
			_, _ = session.Intake(s, "B", model.Accept, t0)
			_, err := session.Intake(s, "C", model.Accept, t0)
			So(errors.Is(err, model.ErrInvalidTransition), ShouldBeTrue)
		})
	})
}

func TestCompareErrors(t *testing.T) {
	Convey("Given a session waiting on (B, A)", t, func() {
		s := mustNew(model.ModeRank, "A", "B", "C")
		_, _ = session.Intake(s, "A", model.Accept, t0)
		_, _ = session.Intake(s, "B", model.Accept, t0)

		Convey("Then malformed comparisons are integrity errors", func() {
			_, errSelf := session.Compare(s, "A", "A", "A", t0)
			_, errWinner := session.Compare(s, "A", "B", "C", t0)
			_, errPending := session.Compare(s, "A", "C", "A", t0)
			So(errors.Is(errSelf, model.ErrIntegrity), ShouldBeTrue)
			So(errors.Is(errWinner, model.ErrWinnerNotInPair), ShouldBeTrue)
			So(errors.Is(errPending, model.ErrPairNotPending), ShouldBeTrue)
			So(s.Comparisons, ShouldBeEmpty)
		})

		Convey("Then unknown items are validation errors", func() {
			_, err := session.Compare(s, "A", "Z", "A", t0)
			So(errors.Is(err, model.ErrUnknownItem), ShouldBeTrue)
		})

		Convey("Then the pair is accepted in either order", func() {
			_, err := session.Compare(s, "A", "B", "A", t0)
			So(err, ShouldBeNil)
			So(s.Ranking, ShouldResemble, []string{"A", "B"})

			Convey("And a replay is a duplicate while a flipped winner conflicts", func() {
				out, err := session.Compare(s, "B", "A", "A", t0)
				So(err, ShouldBeNil)
				So(out.Duplicate, ShouldBeTrue)

				_, err = session.Compare(s, "B", "A", "B", t0)
				So(errors.Is(err, model.ErrConflictingOutcome), ShouldBeTrue)
			})
		})
	})
}
