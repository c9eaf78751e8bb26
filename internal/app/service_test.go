package service_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/okian/cardrank/internal/adapters/repository"
	service "github.com/okian/cardrank/internal/app"
	"github.com/okian/cardrank/internal/domain/catalog"
	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/internal/domain/session"
	"github.com/okian/cardrank/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// clock advances one second per reading so completion times are distinct.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func item(id, family, child string) model.Item {
	return model.Item{ID: id, FamilyID: family, ChildFamilyID: child, Title: id, Active: true}
}

func newCatalog(items ...model.Item) catalog.Catalog {
	c, err := catalog.NewInMemory(items...)
	if err != nil {
		panic(err)
	}
	return c
}

func newService(c catalog.Catalog, clk *clock, opts ...service.Option) *service.Service {
	base := []service.Option{
		service.WithCatalog(c),
		service.WithClock(clk.Now),
		service.WithAsyncAggregation(false),
		service.WithLogger(logger.NewNop()),
	}
	svc, err := service.New(append(base, opts...)...)
	if err != nil {
		panic(err)
	}
	return svc
}

// play drives a session to completion. truth lists items best first; accept
// decides each deck item. It returns the last step result.
func play(ctx context.Context, svc *service.Service, id string, truth []string, accept func(string) bool) (service.StepResult, error) {
	view, err := svc.GetSession(ctx, id)
	if err != nil {
		return service.StepResult{}, err
	}
	version, next := view.Session.Version, view.Next
	var last service.StepResult
	for next.Kind != session.NextNone {
		var res service.StepResult
		switch next.Kind {
		case session.NextItem:
			d := "reject"
			if accept(next.ItemID) {
				d = "accept"
			}
			res, err = svc.SubmitIntake(ctx, id, version, next.ItemID, d)
		case session.NextCompare:
			a, b := next.Pair.ItemA, next.Pair.ItemB
			winner := a
			if slices.Index(truth, b) < slices.Index(truth, a) {
				winner = b
			}
			res, err = svc.SubmitComparison(ctx, id, version, a, b, winner)
		}
		if err != nil {
			return last, err
		}
		version, next, last = res.Version, res.Next, res
	}
	return last, nil
}

func all(string) bool { return true }

func TestService_Sessions(t *testing.T) {
	ctx := context.Background()

	Convey("Given a service over a three-card family", t, func() {
		svc := newService(newCatalog(item("A", "f", ""), item("B", "f", ""), item("C", "f", "")), newClock())

		Convey("Starting a session deals the family deck", func() {
			view, err := svc.StartSession(ctx, "f", "")
			So(err, ShouldBeNil)
			So(view.Session.Deck, ShouldResemble, []string{"A", "B", "C"})
			So(view.Session.Mode, ShouldEqual, model.ModeRank)
			So(view.Session.Version, ShouldEqual, 1)
			So(view.Next.Kind, ShouldEqual, session.NextItem)
			So(view.Next.ItemID, ShouldEqual, "A")
		})

		Convey("Unknown families and modes are rejected", func() {
			_, err := svc.StartSession(ctx, "nope", "")
			So(errors.Is(err, model.ErrUnknownFamily), ShouldBeTrue)
			_, err = svc.StartSession(ctx, "f", "tournament")
			So(errors.Is(err, model.ErrUnknownMode), ShouldBeTrue)
		})

		Convey("The worked example ends with B, A, C", func() {
			view, _ := svc.StartSession(ctx, "f", "rank")
			id := view.Session.ID

			res, err := svc.SubmitIntake(ctx, id, 1, "A", "accept")
			So(err, ShouldBeNil)
			So(res.Version, ShouldEqual, 2)
			So(res.Next.ItemID, ShouldEqual, "B")

			res, err = svc.SubmitIntake(ctx, id, 2, "B", "accept")
			So(err, ShouldBeNil)
			So(res.Status, ShouldEqual, model.StatusComparing)
			So(res.Next.Pair.Same("A", "B"), ShouldBeTrue)

			res, err = svc.SubmitComparison(ctx, id, 3, "B", "A", "B")
			So(err, ShouldBeNil)
			So(res.Next.ItemID, ShouldEqual, "C")

			res, err = svc.SubmitIntake(ctx, id, 4, "C", "accept")
			So(err, ShouldBeNil)
			So(res.Next.Pair.Same("C", "A"), ShouldBeTrue)

			res, err = svc.SubmitComparison(ctx, id, 5, "A", "C", "A")
			So(err, ShouldBeNil)
			So(res.Completed, ShouldBeTrue)
			So(res.Status, ShouldEqual, model.StatusDone)

			out, err := svc.GetResults(ctx, id)
			So(err, ShouldBeNil)
			So(out.Ranking, ShouldResemble, []string{"B", "A", "C"})
			So(out.Hierarchical, ShouldBeNil)
		})

		Convey("A stale version is a conflict but a replayed event is a duplicate", func() {
			view, _ := svc.StartSession(ctx, "f", "")
			id := view.Session.ID
			_, err := svc.SubmitIntake(ctx, id, 1, "A", "reject")
			So(err, ShouldBeNil)

			res, err := svc.SubmitIntake(ctx, id, 1, "A", "reject")
			So(err, ShouldBeNil)
			So(res.Duplicate, ShouldBeTrue)
			So(res.Version, ShouldEqual, 2)

			_, err = svc.SubmitIntake(ctx, id, 1, "B", "accept")
			So(errors.Is(err, model.ErrVersionConflict), ShouldBeTrue)

			_, err = svc.SubmitIntake(ctx, id, 2, "A", "accept")
			So(errors.Is(err, model.ErrConflictingOutcome), ShouldBeTrue)
		})

		Convey("Two concurrent writes at the same version: exactly one wins", func() {
			view, _ := svc.StartSession(ctx, "f", "")
			id := view.Session.ID

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i, d := range []string{"accept", "reject"} {
				wg.Add(1)
				go func(i int, d string) {
					defer wg.Done()
					_, errs[i] = svc.SubmitIntake(ctx, id, 1, "A", d)
				}(i, d)
			}
			wg.Wait()

			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
				} else {
					So(errors.Is(err, model.ErrStateConflict), ShouldBeTrue)
				}
			}
			So(wins, ShouldEqual, 1)
			got, _ := svc.GetSession(ctx, id)
			So(got.Session.Version, ShouldEqual, 2)
			So(got.Session.Intakes, ShouldHaveLength, 1)
		})

		Convey("Vote mode refuses rejects and swipe mode never compares", func() {
			view, _ := svc.StartSession(ctx, "f", "vote")
			_, err := svc.SubmitIntake(ctx, view.Session.ID, 1, "A", "reject")
			So(errors.Is(err, model.ErrRejectNotAllowed), ShouldBeTrue)

			view, _ = svc.StartSession(ctx, "f", "swipe")
			_, err = play(ctx, svc, view.Session.ID, []string{"C", "B", "A"}, all)
			So(err, ShouldBeNil)
			out, _ := svc.GetResults(ctx, view.Session.ID)
			So(out.Ranking, ShouldResemble, []string{"A", "B", "C"})
		})

		Convey("Unknown sessions and bad decisions are validation errors", func() {
			_, err := svc.GetSession(ctx, "missing")
			So(errors.Is(err, model.ErrSessionNotFound), ShouldBeTrue)
			view, _ := svc.StartSession(ctx, "f", "")
			_, err = svc.SubmitIntake(ctx, view.Session.ID, 1, "A", "maybe")
			So(errors.Is(err, model.ErrUnknownDecision), ShouldBeTrue)
		})
	})
}

func TestService_RandomizedPersonalRankings(t *testing.T) {
	ctx := context.Background()

	Convey("Given a twelve-card family and a hidden true order", t, func() {
		var items []model.Item
		for i := 0; i < 12; i++ {
			items = append(items, item(fmt.Sprintf("c%02d", i), "f", ""))
		}
		svc := newService(newCatalog(items...), newClock())
		truth := []string{"c07", "c02", "c11", "c00", "c05", "c09", "c01", "c10", "c03", "c08", "c04", "c06"}
		keep := func(id string) bool { return id != "c04" && id != "c10" }

		view, err := svc.StartSession(ctx, "f", "")
		So(err, ShouldBeNil)
		_, err = play(ctx, svc, view.Session.ID, truth, keep)
		So(err, ShouldBeNil)

		out, _ := svc.GetResults(ctx, view.Session.ID)
		var want []string
		for _, id := range truth {
			if keep(id) {
				want = append(want, id)
			}
		}
		So(out.Ranking, ShouldResemble, want)
	})
}

func TestService_Aggregation(t *testing.T) {
	ctx := context.Background()

	Convey("Given a synchronous service", t, func() {
		clk := newClock()
		svc := newService(newCatalog(item("A", "f", ""), item("B", "f", ""), item("C", "f", "")), clk)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		Convey("A completed session is folded exactly once", func() {
			view, _ := svc.StartSession(ctx, "f", "")
			_, err := play(ctx, svc, view.Session.ID, []string{"B", "A", "C"}, all)
			So(err, ShouldBeNil)

			err = svc.FoldSession(ctx, view.Session.ID)
			So(errors.Is(err, model.ErrAlreadyProcessed), ShouldBeTrue)
			n, err := svc.FoldPending(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)

			b, err := svc.GetRating(ctx, "B")
			So(err, ShouldBeNil)
			So(b.Rank, ShouldEqual, 1)
			So(b.Wins, ShouldEqual, 1)
			So(b.Likes, ShouldEqual, 1)
			So(b.Rating.Rating, ShouldBeGreaterThan, 1500)

			c, _ := svc.GetRating(ctx, "C")
			So(c.Losses, ShouldBeGreaterThan, 0)
			So(c.Rating.Rating, ShouldBeLessThan, 1500)
		})

		Convey("An unfinished session cannot be folded", func() {
			view, _ := svc.StartSession(ctx, "f", "")
			err := svc.FoldSession(ctx, view.Session.ID)
			So(errors.Is(err, model.ErrSessionNotDone), ShouldBeTrue)
		})

		Convey("Recompute reproduces incremental folds bit for bit", func() {
			orders := [][]string{
				{"A", "B", "C"},
				{"C", "A", "B"},
				{"B", "C", "A"},
				{"A", "C", "B"},
			}
			for _, truth := range orders {
				view, _ := svc.StartSession(ctx, "f", "")
				_, err := play(ctx, svc, view.Session.ID, truth, all)
				So(err, ShouldBeNil)
			}
			before, err := svc.GetLeaderboard(ctx, "", 10, 0)
			So(err, ShouldBeNil)

			rep, err := svc.Recompute(ctx)
			So(err, ShouldBeNil)
			So(rep.Sessions, ShouldEqual, len(orders))

			after, err := svc.GetLeaderboard(ctx, "", 10, 0)
			So(err, ShouldBeNil)
			So(after, ShouldHaveLength, len(before))
			for i := range before {
				So(after[i].ItemID, ShouldEqual, before[i].ItemID)
				So(math.Float64bits(after[i].Rating.Rating), ShouldEqual, math.Float64bits(before[i].Rating.Rating))
				So(after[i].GamesPlayed, ShouldEqual, before[i].GamesPlayed)
			}
		})

		Convey("Leaderboard arguments are validated", func() {
			_, err := svc.GetLeaderboard(ctx, "", 0, 0)
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
			_, err = svc.GetLeaderboard(ctx, "", 5000, 0)
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
			_, err = svc.GetLeaderboard(ctx, "ghost", 5, 0)
			So(errors.Is(err, model.ErrUnknownFamily), ShouldBeTrue)
		})

		Convey("Registered items get a baseline rating", func() {
			_, err := svc.RegisterItem(ctx, item("D", "f", ""))
			So(err, ShouldBeNil)
			d, err := svc.GetRating(ctx, "D")
			So(err, ShouldBeNil)
			So(d.Rating.Rating, ShouldEqual, 1500)
			So(d.GamesPlayed, ShouldEqual, 0)
		})
	})

	Convey("Given an asynchronous service", t, func() {
		svc := newService(newCatalog(item("A", "f", ""), item("B", "f", "")), newClock(),
			service.WithAsyncAggregation(true),
			service.WithWorkerCount(2),
		)
		So(svc.Start(ctx), ShouldBeNil)

		view, _ := svc.StartSession(ctx, "f", "")
		_, err := play(ctx, svc, view.Session.ID, []string{"B", "A"}, all)
		So(err, ShouldBeNil)

		Convey("Stop drains the fold queue", func() {
			svc.Stop()
			b, err := svc.GetRating(ctx, "B")
			So(err, ShouldBeNil)
			So(b.GamesPlayed, ShouldEqual, 1)
			stats, err := svc.GetStats(ctx)
			So(err, ShouldBeNil)
			So(stats.Started, ShouldBeFalse)
			So(stats.Sessions[model.StatusDone], ShouldEqual, 1)
		})
	})
}

func TestService_Hierarchy(t *testing.T) {
	ctx := context.Background()

	Convey("Given a two-level catalog", t, func() {
		cat := newCatalog(
			item("A", "root", "fa"),
			item("B", "root", "fb"),
			item("C", "root", ""),
			item("A1", "fa", ""),
			item("A2", "fa", ""),
			item("B1", "fb", ""),
		)
		svc := newService(cat, newClock())
		truth := []string{"A", "A1", "A2", "B", "B1", "C"}

		Convey("Sub-families are played depth first and flattened", func() {
			view, err := svc.StartSession(ctx, "root", "hierarchical")
			So(err, ShouldBeNil)
			rootID := view.Session.ID

			last, err := play(ctx, svc, rootID, truth, all)
			So(err, ShouldBeNil)
			So(last.Completed, ShouldBeTrue)
			So(last.ChildSession, ShouldNotBeEmpty)

			first, _ := svc.GetSession(ctx, last.ChildSession)
			So(first.Session.FamilyID, ShouldEqual, "fa")
			So(first.Session.RootID, ShouldEqual, rootID)

			mid, err := play(ctx, svc, last.ChildSession, truth, all)
			So(err, ShouldBeNil)
			So(mid.ChildSession, ShouldNotBeEmpty)
			second, _ := svc.GetSession(ctx, mid.ChildSession)
			So(second.Session.FamilyID, ShouldEqual, "fb")

			end, err := play(ctx, svc, mid.ChildSession, truth, all)
			So(err, ShouldBeNil)
			So(end.ChildSession, ShouldBeEmpty)

			out, err := svc.GetResults(ctx, rootID)
			So(err, ShouldBeNil)
			So(out.HierarchyStatus, ShouldEqual, model.HierarchyDone)
			var got []string
			for _, e := range out.Hierarchical {
				got = append(got, e.ItemID)
			}
			So(got, ShouldResemble, truth)
		})

		Convey("A rejected head excludes its whole branch", func() {
			view, _ := svc.StartSession(ctx, "root", "hierarchical")
			last, err := play(ctx, svc, view.Session.ID, truth, func(id string) bool { return id != "A" })
			So(err, ShouldBeNil)

			child, _ := svc.GetSession(ctx, last.ChildSession)
			So(child.Session.FamilyID, ShouldEqual, "fb")
			end, err := play(ctx, svc, last.ChildSession, truth, all)
			So(err, ShouldBeNil)
			So(end.ChildSession, ShouldBeEmpty)

			out, _ := svc.GetResults(ctx, view.Session.ID)
			var got []string
			for _, e := range out.Hierarchical {
				got = append(got, e.ItemID)
			}
			So(got, ShouldResemble, []string{"B", "B1", "C"})
		})

		Convey("A root without sub-families needs no record", func() {
			view, _ := svc.StartSession(ctx, "root", "hierarchical")
			last, err := play(ctx, svc, view.Session.ID, truth, func(id string) bool { return id == "C" })
			So(err, ShouldBeNil)
			So(last.ChildSession, ShouldBeEmpty)

			out, _ := svc.GetResults(ctx, view.Session.ID)
			So(out.HierarchyStatus, ShouldEqual, model.HierarchyDone)
			So(out.Hierarchical, ShouldHaveLength, 1)
			_, err = svc.Resume(ctx, view.Session.ID)
			So(errors.Is(err, model.ErrHierarchyNotFound), ShouldBeTrue)
		})

		Convey("Resume is harmless on a live hierarchy", func() {
			view, _ := svc.StartSession(ctx, "root", "hierarchical")
			last, _ := play(ctx, svc, view.Session.ID, truth, all)

			h, err := svc.Resume(ctx, view.Session.ID)
			So(err, ShouldBeNil)
			n, ok := h.ActiveNode()
			So(ok, ShouldBeTrue)
			So(n.SessionID, ShouldEqual, last.ChildSession)
		})
	})

	Convey("Given a sub-family without active items", t, func() {
		cat := newCatalog(
			item("A", "root", "empty"),
			item("B", "root", "fb"),
			item("B1", "fb", ""),
		)
		svc := newService(cat, newClock())

		Convey("It is skipped", func() {
			view, _ := svc.StartSession(ctx, "root", "hierarchical")
			last, err := play(ctx, svc, view.Session.ID, []string{"A", "B", "B1"}, all)
			So(err, ShouldBeNil)
			child, _ := svc.GetSession(ctx, last.ChildSession)
			So(child.Session.FamilyID, ShouldEqual, "fb")
		})
	})
}

// failingHierarchyStore fails the first CreateHierarchy calls.
type failingHierarchyStore struct {
	*repository.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *failingHierarchyStore) CreateHierarchy(ctx context.Context, h *model.Hierarchy) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return model.SystemError("create hierarchy", errors.New("disk full"))
	}
	f.mu.Unlock()
	return f.MemoryStore.CreateHierarchy(ctx, h)
}

func TestService_LostHierarchyRecord(t *testing.T) {
	ctx := context.Background()

	Convey("Given a root whose hierarchy record fails to persist", t, func() {
		cat := newCatalog(
			item("A", "root", "fa"),
			item("C", "root", ""),
			item("A1", "fa", ""),
			item("A2", "fa", ""),
		)
		st := &failingHierarchyStore{MemoryStore: repository.NewMemoryStore(), failures: 1}
		svc := newService(cat, newClock(), service.WithStore(st))
		truth := []string{"A", "A1", "A2", "C"}

		view, err := svc.StartSession(ctx, "root", "hierarchical")
		So(err, ShouldBeNil)
		rootID := view.Session.ID
		last, err := play(ctx, svc, rootID, truth, all)

		Convey("The completing step reports the failure", func() {
			So(err, ShouldNotBeNil)
			So(model.KindOf(err), ShouldEqual, model.KindSystem)
			root, gerr := svc.GetSession(ctx, rootID)
			So(gerr, ShouldBeNil)
			So(root.Session.Status, ShouldEqual, model.StatusDone)
			So(last.ChildSession, ShouldBeEmpty)
		})

		Convey("Resume plans the hierarchy again", func() {
			h, err := svc.Resume(ctx, rootID)
			So(err, ShouldBeNil)
			n, ok := h.ActiveNode()
			So(ok, ShouldBeTrue)
			So(n.FamilyID, ShouldEqual, "fa")

			end, err := play(ctx, svc, n.SessionID, truth, all)
			So(err, ShouldBeNil)
			So(end.ChildSession, ShouldBeEmpty)

			out, err := svc.GetResults(ctx, rootID)
			So(err, ShouldBeNil)
			So(out.HierarchyStatus, ShouldEqual, model.HierarchyDone)
			var got []string
			for _, e := range out.Hierarchical {
				got = append(got, e.ItemID)
			}
			So(got, ShouldResemble, truth)
		})

		Convey("Results never report a missing hierarchy as done", func() {
			out, err := svc.GetResults(ctx, rootID)
			So(err, ShouldBeNil)
			So(out.HierarchyStatus, ShouldEqual, model.HierarchyActive)
			So(out.ActiveSession, ShouldNotBeEmpty)
		})

		Convey("The pending sweep plans it exactly once", func() {
			n, err := svc.ResumePending(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)

			n, err = svc.ResumePending(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)

			h, err := svc.Resume(ctx, rootID)
			So(err, ShouldBeNil)
			_, ok := h.ActiveNode()
			So(ok, ShouldBeTrue)
		})
	})
}

func TestService_LeaderboardLimit(t *testing.T) {
	ctx := context.Background()

	Convey("Given a service with a small leaderboard maximum", t, func() {
		cat := newCatalog(item("A", "f", ""), item("B", "f", ""), item("C", "f", ""))
		svc := newService(cat, newClock(), service.WithMaxLeaderboardLimit(2))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		Convey("A larger limit is capped", func() {
			rows, err := svc.GetLeaderboard(ctx, "", 50, 0)
			So(err, ShouldBeNil)
			So(rows, ShouldHaveLength, 2)
		})

		Convey("A limit below one is rejected", func() {
			_, err := svc.GetLeaderboard(ctx, "", 0, 0)
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		})
	})
}

func TestService_CollectExpired(t *testing.T) {
	ctx := context.Background()

	Convey("Given idle and finished sessions", t, func() {
		clk := newClock()
		svc := newService(newCatalog(item("A", "f", "")), clk, service.WithSessionTTL(time.Hour))

		idle, _ := svc.StartSession(ctx, "f", "")
		done, _ := svc.StartSession(ctx, "f", "")
		_, err := play(ctx, svc, done.Session.ID, []string{"A"}, all)
		So(err, ShouldBeNil)

		clk.Advance(2 * time.Hour)
		n, err := svc.CollectExpired(ctx)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)

		_, err = svc.GetSession(ctx, idle.Session.ID)
		So(errors.Is(err, model.ErrSessionNotFound), ShouldBeTrue)
		_, err = svc.GetSession(ctx, done.Session.ID)
		So(err, ShouldBeNil)
	})
}
