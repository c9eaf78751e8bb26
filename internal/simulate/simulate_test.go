package simulate

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/cardrank/internal/adapters/http/api"
	service "github.com/okian/cardrank/internal/app"
	"github.com/okian/cardrank/internal/domain/catalog"
	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func card(id, family, child string) model.Item {
	return model.Item{ID: id, FamilyID: family, ChildFamilyID: child, Active: true}
}

func newServer(t *testing.T, items ...model.Item) *httptest.Server {
	t.Helper()
	c, err := catalog.NewInMemory(items...)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := service.New(
		service.WithCatalog(c),
		service.WithAsyncAggregation(false),
		service.WithLogger(logger.NewNop()),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(api.NewServer(svc).Routes())
	t.Cleanup(func() {
		srv.Close()
		svc.Stop()
	})
	return srv
}

func testConfig(url, family, mode string) *Config {
	return &Config{
		BaseURL:      url,
		Family:       family,
		Mode:         mode,
		Sessions:     8,
		Workers:      4,
		Seed:         7,
		Timeout:      5 * time.Second,
		MinAgreement: 0.5,
	}
}

func TestTruth(t *testing.T) {
	Convey("Given a seeded true order", t, func() {
		truth := NewTruth(42)
		ids := []string{"a", "b", "c", "d", "e"}

		Convey("Order is a permutation consistent with Prefers", func() {
			order := truth.Order(ids)
			So(order, ShouldHaveLength, len(ids))
			So(order, ShouldContain, "a")
			So(order, ShouldContain, "e")
			for i := 0; i+1 < len(order); i++ {
				So(truth.Prefers(order[i], order[i+1]), ShouldBeTrue)
				So(truth.Prefers(order[i+1], order[i]), ShouldBeFalse)
			}
		})

		Convey("Order does not depend on input order", func() {
			So(truth.Order([]string{"e", "d", "c", "b", "a"}), ShouldResemble, truth.Order(ids))
		})

		Convey("Order leaves its input untouched", func() {
			in := []string{"e", "a"}
			_ = truth.Order(in)
			So(in, ShouldResemble, []string{"e", "a"})
		})
	})
}

func TestInsertionBudget(t *testing.T) {
	Convey("Binary insertion budgets", t, func() {
		So(insertionBudget(0), ShouldEqual, 0)
		So(insertionBudget(1), ShouldEqual, 0)
		So(insertionBudget(2), ShouldEqual, 1)
		So(insertionBudget(3), ShouldEqual, 3)
		So(insertionBudget(4), ShouldEqual, 5)
		So(insertionBudget(5), ShouldEqual, 8)
	})
}

func TestAgreement(t *testing.T) {
	Convey("Given a true order", t, func() {
		truth := NewTruth(3)
		order := truth.Order([]string{"a", "b", "c"})
		row := func(id string, games int) Standing { return Standing{ItemID: id, GamesPlayed: games} }

		Convey("A matching leaderboard agrees fully", func() {
			rows := []Standing{row(order[0], 2), row(order[1], 2), row(order[2], 2)}
			So(agreement(truth, rows), ShouldEqual, 1)
		})

		Convey("A reversed leaderboard does not agree at all", func() {
			rows := []Standing{row(order[2], 2), row(order[1], 2), row(order[0], 2)}
			So(agreement(truth, rows), ShouldEqual, 0)
		})

		Convey("Rows without games are ignored", func() {
			rows := []Standing{row(order[2], 0), row(order[0], 1), row(order[1], 1)}
			So(agreement(truth, rows), ShouldEqual, 1)
		})

		Convey("Fewer than two played rows agree trivially", func() {
			So(agreement(truth, nil), ShouldEqual, 1)
		})
	})
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	log := logger.NewNop()

	Convey("Given a server with a flat deck", t, func() {
		srv := newServer(t,
			card("apple", "fruits", ""),
			card("pear", "fruits", ""),
			card("plum", "fruits", ""),
			card("fig", "fruits", ""),
		)

		Convey("Rank sessions reproduce the true order within budget", func() {
			stats, err := Run(ctx, testConfig(srv.URL, "fruits", "rank"), log)
			So(err, ShouldBeNil)
			So(stats.SessionsPlayed, ShouldEqual, 8)
			So(stats.SessionsMatched, ShouldEqual, 8)
			So(stats.SessionsFailed, ShouldEqual, 0)
			So(stats.Intakes, ShouldEqual, 32)
			So(stats.Comparisons, ShouldBeLessThanOrEqualTo, stats.ComparisonBudget)
			So(stats.Leaderboard, ShouldHaveLength, 4)
			So(stats.TrueOrder, ShouldResemble, NewTruth(7).Order([]string{"apple", "pear", "plum", "fig"}))
			So(stats.Agreement, ShouldBeGreaterThanOrEqualTo, 0.5)
		})

		Convey("Rejected cards drop out of swipe rankings", func() {
			cfg := testConfig(srv.URL, "fruits", "swipe")
			cfg.RejectRate = 0.3
			stats, err := Run(ctx, cfg, log)
			So(err, ShouldBeNil)
			So(stats.SessionsMatched, ShouldEqual, 8)
		})

		Convey("Vote sessions never reject", func() {
			cfg := testConfig(srv.URL, "fruits", "vote")
			cfg.RejectRate = 1
			stats, err := Run(ctx, cfg, log)
			So(err, ShouldBeNil)
			So(stats.SessionsMatched, ShouldEqual, 8)
			So(stats.Intakes, ShouldEqual, 32)
		})

		Convey("An unreachable agreement target fails the run", func() {
			cfg := testConfig(srv.URL, "fruits", "rank")
			cfg.MinAgreement = 1.01
			_, err := Run(ctx, cfg, log)
			So(errors.Is(err, ErrLowAgreement), ShouldBeTrue)
		})

		Convey("The report is written as JSON", func() {
			cfg := testConfig(srv.URL, "fruits", "rank")
			cfg.Sessions = 2
			cfg.OutputFile = filepath.Join(t.TempDir(), "out", "report.json")
			_, err := Run(ctx, cfg, log)
			So(err, ShouldBeNil)

			data, err := os.ReadFile(cfg.OutputFile)
			So(err, ShouldBeNil)
			var got Stats
			So(json.Unmarshal(data, &got), ShouldBeNil)
			So(got.SessionsPlayed, ShouldEqual, 2)
		})

		Convey("An unknown family surfaces the API error", func() {
			_, err := Run(ctx, testConfig(srv.URL, "nope", "rank"), log)
			So(errors.Is(err, ErrUnexpectedAPI), ShouldBeTrue)
		})
	})

	Convey("Given a server with a two level deck", t, func() {
		srv := newServer(t,
			card("fruit", "food", "fruits"),
			card("veg", "food", "vegs"),
			card("apple", "fruits", ""),
			card("pear", "fruits", ""),
			card("kale", "vegs", ""),
			card("leek", "vegs", ""),
		)

		Convey("Hierarchical play walks every sub-family", func() {
			cfg := testConfig(srv.URL, "food", "hierarchical")
			cfg.Sessions = 2
			stats, err := Run(ctx, cfg, log)
			So(err, ShouldBeNil)
			// one root session plus one per category, per player
			So(stats.SessionsPlayed, ShouldEqual, 6)
			So(stats.SessionsMatched, ShouldEqual, 2)
		})
	})

	Convey("Given no server", t, func() {
		srv := httptest.NewServer(nil)
		url := srv.URL
		srv.Close()

		Convey("The health check fails", func() {
			cfg := testConfig(url, "fruits", "rank")
			cfg.Timeout = time.Second
			_, err := Run(ctx, cfg, log)
			So(errors.Is(err, ErrUnhealthy), ShouldBeTrue)
		})
	})
}
