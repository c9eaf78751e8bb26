package api_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/okian/cardrank/internal/adapters/http/api"
	service "github.com/okian/cardrank/internal/app"
	"github.com/okian/cardrank/internal/domain/catalog"
	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

type nextStep struct {
	Kind   string `json:"kind"`
	ItemID string `json:"item_id"`
	Pair   *struct {
		ItemA string `json:"item_a"`
		ItemB string `json:"item_b"`
	} `json:"pair"`
}

type sessionBody struct {
	SessionID string   `json:"session_id"`
	Status    string   `json:"status"`
	Version   int64    `json:"version"`
	Deck      []string `json:"deck"`
	Next      nextStep `json:"next"`
}

type stepBody struct {
	Status       string   `json:"status"`
	Version      int64    `json:"version"`
	Next         nextStep `json:"next"`
	Completed    bool     `json:"completed"`
	Duplicate    bool     `json:"duplicate"`
	ChildSession string   `json:"child_session"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newTestService(items ...model.Item) *service.Service {
	c, err := catalog.NewInMemory(items...)
	if err != nil {
		panic(err)
	}
	svc, err := service.New(
		service.WithCatalog(c),
		service.WithAsyncAggregation(false),
		service.WithLogger(logger.NewNop()),
		service.WithMaxLeaderboardLimit(100),
	)
	if err != nil {
		panic(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		panic(err)
	}
	return svc
}

func card(id, family, child string) model.Item {
	return model.Item{ID: id, FamilyID: family, ChildFamilyID: child, Active: true}
}

func do(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			panic(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](w *httptest.ResponseRecorder) T {
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		panic(fmt.Sprintf("decode %q: %v", w.Body.String(), err))
	}
	return v
}

// playHTTP drives a session to done over the API, accepting every card and
// answering comparisons by the position of each item in truth.
func playHTTP(h http.Handler, id string, truth []string) stepBody {
	cur := decodeBody[sessionBody](do(h, http.MethodGet, "/sessions/"+id, nil))
	version, next := cur.Version, cur.Next
	var last stepBody
	for next.Kind != "none" {
		var w *httptest.ResponseRecorder
		switch next.Kind {
		case "item":
			w = do(h, http.MethodPost, "/sessions/"+id+"/intake", map[string]any{
				"version": version, "item_id": next.ItemID, "decision": "accept",
			})
		case "compare":
			a, b := next.Pair.ItemA, next.Pair.ItemB
			winner := a
			if slices.Index(truth, b) < slices.Index(truth, a) {
				winner = b
			}
			w = do(h, http.MethodPost, "/sessions/"+id+"/comparisons", map[string]any{
				"version": version, "item_a": a, "item_b": b, "winner": winner,
			})
		}
		if w.Code != http.StatusOK {
			panic(fmt.Sprintf("step failed: %d %s", w.Code, w.Body.String()))
		}
		last = decodeBody[stepBody](w)
		version, next = last.Version, last.Next
	}
	return last
}

func TestServer_Sessions(t *testing.T) {
	Convey("Given an API over a three-card family", t, func() {
		svc := newTestService(card("A", "f", ""), card("B", "f", ""), card("C", "f", ""))
		defer svc.Stop()
		h := api.NewServer(svc, api.WithLogger(logger.NewNop())).Routes()

		Convey("POST /sessions starts a session", func() {
			w := do(h, http.MethodPost, "/sessions", map[string]string{"family_id": "f"})
			So(w.Code, ShouldEqual, http.StatusCreated)
			body := decodeBody[sessionBody](w)
			So(body.SessionID, ShouldNotBeEmpty)
			So(body.Version, ShouldEqual, 1)
			So(body.Status, ShouldEqual, "intake")
			So(body.Deck, ShouldResemble, []string{"A", "B", "C"})
			So(body.Next.Kind, ShouldEqual, "item")
			So(body.Next.ItemID, ShouldEqual, "A")
		})

		Convey("Malformed and invalid requests are rejected with 400", func() {
			w := do(h, http.MethodPost, "/sessions", "{not json")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decodeBody[errorBody](w).Code, ShouldEqual, "bad_request")

			w = do(h, http.MethodPost, "/sessions", map[string]string{"mode": "rank"})
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decodeBody[errorBody](w).Code, ShouldEqual, "validation")

			w = do(h, http.MethodPost, "/sessions", map[string]string{"family_id": "f", "mode": "tournament"})
			So(w.Code, ShouldEqual, http.StatusBadRequest)

			w = do(h, http.MethodPost, "/sessions", map[string]string{"family_id": "unknown"})
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Unknown sessions answer 404", func() {
			w := do(h, http.MethodGet, "/sessions/missing", nil)
			So(w.Code, ShouldEqual, http.StatusNotFound)
			So(decodeBody[errorBody](w).Code, ShouldEqual, "not_found")
		})

		Convey("With a started session", func() {
			id := decodeBody[sessionBody](do(h, http.MethodPost, "/sessions", map[string]string{"family_id": "f"})).SessionID

			Convey("An intake without a version is a validation error", func() {
				w := do(h, http.MethodPost, "/sessions/"+id+"/intake", map[string]string{"item_id": "A", "decision": "accept"})
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			})

			Convey("A stale version answers 409", func() {
				w := do(h, http.MethodPost, "/sessions/"+id+"/intake", map[string]any{"version": 1, "item_id": "A", "decision": "accept"})
				So(w.Code, ShouldEqual, http.StatusOK)
				w = do(h, http.MethodPost, "/sessions/"+id+"/intake", map[string]any{"version": 1, "item_id": "B", "decision": "accept"})
				So(w.Code, ShouldEqual, http.StatusConflict)
				So(decodeBody[errorBody](w).Code, ShouldEqual, "state_conflict")
			})

			Convey("A replayed intake is acknowledged as a duplicate", func() {
				first := decodeBody[stepBody](do(h, http.MethodPost, "/sessions/"+id+"/intake", map[string]any{"version": 1, "item_id": "A", "decision": "accept"}))
				w := do(h, http.MethodPost, "/sessions/"+id+"/intake", map[string]any{"version": 1, "item_id": "A", "decision": "accept"})
				So(w.Code, ShouldEqual, http.StatusOK)
				again := decodeBody[stepBody](w)
				So(again.Duplicate, ShouldBeTrue)
				So(again.Version, ShouldEqual, first.Version)
			})

			Convey("A comparison outside the pending pair answers 422", func() {
				v := decodeBody[stepBody](do(h, http.MethodPost, "/sessions/"+id+"/intake", map[string]any{"version": 1, "item_id": "A", "decision": "accept"})).Version
				step := decodeBody[stepBody](do(h, http.MethodPost, "/sessions/"+id+"/intake", map[string]any{"version": v, "item_id": "B", "decision": "accept"}))
				So(step.Next.Kind, ShouldEqual, "compare")
				w := do(h, http.MethodPost, "/sessions/"+id+"/comparisons", map[string]any{
					"version": step.Version, "item_a": "A", "item_b": "C", "winner": "A",
				})
				So(w.Code, ShouldEqual, http.StatusUnprocessableEntity)
				So(decodeBody[errorBody](w).Code, ShouldEqual, "integrity")
			})

			Convey("Playing to the end yields the true order", func() {
				last := playHTTP(h, id, []string{"C", "A", "B"})
				So(last.Completed, ShouldBeTrue)
				So(last.Status, ShouldEqual, "done")

				w := do(h, http.MethodGet, "/sessions/"+id+"/results", nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				res := decodeBody[struct {
					PersonalRanking []string `json:"personal_ranking"`
				}](w)
				So(res.PersonalRanking, ShouldResemble, []string{"C", "A", "B"})
			})
		})
	})
}

func TestServer_Ratings(t *testing.T) {
	Convey("Given an API with completed sessions", t, func() {
		svc := newTestService(card("A", "f", ""), card("B", "f", ""), card("C", "f", ""), card("X", "g", ""))
		defer svc.Stop()
		h := api.NewServer(svc, api.WithLogger(logger.NewNop())).Routes()

		for range 3 {
			id := decodeBody[sessionBody](do(h, http.MethodPost, "/sessions", map[string]string{"family_id": "f"})).SessionID
			playHTTP(h, id, []string{"B", "C", "A"})
		}

		Convey("The leaderboard follows the consensus order", func() {
			w := do(h, http.MethodGet, "/leaderboard?limit=3&family=f", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			rows := decodeBody[[]model.Standing](w)
			So(len(rows), ShouldEqual, 3)
			So(rows[0].ItemID, ShouldEqual, "B")
			So(rows[1].ItemID, ShouldEqual, "C")
			So(rows[2].ItemID, ShouldEqual, "A")
			So(rows[0].Rank, ShouldEqual, 1)
			So(rows[0].Rating.Rating, ShouldBeGreaterThan, 1500)
			So(rows[0].RankingScore, ShouldAlmostEqual, rows[0].Rating.Rating*rows[0].Confidence, 1e-9)
		})

		Convey("An oversized limit is capped at the maximum", func() {
			w := do(h, http.MethodGet, "/leaderboard?limit=101", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(len(decodeBody[[]model.Standing](w)), ShouldBeLessThanOrEqualTo, 100)
		})

		Convey("Leaderboard parameters are validated", func() {
			So(do(h, http.MethodGet, "/leaderboard?limit=0", nil).Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, http.MethodGet, "/leaderboard?limit=abc", nil).Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, http.MethodGet, "/leaderboard?min_games=-1", nil).Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, http.MethodGet, "/leaderboard?family=nope", nil).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("min_games hides unplayed items", func() {
			rows := decodeBody[[]model.Standing](do(h, http.MethodGet, "/leaderboard?limit=10&min_games=1", nil))
			for _, row := range rows {
				So(row.ItemID, ShouldNotEqual, "X")
			}
		})

		Convey("A single item rating carries its position", func() {
			w := do(h, http.MethodGet, "/items/B/rating", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decodeBody[model.Standing](w).Rank, ShouldEqual, 1)
			So(do(h, http.MethodGet, "/items/nope/rating", nil).Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Recompute reproduces the folded ratings", func() {
			before := decodeBody[[]model.Standing](do(h, http.MethodGet, "/leaderboard?limit=4", nil))
			w := do(h, http.MethodPost, "/admin/recompute", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			rep := decodeBody[service.RecomputeReport](w)
			So(rep.Sessions, ShouldEqual, 3)
			after := decodeBody[[]model.Standing](do(h, http.MethodGet, "/leaderboard?limit=4", nil))
			So(len(after), ShouldEqual, len(before))
			for i := range before {
				So(after[i].ItemID, ShouldEqual, before[i].ItemID)
				So(after[i].Rating.Rating, ShouldEqual, before[i].Rating.Rating)
			}
		})

		Convey("Fold-pending finds nothing left to fold", func() {
			w := do(h, http.MethodPost, "/admin/fold-pending", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(strings.TrimSpace(w.Body.String()), ShouldEqual, `{"folded":0}`)
		})

		Convey("POST /items registers an active item with a baseline rating", func() {
			w := do(h, http.MethodPost, "/items", map[string]string{"id": "D", "family_id": "f", "title": "Dee"})
			So(w.Code, ShouldEqual, http.StatusCreated)
			So(decodeBody[model.Item](w).Active, ShouldBeTrue)

			st := decodeBody[model.Standing](do(h, http.MethodGet, "/items/D/rating", nil))
			So(st.Rating.Rating, ShouldEqual, 1500)
			So(st.GamesPlayed, ShouldEqual, 0)

			deck := decodeBody[sessionBody](do(h, http.MethodPost, "/sessions", map[string]string{"family_id": "f"})).Deck
			So(deck, ShouldContain, "D")
		})

		Convey("POST /items rejects an item heading its own family", func() {
			w := do(h, http.MethodPost, "/items", map[string]string{"id": "E", "family_id": "f", "child_family_id": "f"})
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestServer_Hierarchy(t *testing.T) {
	Convey("Given a two-level catalog", t, func() {
		svc := newTestService(
			card("fruit", "root", "fruits"), card("veg", "root", "vegs"),
			card("apple", "fruits", ""), card("pear", "fruits", ""),
			card("kale", "vegs", ""), card("leek", "vegs", ""),
		)
		defer svc.Stop()
		h := api.NewServer(svc, api.WithLogger(logger.NewNop())).Routes()
		truth := []string{"veg", "fruit", "leek", "kale", "pear", "apple"}

		Convey("A hierarchical root hands out child sessions until the tree is ranked", func() {
			root := decodeBody[sessionBody](do(h, http.MethodPost, "/sessions", map[string]string{"family_id": "root", "mode": "hierarchical"})).SessionID
			step := playHTTP(h, root, truth)
			So(step.ChildSession, ShouldNotBeEmpty)

			for child := step.ChildSession; child != ""; {
				child = playHTTP(h, child, truth).ChildSession
			}

			w := do(h, http.MethodGet, "/sessions/"+root+"/results", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			res := decodeBody[struct {
				HierarchyStatus string              `json:"hierarchy_status"`
				Hierarchical    []model.ResultEntry `json:"hierarchical_ranking"`
			}](w)
			So(res.HierarchyStatus, ShouldEqual, "done")
			ids := make([]string, 0, len(res.Hierarchical))
			for _, e := range res.Hierarchical {
				ids = append(ids, e.ItemID)
			}
			So(ids, ShouldResemble, []string{"veg", "leek", "kale", "fruit", "pear", "apple"})

			w = do(h, http.MethodPost, "/sessions/"+root+"/resume", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decodeBody[struct {
				Status string `json:"status"`
			}](w).Status, ShouldEqual, "done")
		})
	})
}

// unavailable fails every maintenance call the way a closed store does.
type unavailable struct {
	*service.Service
}

func (unavailable) Recompute(context.Context) (service.RecomputeReport, error) {
	return service.RecomputeReport{}, model.ErrStoreUnavailable
}

func (unavailable) GetStats(context.Context) (service.Stats, error) {
	return service.Stats{}, model.SystemError("count ratings", fmt.Errorf("disk gone"))
}

func TestServer_Operational(t *testing.T) {
	Convey("Given an API server", t, func() {
		svc := newTestService(card("A", "f", ""))
		defer svc.Stop()
		h := api.NewServer(svc, api.WithLogger(logger.NewNop())).Routes()

		Convey("/healthz serves Prometheus metrics", func() {
			do(h, http.MethodPost, "/sessions", map[string]string{"family_id": "f"})
			w := do(h, http.MethodGet, "/healthz", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "sessions_started_total")
		})

		Convey("/stats reports service counters", func() {
			w := do(h, http.MethodGet, "/stats", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			st := decodeBody[service.Stats](w)
			So(st.Started, ShouldBeTrue)
			So(st.Items, ShouldEqual, 1)
			So(st.RatedItems, ShouldEqual, 1)
		})

		Convey("System failures answer 503", func() {
			h := api.NewServer(unavailable{svc}, api.WithLogger(logger.NewNop())).Routes()
			w := do(h, http.MethodPost, "/admin/recompute", nil)
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			So(decodeBody[errorBody](w).Code, ShouldEqual, "unavailable")
			So(do(h, http.MethodGet, "/stats", nil).Code, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("Unknown routes answer 404", func() {
			So(do(h, http.MethodGet, "/nowhere", nil).Code, ShouldEqual, http.StatusNotFound)
		})
	})
}
