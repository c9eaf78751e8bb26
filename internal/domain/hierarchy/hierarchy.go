// Package hierarchy drives depth-first play over nested families.
//
// A completed root session may rank items that head their own sub-family.
// Each such sub-family gets its own child session; its children are played
// before the next sibling of its head (depth-first). Rejected items are never
// in a ranking, so their whole branch is excluded.
//
// The record is an arena: nodes refer to their parent by index and the queue
// holds node indexes. All functions here mutate the record in place and never
// touch its version; persisting with compare-and-swap is the caller's job.
package hierarchy

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/okian/cardrank/internal/domain/model"
)

// ChildLookup resolves the sub-family headed by an item.
type ChildLookup interface {
	ChildFamily(itemID string) (string, bool)
}

// ChildLookupFunc adapts a function to ChildLookup.
type ChildLookupFunc func(itemID string) (string, bool)

// ChildFamily implements ChildLookup.
func (f ChildLookupFunc) ChildFamily(itemID string) (string, bool) { return f(itemID) }

// childNamespace scopes derived child session ids.
var childNamespace = uuid.MustParse("6f1c7d7e-0a55-5b8e-9c3a-2b7f4de1c0a1") //nolint:gochecknoglobals // constant namespace

// ChildSessionID derives the session id of node index within the hierarchy
// rooted at rootID. Retried creations land on the same id.
func ChildSessionID(rootID string, index int) string {
	return uuid.NewSHA1(childNamespace, []byte(rootID+"/"+strconv.Itoa(index))).String()
}

// Planner builds and advances hierarchy records.
type Planner struct {
	lookup   ChildLookup
	shuffle  bool
	maxDepth int
}

// NewPlanner creates a planner that resolves sub-families through lookup.
func NewPlanner(lookup ChildLookup, opts ...Option) *Planner {
	p := &Planner{lookup: lookup, maxDepth: defaultMaxDepth}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan builds the hierarchy for a completed root session. It returns false
// when no accepted item heads a sub-family, in which case no record is needed.
func (p *Planner) Plan(root *model.Session, now time.Time) (*model.Hierarchy, bool, error) {
	if root == nil || !root.Done() {
		return nil, false, fmt.Errorf("%w: root session is not done", model.ErrInvalidTransition)
	}
	h := &model.Hierarchy{
		ID:      root.ID,
		Version: 1,
		Status:  model.HierarchyActive,
		Nodes: []model.FamilyNode{{
			FamilyID:  root.FamilyID,
			Parent:    model.NoNode,
			SessionID: root.ID,
			State:     model.NodeDone,
			Ranking:   slices.Clone(root.Ranking),
		}},
		Queue:     []int{},
		Active:    model.NoNode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	h.Results = appendResults(h.Results, h.Nodes[0])
	p.expand(h, 0)
	if len(h.Queue) == 0 {
		return nil, false, nil
	}
	return h, true, nil
}

// expand queues the sub-families headed by the ranked items of node idx in
// front of everything already queued, keeping their ranking order unless
// sibling shuffling is on.
func (p *Planner) expand(h *model.Hierarchy, idx int) {
	parent := h.Nodes[idx]
	depth := parent.Depth + 1
	if p.maxDepth > 0 && depth > p.maxDepth {
		return
	}
	children := make([]int, 0, len(parent.Ranking))
	for _, item := range parent.Ranking {
		family, ok := p.lookup.ChildFamily(item)
		if !ok || family == "" || inArena(h, family) {
			continue
		}
		h.Nodes = append(h.Nodes, model.FamilyNode{
			FamilyID:   family,
			HeadItemID: item,
			Parent:     idx,
			Depth:      depth,
			State:      model.NodeQueued,
		})
		children = append(children, len(h.Nodes)-1)
	}
	if p.shuffle && len(children) > 1 {
		rng := rand.New(rand.NewSource(seed(h.ID, idx))) //nolint:gosec // deterministic per record
		rng.Shuffle(len(children), func(i, j int) { children[i], children[j] = children[j], children[i] })
	}
	h.Queue = append(children, h.Queue...)
}

// inArena guards against catalog cycles: a family is played at most once per
// hierarchy.
func inArena(h *model.Hierarchy, family string) bool {
	for i := range h.Nodes {
		if h.Nodes[i].FamilyID == family {
			return true
		}
	}
	return false
}

func seed(id string, idx int) int64 {
	f := fnv.New64a()
	_, _ = f.Write([]byte(id))
	_, _ = f.Write([]byte{byte(idx), byte(idx >> 8)})
	return int64(f.Sum64() & 0x7fffffffffffffff)
}

// Advance activates the next queued node and assigns its session id. When the
// queue is empty the hierarchy is marked done and false is returned.
func Advance(h *model.Hierarchy, now time.Time) (*model.FamilyNode, bool) {
	h.UpdatedAt = now
	if len(h.Queue) == 0 {
		h.Active = model.NoNode
		h.Status = model.HierarchyDone
		h.CompletedAt = now
		return nil, false
	}
	idx := h.Queue[0]
	h.Queue = h.Queue[1:]
	h.Active = idx
	n := &h.Nodes[idx]
	n.State = model.NodeActive
	n.SessionID = ChildSessionID(h.ID, idx)
	return n, true
}

// Complete records the final ranking of the active node's session, queues its
// own sub-families and advances. A completion for a node that is no longer
// active is reported as ErrInvalidTransition so retries stay harmless.
func (p *Planner) Complete(h *model.Hierarchy, sessionID string, ranking []string, now time.Time) (*model.FamilyNode, bool, error) {
	idx := h.NodeForSession(sessionID)
	if idx == model.NoNode {
		return nil, false, fmt.Errorf("%w: session %q is not part of hierarchy %q", model.ErrValidation, sessionID, h.ID)
	}
	if h.Done() || h.Active != idx {
		return nil, false, fmt.Errorf("%w: node for session %q is not active", model.ErrInvalidTransition, sessionID)
	}
	n := &h.Nodes[idx]
	n.State = model.NodeDone
	n.Ranking = slices.Clone(ranking)
	h.Results = appendResults(h.Results, *n)
	p.expand(h, idx)
	next, ok := Advance(h, now)
	return next, ok, nil
}

// Skip marks the active node skipped, typically because its family has no
// active items, and advances.
func Skip(h *model.Hierarchy, now time.Time) (*model.FamilyNode, bool, error) {
	n, ok := h.ActiveNode()
	if !ok || h.Done() {
		return nil, false, fmt.Errorf("%w: no active node to skip", model.ErrInvalidTransition)
	}
	n.State = model.NodeSkipped
	next, more := Advance(h, now)
	return next, more, nil
}

func appendResults(out []model.ResultEntry, n model.FamilyNode) []model.ResultEntry {
	for i, item := range n.Ranking {
		out = append(out, model.ResultEntry{
			ItemID:     item,
			FamilyID:   n.FamilyID,
			HeadItemID: n.HeadItemID,
			Depth:      n.Depth,
			Rank:       i + 1,
		})
	}
	return out
}

// Flatten returns the multi-level result in reading order: every item is
// followed by the ranked contents of the sub-family it heads.
func Flatten(h *model.Hierarchy) []model.ResultEntry {
	if h == nil || len(h.Nodes) == 0 {
		return nil
	}
	// children[parent][head item] = node index
	heads := make(map[int]map[string]int, len(h.Nodes))
	for i, n := range h.Nodes {
		if n.Parent == model.NoNode || n.State != model.NodeDone {
			continue
		}
		if heads[n.Parent] == nil {
			heads[n.Parent] = make(map[string]int)
		}
		heads[n.Parent][n.HeadItemID] = i
	}

	type frame struct {
		node int
		pos  int
	}
	out := make([]model.ResultEntry, 0, len(h.Results))
	stack := []frame{{node: 0}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		n := h.Nodes[top.node]
		if top.pos >= len(n.Ranking) {
			stack = stack[:len(stack)-1]
			continue
		}
		item := n.Ranking[top.pos]
		top.pos++
		out = append(out, model.ResultEntry{
			ItemID:     item,
			FamilyID:   n.FamilyID,
			HeadItemID: n.HeadItemID,
			Depth:      n.Depth,
			Rank:       top.pos,
		})
		if child, ok := heads[top.node][item]; ok {
			stack = append(stack, frame{node: child})
		}
	}
	return out
}
