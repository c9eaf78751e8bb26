package model

import (
	"slices"
	"time"
)

// HierarchyStatus is the lifecycle phase of a hierarchy record.
type HierarchyStatus string

// Hierarchy statuses.
const (
	HierarchyActive HierarchyStatus = "active"
	HierarchyDone   HierarchyStatus = "done"
)

// NodeState tracks one family inside a hierarchy.
type NodeState string

// Node states.
const (
	NodeQueued  NodeState = "queued"
	NodeActive  NodeState = "active"
	NodeDone    NodeState = "done"
	NodeSkipped NodeState = "skipped"
)

// NoNode marks the absence of a node index.
const NoNode = -1

// FamilyNode is one family in the hierarchy arena. Parent points at the node
// whose ranking contains HeadItemID.
type FamilyNode struct {
	FamilyID   string    `json:"family_id"`
	HeadItemID string    `json:"head_item_id,omitempty"`
	Parent     int       `json:"parent"`
	Depth      int       `json:"depth"`
	SessionID  string    `json:"session_id,omitempty"`
	State      NodeState `json:"state"`
	Ranking    []string  `json:"ranking,omitempty"`
}

// ResultEntry is one row of the flattened multi-level result. FamilyID and
// HeadItemID are enough to rebuild the grouping.
type ResultEntry struct {
	ItemID     string `json:"item_id"`
	FamilyID   string `json:"family_id"`
	HeadItemID string `json:"head_item_id,omitempty"`
	Depth      int    `json:"depth"`
	Rank       int    `json:"rank"`
}

// Hierarchy is the persisted driver state for depth-first play over nested
// families. It is keyed by the root session id.
type Hierarchy struct {
	ID          string          `json:"id"`
	Version     int64           `json:"version"`
	Status      HierarchyStatus `json:"status"`
	Nodes       []FamilyNode    `json:"nodes"`
	Queue       []int           `json:"queue"`
	Active      int             `json:"active"`
	Results     []ResultEntry   `json:"results"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Done reports whether every queued family has been played.
func (h *Hierarchy) Done() bool { return h.Status == HierarchyDone }

// ActiveNode returns the node being played, if any.
func (h *Hierarchy) ActiveNode() (*FamilyNode, bool) {
	if h.Active < 0 || h.Active >= len(h.Nodes) {
		return nil, false
	}
	return &h.Nodes[h.Active], true
}

// NodeForSession returns the index of the node played by sessionID.
func (h *Hierarchy) NodeForSession(sessionID string) int {
	for i := range h.Nodes {
		if h.Nodes[i].SessionID == sessionID {
			return i
		}
	}
	return NoNode
}

// Clone returns a deep copy.
func (h *Hierarchy) Clone() *Hierarchy {
	if h == nil {
		return nil
	}
	c := *h
	c.Nodes = make([]FamilyNode, len(h.Nodes))
	for i, n := range h.Nodes {
		n.Ranking = slices.Clone(n.Ranking)
		c.Nodes[i] = n
	}
	c.Queue = slices.Clone(h.Queue)
	c.Results = slices.Clone(h.Results)
	return &c
}
