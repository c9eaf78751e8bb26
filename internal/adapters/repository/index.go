package repository

import (
	"hash/fnv"

	"github.com/okian/cardrank/internal/domain/model"
)

// Treap-based leaderboard index.
//
// Ordering: rating DESC, games played DESC, item id ASC (model.RanksBefore).
// "less" means ranks earlier, so in-order traversal yields the leaderboard
// from best to worst. Subtree sizes give O(log n) positions.

type key struct {
	rating float64
	games  int
	id     string
}

func keyOf(r model.Rating) key { return key{rating: r.Rating, games: r.GamesPlayed, id: r.ItemID} }

func less(a, b key) bool {
	return model.RanksBefore(
		model.Rating{ItemID: a.id, Rating: a.rating, GamesPlayed: a.games},
		model.Rating{ItemID: b.id, Rating: b.rating, GamesPlayed: b.games},
	)
}

// treap node
type node struct {
	k     key
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

func rotateRight(y *node) *node {
	x := y.left
	t2 := x.right
	x.right = y
	y.left = t2
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	t2 := y.left
	y.left = x
	x.right = t2
	fix(x)
	fix(y)
	return y
}

// idPriority derives a heap priority from the item id. Hashing keeps the tree
// balanced in expectation without a random source.
func idPriority(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

func insert(n *node, k key) *node {
	if n == nil {
		return &node{k: k, prio: idPriority(k.id), size: 1}
	}
	if less(k, n.k) {
		n.left = insert(n.left, k)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, k)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, k key) *node {
	if n == nil {
		return nil
	}
	if k == n.k {
		// Merge children by rotating highest priority up until leaf.
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, k)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, k)
		}
	} else if less(k, n.k) {
		n.left = deleteNode(n.left, k)
	} else {
		n.right = deleteNode(n.right, k)
	}
	fix(n)
	return n
}

// walk visits ids in rank order until visit returns false.
func walk(n *node, visit func(id string) bool) bool {
	if n == nil {
		return true
	}
	if !walk(n.left, visit) {
		return false
	}
	if !visit(n.k.id) {
		return false
	}
	return walk(n.right, visit)
}

// position returns the 1-based rank of k, or 0 when absent.
func position(n *node, k key) int {
	before := 0
	for n != nil {
		switch {
		case k == n.k:
			return before + nsize(n.left) + 1
		case less(k, n.k):
			n = n.left
		default:
			before += nsize(n.left) + 1
			n = n.right
		}
	}
	return 0
}

// leaderboardIndex keeps one key per item. Not safe for concurrent use; the
// memory store guards it with its own lock.
type leaderboardIndex struct {
	root *node
	keys map[string]key
}

func newLeaderboardIndex() *leaderboardIndex {
	return &leaderboardIndex{keys: make(map[string]key)}
}

func (ix *leaderboardIndex) upsert(r model.Rating) {
	if old, ok := ix.keys[r.ItemID]; ok {
		ix.root = deleteNode(ix.root, old)
	}
	k := keyOf(r)
	ix.keys[r.ItemID] = k
	ix.root = insert(ix.root, k)
}

func (ix *leaderboardIndex) position(id string) int {
	k, ok := ix.keys[id]
	if !ok {
		return 0
	}
	return position(ix.root, k)
}

func (ix *leaderboardIndex) walk(visit func(id string) bool) { walk(ix.root, visit) }

func (ix *leaderboardIndex) len() int { return nsize(ix.root) }

func (ix *leaderboardIndex) reset() {
	ix.root = nil
	ix.keys = make(map[string]key)
}
