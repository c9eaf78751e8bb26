// Package dedupe tracks session ids whose rating fold has been claimed.
//
// The claim set sits in front of the fold queue: a completed session is
// enqueued at most once per process even when several requests observe the
// completion. The durable exactly-once guarantee is the processed-session
// marker in the rating store; this set only keeps duplicates off the queue.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

// Deduper records claimed ids.
type Deduper interface {
	// SeenAndRecord atomically checks whether id was claimed and claims it if
	// not. Returns true if id was already claimed.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord releases a claim so the id can be enqueued again, for example
	// after the queue refused it.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

// entry is a node in the insertion-ordered list used for eviction.
type entry struct {
	id         string
	prev, next *entry
}

func (e *entry) reset() {
	e.id = ""
	e.prev = nil
	e.next = nil
}

// inMemoryDeduper keeps claims in a map plus a doubly linked list ordered by
// claim time. When bounded, the oldest claim is evicted first; an evicted
// session that is claimed again is caught by the store marker.
type inMemoryDeduper struct {
	mu       sync.Mutex
	seen     map[string]*entry
	oldest   *entry
	newest   *entry
	maxSize  int // 0 or negative = unbounded
	size     atomic.Int64
	nodePool sync.Pool
}

// NewInMemoryDeduper creates a claim set with the given options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: defaultMaxSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]*entry)
	d.nodePool = sync.Pool{
		New: func() interface{} {
			return &entry{}
		},
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.seen[id]; exists {
		return true
	}
	if d.maxSize > 0 && len(d.seen) >= d.maxSize {
		d.unlink(d.oldest)
	}

	e := d.nodePool.Get().(*entry)
	e.id = id
	e.prev = d.newest
	if d.newest != nil {
		d.newest.next = e
	} else {
		d.oldest = e
	}
	d.newest = e
	d.seen[id] = e
	d.size.Add(1)
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.seen[id]; ok {
		d.unlink(e)
	}
}

// unlink removes e from the list and map. Must be called with d.mu held.
func (d *inMemoryDeduper) unlink(e *entry) {
	if e == nil {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		d.oldest = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		d.newest = e.prev
	}
	delete(d.seen, e.id)
	e.reset()
	d.nodePool.Put(e)
	d.size.Add(-1)
}

// Size returns the number of live claims.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
