package queue

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/gponlabs/oltmon/pkg/composite"
)

// DefaultMaxSize bounds the backlog when no configuration overrides it
const DefaultMaxSize = 1000

// overloadFraction of max size above which IsOverload reports true
const overloadFraction = 0.8

type entry struct {
	node *composite.Node
	seq  uint64
	idx  int
}

// entryHeap orders by (¬delayed, −delay, −priority), FIFO within ties
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i].node, h[j].node
	if a.Delayed != b.Delayed || a.DelaySeconds != b.DelaySeconds || a.Priority != b.Priority {
		return a.Less(b)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// NodeQueue is the bounded backlog of composite nodes awaiting a worker
// slot. Entries are deduplicated by master node ID; a full queue drops
// new entries silently, relying on the next scheduler tick to
// re-identify the node.
type NodeQueue struct {
	mu      sync.Mutex
	maxSize int
	heap    entryHeap
	present map[int64]struct{}
	seq     uint64
	dropped uint64
}

// New creates a queue bounded to maxSize entries
func New(maxSize int) *NodeQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &NodeQueue{
		maxSize: maxSize,
		present: make(map[int64]struct{}),
	}
}

// Put inserts a composite node. Duplicates (by master ID) and inserts
// into a full queue are dropped; the return value reports whether the
// node was actually enqueued.
func (q *NodeQueue) Put(node *composite.Node) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.present[node.MasterID()]; ok {
		return false
	}
	if len(q.heap) >= q.maxSize {
		q.dropped++
		return false
	}

	q.seq++
	heap.Push(&q.heap, &entry{node: node, seq: q.seq})
	q.present[node.MasterID()] = struct{}{}
	return true
}

// Get pops the highest-precedence entry, or nil when empty
func (q *NodeQueue) Get() *composite.Node {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	e := heap.Pop(&q.heap).(*entry)
	delete(q.present, e.node.MasterID())
	return e.node
}

// TakeForOLT removes and returns the highest-precedence entry belonging
// to the given OLT, preserving all other entries. Returns nil when the
// OLT has no backlog.
func (q *NodeQueue) TakeForOLT(oltID int64) *composite.Node {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *entry
	for _, e := range q.heap {
		if e.node.OLTID() != oltID {
			continue
		}
		if best == nil || q.heap.Less(e.idx, best.idx) {
			best = e
		}
	}
	if best == nil {
		return nil
	}

	heap.Remove(&q.heap, best.idx)
	delete(q.present, best.node.MasterID())
	return best.node
}

// Peek returns the first n entries in dispatch order without disturbing
// the queue
func (q *NodeQueue) Peek(n int) []*composite.Node {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]*entry, len(q.heap))
	copy(entries, q.heap)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].node.Less(entries[j].node) {
			return true
		}
		if entries[j].node.Less(entries[i].node) {
			return false
		}
		return entries[i].seq < entries[j].seq
	})

	if n > len(entries) {
		n = len(entries)
	}
	nodes := make([]*composite.Node, 0, n)
	for _, e := range entries[:n] {
		nodes = append(nodes, e.node)
	}
	return nodes
}

// Len returns the number of queued entries
func (q *NodeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Empty reports whether the queue has no entries
func (q *NodeQueue) Empty() bool {
	return q.Len() == 0
}

// MaxSize returns the configured bound
func (q *NodeQueue) MaxSize() int {
	return q.maxSize
}

// IsOverload reports whether the backlog is close enough to the bound
// that drops are imminent
func (q *NodeQueue) IsOverload() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(len(q.heap)) > overloadFraction*float64(q.maxSize)
}

// Dropped returns how many entries were rejected because the queue was
// full
func (q *NodeQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
