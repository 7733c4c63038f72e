// Package queue provides the value-based binary heaps used by graph search.
//
// Ordering is fully deterministic: equal distances order by ascending node
// id, so traversals over identically-scored nodes always resolve in
// insertion order.
package queue

// Item is a single prioritized node reference.
type Item struct {
	Node     uint32  // dense node id, assigned in insertion order
	Distance float32 // priority
}

// PriorityQueue is a binary heap over Items. Value-based storage keeps it
// allocation-free in the search hot path.
type PriorityQueue struct {
	isMaxHeap bool
	items     []Item
}

// NewMin initializes a min-heap: the top is the closest node.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{isMaxHeap: false, items: make([]Item, 0, capacity)}
}

// NewMax initializes a max-heap: the top is the farthest node.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{isMaxHeap: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of queued items.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// Reset empties the queue, keeping the backing storage.
func (pq *PriorityQueue) Reset() { pq.items = pq.items[:0] }

// Top returns the root element without removing it.
func (pq *PriorityQueue) Top() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return pq.items[0], true
}

// Push inserts an item while maintaining the heap invariant.
func (pq *PriorityQueue) Push(item Item) {
	pq.items = append(pq.items, item)
	pq.siftUp(len(pq.items) - 1)
}

// Pop removes and returns the root element.
func (pq *PriorityQueue) Pop() (Item, bool) {
	n := len(pq.items)
	if n == 0 {
		return Item{}, false
	}
	root := pq.items[0]
	last := pq.items[n-1]
	pq.items[n-1] = Item{}
	pq.items = pq.items[:n-1]
	if n-1 > 0 {
		pq.items[0] = last
		pq.siftDown(0)
	}
	return root, true
}

// Items exposes the raw backing slice in heap order. Callers must not
// mutate it.
func (pq *PriorityQueue) Items() []Item { return pq.items }

func (pq *PriorityQueue) less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	if pq.isMaxHeap {
		if a.Distance != b.Distance {
			return a.Distance > b.Distance
		}
		// Among equal distances the newest node surfaces first, so
		// eviction keeps the oldest.
		return a.Node > b.Node
	}
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Node < b.Node
}

func (pq *PriorityQueue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.less(i, p) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *PriorityQueue) siftDown(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && pq.less(r, l) {
			best = r
		}
		if !pq.less(best, i) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}
