// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest neighbour search over entry embeddings.
//
// The index maps opaque entry ids to graph nodes and searches by cosine
// distance (1 - cosine similarity). Stored vectors are L2-normalized copies,
// so distance reduces to 1 - dot. Removal tombstones the node and drops the
// id mapping; the graph keeps tombstoned nodes for connectivity until
// Rebuild constructs a fresh graph from the live mappings.
//
// With a fixed RandomSeed the graph, and therefore every query result, is
// fully deterministic: equal distances resolve by ascending insertion order.
package hnsw

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/cssvb94/VectorLiteDB/distance"
	"github.com/cssvb94/VectorLiteDB/internal/visited"
	"github.com/cssvb94/VectorLiteDB/queue"
)

const (
	// DefaultM is the default number of bidirectional links per layer.
	DefaultM = 32

	// DefaultEFConstruction is the default beam width while inserting.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default beam width while querying.
	DefaultEFSearch = 400

	// DefaultExpectedCapacity pre-sizes internal storage.
	DefaultExpectedCapacity = 100_000

	// DefaultRandomSeed seeds the level generator. A fixed seed keeps
	// graph construction reproducible run to run.
	DefaultRandomSeed = 42

	// mmax0Multiplier is the multiplier for maximum connections at layer 0.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2
)

// Options represents the options for configuring the index.
type Options struct {
	Dimension        int
	M                int
	EFConstruction   int
	EFSearch         int
	ExpectedCapacity int
	RandomSeed       int64
}

// DefaultOptions holds the defaults applied by New.
var DefaultOptions = Options{
	M:                DefaultM,
	EFConstruction:   DefaultEFConstruction,
	EFSearch:         DefaultEFSearch,
	ExpectedCapacity: DefaultExpectedCapacity,
	RandomSeed:       DefaultRandomSeed,
}

// ErrDimensionMismatch is returned when a vector does not match the index
// dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Candidate is a single query hit.
type Candidate struct {
	// ID is the entry id the node maps to.
	ID string
	// Distance is the cosine distance to the query, ascending in results.
	Distance float32
}

type node struct {
	id     string     // entry id this node was created for
	vector []float32  // normalized copy (raw copy for zero vectors)
	level  int32      // highest layer this node participates in
	conns  [][]uint32 // conns[l] holds the neighbours on layer l
}

// Index is the HNSW graph. One RWMutex guards all state: mutations take the
// write lock, queries the read lock; query scratch comes from a pool so
// parallel readers do not contend with each other.
type Index struct {
	mu sync.RWMutex

	opts            Options
	levelMultiplier float64
	maxConns        int
	maxConns0       int

	nodes      []node
	ids        map[string]uint32 // entry id -> current node
	tombstones *roaring.Bitmap
	entryPoint uint32
	maxLevel   int
	count      int // live mapped ids

	rng *rand.Rand

	searchPool sync.Pool // *searchScratch
}

type searchScratch struct {
	candidates *queue.PriorityQueue
	results    *queue.PriorityQueue
	visited    *visited.Set
}

// New creates an empty index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: dimension must be positive, got %d", opts.Dimension)
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultEFConstruction
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}
	if opts.ExpectedCapacity <= 0 {
		opts.ExpectedCapacity = DefaultExpectedCapacity
	}

	h := &Index{
		opts:            opts,
		levelMultiplier: 1 / math.Log(float64(opts.M)),
		maxConns:        opts.M,
		maxConns0:       mmax0Multiplier * opts.M,
		nodes:           make([]node, 0, opts.ExpectedCapacity),
		ids:             make(map[string]uint32, opts.ExpectedCapacity),
		tombstones:      roaring.New(),
		rng:             rand.New(rand.NewSource(opts.RandomSeed)),
	}
	h.searchPool.New = func() any {
		return &searchScratch{
			candidates: queue.NewMin(opts.EFConstruction),
			results:    queue.NewMax(opts.EFConstruction),
			visited:    visited.New(opts.ExpectedCapacity),
		}
	}
	return h, nil
}

// Dimension returns the vector dimension of the index.
func (h *Index) Dimension() int { return h.opts.Dimension }

// Count returns the number of live mapped ids.
func (h *Index) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Contains reports whether id currently maps to a live node.
func (h *Index) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.ids[id]
	return ok
}

// Add maps id to vec. A known id is re-pointed at a fresh node; the old node
// is tombstoned in place and reclaimed by the next Rebuild.
func (h *Index) Add(id string, vec []float32) error {
	if len(vec) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(vec)}
	}

	// Normalized copy; zero vectors are stored raw and sit at distance 1
	// from everything.
	stored := make([]float32, len(vec))
	copy(stored, vec)
	distance.NormalizeL2InPlace(stored)

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.ids[id]; ok {
		h.tombstones.Add(old)
		h.count--
	}
	h.insert(id, stored)
	return nil
}

// Remove drops the id mapping and tombstones its node. Unknown ids are a
// no-op. The node stays in the graph as a navigation waypoint until Rebuild.
func (h *Index) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	nodeID, ok := h.ids[id]
	if !ok {
		return
	}
	delete(h.ids, id)
	h.tombstones.Add(nodeID)
	h.count--
}

// Query returns up to k live ids closest to q, ascending by cosine distance.
// efSearch <= 0 uses the index default; the effective beam is never below k.
func (h *Index) Query(q []float32, k, efSearch int) ([]Candidate, error) {
	if len(q) != h.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(q)}
	}
	if k <= 0 {
		return nil, nil
	}

	query := make([]float32, len(q))
	copy(query, q)
	distance.NormalizeL2InPlace(query)

	ef := efSearch
	if ef <= 0 {
		ef = h.opts.EFSearch
	}
	if ef < k {
		ef = k
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 || h.count == 0 {
		return nil, nil
	}

	// Greedy descent to layer 0.
	currID := h.entryPoint
	currDist := h.distTo(query, currID)
	for level := h.maxLevel; level > 0; level-- {
		currID, currDist = h.greedyStep(query, currID, currDist, level)
	}

	scratch := h.searchPool.Get().(*searchScratch)
	defer h.searchPool.Put(scratch)

	results := h.searchLayer(query, currID, currDist, 0, ef, scratch)

	// The max-heap pops worst first; drop the overflow beyond k, then fill
	// backwards for ascending distances. Nodes whose mapping moved on are
	// filtered by id lookup here.
	out := make([]Candidate, 0, min(k, results.Len()))
	items := make([]queue.Item, 0, results.Len())
	for results.Len() > 0 {
		item, _ := results.Pop()
		items = append(items, item)
	}
	for i := len(items) - 1; i >= 0 && len(out) < k; i-- {
		n := &h.nodes[items[i].Node]
		if cur, ok := h.ids[n.id]; !ok || cur != items[i].Node {
			continue
		}
		out = append(out, Candidate{ID: n.id, Distance: items[i].Distance})
	}
	return out, nil
}

// Exact returns up to k live ids by exact cosine distance, ascending, with
// equal distances resolving by insertion order. accept filters ids before
// scoring; nil admits every live id. The callback runs under the index read
// lock and must not call back into the index.
//
// Unlike Query this scans every live mapping, trading speed for exactness
// on small or heavily filtered candidate sets.
func (h *Index) Exact(q []float32, k int, accept func(id string) bool) ([]Candidate, error) {
	if len(q) != h.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(q)}
	}
	if k <= 0 {
		return nil, nil
	}

	query := make([]float32, len(q))
	copy(query, q)
	distance.NormalizeL2InPlace(query)

	h.mu.RLock()
	defer h.mu.RUnlock()

	// Bounded max-heap: the farthest of k+1 is evicted after each push, and
	// among equal distances the newest node goes first, so the survivors sit
	// in insertion order.
	best := queue.NewMax(k + 1)
	for nodeID := range h.nodes {
		n := &h.nodes[nodeID]
		if cur, ok := h.ids[n.id]; !ok || cur != uint32(nodeID) {
			continue
		}
		if accept != nil && !accept(n.id) {
			continue
		}
		best.Push(queue.Item{Node: uint32(nodeID), Distance: h.dist(query, n.vector)})
		if best.Len() > k {
			best.Pop()
		}
	}

	out := make([]Candidate, best.Len())
	for i := len(out) - 1; i >= 0; i-- {
		item, _ := best.Pop()
		out[i] = Candidate{ID: h.nodes[item.Node].id, Distance: item.Distance}
	}
	return out, nil
}

// IDs returns the live mapped ids in insertion order.
func (h *Index) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, h.count)
	for nodeID := range h.nodes {
		n := &h.nodes[nodeID]
		if cur, ok := h.ids[n.id]; ok && cur == uint32(nodeID) {
			out = append(out, n.id)
		}
	}
	return out
}

// Rebuild constructs a fresh graph from the live mappings in insertion
// order and swaps it in. The write lock is held throughout, so queries see
// either the old graph or the new one, never a partial state.
func (h *Index) Rebuild() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	fresh, err := New(func(o *Options) { *o = h.opts })
	if err != nil {
		return err
	}
	for nodeID := range h.nodes {
		n := &h.nodes[nodeID]
		if h.tombstones.Contains(uint32(nodeID)) {
			continue
		}
		if cur, ok := h.ids[n.id]; !ok || cur != uint32(nodeID) {
			continue
		}
		// fresh is unshared until the swap below, no locking needed.
		fresh.insert(n.id, n.vector)
	}

	h.nodes = fresh.nodes
	h.ids = fresh.ids
	h.tombstones = fresh.tombstones
	h.entryPoint = fresh.entryPoint
	h.maxLevel = fresh.maxLevel
	h.count = fresh.count
	h.rng = fresh.rng
	return nil
}

// insert links a new node for id. Caller holds the write lock; the stored
// vector must already be normalized.
func (h *Index) insert(id string, stored []float32) {
	level := h.randomLevel()
	nodeID := uint32(len(h.nodes))

	conns := make([][]uint32, level+1)
	for l := range conns {
		c := h.maxConns
		if l == 0 {
			c = h.maxConns0
		}
		conns[l] = make([]uint32, 0, c)
	}
	h.nodes = append(h.nodes, node{id: id, vector: stored, level: int32(level), conns: conns})
	h.ids[id] = nodeID
	h.count++

	if len(h.nodes) == 1 {
		h.entryPoint = nodeID
		h.maxLevel = level
		return
	}

	currID := h.entryPoint
	currDist := h.distTo(stored, currID)

	// Greedy descent through layers above the new node's level.
	for l := h.maxLevel; l > level; l-- {
		currID, currDist = h.greedyStep(stored, currID, currDist, l)
	}

	scratch := h.searchPool.Get().(*searchScratch)

	// Search and link on every shared layer, top down.
	for l := min(level, h.maxLevel); l >= 0; l-- {
		results := h.searchLayer(stored, currID, currDist, l, h.opts.EFConstruction, scratch)

		if best, ok := minItem(results); ok {
			currID = best.Node
			currDist = best.Distance
		}

		maxConns := h.maxConns
		if l == 0 {
			maxConns = h.maxConns0
		}
		neighbors := h.selectNeighbors(results, maxConns)

		h.nodes[nodeID].conns[l] = append(h.nodes[nodeID].conns[l], neighbors...)
		for _, nb := range neighbors {
			h.linkBack(nb, nodeID, l, maxConns)
		}
	}
	h.searchPool.Put(scratch)

	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = nodeID
	}
}

// linkBack adds reverse edge target -> source, pruning to maxConns with the
// same neighbour selection used at insert.
func (h *Index) linkBack(target, source uint32, level, maxConns int) {
	conns := h.nodes[target].conns[level]
	for _, c := range conns {
		if c == source {
			return
		}
	}

	if len(conns) < maxConns {
		h.nodes[target].conns[level] = append(conns, source)
		return
	}

	// Over capacity: keep the best maxConns among existing plus the new one.
	candidates := queue.NewMax(len(conns) + 1)
	tv := h.nodes[target].vector
	for _, c := range conns {
		candidates.Push(queue.Item{Node: c, Distance: h.distTo(tv, c)})
	}
	candidates.Push(queue.Item{Node: source, Distance: h.distTo(tv, source)})

	h.nodes[target].conns[level] = h.selectNeighbors(candidates, maxConns)
}

// greedyStep walks level edges until no neighbour improves the distance.
func (h *Index) greedyStep(q []float32, currID uint32, currDist float32, level int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		for _, next := range h.levelConns(currID, level) {
			nextDist := h.distTo(q, next)
			if nextDist < currDist || (nextDist == currDist && next < currID) {
				currID = next
				currDist = nextDist
				changed = true
			}
		}
	}
	return currID, currDist
}

// searchLayer runs the beam search on one layer. Tombstoned nodes are
// traversed for connectivity but never surface in results. The returned
// queue is owned by scratch and valid until the next use of scratch.
func (h *Index) searchLayer(q []float32, epID uint32, epDist float32, level, ef int, scratch *searchScratch) *queue.PriorityQueue {
	vis := scratch.visited
	vis.Reset()
	vis.EnsureCapacity(len(h.nodes))

	candidates := scratch.candidates
	candidates.Reset()
	results := scratch.results
	results.Reset()

	vis.Visit(epID)
	candidates.Push(queue.Item{Node: epID, Distance: epDist})
	if !h.tombstones.Contains(epID) {
		results.Push(queue.Item{Node: epID, Distance: epDist})
	}

	for candidates.Len() > 0 {
		curr, _ := candidates.Pop()

		if results.Len() >= ef {
			if worst, ok := results.Top(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		for _, next := range h.levelConns(curr.Node, level) {
			if vis.Visited(next) {
				continue
			}
			vis.Visit(next)

			nextDist := h.distTo(q, next)

			// Skip hopeless candidates once the beam is full to limit
			// heap churn.
			if results.Len() >= ef {
				if worst, _ := results.Top(); nextDist > worst.Distance {
					continue
				}
			}

			candidates.Push(queue.Item{Node: next, Distance: nextDist})
			if !h.tombstones.Contains(next) {
				results.Push(queue.Item{Node: next, Distance: nextDist})
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}
	return results
}

// selectNeighbors keeps up to m candidates satisfying the relative
// neighbourhood property: a candidate is dropped when it sits closer to an
// already-selected neighbour than to the new node. Candidates are consumed.
func (h *Index) selectNeighbors(candidates *queue.PriorityQueue, m int) []uint32 {
	// Pop worst-first, reverse into best-first order.
	sorted := make([]queue.Item, candidates.Len())
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i], _ = candidates.Pop()
	}

	selected := make([]uint32, 0, m)
	for _, cand := range sorted {
		if len(selected) >= m {
			break
		}
		good := true
		cv := h.nodes[cand.Node].vector
		for _, s := range selected {
			if h.dist(cv, h.nodes[s].vector) < cand.Distance {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, cand.Node)
		}
	}

	// Backfill in distance order when the heuristic was too strict.
	if len(selected) < m {
		for _, cand := range sorted {
			if len(selected) >= m {
				break
			}
			seen := false
			for _, s := range selected {
				if s == cand.Node {
					seen = true
					break
				}
			}
			if !seen {
				selected = append(selected, cand.Node)
			}
		}
	}
	return selected
}

func (h *Index) levelConns(nodeID uint32, level int) []uint32 {
	n := &h.nodes[nodeID]
	if level > int(n.level) {
		return nil
	}
	return n.conns[level]
}

// dist is cosine distance between two stored (normalized) vectors.
func (h *Index) dist(a, b []float32) float32 {
	return 1 - distance.Dot(a, b)
}

func (h *Index) distTo(q []float32, nodeID uint32) float32 {
	return h.dist(q, h.nodes[nodeID].vector)
}

func (h *Index) randomLevel() int {
	r := h.rng.Float64()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(math.Floor(-math.Log(r) * h.levelMultiplier))
}

func minItem(pq *queue.PriorityQueue) (queue.Item, bool) {
	items := pq.Items()
	if len(items) == 0 {
		return queue.Item{}, false
	}
	best := items[0]
	for _, it := range items[1:] {
		if it.Distance < best.Distance || (it.Distance == best.Distance && it.Node < best.Node) {
			best = it
		}
	}
	return best, true
}
