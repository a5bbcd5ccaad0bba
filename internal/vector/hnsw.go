package vector

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"
)

// Fixed per spec.md §4.7: "a fixed PRNG seed is used for level draws to
// make index builds reproducible in tests."
const levelDrawSeed = 0x4E455841

// HNSW is a hierarchical navigable small world graph, the default
// index once a collection has been populated. Grounded on the
// standard HNSW construction/search algorithm named in spec.md §4.7;
// the candidate/result priority queues follow the teacher pack's
// container/heap idiom seen in ChinmayNoob-lsm-go/compaction's
// mergeHeap (a typed slice implementing heap.Interface).
type HNSW struct {
	mu sync.RWMutex

	dim    int
	metric Metric

	m        int // neighbours per layer above 0
	mMax0    int // neighbours at layer 0
	efConstr int
	efSearch int
	ml       float64

	rng *rand.Rand

	nodes      []*hnswNode
	ids        map[string]int // id -> node index
	entryPoint int             // -1 when empty
	maxLayer   int
}

type hnswNode struct {
	id         string
	vec        []float32
	layer      int
	neighbors  [][]int // neighbors[l] = neighbour node indices at layer l
	tombstoned bool
}

// Config controls HNSW's construction/search breadth; zero-valued
// fields fall back to spec.md §4.7's defaults.
type Config struct {
	M              int
	EfConstruction int
	EfSearch       int
	Metric         Metric
}

// DefaultConfig returns spec.md §4.7's default HNSW parameters.
func DefaultConfig() Config {
	return Config{M: 16, EfConstruction: 200, EfSearch: 100, Metric: SquaredL2}
}

// NewHNSW creates an empty HNSW index for vectors of dimension dim.
func NewHNSW(dim int, cfg Config) *HNSW {
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = 200
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 100
	}
	return &HNSW{
		dim:        dim,
		metric:     cfg.Metric,
		m:          cfg.M,
		mMax0:      2 * cfg.M,
		efConstr:   cfg.EfConstruction,
		efSearch:   cfg.EfSearch,
		ml:         1 / math.Log(float64(2*cfg.M)),
		rng:        rand.New(rand.NewSource(levelDrawSeed)),
		ids:        make(map[string]int),
		entryPoint: -1,
		maxLayer:   -1,
	}
}

// Len returns the number of live (non-tombstoned) vectors.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.ids)
}

func (h *HNSW) drawLevel() int {
	u := h.rng.Float64()
	for u == 0 {
		u = h.rng.Float64()
	}
	return int(math.Floor(-math.Log(u) * h.ml))
}

// Add inserts or overwrites the vector for id.
func (h *HNSW) Add(id string, vec []float32) error {
	if len(vec) != h.dim {
		return ErrDimensionMismatch
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, exists := h.ids[id]; exists {
		h.nodes[existing].vec = append([]float32(nil), vec...)
		h.nodes[existing].tombstoned = false
		return nil
	}

	level := h.drawLevel()
	node := &hnswNode{
		id:        id,
		vec:       append([]float32(nil), vec...),
		layer:     level,
		neighbors: make([][]int, level+1),
	}
	nodeIdx := len(h.nodes)
	h.nodes = append(h.nodes, node)
	h.ids[id] = nodeIdx

	if h.entryPoint == -1 {
		h.entryPoint = nodeIdx
		h.maxLayer = level
		return nil
	}

	entry := h.entryPoint
	// Greedily descend from the top layer to level+1 using a
	// single-candidate search, so insertion starts close to the target
	// region before the expensive ef_construction-breadth passes begin.
	for l := h.maxLayer; l > level; l-- {
		entry = h.greedyClosest(entry, node.vec, l)
	}

	for l := min(level, h.maxLayer); l >= 0; l-- {
		candidates := h.layerSearch(node.vec, []int{entry}, h.efConstr, l)
		maxNeighbors := h.m
		if l == 0 {
			maxNeighbors = h.mMax0
		}
		selected := selectNearest(candidates, maxNeighbors)
		node.neighbors[l] = selected
		for _, nb := range selected {
			h.connect(nb, nodeIdx, l, maxNeighborsForLayer(h, l))
		}
		if len(selected) > 0 {
			entry = selected[0]
		}
	}

	if level > h.maxLayer {
		h.maxLayer = level
		h.entryPoint = nodeIdx
	}
	return nil
}

func maxNeighborsForLayer(h *HNSW, layer int) int {
	if layer == 0 {
		return h.mMax0
	}
	return h.m
}

// connect adds a bidirectional edge from->to at layer, pruning from's
// neighbour list back to maxNeighbors by keeping those nearest to
// from if it overflows.
func (h *HNSW) connect(from, to, layer, maxNeighbors int) {
	fn := h.nodes[from]
	if layer >= len(fn.neighbors) {
		grown := make([][]int, layer+1)
		copy(grown, fn.neighbors)
		fn.neighbors = grown
	}
	fn.neighbors[layer] = append(fn.neighbors[layer], to)
	if len(fn.neighbors[layer]) <= maxNeighbors {
		return
	}

	type scored struct {
		idx  int
		dist float32
	}
	list := make([]scored, len(fn.neighbors[layer]))
	for i, nb := range fn.neighbors[layer] {
		list[i] = scored{nb, distance(h.metric, fn.vec, h.nodes[nb].vec)}
	}
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].dist < list[j-1].dist; j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
	if len(list) > maxNeighbors {
		list = list[:maxNeighbors]
	}
	pruned := make([]int, len(list))
	for i, s := range list {
		pruned[i] = s.idx
	}
	fn.neighbors[layer] = pruned
}

func (h *HNSW) greedyClosest(from int, query []float32, layer int) int {
	current := from
	currentDist := distance(h.metric, query, h.nodes[from].vec)
	for {
		improved := false
		if layer >= len(h.nodes[current].neighbors) {
			return current
		}
		for _, nb := range h.nodes[current].neighbors[layer] {
			d := distance(h.metric, query, h.nodes[nb].vec)
			if d < currentDist {
				current = nb
				currentDist = d
				improved = true
			}
		}
		if !improved {
			return current
		}
	}
}

// layerSearch is the standard greedy best-first search: a min-heap of
// live candidates to explore and a max-heap of the best `ef` results
// found so far, terminating once the best live candidate is farther
// than the worst kept result.
func (h *HNSW) layerSearch(query []float32, entryPoints []int, ef, layer int) []candidateEntry {
	visited := make(map[int]bool)
	candidates := &candidateHeap{}
	results := &resultHeap{}

	for _, ep := range entryPoints {
		if h.nodes[ep].tombstoned {
			continue
		}
		d := distance(h.metric, query, h.nodes[ep].vec)
		heap.Push(candidates, candidateEntry{ep, d})
		heap.Push(results, candidateEntry{ep, d})
		visited[ep] = true
	}

	for candidates.Len() > 0 {
		nearest := heap.Pop(candidates).(candidateEntry)
		if results.Len() >= ef && nearest.dist > (*results)[0].dist {
			break
		}
		if layer >= len(h.nodes[nearest.idx].neighbors) {
			continue
		}
		for _, nb := range h.nodes[nearest.idx].neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			if h.nodes[nb].tombstoned {
				continue
			}
			d := distance(h.metric, query, h.nodes[nb].vec)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, candidateEntry{nb, d})
				heap.Push(results, candidateEntry{nb, d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidateEntry, results.Len())
	copy(out, *results)
	return out
}

func selectNearest(candidates []candidateEntry, k int) []int {
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].dist < candidates[j-1].dist; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]int, len(candidates))
	for i, c := range candidates {
		out[i] = c.idx
	}
	return out
}

// Remove lazily tombstones id's node; search skips tombstoned nodes.
func (h *HNSW) Remove(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, exists := h.ids[id]
	if !exists {
		return nil
	}
	h.nodes[idx].tombstoned = true
	delete(h.ids, id)
	return nil
}

// Search descends from max_layer to 1 with breadth 1, then runs a
// breadth-max(ef_search, k) search at layer 0 and returns the top k.
func (h *HNSW) Search(query []float32, k int) ([]Result, error) {
	if len(query) != h.dim {
		return nil, ErrDimensionMismatch
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint == -1 || k <= 0 {
		return nil, nil
	}

	entry := h.entryPoint
	for l := h.maxLayer; l > 0; l-- {
		entry = h.greedyClosest(entry, query, l)
	}

	ef := h.efSearch
	if k > ef {
		ef = k
	}
	candidates := h.layerSearch(query, []int{entry}, ef, 0)
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].dist < candidates[j-1].dist; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{ID: h.nodes[c.idx].id, Distance: c.dist}
	}
	return out, nil
}

// candidateEntry pairs a node index with its distance to the query,
// shared by both the min-heap (candidates to explore) and max-heap
// (best results kept so far) below.
type candidateEntry struct {
	idx  int
	dist float32
}

// candidateHeap is a min-heap by distance: layerSearch always explores
// the closest unexplored candidate next.
type candidateHeap []candidateEntry

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidateEntry)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// resultHeap is a max-heap by distance: its root is always the worst
// of the best-ef results found so far, so it can be evicted in O(log
// ef) when a closer candidate is found.
type resultHeap []candidateEntry

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(candidateEntry)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
