// Package hnsw implements the Hierarchical Navigable Small World graph for
// approximate nearest neighbor search over concept embeddings.
//
// Nodes are addressed internally by dense local ids so the link lists stay
// compact; external concept ids map to local ids through a lookup table.
// Deletes are logical tombstones, which keeps removal O(1) and preserves
// graph connectivity; a rebuild from the authoritative vector table
// compacts tombstones away. Layer assignment hashes the concept id instead
// of drawing from a random source, so rebuilding from the same records
// reproduces the same layer structure.
package hnsw

import (
	"context"
	"iter"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/mnemo-db/mnemo/distance"
	"github.com/mnemo-db/mnemo/internal/queue"
	"github.com/mnemo-db/mnemo/internal/visited"
	"github.com/mnemo-db/mnemo/model"
)

const (
	// minimumM is the smallest usable connectivity degree.
	minimumM = 2

	// mmax0Multiplier scales the connection budget at layer zero.
	mmax0Multiplier = 2

	// DefaultM is the default number of bidirectional links per node.
	DefaultM = 16

	// DefaultEFConstruction is the default candidate list size while
	// linking a new node.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default per-query breadth when the caller
	// passes zero.
	DefaultEFSearch = 128

	// noNode marks an unset entry point.
	noNode = ^uint32(0)
)

// Options configures an Index.
type Options struct {
	// Dimension is the required vector length. Mandatory.
	Dimension int

	// M is the maximum bidirectional links per node above layer zero.
	M int

	// EFConstruction is the candidate list size used while inserting.
	EFConstruction int

	// EFSearch is the default query breadth when a search passes zero.
	EFSearch int

	// Metric selects the distance function. Cosine inputs are
	// L2-normalized on the way in.
	Metric distance.Metric
}

// DefaultOptions returns default index options.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	Metric:         distance.MetricL2,
}

// node is one graph member. links[l] holds the local ids of its neighbors
// at layer l.
type node struct {
	id    model.ConceptID
	level int
	links [][]uint32
}

// Index is the navigable small world graph. One writer mutates it while
// any number of searches proceed under the shared read lock.
type Index struct {
	mu sync.RWMutex

	nodes []node
	vecs  [][]float32

	idx        map[model.ConceptID]uint32
	tombstones *roaring.Bitmap
	live       int

	entry    uint32
	maxLevel int

	dim       int
	m         int
	mmax0     int
	efCons    int
	efSearch  int
	levelMult float64
	distFn    distance.Func
	normalize bool

	minPool     *sync.Pool
	maxPool     *sync.Pool
	visitedPool *sync.Pool
}

// New creates an empty index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, ErrInvalidDimension
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

	distFn, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	h := &Index{
		idx:        make(map[model.ConceptID]uint32),
		tombstones: roaring.New(),
		entry:      noNode,
		maxLevel:   -1,
		dim:        opts.Dimension,
		m:          opts.M,
		mmax0:      mmax0Multiplier * opts.M,
		efCons:     opts.EFConstruction,
		efSearch:   opts.EFSearch,
		levelMult:  1.0 / math.Log(float64(opts.M)),
		distFn:     distFn,
		normalize:  opts.Metric == distance.MetricCosine,
	}
	h.minPool = &sync.Pool{
		New: func() any { return queue.NewMin(opts.EFConstruction) },
	}
	h.maxPool = &sync.Pool{
		New: func() any { return queue.NewMax(opts.EFConstruction) },
	}
	h.visitedPool = &sync.Pool{
		New: func() any { return visited.New(1024) },
	}
	return h, nil
}

// Rebuild constructs a fresh index from a vector iterator. Tombstones do
// not survive a rebuild. Given the same vectors in the same order the
// resulting graph is identical, because layer assignment depends only on
// the ids.
func Rebuild(ctx context.Context, vectors iter.Seq2[model.ConceptID, []float32], optFns ...func(o *Options)) (*Index, error) {
	h, err := New(optFns...)
	if err != nil {
		return nil, err
	}
	for id, vec := range vectors {
		if err := h.Insert(ctx, id, vec); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// levelFor derives a node's top layer from its id. SplitMix64 scrambles the
// id into a uniform float, which feeds the usual exponential distribution.
// The same id always lands on the same layer.
func (h *Index) levelFor(id model.ConceptID) int {
	x := uint64(id) + 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31

	const inv = 1.0 / (1 << 53)
	r := float64(x>>11) * inv
	if r == 0 {
		r = inv
	}
	return int(math.Floor(-math.Log(r) * h.levelMult))
}

// Insert adds a vector under id, replacing any existing vector for the
// same id. The previous node becomes a tombstone; the replacement is
// linked as a fresh node.
func (h *Index) Insert(ctx context.Context, id model.ConceptID, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vec) != h.dim {
		return &ErrDimensionMismatch{Expected: h.dim, Actual: len(vec)}
	}

	stored := make([]float32, len(vec))
	copy(stored, vec)
	if h.normalize {
		if !distance.NormalizeL2InPlace(stored) {
			return ErrZeroVector
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.idx[id]; ok {
		h.tombstones.Add(prev)
		delete(h.idx, id)
		h.live--
	}

	local := uint32(len(h.nodes))
	level := h.levelFor(id)

	links := make([][]uint32, level+1)
	h.nodes = append(h.nodes, node{id: id, level: level, links: links})
	h.vecs = append(h.vecs, stored)

	if h.entry == noNode {
		h.entry = local
		h.maxLevel = level
		h.idx[id] = local
		h.live++
		return nil
	}

	h.link(local, stored, level)

	h.idx[id] = local
	h.live++

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = local
	}
	return nil
}

// link wires a new node into the graph, descending greedily to its top
// layer and then search-and-connecting on each layer below.
func (h *Index) link(local uint32, vec []float32, level int) {
	curr := h.entry
	currDist := h.distFn(vec, h.vecs[curr])

	for l := h.maxLevel; l > level; l-- {
		curr, currDist = h.greedyStep(vec, curr, currDist, l)
	}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		results := h.searchLayer(vec, curr, currDist, l, h.efCons, true)

		if best, ok := h.closest(results); ok {
			curr = best.Node
			currDist = best.Distance
		}

		maxConns := h.m
		if l == 0 {
			maxConns = h.mmax0
		}

		neighbors := h.selectNeighbors(results, maxConns)
		results.Reset()
		h.maxPool.Put(results)

		h.nodes[local].links[l] = neighbors
		for _, n := range neighbors {
			h.addLink(n, local, l)
		}
	}
}

// greedyStep walks to the closest neighbor on a layer until no neighbor
// improves on the current position.
func (h *Index) greedyStep(vec []float32, curr uint32, currDist float32, level int) (uint32, float32) {
	for {
		improved := false
		for _, next := range h.layerLinks(curr, level) {
			d := h.distFn(vec, h.vecs[next])
			if d < currDist {
				curr = next
				currDist = d
				improved = true
			}
		}
		if !improved {
			return curr, currDist
		}
	}
}

func (h *Index) layerLinks(local uint32, level int) []uint32 {
	n := &h.nodes[local]
	if level > n.level {
		return nil
	}
	return n.links[level]
}

// closest returns the nearest candidate in a max-heap of results.
func (h *Index) closest(results *queue.Queue) (queue.Candidate, bool) {
	items := results.Items()
	if len(items) == 0 {
		return queue.Candidate{}, false
	}
	best := items[0]
	for _, c := range items[1:] {
		if c.Distance < best.Distance || (c.Distance == best.Distance && c.Node < best.Node) {
			best = c
		}
	}
	return best, true
}

// Remove tombstones the node for id. It reports whether the id was
// present. The node stays in the graph for traversal but never appears in
// results.
func (h *Index) Remove(id model.ConceptID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	local, ok := h.idx[id]
	if !ok {
		return false
	}
	h.tombstones.Add(local)
	delete(h.idx, id)
	h.live--
	return true
}

// Contains reports whether id has a live node.
func (h *Index) Contains(id model.ConceptID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.idx[id]
	return ok
}

// Len returns the number of live vectors.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// Dimension returns the configured vector length.
func (h *Index) Dimension() int {
	return h.dim
}
