package hnsw

import (
	"context"
	"slices"

	"github.com/mnemo-db/mnemo/distance"
	"github.com/mnemo-db/mnemo/internal/queue"
	"github.com/mnemo-db/mnemo/internal/visited"
	"github.com/mnemo-db/mnemo/model"
)

// Search returns the k nearest live vectors to query, ordered by ascending
// distance with ascending id breaking ties. efSearch widens the candidate
// frontier per query; zero selects the index default, and values below k
// are raised to k.
func (h *Index) Search(ctx context.Context, query []float32, k, efSearch int) ([]model.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(query) != h.dim {
		return nil, &ErrDimensionMismatch{Expected: h.dim, Actual: len(query)}
	}

	q := query
	if h.normalize {
		qc, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, ErrZeroVector
		}
		q = qc
	}

	ef := efSearch
	if ef <= 0 {
		ef = h.efSearch
	}
	if ef < k {
		ef = k
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entry == noNode || h.live == 0 {
		return nil, nil
	}

	curr := h.entry
	currDist := h.distFn(q, h.vecs[curr])
	for l := h.maxLevel; l > 0; l-- {
		curr, currDist = h.greedyStep(q, curr, currDist, l)
	}

	results := h.searchLayer(q, curr, currDist, 0, ef, false)
	defer func() {
		results.Reset()
		h.maxPool.Put(results)
	}()

	for results.Len() > k {
		results.Pop()
	}

	out := make([]model.SearchResult, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		c, _ := results.Pop()
		out[i] = model.SearchResult{ID: h.nodes[c.Node].id, Distance: c.Distance}
	}

	// The heap breaks ties on local id; the contract is external id.
	slices.SortFunc(out, func(a, b model.SearchResult) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

// searchLayer runs the beam search on one layer. Tombstoned nodes are
// traversed for connectivity but excluded from results. Callers own the
// returned max-heap and must return it to maxPool.
//
// inserting disables the frontier pruning shortcut so that linking sees a
// full candidate set even when early results look good.
func (h *Index) searchLayer(q []float32, ep uint32, epDist float32, level, ef int, inserting bool) *queue.Queue {
	seen := h.visitedPool.Get().(*visited.Set)
	seen.Reset()
	defer h.visitedPool.Put(seen)

	candidates := h.minPool.Get().(*queue.Queue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		h.minPool.Put(candidates)
	}()

	results := h.maxPool.Get().(*queue.Queue)
	results.Reset()

	seen.Visit(ep)
	candidates.Push(queue.Candidate{Node: ep, Distance: epDist})
	if !h.tombstones.Contains(ep) {
		results.Push(queue.Candidate{Node: ep, Distance: epDist})
	}

	for candidates.Len() > 0 {
		curr, _ := candidates.Pop()

		if results.Len() >= ef {
			if worst, ok := results.Top(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		for _, next := range h.layerLinks(curr.Node, level) {
			if !seen.Visit(next) {
				continue
			}
			d := h.distFn(q, h.vecs[next])

			if !inserting && results.Len() >= ef {
				if worst, ok := results.Top(); ok && d > worst.Distance {
					continue
				}
			}

			candidates.Push(queue.Candidate{Node: next, Distance: d})
			if !h.tombstones.Contains(next) {
				results.Push(queue.Candidate{Node: next, Distance: d})
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}
	return results
}
