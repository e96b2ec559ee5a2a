package hnsw

import (
	"github.com/mnemo-db/mnemo/internal/queue"
)

// selectNeighbors picks up to m links from a max-heap of candidates using
// the relative-neighborhood heuristic: a candidate is kept only if it is
// closer to the new node than to every neighbor already kept, which spreads
// links across directions instead of clustering them. Leftover slots are
// filled with the nearest rejected candidates. The heap is consumed.
func (h *Index) selectNeighbors(candidates *queue.Queue, m int) []uint32 {
	if candidates.Len() <= m {
		out := make([]uint32, 0, candidates.Len())
		for candidates.Len() > 0 {
			c, _ := candidates.Pop()
			out = append(out, c.Node)
		}
		// Max-heap pops farthest first; callers expect nearest first.
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out
	}

	// Nearest first.
	ordered := make([]queue.Candidate, candidates.Len())
	for i := len(ordered) - 1; i >= 0; i-- {
		ordered[i], _ = candidates.Pop()
	}

	result := make([]uint32, 0, m)
	for _, cand := range ordered {
		if len(result) >= m {
			break
		}
		keep := true
		for _, sel := range result {
			if h.distFn(h.vecs[cand.Node], h.vecs[sel]) < cand.Distance {
				keep = false
				break
			}
		}
		if keep {
			result = append(result, cand.Node)
		}
	}

	if len(result) < m {
		for _, cand := range ordered {
			if len(result) >= m {
				break
			}
			seen := false
			for _, sel := range result {
				if sel == cand.Node {
					seen = true
					break
				}
			}
			if !seen {
				result = append(result, cand.Node)
			}
		}
	}
	return result
}

// addLink records target as a neighbor of local on the given layer,
// re-selecting the neighbor set when the layer is full.
func (h *Index) addLink(local, target uint32, level int) {
	n := &h.nodes[local]
	if level > n.level {
		return
	}

	conns := n.links[level]
	for _, c := range conns {
		if c == target {
			return
		}
	}

	maxConns := h.m
	if level == 0 {
		maxConns = h.mmax0
	}

	if len(conns) < maxConns {
		n.links[level] = append(conns, target)
		return
	}

	candidates := h.maxPool.Get().(*queue.Queue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		h.maxPool.Put(candidates)
	}()

	base := h.vecs[local]
	for _, c := range conns {
		candidates.Push(queue.Candidate{Node: c, Distance: h.distFn(base, h.vecs[c])})
	}
	candidates.Push(queue.Candidate{Node: target, Distance: h.distFn(base, h.vecs[target])})

	n.links[level] = h.selectNeighbors(candidates, maxConns)
}
