package hnsw

// Stats describes the current shape of the graph.
type Stats struct {
	// Live is the number of searchable vectors.
	Live int
	// Nodes is the total node count including tombstones awaiting a
	// rebuild.
	Nodes int
	// Tombstones is the number of logically deleted nodes.
	Tombstones int
	// MaxLevel is the highest occupied layer, -1 when empty.
	MaxLevel int
	// Dimension is the configured vector length.
	Dimension int
}

// Stats returns a consistent snapshot of graph counters.
func (h *Index) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return Stats{
		Live:       h.live,
		Nodes:      len(h.nodes),
		Tombstones: int(h.tombstones.GetCardinality()),
		MaxLevel:   h.maxLevel,
		Dimension:  h.dim,
	}
}
