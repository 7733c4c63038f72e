package hnsw

// Stats describes the current shape of the graph.
type Stats struct {
	// Nodes counts every allocated node, tombstoned ones included.
	Nodes int
	// Live counts ids with a current mapping.
	Live int
	// Tombstones counts nodes awaiting reclamation by Rebuild.
	Tombstones int
	// MaxLevel is the highest populated layer.
	MaxLevel int
	// Dimension is the vector dimension.
	Dimension int
	// MemoryBytes estimates heap usage of vectors and adjacency lists.
	MemoryBytes int64
}

// Stats returns statistics about the graph.
func (h *Index) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var mem int64
	for i := range h.nodes {
		n := &h.nodes[i]
		mem += int64(len(n.id)) + int64(len(n.vector))*4
		for _, conns := range n.conns {
			mem += int64(len(conns)) * 4
		}
	}

	return Stats{
		Nodes:       len(h.nodes),
		Live:        h.count,
		Tombstones:  int(h.tombstones.GetCardinality()),
		MaxLevel:    h.maxLevel,
		Dimension:   h.opts.Dimension,
		MemoryBytes: mem,
	}
}
