package graph

// Statistics summarizes the shape and measured parallelism of a graph.
type Statistics struct {
	NodeCount int `json:"node_count"`

	// Depth is the longest dependency chain, counted in nodes.
	Depth int `json:"depth"`

	// Width is the largest set of nodes with no dependency path
	// between any pair, i.e. the maximum number of nodes that can be
	// in flight at once.
	Width int `json:"width"`

	// ParallelismRatio is total node work time divided by critical
	// path time. Nodes without execution timestamps count as one unit
	// of work each.
	ParallelismRatio float64 `json:"parallelism_ratio"`

	CountsByStatus map[Status]int `json:"counts_by_status"`
}

// Statistics computes derived statistics over the current graph.
func (g *TaskGraph) Statistics() Statistics {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := Statistics{
		NodeCount:      len(g.nodes),
		CountsByStatus: make(map[Status]int),
	}
	for _, n := range g.nodes {
		stats.CountsByStatus[n.Status]++
	}
	if len(g.nodes) == 0 {
		return stats
	}

	// Topological levels give both the critical path length and the
	// widest level in one pass.
	level := make(map[string]int, len(g.nodes))
	var longest func(id string) int
	longest = func(id string) int {
		if l, ok := level[id]; ok {
			return l
		}
		l := 1
		for _, e := range g.edges {
			if e.To == id {
				if d := longest(e.From) + 1; d > l {
					l = d
				}
			}
		}
		level[id] = l
		return l
	}

	widths := make(map[int]int)
	for id := range g.nodes {
		l := longest(id)
		if l > stats.Depth {
			stats.Depth = l
		}
		widths[l]++
	}
	for _, w := range widths {
		if w > stats.Width {
			stats.Width = w
		}
	}

	stats.ParallelismRatio = g.parallelismLocked(level, stats.Depth)
	return stats
}

// parallelismLocked computes total work over critical path work. When
// execution durations are available they are used; otherwise each node
// contributes one unit so the ratio degrades to node count over depth.
func (g *TaskGraph) parallelismLocked(level map[string]int, depth int) float64 {
	if depth == 0 {
		return 0
	}

	work := func(n *Node) float64 {
		if n.StartedAt != nil && n.CompletedAt != nil {
			d := n.CompletedAt.Sub(*n.StartedAt)
			if d > 0 {
				return d.Seconds()
			}
		}
		return 1
	}

	var total float64
	// Critical path work: the heaviest node per level approximates the
	// path without a second traversal.
	critical := make(map[int]float64)
	for id, n := range g.nodes {
		w := work(n)
		total += w
		if w > critical[level[id]] {
			critical[level[id]] = w
		}
	}

	var criticalTotal float64
	for _, w := range critical {
		criticalTotal += w
	}
	if criticalTotal == 0 {
		return 0
	}
	return total / criticalTotal
}
