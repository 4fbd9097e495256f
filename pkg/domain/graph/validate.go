package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidNode   = errors.New("invalid node")
	ErrNodeNotFound  = errors.New("node not found")
	ErrDuplicateNode = errors.New("duplicate node")
	ErrDuplicateEdge = errors.New("duplicate edge")
	ErrEdgeNotFound  = errors.New("edge not found")

	// ErrEditScope is returned when an edit targets a node whose
	// structure is frozen (RUNNING or terminal).
	ErrEditScope = errors.New("edit out of scope")
)

// StructuralError reports a rejected mutation, naming the offending
// edges when a cycle was detected.
type StructuralError struct {
	Reason string
	Edges  []Edge
}

func (e *StructuralError) Error() string {
	if len(e.Edges) == 0 {
		return fmt.Sprintf("structural validation failed: %s", e.Reason)
	}
	parts := make([]string, 0, len(e.Edges))
	for _, edge := range e.Edges {
		parts = append(parts, fmt.Sprintf("(%s,%s)", edge.From, edge.To))
	}
	return fmt.Sprintf("structural validation failed: %s: %s", e.Reason, strings.Join(parts, " "))
}

// Validate checks the structural invariants: every edge references
// existing nodes and the edge set is acyclic.
func (g *TaskGraph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLocked()
}

// validateLocked runs the invariant checks. Caller must hold at least a
// read lock.
func (g *TaskGraph) validateLocked() error {
	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return &StructuralError{Reason: fmt.Sprintf("edge references unknown source node %s", e.From), Edges: []Edge{e}}
		}
		if _, ok := g.nodes[e.To]; !ok {
			return &StructuralError{Reason: fmt.Sprintf("edge references unknown target node %s", e.To), Edges: []Edge{e}}
		}
		if e.From == e.To {
			return &StructuralError{Reason: "self-referencing edge", Edges: []Edge{e}}
		}
	}

	if cycle := findCycle(g.edges); len(cycle) > 0 {
		return &StructuralError{Reason: "cycle detected", Edges: cycle}
	}
	return nil
}

// findCycle runs an iterative DFS over the edge set and returns the
// edges of the first cycle found, or nil when the set is acyclic.
func findCycle(edges []Edge) []Edge {
	adj := make(map[string][]string)
	nodes := make(map[string]struct{})
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
		nodes[e.From] = struct{}{}
		nodes[e.To] = struct{}{}
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(nodes))

	var path []string
	var cycle []string

	var dfs func(string) bool
	dfs = func(u string) bool {
		color[u] = gray
		path = append(path, u)
		for _, v := range adj[u] {
			switch color[v] {
			case white:
				if dfs(v) {
					return true
				}
			case gray:
				// Back edge: slice the current path from v to u.
				for i, p := range path {
					if p == v {
						cycle = append(append([]string(nil), path[i:]...), v)
						return true
					}
				}
			}
		}
		color[u] = black
		path = path[:len(path)-1]
		return false
	}

	for u := range nodes {
		if color[u] == white && dfs(u) {
			break
		}
	}

	if len(cycle) < 2 {
		return nil
	}
	out := make([]Edge, 0, len(cycle)-1)
	for i := 0; i < len(cycle)-1; i++ {
		out = append(out, Edge{From: cycle[i], To: cycle[i+1]})
	}
	return out
}
