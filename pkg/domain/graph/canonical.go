package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// CanonicalGraph is the boundary format used whenever a graph crosses a
// process or agent boundary. Every field that affects scheduling
// (status, dependencies, priority, assignment, result, error) survives
// the round trip. Edge predicates are in-memory closures and do not
// serialize; the AllowFailure flag does.
type CanonicalGraph struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	State GraphState      `json:"state"`
	Nodes []CanonicalNode `json:"nodes"`
	Edges []Edge          `json:"edges"`
}

// CanonicalNode is the serialized form of a task node.
type CanonicalNode struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Status       Status     `json:"status"`
	Priority     Priority   `json:"priority"`
	DeviceID     string     `json:"device_id,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Result       any        `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Canonical returns the canonical form of the graph. Nodes appear in
// insertion order so tie-breaks survive the boundary.
func (g *TaskGraph) Canonical() *CanonicalGraph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := &CanonicalGraph{
		ID:    g.id,
		Name:  g.name,
		State: g.state,
		Nodes: make([]CanonicalNode, 0, len(g.order)),
		Edges: append([]Edge(nil), g.edges...),
	}
	for _, id := range g.order {
		n := g.nodes[id]
		c.Nodes = append(c.Nodes, CanonicalNode{
			ID:           n.ID,
			Description:  n.Description,
			Status:       n.Status,
			Priority:     n.Priority,
			DeviceID:     n.DeviceID,
			Capabilities: append([]string(nil), n.Capabilities...),
			Result:       n.Result,
			Error:        n.Error,
			StartedAt:    n.StartedAt,
			CompletedAt:  n.CompletedAt,
		})
	}
	return c
}

// MarshalCanonical serializes the graph to canonical JSON.
func (g *TaskGraph) MarshalCanonical() ([]byte, error) {
	data, err := json.Marshal(g.Canonical())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graph: %w", err)
	}
	return data, nil
}

// FromCanonical rebuilds a graph from its canonical form. The rebuilt
// graph is validated before it is returned.
func FromCanonical(c *CanonicalGraph) (*TaskGraph, error) {
	if c == nil {
		return nil, fmt.Errorf("canonical graph is nil")
	}

	g := New(c.ID, c.Name)
	if c.State != "" {
		g.state = c.State
	}
	for _, cn := range c.Nodes {
		if cn.ID == "" {
			return nil, fmt.Errorf("%w: node id is required", ErrInvalidNode)
		}
		if _, exists := g.nodes[cn.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, cn.ID)
		}
		n := &Node{
			ID:           cn.ID,
			Description:  cn.Description,
			Status:       cn.Status,
			Priority:     cn.Priority,
			DeviceID:     cn.DeviceID,
			Capabilities: append([]string(nil), cn.Capabilities...),
			Result:       cn.Result,
			Error:        cn.Error,
			StartedAt:    cn.StartedAt,
			CompletedAt:  cn.CompletedAt,
			seq:          g.nextSeq,
		}
		if n.Status == "" {
			n.Status = StatusPending
		}
		g.nextSeq++
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}
	g.edges = append([]Edge(nil), c.Edges...)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// UnmarshalCanonical deserializes canonical JSON into a graph.
func UnmarshalCanonical(data []byte) (*TaskGraph, error) {
	var c CanonicalGraph
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	return FromCanonical(&c)
}
