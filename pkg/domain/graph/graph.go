package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// TaskGraph is the DAG of task nodes and dependency edges for one
// orchestration run. All methods are safe for concurrent use.
type TaskGraph struct {
	mu sync.RWMutex

	id        string
	name      string
	state     GraphState
	nodes     map[string]*Node
	order     []string
	edges     []Edge
	nextSeq   int
	createdAt time.Time
}

// New creates an empty active task graph.
func New(id, name string) *TaskGraph {
	return &TaskGraph{
		id:        id,
		name:      name,
		state:     GraphStateActive,
		nodes:     make(map[string]*Node),
		createdAt: time.Now(),
	}
}

// ID returns the graph id.
func (g *TaskGraph) ID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.id
}

// Name returns the graph name.
func (g *TaskGraph) Name() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.name
}

// State returns the overall graph state.
func (g *TaskGraph) State() GraphState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// SetState updates the overall graph state.
func (g *TaskGraph) SetState(state GraphState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = state
}

// Len returns the number of nodes.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Node returns a copy of the node with the given id.
func (g *TaskGraph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n.clone(), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *TaskGraph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.nodes[id].clone())
	}
	return out
}

// Edges returns a copy of the edge set.
func (g *TaskGraph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Edge(nil), g.edges...)
}

// AddNode adds a node to the graph. The node's status is derived from
// its dependencies: PENDING if it has none unsatisfied, otherwise
// WAITING_DEPENDENCY.
func (g *TaskGraph) AddNode(n *Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("%w: node id is required", ErrInvalidNode)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}

	c := n.clone()
	c.seq = g.nextSeq
	if c.Status == "" {
		c.Status = StatusPending
	}
	g.nextSeq++
	g.nodes[c.ID] = c
	g.order = append(g.order, c.ID)

	g.refreshBlockedLocked()
	return g.validateLocked()
}

// RemoveNode removes a node and every edge incident to it. Only
// PENDING and WAITING_DEPENDENCY nodes may be removed.
func (g *TaskGraph) RemoveNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if !editable(n.Status) {
		return fmt.Errorf("%w: cannot remove node %s in status %s", ErrEditScope, id, n.Status)
	}

	delete(g.nodes, id)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.From != id && e.To != id {
			kept = append(kept, e)
		}
	}
	g.edges = kept

	g.refreshBlockedLocked()
	return g.validateLocked()
}

// AddEdge adds a dependency edge with an optional predicate. The edit
// is rejected, leaving the graph unchanged, if it would introduce a
// cycle or if the dependent node is no longer editable.
func (g *TaskGraph) AddEdge(from, to string, pred Predicate) error {
	return g.addEdge(Edge{From: from, To: to, Predicate: pred})
}

// AddEdgeTolerant adds an edge that is satisfied even when the
// prerequisite fails, so planners can express cleanup-style dependents.
func (g *TaskGraph) AddEdgeTolerant(from, to string, pred Predicate) error {
	return g.addEdge(Edge{From: from, To: to, Predicate: pred, AllowFailure: true})
}

func (g *TaskGraph) addEdge(e Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[e.From]; !ok {
		return fmt.Errorf("%w: edge source %s", ErrNodeNotFound, e.From)
	}
	dst, ok := g.nodes[e.To]
	if !ok {
		return fmt.Errorf("%w: edge target %s", ErrNodeNotFound, e.To)
	}
	if !editable(dst.Status) {
		return fmt.Errorf("%w: cannot add dependency to node %s in status %s", ErrEditScope, e.To, dst.Status)
	}
	for _, existing := range g.edges {
		if existing.From == e.From && existing.To == e.To {
			return fmt.Errorf("%w: edge %s -> %s already exists", ErrDuplicateEdge, e.From, e.To)
		}
	}

	// Validate against a candidate edge set before committing so a
	// rejected edit leaves the graph untouched.
	candidate := append(append([]Edge(nil), g.edges...), e)
	if cycle := findCycle(candidate); len(cycle) > 0 {
		return &StructuralError{Reason: "edge would introduce a cycle", Edges: cycle}
	}

	g.edges = candidate
	g.refreshBlockedLocked()
	return g.validateLocked()
}

// RemoveEdge removes the edge between two nodes.
func (g *TaskGraph) RemoveEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	dst, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("%w: edge target %s", ErrNodeNotFound, to)
	}
	if !editable(dst.Status) {
		return fmt.Errorf("%w: cannot remove dependency of node %s in status %s", ErrEditScope, to, dst.Status)
	}

	for i, e := range g.edges {
		if e.From == from && e.To == to {
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			g.refreshBlockedLocked()
			return g.validateLocked()
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrEdgeNotFound, from, to)
}

// ModifyFields carries the node fields a planner may rewrite. Nil
// fields are left unchanged.
type ModifyFields struct {
	Description  *string
	Priority     *Priority
	DeviceID     *string
	Capabilities []string
}

// ModifyNode rewrites structural fields of a PENDING or
// WAITING_DEPENDENCY node.
func (g *TaskGraph) ModifyNode(id string, fields ModifyFields) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if !editable(n.Status) {
		return fmt.Errorf("%w: cannot modify node %s in status %s", ErrEditScope, id, n.Status)
	}

	if fields.Description != nil {
		n.Description = *fields.Description
	}
	if fields.Priority != nil {
		n.Priority = *fields.Priority
	}
	if fields.DeviceID != nil {
		n.DeviceID = *fields.DeviceID
	}
	if fields.Capabilities != nil {
		n.Capabilities = append([]string(nil), fields.Capabilities...)
	}
	return g.validateLocked()
}

// AssignDevice sets the executor assignment for a node. A node holds at
// most one assignment; assigning replaces any previous one.
func (g *TaskGraph) AssignDevice(id, deviceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if !editable(n.Status) {
		return fmt.Errorf("%w: cannot reassign node %s in status %s", ErrEditScope, id, n.Status)
	}
	n.DeviceID = deviceID
	return nil
}

// ReadyNodes returns copies of all PENDING nodes whose every incoming
// edge is satisfied, sorted by priority descending with insertion-order
// tie-break.
func (g *TaskGraph) ReadyNodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*Node
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status != StatusPending {
			continue
		}
		if g.depsSatisfiedLocked(id) {
			ready = append(ready, n)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].seq < ready[j].seq
	})

	out := make([]Node, 0, len(ready))
	for _, n := range ready {
		out = append(out, *n.clone())
	}
	return out
}

// MarkRunning transitions a node to RUNNING and stamps its start time.
func (g *TaskGraph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Status.Terminal() {
		return fmt.Errorf("node %s already terminal: %s", id, n.Status)
	}
	now := time.Now()
	n.Status = StatusRunning
	n.StartedAt = &now
	return nil
}

// MarkCompleted transitions a node to COMPLETED or FAILED, stamps the
// end time, and returns the ids of nodes that became ready as a
// consequence. Calling it again on a terminal node is a no-op that
// returns no newly-ready ids.
func (g *TaskGraph) MarkCompleted(id string, success bool, result any, errMsg string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Status.Terminal() {
		return nil, nil
	}

	now := time.Now()
	if success {
		n.Status = StatusCompleted
		n.Result = result
	} else {
		n.Status = StatusFailed
		n.Error = errMsg
	}
	n.CompletedAt = &now

	return g.refreshBlockedLocked(), nil
}

// MarkCancelled transitions a non-terminal node to CANCELLED.
func (g *TaskGraph) MarkCancelled(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Status.Terminal() {
		return nil
	}
	now := time.Now()
	n.Status = StatusCancelled
	n.CompletedAt = &now
	return nil
}

// Clone returns a deep copy of the graph, including edge predicates.
func (g *TaskGraph) Clone() *TaskGraph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := &TaskGraph{
		id:        g.id,
		name:      g.name,
		state:     g.state,
		nodes:     make(map[string]*Node, len(g.nodes)),
		order:     append([]string(nil), g.order...),
		edges:     append([]Edge(nil), g.edges...),
		nextSeq:   g.nextSeq,
		createdAt: g.createdAt,
	}
	for id, n := range g.nodes {
		c.nodes[id] = n.clone()
	}
	return c
}

// Settled reports whether every node has reached a terminal status.
func (g *TaskGraph) Settled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		if !n.Status.Terminal() {
			return false
		}
	}
	return true
}

// depsSatisfiedLocked reports whether every incoming edge of a node is
// satisfied. Caller must hold at least a read lock.
func (g *TaskGraph) depsSatisfiedLocked(id string) bool {
	for _, e := range g.edges {
		if e.To != id {
			continue
		}
		if !g.edgeSatisfiedLocked(e) {
			return false
		}
	}
	return true
}

// edgeSatisfiedLocked reports whether an edge's prerequisite has
// reached a satisfying terminal status and the predicate, if any, holds.
func (g *TaskGraph) edgeSatisfiedLocked(e Edge) bool {
	src, ok := g.nodes[e.From]
	if !ok {
		return false
	}
	switch src.Status {
	case StatusCompleted:
	case StatusFailed:
		if !e.AllowFailure {
			return false
		}
	default:
		return false
	}
	if e.Predicate != nil && !e.Predicate(src.Result) {
		return false
	}
	return true
}

// refreshBlockedLocked recomputes PENDING vs WAITING_DEPENDENCY for all
// non-terminal, non-running nodes and returns the ids that transitioned
// to ready, in insertion order. Caller must hold the write lock.
func (g *TaskGraph) refreshBlockedLocked() []string {
	var newlyReady []string
	for _, id := range g.order {
		n := g.nodes[id]
		switch n.Status {
		case StatusPending:
			if !g.depsSatisfiedLocked(id) {
				n.Status = StatusWaitingDependency
			}
		case StatusWaitingDependency:
			if g.depsSatisfiedLocked(id) {
				n.Status = StatusPending
				newlyReady = append(newlyReady, id)
			}
		}
	}
	return newlyReady
}

func editable(s Status) bool {
	return s == StatusPending || s == StatusWaitingDependency
}
