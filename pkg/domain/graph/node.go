package graph

import "time"

// Status represents the execution status of a task node.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusWaitingDependency Status = "WAITING_DEPENDENCY"
	StatusRunning           Status = "RUNNING"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusCancelled         Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Rank orders statuses by execution progress. Terminal statuses rank
// equally and above every non-terminal status, so a merge never
// resurrects a finished node.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusWaitingDependency:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	}
	return -1
}

// Priority is a scheduling tie-break between ready nodes. It never
// overrides dependency order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Node is a single schedulable unit of work.
type Node struct {
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

	// seq preserves insertion order for deterministic tie-breaks.
	seq int
}

// clone returns a deep copy of the node.
func (n *Node) clone() *Node {
	c := *n
	if n.StartedAt != nil {
		t := *n.StartedAt
		c.StartedAt = &t
	}
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		c.CompletedAt = &t
	}
	if n.Capabilities != nil {
		c.Capabilities = append([]string(nil), n.Capabilities...)
	}
	return &c
}

// Predicate gates an edge on the prerequisite's result, in addition to
// the prerequisite reaching COMPLETED.
type Predicate func(result any) bool

// Edge is a directed dependency from a prerequisite node to a dependent
// node. Predicates are in-memory only and do not serialize.
type Edge struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Predicate Predicate `json:"-"`

	// AllowFailure marks an edge as satisfied even when the
	// prerequisite fails, for cleanup-style dependents.
	AllowFailure bool `json:"allow_failure,omitempty"`
}

// GraphState is the overall state of a task graph.
type GraphState string

const (
	GraphStateActive    GraphState = "ACTIVE"
	GraphStateCompleted GraphState = "COMPLETED"
	GraphStateFailed    GraphState = "FAILED"
)
