// Package events defines the immutable event records exchanged over
// the event bus. An event is either task-scoped or graph-scoped; the
// Type field is the discriminant and exactly one of the Task and Graph
// payloads is set.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/taskmesh/taskmesh/pkg/domain/graph"
)

// Type discriminates event payloads.
type Type string

const (
	TypeTaskStarted   Type = "task.started"
	TypeTaskCompleted Type = "task.completed"
	TypeTaskFailed    Type = "task.failed"

	TypeGraphSubmitted Type = "graph.submitted"
	TypeGraphEdited    Type = "graph.edited"
	TypeGraphCompleted Type = "graph.completed"
	TypeGraphFailed    Type = "graph.failed"
	TypeGraphCancelled Type = "graph.cancelled"
)

// Bus topics. Task lifecycle events and graph lifecycle/edit events
// travel on separate topics so observers can filter by scope.
const (
	TopicTask  = "task.events"
	TopicGraph = "graph.events"
)

// Event is an immutable record published on the event bus.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	GraphID   string    `json:"graph_id"`
	NodeID    string    `json:"node_id,omitempty"`

	Task  *TaskPayload  `json:"task,omitempty"`
	Graph *GraphPayload `json:"graph,omitempty"`
}

// TaskPayload carries the outcome of one node's lifecycle transition.
type TaskPayload struct {
	Status     graph.Status          `json:"status"`
	Result     any                   `json:"result,omitempty"`
	Error      string                `json:"error,omitempty"`
	NewlyReady []string              `json:"newly_ready,omitempty"`
	Snapshot   *graph.CanonicalGraph `json:"snapshot,omitempty"`
}

// GraphPayload carries a graph-scoped change: the triggering node ids,
// a change summary and before/after snapshots.
type GraphPayload struct {
	TriggerNodes []string              `json:"trigger_nodes,omitempty"`
	Summary      string                `json:"summary,omitempty"`
	Before       *graph.CanonicalGraph `json:"before,omitempty"`
	After        *graph.CanonicalGraph `json:"after,omitempty"`
	Stats        *graph.Statistics     `json:"stats,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// NewTaskEvent builds a task-scoped event.
func NewTaskEvent(t Type, graphID, nodeID string, payload *TaskPayload) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now(),
		GraphID:   graphID,
		NodeID:    nodeID,
		Task:      payload,
	}
}

// NewGraphEvent builds a graph-scoped event.
func NewGraphEvent(t Type, graphID string, payload *GraphPayload) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now(),
		GraphID:   graphID,
		Graph:     payload,
	}
}
