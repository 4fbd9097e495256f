// Package ports defines the interfaces between the orchestration core
// and its adapters: event transport, device dispatch, snapshot storage
// and metrics.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/taskmesh/taskmesh/pkg/domain/events"
	"github.com/taskmesh/taskmesh/pkg/domain/graph"
)

// ErrBusClosed is returned by bus operations after Close.
var ErrBusClosed = errors.New("event bus is closed")

// ErrSnapshotNotFound is returned when no snapshot exists for a graph.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrDeviceUnknown is returned by a dispatcher for an unregistered
// device id.
var ErrDeviceUnknown = errors.New("unknown device")

// EventHandler processes one event. A handler error is logged by the
// bus and never propagated to the publisher.
type EventHandler func(ctx context.Context, event events.Event) error

// EventBus is the publish/subscribe hub all components communicate
// through. Events from one publisher arrive at one subscriber in
// publish order; no ordering holds across subscribers or publishers.
type EventBus interface {
	Publish(ctx context.Context, topic string, event events.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// ExecResult is the outcome of one dispatched node execution.
type ExecResult struct {
	Payload any `json:"payload,omitempty"`
}

// Dispatcher is the injected capability that routes a node to a device
// agent and returns its result. The core is agnostic to the transport;
// an implementation is expected to serialize work routed to one device.
type Dispatcher interface {
	// Execute runs the node on the given device, honoring ctx for
	// timeout and cancellation.
	Execute(ctx context.Context, node graph.Node, deviceID string) (*ExecResult, error)

	// Cancel requests best-effort cancellation of an in-flight node.
	Cancel(ctx context.Context, nodeID, deviceID string) error

	// Ping checks device liveness.
	Ping(ctx context.Context, deviceID string) error
}

// SnapshotStorage persists canonical graph snapshots across the
// planner/engine boundary.
type SnapshotStorage interface {
	Save(ctx context.Context, snapshot *graph.CanonicalGraph) error
	Load(ctx context.Context, graphID string) (*graph.CanonicalGraph, error)
	Delete(ctx context.Context, graphID string) error
	Exists(ctx context.Context, graphID string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// MetricsCollector records orchestration metrics.
type MetricsCollector interface {
	RecordGraphSubmitted(status string)
	RecordGraphCompleted(status string, duration time.Duration)
	RecordNodeExecuted(status string, duration time.Duration)
	RecordModificationWait(timedOut bool, duration time.Duration)
	SetPendingModifications(count int)
	SetActiveGraphs(count int)
	RecordDeviceStatus(reachable, unreachable int)
}
