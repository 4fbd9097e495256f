package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/application/devices"
	"github.com/taskmesh/taskmesh/internal/application/modsync"
	"github.com/taskmesh/taskmesh/pkg/domain/graph"
	"github.com/taskmesh/taskmesh/pkg/ports"
)

// ErrCancelled is returned when the caller cancels an orchestration.
// Partial state stays inspectable on the returned Result.
var ErrCancelled = errors.New("orchestration cancelled")

// TaskExecutionError wraps a failed device execution for one node.
type TaskExecutionError struct {
	NodeID   string
	DeviceID string
	Err      error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s failed on device %s: %v", e.NodeID, e.DeviceID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// Config holds engine tuning.
type Config struct {
	// NodeTimeout bounds each device round trip.
	NodeTimeout time.Duration

	// AwaitPlanner enables the modification-marker protocol: every
	// node completion registers a marker that a planner is expected to
	// resolve with a graph-edited event. Leave false when no planner
	// is attached, otherwise every completion waits out the
	// synchronizer timeout.
	AwaitPlanner bool
}

// Engine schedules task graphs across device agents.
type Engine struct {
	bus        ports.EventBus
	dispatcher ports.Dispatcher
	sync       *modsync.Synchronizer
	devices    *devices.Manager
	storage    ports.SnapshotStorage
	metrics    ports.MetricsCollector
	logger     *zap.Logger
	cfg        Config

	// Track active orchestrations for cancellation and status.
	executions sync.Map // map[string]*execution
	active     int64
	activeMu   sync.Mutex
}

// execution holds per-run state.
type execution struct {
	graphID    string
	startedAt  time.Time
	cancelFunc context.CancelFunc

	mu          sync.Mutex
	graph       *graph.TaskGraph
	pendingEdit *graph.CanonicalGraph
}

// New creates an orchestration engine.
func New(
	bus ports.EventBus,
	dispatcher ports.Dispatcher,
	synchronizer *modsync.Synchronizer,
	deviceMgr *devices.Manager,
	storage ports.SnapshotStorage,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	cfg Config,
) *Engine {
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 5 * time.Minute
	}
	return &Engine{
		bus:        bus,
		dispatcher: dispatcher,
		sync:       synchronizer,
		devices:    deviceMgr,
		storage:    storage,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
	}
}

// ExecuteNode runs a single node outside a full graph run. When
// deviceID is empty the node's own assignment is used.
func (e *Engine) ExecuteNode(ctx context.Context, node graph.Node, deviceID string) (*ports.ExecResult, error) {
	if deviceID == "" {
		deviceID = node.DeviceID
	}
	if deviceID == "" {
		return nil, &devices.UnavailableError{NodeID: node.ID}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.NodeTimeout)
	defer cancel()

	result, err := e.dispatcher.Execute(ctx, node, deviceID)
	if err != nil {
		return nil, &TaskExecutionError{NodeID: node.ID, DeviceID: deviceID, Err: err}
	}
	return result, nil
}

// StatusReport is a point-in-time view of one graph run.
type StatusReport struct {
	State     graph.GraphState     `json:"state"`
	Counts    map[graph.Status]int `json:"counts"`
	Ready     []string             `json:"ready"`
	Running   []string             `json:"running"`
	Completed []string             `json:"completed"`
	Failed    []string             `json:"failed"`
}

// Status summarizes a graph's execution state.
func (e *Engine) Status(g *graph.TaskGraph) *StatusReport {
	report := &StatusReport{
		State:  g.State(),
		Counts: make(map[graph.Status]int),
	}
	for _, n := range g.Nodes() {
		report.Counts[n.Status]++
		switch n.Status {
		case graph.StatusRunning:
			report.Running = append(report.Running, n.ID)
		case graph.StatusCompleted:
			report.Completed = append(report.Completed, n.ID)
		case graph.StatusFailed:
			report.Failed = append(report.Failed, n.ID)
		}
	}
	for _, n := range g.ReadyNodes() {
		report.Ready = append(report.Ready, n.ID)
	}
	return report
}

// StatusByID summarizes a currently-orchestrating graph by id.
func (e *Engine) StatusByID(graphID string) (*StatusReport, error) {
	val, ok := e.executions.Load(graphID)
	if !ok {
		return nil, fmt.Errorf("execution not found: %s", graphID)
	}
	exec := val.(*execution)
	exec.mu.Lock()
	g := exec.graph
	exec.mu.Unlock()
	return e.Status(g), nil
}

// Cancel cancels a running orchestration by graph id.
func (e *Engine) Cancel(graphID string) error {
	val, ok := e.executions.Load(graphID)
	if !ok {
		return fmt.Errorf("execution not found: %s", graphID)
	}
	val.(*execution).cancelFunc()
	e.logger.Info("orchestration cancel requested", zap.String("graph_id", graphID))
	return nil
}

// Shutdown cancels every active orchestration.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("shutting down engine")
	e.executions.Range(func(key, value any) bool {
		value.(*execution).cancelFunc()
		return true
	})
	return nil
}

func (e *Engine) trackActive(delta int) {
	e.activeMu.Lock()
	e.active += int64(delta)
	if e.metrics != nil {
		e.metrics.SetActiveGraphs(int(e.active))
	}
	e.activeMu.Unlock()
}
