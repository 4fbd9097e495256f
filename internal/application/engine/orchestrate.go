package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/application/devices"
	"github.com/taskmesh/taskmesh/pkg/domain/events"
	"github.com/taskmesh/taskmesh/pkg/domain/graph"
)

// Result aggregates one finished orchestration.
type Result struct {
	GraphID   string           `json:"graph_id"`
	State     graph.GraphState `json:"state"`
	Outputs   map[string]any   `json:"outputs,omitempty"`
	Completed []string         `json:"completed,omitempty"`
	Failed    []string         `json:"failed,omitempty"`
	Cancelled []string         `json:"cancelled,omitempty"`
	Stats     graph.Statistics `json:"stats"`
	Duration  time.Duration    `json:"duration"`
}

// completion is what a dispatch goroutine reports back to the driver.
type completion struct {
	nodeID   string
	deviceID string
	success  bool
	result   any
	err      error
	duration time.Duration
}

// Orchestrate drives a graph to completion and blocks until every node
// is terminal, the context is cancelled, or assignment validation fails.
// When assignments is nil the device manager computes one with the
// given strategy; an explicit assignments map wins over both.
func (e *Engine) Orchestrate(ctx context.Context, g *graph.TaskGraph, assignments map[string]string, strategy devices.Strategy) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	exec := &execution{
		graphID:    g.ID(),
		startedAt:  start,
		cancelFunc: cancel,
		graph:      g,
	}
	e.executions.Store(g.ID(), exec)
	defer e.executions.Delete(g.ID())
	e.trackActive(1)
	defer e.trackActive(-1)

	if err := e.applyAssignments(g, assignments, strategy); err != nil {
		if e.metrics != nil {
			e.metrics.RecordGraphSubmitted(string(graph.GraphStateFailed))
		}
		return nil, err
	}

	// Watch for planner edits so the loop can merge them in after the
	// synchronization barrier.
	if err := e.watchEdits(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to subscribe to graph events: %w", err)
	}

	e.publishGraphEvent(ctx, events.TypeGraphSubmitted, g, nil)
	if e.metrics != nil {
		e.metrics.RecordGraphSubmitted(string(graph.GraphStateActive))
	}
	e.logger.Info("orchestration started",
		zap.String("graph_id", g.ID()),
		zap.Int("nodes", g.Len()))

	done := make(chan completion)
	inflight := make(map[string]string) // nodeID -> deviceID

	for {
		// 1. Sync: never schedule against a graph that is mid-edit.
		if e.sync != nil {
			if _, err := e.sync.WaitForPendingModifications(ctx); err != nil {
				e.cancelInflight(inflight)
				return e.finishCancelled(g, inflight, start), ErrCancelled
			}
		}

		// Fold in the planner's structural copy, keeping whichever
		// execution state is further along. Nodes the planner added
		// arrive without a device, so place them before validating.
		if merged := e.mergeEdits(exec, g); merged != g {
			g = merged
			if e.devices != nil {
				if _, err := e.devices.AssignMissing(g, strategy); err != nil {
					e.logger.Warn("failed to place planner-added nodes",
						zap.String("graph_id", g.ID()),
						zap.Error(err))
				}
			}
		}

		// 2. Validate assignments before any dispatch.
		if e.devices != nil {
			if ok, errs := e.devices.ValidateAssignments(g); !ok {
				g.SetState(graph.GraphStateFailed)
				e.publishGraphEvent(ctx, events.TypeGraphFailed, g, errs[0])
				return e.buildResult(g, start), fmt.Errorf("assignment validation failed: %w", errs[0])
			}
		}

		// 3. Schedule every ready node not already in flight.
		for _, n := range g.ReadyNodes() {
			if _, dup := inflight[n.ID]; dup {
				continue
			}
			if err := g.MarkRunning(n.ID); err != nil {
				continue
			}
			inflight[n.ID] = n.DeviceID
			e.publishTaskEvent(ctx, g, n.ID, events.TypeTaskStarted, &events.TaskPayload{Status: graph.StatusRunning})
			node, _ := g.Node(n.ID)
			go e.dispatch(ctx, node, done)
		}

		// Exit: nothing ready, nothing in flight.
		if len(inflight) == 0 {
			break
		}

		// 4. Wait for the first outstanding dispatch to finish.
		select {
		case c := <-done:
			delete(inflight, c.nodeID)
			e.applyCompletion(ctx, g, c)
		case <-ctx.Done():
			e.cancelInflight(inflight)
			return e.finishCancelled(g, inflight, start), ErrCancelled
		}

		// Drain any completions that landed in the same window so one
		// iteration processes them as a batch.
		for drained := true; drained; {
			select {
			case c := <-done:
				delete(inflight, c.nodeID)
				e.applyCompletion(ctx, g, c)
			default:
				drained = false
			}
		}
	}

	return e.finalize(ctx, g, start)
}

// applyAssignments applies an explicit assignment map or computes one
// through the device manager.
func (e *Engine) applyAssignments(g *graph.TaskGraph, assignments map[string]string, strategy devices.Strategy) error {
	if assignments != nil {
		for nodeID, deviceID := range assignments {
			if err := g.AssignDevice(nodeID, deviceID); err != nil {
				return fmt.Errorf("failed to apply assignment: %w", err)
			}
		}
		return nil
	}
	if e.devices == nil || strategy == "" {
		return nil
	}
	if _, err := e.devices.AssignAutomatically(g, strategy, nil); err != nil {
		return fmt.Errorf("automatic assignment failed: %w", err)
	}
	return nil
}

// watchEdits stores the latest planner-edited snapshot for this graph
// and then resolves the trigger markers. The store must happen first so
// a released barrier always sees the edit it was waiting for.
func (e *Engine) watchEdits(ctx context.Context, exec *execution) error {
	return e.bus.Subscribe(ctx, events.TopicGraph, func(ctx context.Context, event events.Event) error {
		if event.Type != events.TypeGraphEdited || event.GraphID != exec.graphID {
			return nil
		}
		if event.Graph == nil {
			return nil
		}
		if event.Graph.After != nil {
			exec.mu.Lock()
			exec.pendingEdit = event.Graph.After
			exec.mu.Unlock()
		}
		if e.sync != nil {
			e.sync.Resolve(event.Graph.TriggerNodes...)
		}
		return nil
	})
}

// mergeEdits folds the latest planner snapshot, if any, into the
// scheduling graph.
func (e *Engine) mergeEdits(exec *execution, g *graph.TaskGraph) *graph.TaskGraph {
	exec.mu.Lock()
	edit := exec.pendingEdit
	exec.pendingEdit = nil
	exec.mu.Unlock()
	if edit == nil {
		return g
	}

	plannerCopy, err := graph.FromCanonical(edit)
	if err != nil {
		e.logger.Warn("rejecting invalid planner edit",
			zap.String("graph_id", g.ID()),
			zap.Error(err))
		return g
	}

	merged := e.sync.MergeStates(plannerCopy, g)
	exec.mu.Lock()
	exec.graph = merged
	exec.mu.Unlock()

	e.logger.Info("planner edit merged",
		zap.String("graph_id", g.ID()),
		zap.Int("nodes", merged.Len()))
	return merged
}

// dispatch runs one node on its device and reports the outcome. A
// panic or error inside the unit never escapes to siblings.
func (e *Engine) dispatch(ctx context.Context, node graph.Node, done chan<- completion) {
	started := time.Now()
	c := completion{nodeID: node.ID, deviceID: node.DeviceID}

	defer func() {
		if r := recover(); r != nil {
			c.success = false
			c.err = fmt.Errorf("dispatch panicked: %v", r)
		}
		c.duration = time.Since(started)
		select {
		case done <- c:
		case <-ctx.Done():
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.NodeTimeout)
	defer cancel()

	result, err := e.dispatcher.Execute(execCtx, node, node.DeviceID)
	if err != nil {
		c.err = &TaskExecutionError{NodeID: node.ID, DeviceID: node.DeviceID, Err: err}
		return
	}
	c.success = true
	if result != nil {
		c.result = result.Payload
	}
}

// applyCompletion writes one dispatch outcome into the graph,
// registers the modification marker when a planner is attached, and
// publishes the lifecycle event with the newly-ready node ids.
func (e *Engine) applyCompletion(ctx context.Context, g *graph.TaskGraph, c completion) {
	var errMsg string
	if c.err != nil {
		errMsg = c.err.Error()
	}

	newlyReady, err := g.MarkCompleted(c.nodeID, c.success, c.result, errMsg)
	if err != nil {
		e.logger.Error("failed to record completion",
			zap.String("graph_id", g.ID()),
			zap.String("node_id", c.nodeID),
			zap.Error(err))
		return
	}

	status := graph.StatusCompleted
	eventType := events.TypeTaskCompleted
	if !c.success {
		status = graph.StatusFailed
		eventType = events.TypeTaskFailed
	}

	// Register before publishing so the barrier is up before any
	// observer can react.
	if e.cfg.AwaitPlanner && e.sync != nil {
		e.sync.Register(c.nodeID)
	}

	e.publishTaskEvent(ctx, g, c.nodeID, eventType, &events.TaskPayload{
		Status:     status,
		Result:     c.result,
		Error:      errMsg,
		NewlyReady: newlyReady,
		Snapshot:   g.Canonical(),
	})

	if e.metrics != nil {
		e.metrics.RecordNodeExecuted(string(status), c.duration)
	}
	e.saveSnapshot(ctx, g)

	e.logger.Info("node finished",
		zap.String("graph_id", g.ID()),
		zap.String("node_id", c.nodeID),
		zap.String("device_id", c.deviceID),
		zap.String("status", string(status)),
		zap.Duration("duration", c.duration),
		zap.Strings("newly_ready", newlyReady))
}

// cancelInflight requests best-effort cancellation from every device
// with an outstanding dispatch.
func (e *Engine) cancelInflight(inflight map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for nodeID, deviceID := range inflight {
		if err := e.dispatcher.Cancel(ctx, nodeID, deviceID); err != nil {
			e.logger.Warn("device cancel failed",
				zap.String("node_id", nodeID),
				zap.String("device_id", deviceID),
				zap.Error(err))
		}
	}
}

// finishCancelled marks every non-terminal node cancelled and returns
// the partial result.
func (e *Engine) finishCancelled(g *graph.TaskGraph, inflight map[string]string, start time.Time) *Result {
	for _, n := range g.Nodes() {
		if !n.Status.Terminal() {
			_ = g.MarkCancelled(n.ID)
		}
	}
	g.SetState(graph.GraphStateFailed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.publishGraphEvent(ctx, events.TypeGraphCancelled, g, nil)
	e.saveSnapshot(ctx, g)

	e.logger.Warn("orchestration cancelled",
		zap.String("graph_id", g.ID()),
		zap.Int("inflight_at_cancel", len(inflight)))
	return e.buildResult(g, start)
}

// finalize publishes the terminal graph event and builds the result.
func (e *Engine) finalize(ctx context.Context, g *graph.TaskGraph, start time.Time) (*Result, error) {
	result := e.buildResult(g, start)

	state := graph.GraphStateCompleted
	eventType := events.TypeGraphCompleted
	if len(result.Failed) > 0 || !g.Settled() {
		// Unreached nodes mean a failure blocked part of the graph.
		state = graph.GraphStateFailed
		eventType = events.TypeGraphFailed
	}
	g.SetState(state)
	result.State = state

	e.publishGraphEvent(ctx, eventType, g, nil)
	e.saveSnapshot(ctx, g)
	if e.metrics != nil {
		e.metrics.RecordGraphCompleted(string(state), result.Duration)
	}

	e.logger.Info("orchestration finished",
		zap.String("graph_id", g.ID()),
		zap.String("state", string(state)),
		zap.Int("completed", len(result.Completed)),
		zap.Int("failed", len(result.Failed)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// buildResult aggregates node outcomes.
func (e *Engine) buildResult(g *graph.TaskGraph, start time.Time) *Result {
	result := &Result{
		GraphID:  g.ID(),
		State:    g.State(),
		Outputs:  make(map[string]any),
		Stats:    g.Statistics(),
		Duration: time.Since(start),
	}
	for _, n := range g.Nodes() {
		switch n.Status {
		case graph.StatusCompleted:
			result.Completed = append(result.Completed, n.ID)
			if n.Result != nil {
				result.Outputs[n.ID] = n.Result
			}
		case graph.StatusFailed:
			result.Failed = append(result.Failed, n.ID)
		case graph.StatusCancelled:
			result.Cancelled = append(result.Cancelled, n.ID)
		}
	}
	return result
}

// publishTaskEvent publishes a task-scoped event.
func (e *Engine) publishTaskEvent(ctx context.Context, g *graph.TaskGraph, nodeID string, t events.Type, payload *events.TaskPayload) {
	event := events.NewTaskEvent(t, g.ID(), nodeID, payload)
	if err := e.bus.Publish(ctx, events.TopicTask, event); err != nil {
		e.logger.Error("failed to publish task event",
			zap.String("graph_id", g.ID()),
			zap.String("node_id", nodeID),
			zap.String("event_type", string(t)),
			zap.Error(err))
	}
}

// publishGraphEvent publishes a graph-scoped event with current stats.
func (e *Engine) publishGraphEvent(ctx context.Context, t events.Type, g *graph.TaskGraph, cause error) {
	stats := g.Statistics()
	payload := &events.GraphPayload{
		After: g.Canonical(),
		Stats: &stats,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	event := events.NewGraphEvent(t, g.ID(), payload)
	if err := e.bus.Publish(ctx, events.TopicGraph, event); err != nil {
		e.logger.Error("failed to publish graph event",
			zap.String("graph_id", g.ID()),
			zap.String("event_type", string(t)),
			zap.Error(err))
	}
}

// saveSnapshot persists the canonical graph when storage is configured.
func (e *Engine) saveSnapshot(ctx context.Context, g *graph.TaskGraph) {
	if e.storage == nil {
		return
	}
	if err := e.storage.Save(ctx, g.Canonical()); err != nil {
		e.logger.Warn("failed to save graph snapshot",
			zap.String("graph_id", g.ID()),
			zap.Error(err))
	}
}
