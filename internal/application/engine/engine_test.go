package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/application/devices"
	"github.com/taskmesh/taskmesh/internal/application/modsync"
	"github.com/taskmesh/taskmesh/pkg/adapters/events/memory"
	storagemem "github.com/taskmesh/taskmesh/pkg/adapters/storage/memory"
	"github.com/taskmesh/taskmesh/pkg/domain/events"
	"github.com/taskmesh/taskmesh/pkg/domain/graph"
	"github.com/taskmesh/taskmesh/pkg/ports"
)

// fakeDispatcher executes nodes in-process with configurable behavior
// per node id.
type fakeDispatcher struct {
	mu        sync.Mutex
	delay     map[string]time.Duration
	fail      map[string]error
	results   map[string]any
	cancelled []string
	executed  []string
	inflight  int32
	maxInflight int32
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		delay:   make(map[string]time.Duration),
		fail:    make(map[string]error),
		results: make(map[string]any),
	}
}

func (f *fakeDispatcher) Execute(ctx context.Context, node graph.Node, deviceID string) (*ports.ExecResult, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		prev := atomic.LoadInt32(&f.maxInflight)
		if cur <= prev || atomic.CompareAndSwapInt32(&f.maxInflight, prev, cur) {
			break
		}
	}

	f.mu.Lock()
	f.executed = append(f.executed, node.ID)
	delay := f.delay[node.ID]
	failErr := f.fail[node.ID]
	result, hasResult := f.results[node.ID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	if !hasResult {
		result = "done:" + node.ID
	}
	return &ports.ExecResult{Payload: result}, nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, nodeID, deviceID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, nodeID)
	f.mu.Unlock()
	return nil
}

func (f *fakeDispatcher) Ping(ctx context.Context, deviceID string) error { return nil }

type testRig struct {
	bus        *memory.Bus
	dispatcher *fakeDispatcher
	sync       *modsync.Synchronizer
	devices    *devices.Manager
	storage    *storagemem.SnapshotStorage
	engine     *Engine
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	logger := zap.NewNop()
	rig := &testRig{
		bus:        memory.NewBus(logger),
		dispatcher: newFakeDispatcher(),
		sync:       modsync.New(time.Second, nil, logger),
		devices:    devices.NewManager(logger),
		storage:    storagemem.NewSnapshotStorage(),
	}
	t.Cleanup(func() { rig.bus.Close() })
	require.NoError(t, rig.devices.RegisterDevice(devices.Device{ID: "dev-1"}))
	rig.engine = New(rig.bus, rig.dispatcher, rig.sync, rig.devices, rig.storage, nil, logger, cfg)
	return rig
}

func diamondGraph(t *testing.T) *graph.TaskGraph {
	t.Helper()
	g := graph.New("g1", "diamond")
	for _, id := range []string{"A", "B", "C", "D"} {
		require.NoError(t, g.AddNode(&graph.Node{ID: id}))
	}
	require.NoError(t, g.AddEdge("A", "B", nil))
	require.NoError(t, g.AddEdge("A", "C", nil))
	require.NoError(t, g.AddEdge("B", "D", nil))
	require.NoError(t, g.AddEdge("C", "D", nil))
	return g
}

func TestOrchestrate_DiamondCompletes(t *testing.T) {
	rig := newTestRig(t, Config{})
	g := diamondGraph(t)

	result, err := rig.engine.Orchestrate(context.Background(), g, nil, devices.StrategyRoundRobin)
	require.NoError(t, err)

	assert.Equal(t, graph.GraphStateCompleted, result.State)
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, result.Completed)
	assert.Empty(t, result.Failed)
	assert.Equal(t, "done:A", result.Outputs["A"])

	// A ran before its dependents, D ran last.
	assert.Equal(t, "A", rig.dispatcher.executed[0])
	assert.Equal(t, "D", rig.dispatcher.executed[3])

	// The final snapshot is persisted.
	snap, err := rig.storage.Load(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, graph.GraphStateCompleted, snap.State)
}

func TestOrchestrate_IndependentNodesOverlap(t *testing.T) {
	rig := newTestRig(t, Config{})
	g := graph.New("g1", "fanout")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, g.AddNode(&graph.Node{ID: id}))
		rig.dispatcher.delay[id] = 30 * time.Millisecond
	}

	result, err := rig.engine.Orchestrate(context.Background(), g, nil, devices.StrategyRoundRobin)
	require.NoError(t, err)
	assert.Len(t, result.Completed, 3)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&rig.dispatcher.maxInflight), int32(2),
		"independent nodes must execute concurrently")
}

func TestOrchestrate_FailureIsolatedToDependents(t *testing.T) {
	rig := newTestRig(t, Config{})
	g := diamondGraph(t)
	rig.dispatcher.fail["B"] = errors.New("device exploded")

	result, err := rig.engine.Orchestrate(context.Background(), g, nil, devices.StrategyRoundRobin)
	require.NoError(t, err)

	// C still completes; D never runs because B failed.
	assert.Equal(t, graph.GraphStateFailed, result.State)
	assert.ElementsMatch(t, []string{"A", "C"}, result.Completed)
	assert.Equal(t, []string{"B"}, result.Failed)
	assert.NotContains(t, rig.dispatcher.executed, "D")
}

func TestOrchestrate_ExplicitAssignmentsValidated(t *testing.T) {
	rig := newTestRig(t, Config{})
	g := graph.New("g1", "bad-assign")
	require.NoError(t, g.AddNode(&graph.Node{ID: "a"}))

	_, err := rig.engine.Orchestrate(context.Background(), g, map[string]string{"a": "ghost"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assignment validation failed")
	assert.Empty(t, rig.dispatcher.executed)
}

func TestOrchestrate_Cancellation(t *testing.T) {
	rig := newTestRig(t, Config{})
	g := graph.New("g1", "slow")
	require.NoError(t, g.AddNode(&graph.Node{ID: "slow"}))
	require.NoError(t, g.AddNode(&graph.Node{ID: "after"}))
	require.NoError(t, g.AddEdge("slow", "after", nil))
	rig.dispatcher.delay["slow"] = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := rig.engine.Orchestrate(ctx, g, nil, devices.StrategyRoundRobin)
	require.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, result)
	assert.ElementsMatch(t, []string{"slow", "after"}, result.Cancelled)

	rig.dispatcher.mu.Lock()
	cancelled := append([]string(nil), rig.dispatcher.cancelled...)
	rig.dispatcher.mu.Unlock()
	assert.Contains(t, cancelled, "slow", "in-flight work gets a device-side cancel")
}

func TestOrchestrate_CancelByID(t *testing.T) {
	rig := newTestRig(t, Config{})
	g := graph.New("g1", "slow")
	require.NoError(t, g.AddNode(&graph.Node{ID: "slow"}))
	rig.dispatcher.delay["slow"] = 5 * time.Second

	errCh := make(chan error, 1)
	go func() {
		_, err := rig.engine.Orchestrate(context.Background(), g, nil, devices.StrategyRoundRobin)
		errCh <- err
	}()

	// Wait for the execution record to appear, then cancel through the
	// engine API.
	require.Eventually(t, func() bool {
		_, err := rig.engine.StatusByID("g1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, rig.engine.Cancel("g1"))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestration did not stop after cancel")
	}

	require.Error(t, rig.engine.Cancel("ghost"))
}

func TestOrchestrate_NodeTimeout(t *testing.T) {
	rig := newTestRig(t, Config{NodeTimeout: 50 * time.Millisecond})
	g := graph.New("g1", "hang")
	require.NoError(t, g.AddNode(&graph.Node{ID: "hang"}))
	rig.dispatcher.delay["hang"] = 5 * time.Second

	result, err := rig.engine.Orchestrate(context.Background(), g, nil, devices.StrategyRoundRobin)
	require.NoError(t, err)
	assert.Equal(t, graph.GraphStateFailed, result.State)
	assert.Equal(t, []string{"hang"}, result.Failed)
}

func TestOrchestrate_TaskEventsPublished(t *testing.T) {
	rig := newTestRig(t, Config{})
	g := graph.New("g1", "events")
	require.NoError(t, g.AddNode(&graph.Node{ID: "a"}))
	require.NoError(t, g.AddNode(&graph.Node{ID: "b"}))
	require.NoError(t, g.AddEdge("a", "b", nil))

	var mu sync.Mutex
	var taskEvents []events.Event
	require.NoError(t, rig.bus.Subscribe(context.Background(), events.TopicTask, func(ctx context.Context, e events.Event) error {
		mu.Lock()
		taskEvents = append(taskEvents, e)
		mu.Unlock()
		return nil
	}))

	_, err := rig.engine.Orchestrate(context.Background(), g, nil, devices.StrategyRoundRobin)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(taskEvents) == 4
	}, 2*time.Second, 5*time.Millisecond, "expected started+completed for both nodes")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.TypeTaskStarted, taskEvents[0].Type)
	assert.Equal(t, "a", taskEvents[0].NodeID)

	// The completion event carries the newly-ready ids and a snapshot.
	var completedA *events.Event
	for i := range taskEvents {
		if taskEvents[i].Type == events.TypeTaskCompleted && taskEvents[i].NodeID == "a" {
			completedA = &taskEvents[i]
		}
	}
	require.NotNil(t, completedA)
	require.NotNil(t, completedA.Task)
	assert.Equal(t, []string{"b"}, completedA.Task.NewlyReady)
	assert.NotNil(t, completedA.Task.Snapshot)
}

func TestOrchestrate_PlannerEditMergedMidRun(t *testing.T) {
	rig := newTestRig(t, Config{AwaitPlanner: true})

	g := graph.New("g1", "edited")
	require.NoError(t, g.AddNode(&graph.Node{ID: "a"}))

	// A fake planner: on every completion, answer with an edit that adds
	// a follow-up node exactly once, always resolving the trigger.
	var planned int32
	require.NoError(t, rig.bus.Subscribe(context.Background(), events.TopicTask, func(ctx context.Context, e events.Event) error {
		if e.Type != events.TypeTaskCompleted && e.Type != events.TypeTaskFailed {
			return nil
		}
		edited, err := graph.FromCanonical(e.Task.Snapshot)
		if err != nil {
			return err
		}
		if atomic.CompareAndSwapInt32(&planned, 0, 1) {
			if err := edited.AddNode(&graph.Node{ID: "followup"}); err != nil {
				return err
			}
		}
		return rig.bus.Publish(ctx, events.TopicGraph, events.NewGraphEvent(events.TypeGraphEdited, e.GraphID, &events.GraphPayload{
			TriggerNodes: []string{e.NodeID},
			After:        edited.Canonical(),
		}))
	}))

	result, err := rig.engine.Orchestrate(context.Background(), g, nil, devices.StrategyRoundRobin)
	require.NoError(t, err)

	assert.Equal(t, graph.GraphStateCompleted, result.State)
	assert.ElementsMatch(t, []string{"a", "followup"}, result.Completed,
		"the planner-added node must be scheduled in the same run")

	// The planner hands nodes over unassigned; the engine places them
	// before validating, instead of failing the run.
	snap, err := rig.storage.Load(context.Background(), "g1")
	require.NoError(t, err)
	for _, n := range snap.Nodes {
		if n.ID == "followup" {
			assert.Equal(t, "dev-1", n.DeviceID)
		}
	}
}

func TestExecuteNode_SingleShot(t *testing.T) {
	rig := newTestRig(t, Config{})

	res, err := rig.engine.ExecuteNode(context.Background(), graph.Node{ID: "solo", DeviceID: "dev-1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "done:solo", res.Payload)

	_, err = rig.engine.ExecuteNode(context.Background(), graph.Node{ID: "naked"}, "")
	require.Error(t, err)

	rig.dispatcher.fail["bad"] = errors.New("boom")
	_, err = rig.engine.ExecuteNode(context.Background(), graph.Node{ID: "bad"}, "dev-1")
	var execErr *TaskExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "bad", execErr.NodeID)
}

func TestStatusByID_LiveView(t *testing.T) {
	rig := newTestRig(t, Config{})
	g := graph.New("g1", "status")
	require.NoError(t, g.AddNode(&graph.Node{ID: "slow"}))
	rig.dispatcher.delay["slow"] = 200 * time.Millisecond

	done := make(chan struct{})
	go func() {
		_, _ = rig.engine.Orchestrate(context.Background(), g, nil, devices.StrategyRoundRobin)
		close(done)
	}()

	require.Eventually(t, func() bool {
		report, err := rig.engine.StatusByID("g1")
		return err == nil && len(report.Running) == 1
	}, 2*time.Second, 5*time.Millisecond)

	<-done
	// After the run finishes the execution record is gone.
	_, err := rig.engine.StatusByID("g1")
	require.Error(t, err)
}

func TestNewService_SubmitAndResult(t *testing.T) {
	rig := newTestRig(t, Config{})
	service := NewService(rig.engine, zap.NewNop())

	g := diamondGraph(t)
	id, err := service.Submit(context.Background(), g, nil, devices.StrategyRoundRobin)
	require.NoError(t, err)
	assert.Equal(t, "g1", id)

	// Double submission is rejected.
	_, err = service.Submit(context.Background(), diamondGraph(t), nil, devices.StrategyRoundRobin)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		info, _, err := service.GetStatus(id)
		return err == nil && info.State == RunStateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	result, err := service.GetResult(id)
	require.NoError(t, err)
	assert.Len(t, result.Completed, 4)

	runs := service.List()
	require.Len(t, runs, 1)
	assert.Equal(t, RunStateCompleted, runs[0].State)

	_, err = service.GetResult("ghost")
	require.ErrorIs(t, err, ErrRunNotFound)

	err = service.Cancel(id)
	require.Error(t, err, "cancelling a finished run fails")
}

func TestNewService_CancelRunning(t *testing.T) {
	rig := newTestRig(t, Config{})
	service := NewService(rig.engine, zap.NewNop())

	g := graph.New("g1", "slow")
	require.NoError(t, g.AddNode(&graph.Node{ID: "slow"}))
	rig.dispatcher.delay["slow"] = 5 * time.Second

	id, err := service.Submit(context.Background(), g, nil, devices.StrategyRoundRobin)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, report, err := service.GetStatus(id)
		return err == nil && report != nil && len(report.Running) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, service.Cancel(id))

	require.Eventually(t, func() bool {
		info, _, err := service.GetStatus(id)
		return err == nil && info.State == RunStateCancelled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTaskExecutionError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &TaskExecutionError{NodeID: "n1", DeviceID: "d1", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, fmt.Sprintf("task n1 failed on device d1: %v", cause), err.Error())
}
