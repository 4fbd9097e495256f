package modsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/pkg/domain/events"
	"github.com/taskmesh/taskmesh/pkg/domain/graph"
	"github.com/taskmesh/taskmesh/pkg/ports"
)

// DefaultTimeout bounds how long a wait blocks on unresolved planner
// edits before force-clearing them.
const DefaultTimeout = 600 * time.Second

// WaitOutcome reports how a wait on pending modifications ended.
type WaitOutcome string

const (
	WaitResolved WaitOutcome = "resolved"
	WaitTimedOut WaitOutcome = "timed_out"
)

// Synchronizer tracks in-flight edit cycles as markers keyed by node
// id. Markers live only in memory for the duration of a session.
type Synchronizer struct {
	logger  *zap.Logger
	metrics ports.MetricsCollector
	timeout time.Duration

	mu      sync.Mutex
	markers map[string]time.Time

	// changed is replaced and closed on every marker-set change so
	// waiters can re-check.
	changed chan struct{}
}

// New creates a synchronizer. A non-positive timeout falls back to
// DefaultTimeout.
func New(timeout time.Duration, metrics ports.MetricsCollector, logger *zap.Logger) *Synchronizer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Synchronizer{
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
		markers: make(map[string]time.Time),
		changed: make(chan struct{}),
	}
}

// Attach subscribes the synchronizer to the event bus: task completion
// events register markers, graph-edited events resolve them. An
// embedded engine registers and resolves markers directly instead, so
// Attach is only for deployments where the synchronizer observes a
// remote engine over the bus; Register and Resolve are idempotent and
// the two paths agree.
func (s *Synchronizer) Attach(ctx context.Context, bus ports.EventBus) error {
	if err := bus.Subscribe(ctx, events.TopicTask, s.onTaskEvent); err != nil {
		return err
	}
	return bus.Subscribe(ctx, events.TopicGraph, s.onGraphEvent)
}

func (s *Synchronizer) onTaskEvent(ctx context.Context, event events.Event) error {
	switch event.Type {
	case events.TypeTaskCompleted, events.TypeTaskFailed:
		s.Register(event.NodeID)
	}
	return nil
}

func (s *Synchronizer) onGraphEvent(ctx context.Context, event events.Event) error {
	if event.Type != events.TypeGraphEdited || event.Graph == nil {
		return nil
	}
	s.Resolve(event.Graph.TriggerNodes...)
	return nil
}

// Register records a pending-modification marker for a node id.
// Registering an already-marked node is a no-op.
func (s *Synchronizer) Register(nodeID string) {
	if nodeID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markers[nodeID]; exists {
		return
	}
	s.markers[nodeID] = time.Now()
	s.notifyLocked()
	s.logger.Debug("modification marker registered",
		zap.String("node_id", nodeID),
		zap.Int("pending", len(s.markers)))
}

// Resolve clears the markers for the given node ids.
func (s *Synchronizer) Resolve(nodeIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := 0
	for _, id := range nodeIDs {
		if _, exists := s.markers[id]; exists {
			delete(s.markers, id)
			resolved++
		}
	}
	if resolved > 0 {
		s.notifyLocked()
		s.logger.Debug("modification markers resolved",
			zap.Strings("node_ids", nodeIDs),
			zap.Int("pending", len(s.markers)))
	}
}

// Pending returns the number of unresolved markers.
func (s *Synchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.markers)
}

// WaitForPendingModifications blocks until no markers remain,
// including markers registered during the wait. On timeout it
// force-resolves everything outstanding, logs a warning, and returns
// WaitTimedOut instead of an error so the scheduler keeps making
// progress even when the planner never answers.
func (s *Synchronizer) WaitForPendingModifications(ctx context.Context) (WaitOutcome, error) {
	start := time.Now()
	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		if len(s.markers) == 0 {
			s.mu.Unlock()
			s.observe(WaitResolved, time.Since(start))
			return WaitResolved, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
			// Marker set changed; re-check.
		case <-deadline.C:
			cleared := s.forceClear()
			s.logger.Warn("pending modifications timed out, force-clearing",
				zap.Duration("timeout", s.timeout),
				zap.Strings("node_ids", cleared))
			s.observe(WaitTimedOut, time.Since(start))
			return WaitTimedOut, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// MergeStates produces the graph to schedule from next: the planner's
// structural copy as the base, with every node's execution state taken
// from whichever copy is further along.
func (s *Synchronizer) MergeStates(plannerGraph, engineGraph *graph.TaskGraph) *graph.TaskGraph {
	return graph.Merge(plannerGraph, engineGraph)
}

// forceClear resolves every outstanding marker and returns their ids.
func (s *Synchronizer) forceClear() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := make([]string, 0, len(s.markers))
	for id := range s.markers {
		cleared = append(cleared, id)
	}
	s.markers = make(map[string]time.Time)
	s.notifyLocked()
	return cleared
}

// notifyLocked wakes all current waiters. Caller must hold s.mu.
func (s *Synchronizer) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
	if s.metrics != nil {
		s.metrics.SetPendingModifications(len(s.markers))
	}
}

func (s *Synchronizer) observe(outcome WaitOutcome, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordModificationWait(outcome == WaitTimedOut, d)
	}
}
