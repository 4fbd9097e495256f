package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/application/devices"
	"github.com/taskmesh/taskmesh/pkg/domain/graph"
)

// ErrRunNotFound is returned when no run is known for a graph id.
var ErrRunNotFound = errors.New("run not found")

// ErrNotFinished is returned when a result is requested for a run that
// is still executing.
var ErrNotFinished = errors.New("run not finished")

// RunState is the lifecycle of a submitted run.
type RunState string

const (
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
	RunStateCancelled RunState = "CANCELLED"
)

// RunInfo is a point-in-time view of one submitted run.
type RunInfo struct {
	GraphID     string     `json:"graph_id"`
	Name        string     `json:"name"`
	State       RunState   `json:"state"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// run holds the record of one submission.
type run struct {
	mu          sync.Mutex
	info        RunInfo
	result      *Result
	err         error
	cancel      context.CancelFunc
}

// Service runs submitted graphs asynchronously on top of the engine and
// keeps their records for status and result queries.
type Service struct {
	engine *Engine
	logger *zap.Logger

	mu    sync.RWMutex
	runs  map[string]*run
	order []string
}

// NewService creates a submission service.
func NewService(engine *Engine, logger *zap.Logger) *Service {
	return &Service{
		engine: engine,
		logger: logger,
		runs:   make(map[string]*run),
	}
}

// Submit starts orchestrating the graph in the background and returns
// immediately. Status and result become available under the graph id.
func (s *Service) Submit(ctx context.Context, g *graph.TaskGraph, assignments map[string]string, strategy devices.Strategy) (string, error) {
	if err := g.Validate(); err != nil {
		return "", fmt.Errorf("invalid graph: %w", err)
	}

	s.mu.Lock()
	if _, exists := s.runs[g.ID()]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("graph already submitted: %s", g.ID())
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		info: RunInfo{
			GraphID:     g.ID(),
			Name:        g.Name(),
			State:       RunStateRunning,
			SubmittedAt: time.Now(),
		},
		cancel: cancel,
	}
	s.runs[g.ID()] = r
	s.order = append(s.order, g.ID())
	s.mu.Unlock()

	go func() {
		defer cancel()
		result, err := s.engine.Orchestrate(runCtx, g, assignments, strategy)

		r.mu.Lock()
		defer r.mu.Unlock()
		r.result = result
		r.err = err
		now := time.Now()
		r.info.CompletedAt = &now
		switch {
		case errors.Is(err, ErrCancelled):
			r.info.State = RunStateCancelled
		case err != nil, result == nil, result.State != graph.GraphStateCompleted:
			r.info.State = RunStateFailed
		default:
			r.info.State = RunStateCompleted
		}
	}()

	s.logger.Info("graph submitted",
		zap.String("graph_id", g.ID()),
		zap.Int("nodes", g.Len()))
	return g.ID(), nil
}

// GetStatus returns the run record plus the engine's live node view
// while the run is active.
func (s *Service) GetStatus(graphID string) (*RunInfo, *StatusReport, error) {
	r, err := s.lookup(graphID)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	info := r.info
	r.mu.Unlock()

	report, _ := s.engine.StatusByID(graphID)
	return &info, report, nil
}

// GetResult returns the orchestration result once the run is terminal.
func (s *Service) GetResult(graphID string) (*Result, error) {
	r, err := s.lookup(graphID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info.State == RunStateRunning {
		return nil, ErrNotFinished
	}
	if r.result == nil && r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

// Cancel cancels a running submission.
func (s *Service) Cancel(graphID string) error {
	r, err := s.lookup(graphID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	state := r.info.State
	r.mu.Unlock()
	if state != RunStateRunning {
		return fmt.Errorf("run already %s: %s", state, graphID)
	}

	r.cancel()
	return nil
}

// List returns every known run, newest first.
func (s *Service) List() []RunInfo {
	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	runs := make([]*run, 0, len(ids))
	for _, id := range ids {
		runs = append(runs, s.runs[id])
	}
	s.mu.RUnlock()

	infos := make([]RunInfo, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		infos = append(infos, r.info)
		r.mu.Unlock()
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].SubmittedAt.After(infos[j].SubmittedAt)
	})
	return infos
}

// Shutdown cancels every active run and shuts down the engine.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, r := range s.runs {
		r.cancel()
	}
	s.mu.RUnlock()
	return s.engine.Shutdown(ctx)
}

func (s *Service) lookup(graphID string) (*run, error) {
	s.mu.RLock()
	r, ok := s.runs[graphID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, graphID)
	}
	return r, nil
}
