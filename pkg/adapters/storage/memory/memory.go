package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/taskmesh/taskmesh/pkg/domain/graph"
	"github.com/taskmesh/taskmesh/pkg/ports"
)

// SnapshotStorage implements ports.SnapshotStorage on an in-memory
// map. Snapshots are stored as serialized bytes so callers never share
// a mutable copy.
type SnapshotStorage struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

// NewSnapshotStorage creates an in-memory snapshot store.
func NewSnapshotStorage() *SnapshotStorage {
	return &SnapshotStorage{
		snapshots: make(map[string][]byte),
	}
}

// Save persists a canonical snapshot keyed by graph id.
func (s *SnapshotStorage) Save(ctx context.Context, snapshot *graph.CanonicalGraph) error {
	if snapshot == nil || snapshot.ID == "" {
		return fmt.Errorf("snapshot with graph id is required")
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.ID] = data
	return nil
}

// Load retrieves the snapshot for a graph id.
func (s *SnapshotStorage) Load(ctx context.Context, graphID string) (*graph.CanonicalGraph, error) {
	s.mu.RLock()
	data, ok := s.snapshots[graphID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrSnapshotNotFound, graphID)
	}

	var snapshot graph.CanonicalGraph
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

// Delete removes the snapshot for a graph id.
func (s *SnapshotStorage) Delete(ctx context.Context, graphID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, graphID)
	return nil
}

// Exists checks whether a snapshot exists for a graph id.
func (s *SnapshotStorage) Exists(ctx context.Context, graphID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.snapshots[graphID]
	return ok, nil
}

// List returns all graph ids with a stored snapshot.
func (s *SnapshotStorage) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	return ids, nil
}
