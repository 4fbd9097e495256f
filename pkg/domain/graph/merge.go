package graph

// Merge combines the planner's structural copy with the engine's
// execution-state copy. The base (planner) graph supplies structure;
// for every node present in both, whichever copy's status ranks higher
// wins, carrying its result, error and timestamps. A terminal status is
// never overwritten by a non-terminal one, so a completion that landed
// during an edit window survives the merge.
func Merge(base, engine *TaskGraph) *TaskGraph {
	merged := base.Clone()
	if engine == nil {
		return merged
	}

	engine.mu.RLock()
	defer engine.mu.RUnlock()

	merged.mu.Lock()
	defer merged.mu.Unlock()

	for id, en := range engine.nodes {
		mn, ok := merged.nodes[id]
		if !ok {
			// Node removed by the planner; its history is dropped
			// with it.
			continue
		}
		if en.Status.Rank() <= mn.Status.Rank() {
			continue
		}
		mn.Status = en.Status
		mn.Result = en.Result
		mn.Error = en.Error
		if en.StartedAt != nil {
			t := *en.StartedAt
			mn.StartedAt = &t
		}
		if en.CompletedAt != nil {
			t := *en.CompletedAt
			mn.CompletedAt = &t
		}
		if en.DeviceID != "" && mn.DeviceID == "" {
			mn.DeviceID = en.DeviceID
		}
	}

	merged.refreshBlockedLocked()
	return merged
}
