package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_TerminalBeatsRunning(t *testing.T) {
	base := New("g1", "base")
	require.NoError(t, base.AddNode(&Node{ID: "A"}))
	require.NoError(t, base.AddNode(&Node{ID: "B"}))
	require.NoError(t, base.AddEdge("A", "B", nil))

	// Engine copy raced ahead: A completed while the planner was editing
	// a snapshot where A was still running.
	engine := base.Clone()
	require.NoError(t, engine.MarkRunning("A"))
	_, err := engine.MarkCompleted("A", true, "answer", "")
	require.NoError(t, err)

	planner := base.Clone()
	require.NoError(t, planner.MarkRunning("A"))
	require.NoError(t, planner.AddNode(&Node{ID: "C"}))
	require.NoError(t, planner.AddEdge("A", "C", nil))

	merged := Merge(planner, engine)

	a, _ := merged.Node("A")
	assert.Equal(t, StatusCompleted, a.Status)
	assert.Equal(t, "answer", a.Result)

	// Planner structure survives and the new node is unblocked by the
	// merged completion.
	assert.Equal(t, 3, merged.Len())
	assert.ElementsMatch(t, []string{"B", "C"}, readyIDs(merged))
}

func TestMerge_FailureNotResurrected(t *testing.T) {
	base := New("g1", "base")
	require.NoError(t, base.AddNode(&Node{ID: "A"}))

	engine := base.Clone()
	_, err := engine.MarkCompleted("A", false, nil, "device lost")
	require.NoError(t, err)

	// Planner copy still has A pending; the failure must win.
	merged := Merge(base.Clone(), engine)
	a, _ := merged.Node("A")
	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, "device lost", a.Error)
}

func TestMerge_PlannerRemovalDropsHistory(t *testing.T) {
	base := New("g1", "base")
	require.NoError(t, base.AddNode(&Node{ID: "A"}))
	require.NoError(t, base.AddNode(&Node{ID: "B"}))

	engine := base.Clone()
	_, err := engine.MarkCompleted("B", true, "gone", "")
	require.NoError(t, err)

	planner := base.Clone()
	require.NoError(t, planner.RemoveNode("B"))

	merged := Merge(planner, engine)
	_, ok := merged.Node("B")
	assert.False(t, ok)
	assert.Equal(t, 1, merged.Len())
}

func TestMerge_TimestampsAndAssignmentCarried(t *testing.T) {
	base := New("g1", "base")
	require.NoError(t, base.AddNode(&Node{ID: "A"}))

	engine := base.Clone()
	require.NoError(t, engine.AssignDevice("A", "dev-7"))
	require.NoError(t, engine.MarkRunning("A"))
	_, err := engine.MarkCompleted("A", true, nil, "")
	require.NoError(t, err)

	merged := Merge(base.Clone(), engine)
	a, _ := merged.Node("A")
	require.NotNil(t, a.StartedAt)
	require.NotNil(t, a.CompletedAt)
	assert.True(t, !a.CompletedAt.Before(*a.StartedAt))
	assert.Equal(t, "dev-7", a.DeviceID)
	assert.WithinDuration(t, time.Now(), *a.CompletedAt, time.Minute)
}
