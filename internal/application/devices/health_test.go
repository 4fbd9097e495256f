package devices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/pkg/domain/graph"
	"github.com/taskmesh/taskmesh/pkg/ports"
)

// pingDispatcher answers pings, failing for the devices in down.
type pingDispatcher struct {
	mu   sync.Mutex
	down map[string]bool
}

func (p *pingDispatcher) Execute(ctx context.Context, node graph.Node, deviceID string) (*ports.ExecResult, error) {
	return &ports.ExecResult{}, nil
}

func (p *pingDispatcher) Cancel(ctx context.Context, nodeID, deviceID string) error { return nil }

func (p *pingDispatcher) Ping(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[deviceID] {
		return errors.New("connection refused")
	}
	return nil
}

func (p *pingDispatcher) setDown(deviceID string, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[deviceID] = down
}

func TestHealthMonitor_MarksUnreachableDevices(t *testing.T) {
	manager := NewManager(zap.NewNop())
	require.NoError(t, manager.RegisterDevice(Device{ID: "dev-1"}))
	require.NoError(t, manager.RegisterDevice(Device{ID: "dev-2"}))

	dispatcher := &pingDispatcher{down: map[string]bool{"dev-2": true}}
	monitor := NewHealthMonitor(manager, dispatcher, nil, 10*time.Millisecond, zap.NewNop())
	monitor.Start()
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		d, ok := manager.GetDevice("dev-2")
		return ok && !d.Reachable
	}, time.Second, 5*time.Millisecond)

	status := monitor.GetStatus()
	assert.Equal(t, 2, status.TotalDevices)
	assert.Equal(t, 1, status.ReachableDevices)
	assert.Equal(t, 1, status.UnreachableDevices)
	assert.False(t, status.Healthy)
	assert.False(t, monitor.IsHealthy())
}

func TestHealthMonitor_RecoversReachability(t *testing.T) {
	manager := NewManager(zap.NewNop())
	require.NoError(t, manager.RegisterDevice(Device{ID: "dev-1"}))

	dispatcher := &pingDispatcher{down: map[string]bool{"dev-1": true}}
	monitor := NewHealthMonitor(manager, dispatcher, nil, 10*time.Millisecond, zap.NewNop())
	monitor.Start()
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		d, _ := manager.GetDevice("dev-1")
		return !d.Reachable
	}, time.Second, 5*time.Millisecond)

	dispatcher.setDown("dev-1", false)

	require.Eventually(t, func() bool {
		d, _ := manager.GetDevice("dev-1")
		return d.Reachable
	}, time.Second, 5*time.Millisecond)
	assert.True(t, monitor.IsHealthy())
}

func TestHealthMonitor_StartStopIdempotent(t *testing.T) {
	manager := NewManager(zap.NewNop())
	monitor := NewHealthMonitor(manager, &pingDispatcher{down: map[string]bool{}}, nil, time.Hour, zap.NewNop())

	monitor.Start()
	monitor.Start()
	monitor.Stop()
	monitor.Stop()

	// A never-populated registry is not healthy.
	assert.False(t, monitor.IsHealthy())
}
