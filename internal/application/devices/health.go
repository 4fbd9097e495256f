package devices

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/pkg/ports"
)

// HealthMonitor periodically pings every registered device through the
// dispatcher and records reachability in the registry.
type HealthMonitor struct {
	manager    *Manager
	dispatcher ports.Dispatcher
	metrics    ports.MetricsCollector
	interval   time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// HealthStatus is a point-in-time summary of device liveness.
type HealthStatus struct {
	TotalDevices       int
	ReachableDevices   int
	UnreachableDevices int
	Healthy            bool
	Timestamp          time.Time
}

// NewHealthMonitor creates a device health monitor.
func NewHealthMonitor(manager *Manager, dispatcher ports.Dispatcher, metrics ports.MetricsCollector, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		manager:    manager,
		dispatcher: dispatcher,
		metrics:    metrics,
		interval:   interval,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the monitoring loop.
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop halts the monitoring loop.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopCh)
}

// run is the main monitoring loop.
func (h *HealthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

// checkHealth pings every device and updates the registry.
func (h *HealthMonitor) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()

	var reachable, unreachable int
	for _, d := range h.manager.ListDevices() {
		if err := h.dispatcher.Ping(ctx, d.ID); err != nil {
			unreachable++
			h.manager.setReachable(d.ID, false)
			h.logger.Warn("device unreachable",
				zap.String("device_id", d.ID),
				zap.Error(err))
			continue
		}
		reachable++
		h.manager.setReachable(d.ID, true)
	}

	if h.metrics != nil {
		h.metrics.RecordDeviceStatus(reachable, unreachable)
	}

	h.logger.Info("device health check",
		zap.Int("reachable", reachable),
		zap.Int("unreachable", unreachable))
}

// GetStatus returns the current liveness summary.
func (h *HealthMonitor) GetStatus() *HealthStatus {
	var reachable, unreachable int
	for _, d := range h.manager.ListDevices() {
		if d.Reachable {
			reachable++
		} else {
			unreachable++
		}
	}
	total := reachable + unreachable
	return &HealthStatus{
		TotalDevices:       total,
		ReachableDevices:   reachable,
		UnreachableDevices: unreachable,
		Healthy:            total > 0 && unreachable == 0,
		Timestamp:          time.Now(),
	}
}

// IsHealthy reports whether every registered device is reachable.
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
