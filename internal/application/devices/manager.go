package devices

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/pkg/domain/graph"
)

// Strategy selects how nodes are assigned to devices.
type Strategy string

const (
	StrategyRoundRobin      Strategy = "round_robin"
	StrategyCapabilityMatch Strategy = "capability_match"
	StrategyLoadBalance     Strategy = "load_balance"
)

// Device describes one registered device agent.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Endpoint     string    `json:"endpoint,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Reachable    bool      `json:"reachable"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// GraphRecord tracks a registered graph and its metadata.
type GraphRecord struct {
	Graph        *graph.TaskGraph
	Metadata     map[string]any
	RegisteredAt time.Time
}

// UnavailableError reports an assignment that references a missing or
// unknown device.
type UnavailableError struct {
	NodeID   string
	DeviceID string
}

func (e *UnavailableError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("node %s has no device assignment", e.NodeID)
	}
	return fmt.Sprintf("node %s assigned to unknown device %s", e.NodeID, e.DeviceID)
}

// Manager is the device assignment manager.
type Manager struct {
	logger *zap.Logger

	mu      sync.RWMutex
	devices map[string]*Device
	// order preserves registration order for round-robin.
	order   []string
	rrIndex int
	graphs  map[string]*GraphRecord
}

// NewManager creates a device assignment manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger,
		devices: make(map[string]*Device),
		graphs:  make(map[string]*GraphRecord),
	}
}

// RegisterDevice adds a device to the registry. Devices start out
// reachable until the health monitor says otherwise.
func (m *Manager) RegisterDevice(d Device) error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[d.ID]; exists {
		return fmt.Errorf("device already registered: %s", d.ID)
	}
	c := d
	c.Reachable = true
	c.RegisteredAt = time.Now()
	c.Capabilities = append([]string(nil), d.Capabilities...)
	m.devices[d.ID] = &c
	m.order = append(m.order, d.ID)

	m.logger.Info("device registered",
		zap.String("device_id", d.ID),
		zap.String("name", d.Name),
		zap.Strings("capabilities", d.Capabilities))
	return nil
}

// UnregisterDevice removes a device from the registry.
func (m *Manager) UnregisterDevice(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[id]; !exists {
		return fmt.Errorf("device not registered: %s", id)
	}
	delete(m.devices, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.logger.Info("device unregistered", zap.String("device_id", id))
	return nil
}

// GetDevice returns a copy of the device with the given id.
func (m *Manager) GetDevice(id string) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// ListDevices returns copies of every registered device in
// registration order.
func (m *Manager) ListDevices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.devices[id])
	}
	return out
}

// GetAvailableDevices returns the devices currently answering liveness
// checks.
func (m *Manager) GetAvailableDevices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Device
	for _, id := range m.order {
		if m.devices[id].Reachable {
			out = append(out, *m.devices[id])
		}
	}
	return out
}

// setReachable updates a device's liveness. Used by the health monitor.
func (m *Manager) setReachable(id string, reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return
	}
	d.Reachable = reachable
	if reachable {
		d.LastSeen = time.Now()
	}
}

// RegisterGraph tracks a graph with arbitrary metadata.
func (m *Manager) RegisterGraph(g *graph.TaskGraph, metadata map[string]any) error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.graphs[g.ID()]; exists {
		return fmt.Errorf("graph already registered: %s", g.ID())
	}
	m.graphs[g.ID()] = &GraphRecord{
		Graph:        g,
		Metadata:     metadata,
		RegisteredAt: time.Now(),
	}
	return nil
}

// UnregisterGraph stops tracking a graph.
func (m *Manager) UnregisterGraph(graphID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.graphs[graphID]; !exists {
		return fmt.Errorf("graph not registered: %s", graphID)
	}
	delete(m.graphs, graphID)
	return nil
}

// GetGraph returns the record for a registered graph.
func (m *Manager) GetGraph(graphID string) (*GraphRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.graphs[graphID]
	return rec, ok
}

// ListGraphs returns the ids of all registered graphs.
func (m *Manager) ListGraphs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.graphs))
	for id := range m.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AssignAutomatically computes and applies a node-to-device assignment
// for every assignable node of the graph. Preferences override the
// computed choice for the node ids they list.
func (m *Manager) AssignAutomatically(g *graph.TaskGraph, strategy Strategy, preferences map[string]string) (map[string]string, error) {
	return m.assign(g, strategy, preferences, false)
}

// AssignMissing assigns devices only to nodes that carry none. Nodes
// added by a planner edit mid-run arrive unassigned and are placed
// here; existing assignments are left untouched.
func (m *Manager) AssignMissing(g *graph.TaskGraph, strategy Strategy) (map[string]string, error) {
	return m.assign(g, strategy, nil, true)
}

func (m *Manager) assign(g *graph.TaskGraph, strategy Strategy, preferences map[string]string, onlyMissing bool) (map[string]string, error) {
	if g == nil {
		return nil, fmt.Errorf("graph is nil")
	}

	m.mu.Lock()
	if len(m.order) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("no devices registered")
	}

	// Load per device across all registered graphs, as the tie-break
	// input for capability_match and the target of load_balance.
	load := make(map[string]int, len(m.order))
	for _, id := range m.order {
		load[id] = 0
	}
	for _, rec := range m.graphs {
		for _, n := range rec.Graph.Nodes() {
			if n.DeviceID != "" {
				load[n.DeviceID]++
			}
		}
	}
	order := append([]string(nil), m.order...)
	devs := make(map[string]*Device, len(m.devices))
	for id, d := range m.devices {
		devs[id] = d
	}
	m.mu.Unlock()

	assignments := make(map[string]string)
	for _, n := range g.Nodes() {
		if n.Status.Terminal() || n.Status == graph.StatusRunning {
			continue
		}
		if onlyMissing && n.DeviceID != "" {
			continue
		}

		var deviceID string
		if pref, ok := preferences[n.ID]; ok {
			if _, known := devs[pref]; !known {
				return nil, fmt.Errorf("preference for node %s: %w", n.ID, &UnavailableError{NodeID: n.ID, DeviceID: pref})
			}
			deviceID = pref
		} else {
			switch strategy {
			case StrategyRoundRobin, "":
				m.mu.Lock()
				deviceID = order[m.rrIndex%len(order)]
				m.rrIndex++
				m.mu.Unlock()
			case StrategyCapabilityMatch:
				deviceID = pickByCapability(order, devs, load, n.Capabilities)
			case StrategyLoadBalance:
				deviceID = pickLeastLoaded(order, load)
			default:
				return nil, fmt.Errorf("unknown assignment strategy: %s", strategy)
			}
		}

		if err := g.AssignDevice(n.ID, deviceID); err != nil {
			return nil, fmt.Errorf("failed to assign node %s: %w", n.ID, err)
		}
		assignments[n.ID] = deviceID
		load[deviceID]++
	}

	m.logger.Info("assignments computed",
		zap.String("graph_id", g.ID()),
		zap.String("strategy", string(strategy)),
		zap.Int("assigned", len(assignments)))
	return assignments, nil
}

// pickByCapability scores devices by the size of the intersection
// between device and node capability tags, tie-breaking on lowest load,
// then registration order.
func pickByCapability(order []string, devs map[string]*Device, load map[string]int, required []string) string {
	req := make(map[string]struct{}, len(required))
	for _, c := range required {
		req[c] = struct{}{}
	}

	best := order[0]
	bestScore, bestLoad := -1, 0
	for _, id := range order {
		score := 0
		for _, c := range devs[id].Capabilities {
			if _, ok := req[c]; ok {
				score++
			}
		}
		if score > bestScore || (score == bestScore && load[id] < bestLoad) {
			best, bestScore, bestLoad = id, score, load[id]
		}
	}
	return best
}

// pickLeastLoaded returns the device with the fewest assigned nodes,
// tie-breaking on registration order.
func pickLeastLoaded(order []string, load map[string]int) string {
	best := order[0]
	for _, id := range order[1:] {
		if load[id] < load[best] {
			best = id
		}
	}
	return best
}

// ValidateAssignments checks that every node carries an assignment
// referencing a known device.
func (m *Manager) ValidateAssignments(g *graph.TaskGraph) (bool, []error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for _, n := range g.Nodes() {
		if n.Status.Terminal() {
			continue
		}
		if n.DeviceID == "" {
			errs = append(errs, &UnavailableError{NodeID: n.ID})
			continue
		}
		if _, ok := m.devices[n.DeviceID]; !ok {
			errs = append(errs, &UnavailableError{NodeID: n.ID, DeviceID: n.DeviceID})
		}
	}
	return len(errs) == 0, errs
}

// Utilization summarizes assigned node counts per device across all
// registered graphs.
func (m *Manager) GetUtilization() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	util := make(map[string]int, len(m.devices))
	for id := range m.devices {
		util[id] = 0
	}
	for _, rec := range m.graphs {
		for _, n := range rec.Graph.Nodes() {
			if n.DeviceID != "" {
				util[n.DeviceID]++
			}
		}
	}
	return util
}

// GetTaskDeviceInfo returns the device a node is assigned to.
func (m *Manager) GetTaskDeviceInfo(g *graph.TaskGraph, nodeID string) (Device, error) {
	n, ok := g.Node(nodeID)
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, nodeID)
	}
	if n.DeviceID == "" {
		return Device{}, &UnavailableError{NodeID: nodeID}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[n.DeviceID]
	if !ok {
		return Device{}, &UnavailableError{NodeID: nodeID, DeviceID: n.DeviceID}
	}
	return *d, nil
}
