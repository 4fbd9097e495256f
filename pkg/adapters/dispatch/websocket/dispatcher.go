// Package websocket implements the device dispatcher over a persistent
// WebSocket session per device agent. Requests and responses are
// correlated by id on a single bidirectional connection; a lost
// connection is redialed on the next call.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/pkg/domain/graph"
	"github.com/taskmesh/taskmesh/pkg/ports"
)

// frame is the wire format exchanged with a device agent.
type frame struct {
	ID      string      `json:"id"`
	Kind    string      `json:"kind"` // execute, cancel, ping, result, pong
	NodeID  string      `json:"node_id,omitempty"`
	Node    *graph.Node `json:"node,omitempty"`
	Payload any         `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Dispatcher routes node executions to device agents over WebSocket.
type Dispatcher struct {
	logger      *zap.Logger
	dialTimeout time.Duration

	mu        sync.Mutex
	endpoints map[string]string
	conns     map[string]*deviceConn
}

// deviceConn is one live session with a device agent.
type deviceConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
	closed  bool
}

// NewDispatcher creates a WebSocket dispatcher.
func NewDispatcher(dialTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Dispatcher{
		logger:      logger,
		dialTimeout: dialTimeout,
		endpoints:   make(map[string]string),
		conns:       make(map[string]*deviceConn),
	}
}

// RegisterEndpoint maps a device id to its WebSocket URL.
func (d *Dispatcher) RegisterEndpoint(deviceID, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[deviceID] = url
}

// Execute sends a node to its device and waits for the result frame.
func (d *Dispatcher) Execute(ctx context.Context, node graph.Node, deviceID string) (*ports.ExecResult, error) {
	resp, err := d.roundTrip(ctx, deviceID, frame{
		ID:     uuid.New().String(),
		Kind:   "execute",
		NodeID: node.ID,
		Node:   &node,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("device %s: %s", deviceID, resp.Error)
	}
	return &ports.ExecResult{Payload: resp.Payload}, nil
}

// Cancel asks a device to abandon an in-flight node. Best effort: the
// frame is sent without waiting for acknowledgement.
func (d *Dispatcher) Cancel(ctx context.Context, nodeID, deviceID string) error {
	dc, err := d.connFor(ctx, deviceID)
	if err != nil {
		return err
	}
	return dc.write(frame{ID: uuid.New().String(), Kind: "cancel", NodeID: nodeID})
}

// Ping checks device liveness with a pong round trip.
func (d *Dispatcher) Ping(ctx context.Context, deviceID string) error {
	_, err := d.roundTrip(ctx, deviceID, frame{ID: uuid.New().String(), Kind: "ping"})
	return err
}

// Close tears down every device session.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, dc := range d.conns {
		dc.close()
		delete(d.conns, id)
	}
	return nil
}

// roundTrip sends a frame and waits for the matching response.
func (d *Dispatcher) roundTrip(ctx context.Context, deviceID string, req frame) (frame, error) {
	dc, err := d.connFor(ctx, deviceID)
	if err != nil {
		return frame{}, err
	}

	ch := dc.register(req.ID)
	defer dc.unregister(req.ID)

	if err := dc.write(req); err != nil {
		d.drop(deviceID, dc)
		return frame{}, fmt.Errorf("failed to send to device %s: %w", deviceID, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return frame{}, fmt.Errorf("connection to device %s lost", deviceID)
		}
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

// connFor returns the live session for a device, dialing if needed.
func (d *Dispatcher) connFor(ctx context.Context, deviceID string) (*deviceConn, error) {
	d.mu.Lock()
	if dc, ok := d.conns[deviceID]; ok {
		d.mu.Unlock()
		return dc, nil
	}
	url, ok := d.endpoints[deviceID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrDeviceUnknown, deviceID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial device %s: %w", deviceID, err)
	}

	dc := &deviceConn{
		conn:    conn,
		pending: make(map[string]chan frame),
	}

	d.mu.Lock()
	// Another caller may have raced the dial.
	if existing, ok := d.conns[deviceID]; ok {
		d.mu.Unlock()
		dc.close()
		return existing, nil
	}
	d.conns[deviceID] = dc
	d.mu.Unlock()

	go d.readLoop(deviceID, dc)

	d.logger.Info("device session established",
		zap.String("device_id", deviceID),
		zap.String("url", url))
	return dc, nil
}

// readLoop routes response frames to their waiters until the
// connection dies, then fails every outstanding waiter.
func (d *Dispatcher) readLoop(deviceID string, dc *deviceConn) {
	for {
		_, data, err := dc.conn.ReadMessage()
		if err != nil {
			d.logger.Warn("device session closed",
				zap.String("device_id", deviceID),
				zap.Error(err))
			d.drop(deviceID, dc)
			return
		}

		var resp frame
		if err := json.Unmarshal(data, &resp); err != nil {
			d.logger.Error("invalid frame from device",
				zap.String("device_id", deviceID),
				zap.Error(err))
			continue
		}

		// Claim the waiter under the lock so close() cannot race a
		// send on a closed channel. The channel is buffered.
		dc.mu.Lock()
		ch, ok := dc.pending[resp.ID]
		if ok {
			delete(dc.pending, resp.ID)
		}
		dc.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// drop discards a dead session so the next call redials.
func (d *Dispatcher) drop(deviceID string, dc *deviceConn) {
	d.mu.Lock()
	if d.conns[deviceID] == dc {
		delete(d.conns, deviceID)
	}
	d.mu.Unlock()
	dc.close()
}

func (dc *deviceConn) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	return dc.conn.WriteMessage(websocket.TextMessage, data)
}

func (dc *deviceConn) register(id string) chan frame {
	ch := make(chan frame, 1)
	dc.mu.Lock()
	dc.pending[id] = ch
	dc.mu.Unlock()
	return ch
}

func (dc *deviceConn) unregister(id string) {
	dc.mu.Lock()
	delete(dc.pending, id)
	dc.mu.Unlock()
}

func (dc *deviceConn) close() {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return
	}
	dc.closed = true
	for id, ch := range dc.pending {
		close(ch)
		delete(dc.pending, id)
	}
	dc.mu.Unlock()
	_ = dc.conn.Close()
}
