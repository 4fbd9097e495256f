// Package anthropic implements the planner boundary with Claude. After
// every task completion it asks the model for graph edits expressed as
// JSON operations over the canonical graph, applies them through the
// graph mutators, and publishes the graph-edited event that releases
// the synchronizer. The event is published even when the model proposes
// nothing or the call fails, so the scheduling barrier always clears.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/pkg/domain/events"
	"github.com/taskmesh/taskmesh/pkg/domain/graph"
	"github.com/taskmesh/taskmesh/pkg/ports"
)

const systemPrompt = `You adjust a task graph after a task finishes.
Respond with a JSON object of the form {"ops": [...]} and nothing else.
Supported ops:
  {"op":"add_node","id":"...","description":"...","priority":0,"depends_on":["..."]}
  {"op":"add_edge","from":"...","to":"..."}
  {"op":"remove_edge","from":"...","to":"..."}
  {"op":"remove_node","id":"..."}
  {"op":"set_priority","id":"...","priority":2}
Return {"ops":[]} when no change is needed.`

// Config holds Claude planner configuration.
type Config struct {
	APIKey         string
	Model          string
	MaxTokens      int
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Client is a Claude-backed planner.
type Client struct {
	client  anthropic.Client
	model   string
	tokens  int
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient creates a Claude planner client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-sonnet-20241022"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	return &Client{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   cfg.Model,
		tokens:  cfg.MaxTokens,
		timeout: cfg.RequestTimeout,
		logger:  cfg.Logger,
	}, nil
}

// Attach subscribes the planner to task lifecycle events.
func (c *Client) Attach(ctx context.Context, bus ports.EventBus) error {
	return bus.Subscribe(ctx, events.TopicTask, func(ctx context.Context, event events.Event) error {
		switch event.Type {
		case events.TypeTaskCompleted, events.TypeTaskFailed:
			go c.handleCompletion(ctx, bus, event)
		}
		return nil
	})
}

// handleCompletion runs one edit cycle for a finished node.
func (c *Client) handleCompletion(ctx context.Context, bus ports.EventBus, event events.Event) {
	if event.Task == nil || event.Task.Snapshot == nil {
		c.publishEdited(ctx, bus, event.GraphID, event.NodeID, nil, "no snapshot in event")
		return
	}
	snapshot := event.Task.Snapshot

	g, err := graph.FromCanonical(snapshot)
	if err != nil {
		c.logger.Error("planner received invalid snapshot",
			zap.String("graph_id", event.GraphID),
			zap.Error(err))
		c.publishEdited(ctx, bus, event.GraphID, event.NodeID, nil, "invalid snapshot")
		return
	}

	ops, err := c.proposeEdits(ctx, event, snapshot)
	if err != nil {
		c.logger.Warn("planner call failed, releasing edit cycle unchanged",
			zap.String("graph_id", event.GraphID),
			zap.String("node_id", event.NodeID),
			zap.Error(err))
		c.publishEdited(ctx, bus, event.GraphID, event.NodeID, g.Canonical(), "planner call failed")
		return
	}

	applied := c.applyOps(g, ops)
	summary := fmt.Sprintf("%d/%d ops applied after %s", applied, len(ops), event.NodeID)
	c.publishEdited(ctx, bus, event.GraphID, event.NodeID, g.Canonical(), summary)
}

// editOp is one model-proposed graph operation.
type editOp struct {
	Op          string   `json:"op"`
	ID          string   `json:"id,omitempty"`
	Description string   `json:"description,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	From        string   `json:"from,omitempty"`
	To          string   `json:"to,omitempty"`
}

// proposeEdits asks the model for edit operations.
func (c *Client) proposeEdits(ctx context.Context, event events.Event, snapshot *graph.CanonicalGraph) ([]editOp, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	outcome := "completed"
	detail := ""
	if event.Type == events.TypeTaskFailed {
		outcome = "failed"
		detail = event.Task.Error
	}
	prompt := fmt.Sprintf("Task %s %s. %s\nCurrent graph:\n%s", event.NodeID, outcome, detail, data)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.tokens),
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		text.WriteString(block.Text)
	}

	var parsed struct {
		Ops []editOp `json:"ops"`
	}
	raw := extractJSON(text.String())
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse planner response: %w", err)
	}
	return parsed.Ops, nil
}

// applyOps applies the proposed operations through the graph mutators.
// A rejected operation leaves the graph unchanged and is skipped.
func (c *Client) applyOps(g *graph.TaskGraph, ops []editOp) int {
	applied := 0
	for _, op := range ops {
		var err error
		switch op.Op {
		case "add_node":
			n := &graph.Node{ID: op.ID, Description: op.Description}
			if op.Priority != nil {
				n.Priority = graph.Priority(*op.Priority)
			}
			if err = g.AddNode(n); err == nil {
				for _, dep := range op.DependsOn {
					if edgeErr := g.AddEdge(dep, op.ID, nil); edgeErr != nil {
						c.logger.Warn("planner edge rejected",
							zap.String("from", dep),
							zap.String("to", op.ID),
							zap.Error(edgeErr))
					}
				}
			}
		case "add_edge":
			err = g.AddEdge(op.From, op.To, nil)
		case "remove_edge":
			err = g.RemoveEdge(op.From, op.To)
		case "remove_node":
			err = g.RemoveNode(op.ID)
		case "set_priority":
			if op.Priority == nil {
				err = fmt.Errorf("set_priority without priority")
				break
			}
			p := graph.Priority(*op.Priority)
			err = g.ModifyNode(op.ID, graph.ModifyFields{Priority: &p})
		default:
			err = fmt.Errorf("unknown op: %s", op.Op)
		}

		if err != nil {
			c.logger.Warn("planner op rejected",
				zap.String("op", op.Op),
				zap.String("graph_id", g.ID()),
				zap.Error(err))
			continue
		}
		applied++
	}
	return applied
}

// publishEdited publishes the graph-edited event that resolves the
// node's modification marker.
func (c *Client) publishEdited(ctx context.Context, bus ports.EventBus, graphID, nodeID string, after *graph.CanonicalGraph, summary string) {
	event := events.NewGraphEvent(events.TypeGraphEdited, graphID, &events.GraphPayload{
		TriggerNodes: []string{nodeID},
		Summary:      summary,
		After:        after,
	})
	if err := bus.Publish(ctx, events.TopicGraph, event); err != nil {
		c.logger.Error("failed to publish graph edited event",
			zap.String("graph_id", graphID),
			zap.String("node_id", nodeID),
			zap.Error(err))
	}
}

// extractJSON strips markdown fences the model sometimes wraps around
// its JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
