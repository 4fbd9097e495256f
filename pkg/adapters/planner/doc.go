// Package planner provides the external planner boundary: a component
// that observes task lifecycle events, proposes graph edits, and
// publishes the graph-edited events that release the modification
// synchronizer. The orchestration core only depends on that event
// contract, never on how edits are decided.
//
// Implementations:
//   - anthropic: Claude-backed planner (MVP)
package planner
