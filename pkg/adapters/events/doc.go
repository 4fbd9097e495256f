// Package events provides event bus implementations.
//
// Implementations:
//   - memory: in-process bus with per-subscriber ordered delivery;
//     the bus a single orchestration session runs on
//   - redis: Redis Streams with consumer groups, for deployments where
//     planner and engine live in separate processes
package events
