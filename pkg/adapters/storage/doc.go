// Package storage provides canonical graph snapshot persistence.
//
// Implementations:
//   - redis: keyed snapshots with TTL
//   - memory: in-memory for tests and single-process runs
package storage
