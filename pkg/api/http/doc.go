// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Graph submission and management
//   - Status, result and cancellation queries
//   - Device registration and utilization
//   - Health checks
//   - Prometheus metrics
package http
