// Package modsync serializes planner edits against scheduler dispatch.
//
// When a task finishes, a pending-modification marker is registered for
// its node id; the planner is expected to apply its edit and publish a
// graph-edited event naming that node id, which resolves the marker.
// The engine blocks on WaitForPendingModifications before every
// scheduling decision, so it never schedules against a graph that is
// mid-edit. A wait that outlives the configured timeout force-clears
// the outstanding markers and lets scheduling proceed: liveness over
// strict freshness.
package modsync
