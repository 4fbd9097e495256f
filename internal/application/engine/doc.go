// Package engine implements the asynchronous scheduling loop that
// drives a task graph to completion.
//
// Each Orchestrate call runs one driver loop: block on the
// modification synchronizer, fold in any planner edit, validate device
// assignments, dispatch every ready node as its own goroutine, then
// suspend until the first outstanding dispatch finishes. The loop exits
// when no node is ready and none is in flight. All graph writes happen
// on the driver goroutine; dispatch goroutines only talk to devices and
// report back on a channel, which keeps planner-edit merges safe.
package engine
