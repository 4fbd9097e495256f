// Package graph implements the mutable task graph: nodes, dependency
// edges, readiness computation, structural validation and canonical
// serialization.
//
// A TaskGraph has exactly two writers: the orchestration engine, which
// owns execution-state fields (status, result, timestamps), and the
// planner, which owns structure (nodes, edges, descriptions,
// assignments). Structural mutators validate before committing, so a
// rejected edit leaves the graph exactly as it was.
package graph
