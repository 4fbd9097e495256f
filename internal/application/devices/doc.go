// Package devices maps graph nodes to device agents and tracks graph
// lifecycle metadata. It owns the device registry, the automatic
// assignment strategies, assignment validation, and a periodic health
// monitor that pings registered devices through the dispatcher.
package devices
