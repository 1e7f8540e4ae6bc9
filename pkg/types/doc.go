// Package types defines the shared domain model: monitored nodes, parsed
// log events, hourly roll-ups, and the dashboard view filter. Every other
// package depends on it; it depends on nothing.
package types
