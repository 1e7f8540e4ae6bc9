// Package parser discriminates the storage daemon's structured log lines
// into typed events: traffic terminals, operation starts, and hashstore
// compaction begin/end records. Lines that are not actionable are rejected
// without error.
package parser
