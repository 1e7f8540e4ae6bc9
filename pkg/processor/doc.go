// Package processor consumes one node's parsed events: it pairs operation
// starts with their terminal lines to derive latency, maintains the node's
// live event window and active-compaction state, and fans finished events
// out to the store writer and the dashboard hub.
package processor
