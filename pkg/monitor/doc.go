// Package monitor assembles the pipeline: per-node log sources feed
// processors, processors feed the store and the dashboard hub, the stats
// engine reads processor snapshots, and admin API pollers run alongside.
// Shutdown is ordered so no stage writes into a stopped one.
package monitor
