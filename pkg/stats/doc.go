// Package stats maintains per-view incremental aggregates over the nodes'
// live event windows and publishes stats and performance payloads to
// subscribed dashboards. Views are keyed by their subscription filter so
// dashboards with identical filters share one aggregate.
package stats
