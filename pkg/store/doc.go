// Package store persists traffic events, hourly roll-ups, storage
// snapshots, and hashstore compaction history in a local SQLite database.
// One logical writer owns all mutations; WAL journaling lets readers run
// concurrently.
package store
