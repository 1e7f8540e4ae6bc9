// Package nodeapi discovers and polls the storage daemon's admin HTTP API.
// Discovery probes candidate endpoints once at startup; afterwards a poller
// per node fetches capacity, reputation, and earnings on independent
// schedules and persists the results through the store.
package nodeapi
