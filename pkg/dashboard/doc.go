// Package dashboard serves browser dashboards over websockets: it owns the
// subscriber set, batches small log-entry messages on a short interval, and
// fans out stats, compaction, and connection-status broadcasts. A slow or
// dead socket is dropped on its first failed send and never blocks the rest.
package dashboard
