// Package source tails a node's log stream, either from a local file with
// rotation and truncation recovery, or from a TCP log forwarder with
// reconnect backoff.
package source
