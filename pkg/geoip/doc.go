// Package geoip resolves remote addresses to coarse locations through a
// MaxMind City database, with a bounded cache in front of the reader.
package geoip
