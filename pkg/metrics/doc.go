/*
Package metrics provides Prometheus metrics collection and exposition for
nodepulse, plus a small component-health registry served on /healthz.

All collectors are defined as package-level variables and registered with
the default registry at init, following Prometheus conventions. The ingest
pipeline, store writer, dashboard hub, and node API pollers update them
in-line; the /metrics endpoint exposes them for scraping.
*/
package metrics
