/*
Package log provides structured logging for NodePulse using zerolog.

The package wraps zerolog behind a global logger initialized once via
log.Init. Components derive child loggers with WithComponent; per-node
goroutines use WithSource to carry both the component and node fields on
every line.

Output is JSON for production and zerolog's console writer for
development, selected through Config.JSONOutput.
*/
package log
