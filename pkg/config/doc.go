// Package config resolves runtime settings from environment variables and
// the command line, and parses the node manifest.
package config
