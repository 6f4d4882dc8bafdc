// Package server manages the lifecycle of the llmlb HTTP server: listen,
// serve in the background, and shut down gracefully on signal or error.
package server
