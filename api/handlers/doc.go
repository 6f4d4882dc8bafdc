// Package handlers implements the HTTP handlers for both route groups: the
// OpenAI-protocol passthrough surface and the JWT-gated management API.
package handlers
