// Package api assembles the HTTP routing surface: OpenAI-protocol client
// routes, JWT-gated management routes, and the open health and metrics
// endpoints. Authentication middleware is injected per route group so the
// router stays free of credential handling.
package api
