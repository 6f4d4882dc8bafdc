// Package types defines the shared domain model of llmlb.
//
// Core contents:
//
//   - Endpoint / EndpointModel / EndpointHealthCheck: the registered upstream
//     inference endpoints, their per-endpoint model catalog rows, and the
//     append-only probe history
//   - AuditLogEntry / AuditBatchHash: the hash-chained audit log rows
//   - Error / ErrorCode: structured error taxonomy with HTTP status and
//     OpenAI error-category mapping
//   - Actor helpers: request identity (user, API key, system) carried in
//     context.Context
//
// The package has no dependencies on other llmlb packages so that every
// subsystem can share these definitions.
package types
