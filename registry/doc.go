// Package registry owns the endpoint inventory: durable storage, an
// in-memory snapshot for hot-path reads, and a change event bus that the
// prober and the model catalog subscribe to.
//
// Registration runs dialect detection up front. Upstreams that do not answer
// any probe are rejected; upstreams that answer but match no known dialect
// are admitted with type unknown and re-detected by the prober later.
package registry
