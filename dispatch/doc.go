// Package dispatch routes OpenAI-protocol requests to upstream endpoints.
// It resolves the requested model against the catalog, selects the least
// loaded capable endpoint, applies admission queueing when every candidate
// is saturated, proxies the upstream response (streaming included), and
// tracks per-endpoint failure exclusions.
package dispatch
