// Package prober drives the endpoint health lifecycle. A shared one-second
// scheduler fires per-endpoint probes at each endpoint's own interval,
// applies the status transition rules, appends to the probe history, and
// retries dialect detection for endpoints whose type is still unknown.
package prober
