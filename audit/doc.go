// Package audit records terminating requests into an append-only log and
// seals them into a tamper-evident hash chain. The hot path writes into a
// drop-oldest ring buffer; a background worker flushes buffered entries in
// batches and periodically seals the unsealed tail into the chain.
package audit
