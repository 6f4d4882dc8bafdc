// Package catalog maintains the per-endpoint model inventory. Each sync
// fetches the upstream's model listing through its dialect descriptor,
// normalizes the vendor shapes into catalog rows, and replaces the
// endpoint's rows atomically. An in-memory index answers the dispatcher's
// "which endpoints serve this model" question without touching the database.
package catalog
