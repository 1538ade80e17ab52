// Package correlate joins payloads from independent streams that share a
// correlation key and reports, exactly once per key, when every required kind
// has arrived.
//
// Store layout: records live in shards selected by hashing the key, each
// shard behind its own mutex. The completeness check, staging of the
// composite, removal of the record and writing of the completion tombstone
// all happen under that mutex, which is what makes completion at-most-once
// per key. Nothing inside the critical section blocks on I/O.
//
// Lifecycle of a key:
//
//	Empty -> Partial(k of n) -> Complete   (record removed, tombstone kept)
//	                         -> Expired    (record removed by Evict)
//
// While a tombstone is retained, late duplicates get AlreadyCompleted. After
// eviction or tombstone expiry a new arrival starts an independent record.
package correlate
