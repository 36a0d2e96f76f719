// Package kvdb implements an embedded, persistent key-value store with a
// log-structured on-disk representation.
//
// Writes go through a write-ahead log before touching the append-only data
// file; an in-memory primary index (accelerated by a hint file on startup)
// locates records for reads. An optional bounded LRU caches decoded values
// and an optional secondary index answers equality queries over top-level
// JSON object fields. Periodic compaction rewrites the data file to contain
// only the live, unexpired set. A small embedded script engine lets callers
// run short programs that issue GET/SET/DEL against the store as a single
// atomic unit with respect to other writers.
//
// All mutating operations (Put, Delete, Batch, Compact, script execution)
// serialize on a single writer lock; see the package-level concurrency notes
// on Engine for details.
package kvdb

import "time"

// now is the wall-clock source used for TTL comparisons. Overridden in
// tests that need to simulate expiry without sleeping.
var now = func() int64 { return time.Now().Unix() }
