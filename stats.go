package kvdb

import "sync/atomic"

// Stats is a snapshot of the engine's read counters, per §4.8.
type Stats struct {
	Reads        uint64
	Writes       uint64
	CacheHits    uint64
	CacheMisses  uint64
	IndexSize    int
	DataFileSize int64
	WALSize      int64
}

// statCounters are the live atomic counters backing Stats; copied out by
// Engine.Stats rather than exposed directly.
type statCounters struct {
	reads       atomic.Uint64
	writes      atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}
