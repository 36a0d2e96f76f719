package kvdb

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// IndexEntry locates the most recent PUT record for a live key. TTL state
// is not cached here: a cache miss always re-reads and re-decodes the
// record, which yields the expiry at no extra cost.
type IndexEntry struct {
	Offset int64
	Length int
}

// Index is the in-memory primary index: key to (offset, length). Grounded
// on the teacher's use of xsync.Map for PersistMap.data — a concurrent map
// safe for the reader/writer discipline of §5 (writers serialize on the
// engine's lock; readers may run in parallel with each other).
type Index struct {
	m *xsync.Map
}

func newIndex() *Index {
	return &Index{m: xsync.NewMap()}
}

func (idx *Index) Get(key string) (IndexEntry, bool) {
	v, ok := idx.m.Load(key)
	if !ok {
		return IndexEntry{}, false
	}
	return v.(IndexEntry), true
}

func (idx *Index) Insert(key string, entry IndexEntry) {
	idx.m.Store(key, entry)
}

func (idx *Index) Remove(key string) {
	idx.m.Delete(key)
}

func (idx *Index) Len() int {
	return idx.m.Size()
}

// Range iterates live entries in unspecified order, per §4.4.
func (idx *Index) Range(f func(key string, entry IndexEntry) bool) {
	idx.m.Range(func(key string, v interface{}) bool {
		return f(key, v.(IndexEntry))
	})
}

// ScanPrefix returns the keys whose name starts with prefix. TTL filtering
// is the engine's responsibility at read time, not the index's.
func (idx *Index) ScanPrefix(prefix string) []string {
	var keys []string
	idx.Range(func(key string, _ IndexEntry) bool {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return true
	})
	return keys
}

// ScanRange returns the keys within [lo, hi] inclusive on both ends, per
// spec §9's resolution of the scan_range ambiguity.
func (idx *Index) ScanRange(lo, hi string) []string {
	var keys []string
	idx.Range(func(key string, _ IndexEntry) bool {
		if key >= lo && key <= hi {
			keys = append(keys, key)
		}
		return true
	})
	return keys
}
