package kvdb

// Iterator yields (key, value) pairs from a scan. It is finite and not
// restartable once consumed: the set of keys is fixed at the scan's call
// time, but each value is re-read and TTL-filtered at yield time, per
// §4.8's scan_prefix/scan_range contract.
type Iterator struct {
	eng  *Engine
	keys []string
	pos  int
}

// Next advances the iterator and reports the next live (key, value) pair.
// Expired or since-deleted keys are skipped transparently. ok is false
// once the iterator is exhausted.
func (it *Iterator) Next() (key string, value []byte, ok bool) {
	for it.pos < len(it.keys) {
		k := it.keys[it.pos]
		it.pos++

		entry, found := it.eng.idx.Get(k)
		if !found {
			continue
		}
		rec, err := it.eng.readRecordAt(entry)
		if err != nil {
			continue
		}
		if expiredAt(rec.Expiry, now()) {
			continue
		}
		return k, rec.Value, true
	}
	return "", nil, false
}

// ScanPrefix returns an iterator over every live key with the given
// prefix.
func (e *Engine) ScanPrefix(prefix string) *Iterator {
	return &Iterator{eng: e, keys: e.idx.ScanPrefix(prefix)}
}

// ScanRange returns an iterator over every live key in [lo, hi], both
// bounds inclusive, per spec §9's resolution of that ambiguity.
func (e *Engine) ScanRange(lo, hi string) *Iterator {
	return &Iterator{eng: e, keys: e.idx.ScanRange(lo, hi)}
}
