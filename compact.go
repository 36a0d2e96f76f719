package kvdb

import "os"

// Compact rewrites the data file to contain only the live, unexpired
// record set, reclaiming space held by overwritten and deleted keys. It
// runs under the same single-writer lock as a batch write (§5): no other
// mutator can interleave. A crash before the atomic rename leaves the
// original data file untouched; a crash after it is indistinguishable
// from a clean compacted state, per §4.8's failure policy.
func (e *Engine) Compact() error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.compacting.Store(true)
	defer e.compacting.Store(false)

	tmpPath := e.dataPath + ".compact.tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return ioErr("create compaction temp file", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpPath)
	}()

	newIdx := newIndex()
	var offset int64
	nowTS := now()

	var rangeErr error
	e.idx.Range(func(key string, entry IndexEntry) bool {
		rec, rerr := e.readRecordAt(entry)
		if rerr != nil {
			e.logger.Warn().Err(rerr).Str("key", key).Msg("skipping unreadable record during compaction")
			return true
		}
		if expiredAt(rec.Expiry, nowTS) {
			return true // dropped: expired records are not carried forward
		}
		line, eerr := encodePut(key, rec.Value, rec.Expiry)
		if eerr != nil {
			rangeErr = eerr
			return false
		}
		n, werr := tmpFile.WriteAt(line, offset)
		if werr != nil {
			rangeErr = ioErr("write compacted record", werr)
			return false
		}
		newIdx.Insert(key, IndexEntry{Offset: offset, Length: n})
		offset += int64(n)
		return true
	})
	if rangeErr != nil {
		return rangeErr
	}

	if err := tmpFile.Sync(); err != nil {
		return ioErr("fsync compaction temp file", err)
	}
	if err := tmpFile.Close(); err != nil {
		return ioErr("close compaction temp file", err)
	}

	if err := os.Rename(tmpPath, e.dataPath); err != nil {
		return ioErr("rename compacted data file", err)
	}

	if err := e.data.Replace(e.dataPath); err != nil {
		return err
	}

	e.idx = newIdx
	if err := e.wal.Truncate(); err != nil {
		e.errorHandler(err)
	}
	e.cache.Purge()
	if e.secIdx != nil {
		e.rebuildSecondaryIndex()
	}
	if err := e.persistHint(); err != nil {
		e.errorHandler(err)
	}

	return nil
}
