package kvdb

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Options configures an Engine at Open time, per §6.
type Options struct {
	// Serializer validates values before they are accepted. Defaults to
	// PlainSerializer (no validation).
	Serializer Serializer
	// CacheCapacity bounds the value cache; 0 disables it.
	CacheCapacity int
	// SecondaryIndexedFields are the top-level JSON object fields tracked
	// by the secondary index. Empty disables the secondary index.
	SecondaryIndexedFields []string
	// Logger receives structured engine diagnostics. Defaults to a
	// zerolog logger writing to stderr.
	Logger *zerolog.Logger
	// ErrorHandler is invoked for failures in background paths that have
	// no caller to return an error to (e.g. a write that succeeded but
	// whose hint-file rewrite failed). Defaults to logging through
	// Logger; unlike the teacher's ErrorHandler, it never calls
	// log.Fatal, since a library must not abort its host process.
	ErrorHandler func(error)
}

func (o Options) withDefaults() Options {
	if o.Serializer == nil {
		o.Serializer = PlainSerializer{}
	}
	if o.Logger == nil {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		o.Logger = &l
	}
	if o.ErrorHandler == nil {
		logger := o.Logger
		o.ErrorHandler = func(err error) {
			logger.Error().Err(err).Msg("kvdb: background operation failed")
		}
	}
	return o
}

// writeOp is one staged mutation within a Put/Delete/Batch call.
type writeOp struct {
	key    string
	del    bool
	value  []byte
	expiry int64
}

// Engine orchestrates the data file, WAL, primary index, hint file, value
// cache, secondary index, and script cache, and enforces the single-writer
// discipline of §5: every mutating operation (Put, Delete, Batch, Compact,
// script execution) holds writeMu for its entire duration.
type Engine struct {
	writeMu sync.Mutex

	dataPath    string
	walPath     string
	hintPath    string
	scriptsPath string

	data    *DataFile
	wal     *WAL
	idx     *Index
	cache   *ValueCache
	secIdx  *SecondaryIndex
	scripts *ScriptCache

	serializer   Serializer
	logger       zerolog.Logger
	errorHandler func(error)

	stats      statCounters
	compacting atomic.Bool
	closed     atomic.Bool
}

// Open opens or creates the key-value store rooted at path. path is a
// prefix: the data file is path itself, alongside path+".wal",
// path+".hint", and path+".scripts".
func Open(path string, opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	data, err := openDataFile(path)
	if err != nil {
		return nil, err
	}

	walPath := path + ".wal"
	wal, err := openWAL(walPath)
	if err != nil {
		data.Close()
		return nil, err
	}

	e := &Engine{
		dataPath:     path,
		walPath:      walPath,
		hintPath:     path + ".hint",
		scriptsPath:  path + ".scripts",
		data:         data,
		wal:          wal,
		serializer:   opts.Serializer,
		logger:       *opts.Logger,
		errorHandler: opts.ErrorHandler,
	}

	if err := e.recover(); err != nil {
		wal.Close()
		data.Close()
		return nil, err
	}

	cache, err := newValueCache(opts.CacheCapacity)
	if err != nil {
		wal.Close()
		data.Close()
		return nil, err
	}
	e.cache = cache
	e.secIdx = newSecondaryIndex(opts.SecondaryIndexedFields)
	if e.secIdx != nil {
		e.rebuildSecondaryIndex()
	}

	scripts, err := openScriptCache(e.scriptsPath)
	if err != nil {
		wal.Close()
		data.Close()
		return nil, err
	}
	e.scripts = scripts

	return e, nil
}

// recover implements §4.8's recovery algorithm: replay any pending WAL
// batches into the data file, then build or load the primary index.
func (e *Engine) recover() error {
	batches, err := walBatches(e.walPath, e.logger)
	if err != nil {
		return err
	}
	replayed := false
	for _, batch := range batches {
		for _, line := range batch {
			if _, err := decodeRecord(line); err != nil {
				e.logger.Warn().Err(err).Msg("discarding malformed record during wal replay")
				continue
			}
			if _, _, err := e.data.Append(line); err != nil {
				return err
			}
			replayed = true
		}
	}
	if replayed {
		if err := e.data.Remap(); err != nil {
			return err
		}
		if err := e.wal.Truncate(); err != nil {
			return err
		}
	}

	size, modNanos, err := dataFileStat(e.data)
	if err != nil {
		return err
	}

	idx, ok, err := loadHint(e.hintPath, size, modNanos)
	if err != nil {
		if _, isCorrupt := err.(*CorruptHintError); !isCorrupt {
			return err
		}
		e.logger.Warn().Err(err).Msg("hint file corrupt, rebuilding index by scan")
		ok = false
	}
	// ok is also false (with err == nil) when the hint is merely absent or
	// stale relative to the data file, which is the ordinary case after any
	// write since the hint was last persisted — not worth a warning.
	if ok {
		e.idx = idx
		return nil
	}

	idx, err = e.scanIndex()
	if err != nil {
		return err
	}
	e.idx = idx
	if err := writeHint(e.hintPath, size, modNanos, e.idx); err != nil {
		e.logger.Warn().Err(err).Msg("failed to write hint file after scan")
	}
	return nil
}

// dataFileStat reports the (size, mtime-nanos) pair for the already-open
// data file, without a second os.Stat call on the path (which could race a
// concurrent writer on some platforms).
func dataFileStat(df *DataFile) (size int64, modNanos int64, err error) {
	stat, statErr := df.f.Stat()
	if statErr != nil {
		return 0, 0, ioErr("stat data file", statErr)
	}
	return stat.Size(), stat.ModTime().UnixNano(), nil
}

// scanIndex rebuilds the primary index by replaying every record in the
// data file from the start, per §4.5's fallback path.
func (e *Engine) scanIndex() (*Index, error) {
	idx := newIndex()
	size := e.data.Size()
	var offset int64
	for offset < size {
		line, length, err := e.readLineAt(offset)
		if err != nil {
			return nil, err
		}
		if length == 0 {
			break // tolerated empty trailing line at EOF
		}
		rec, err := decodeRecord(line)
		if err != nil {
			e.logger.Warn().Err(err).Int64("offset", offset).Msg("skipping malformed record during scan")
			offset += int64(length)
			continue
		}
		if rec.Del {
			idx.Remove(rec.Key)
		} else {
			idx.Insert(rec.Key, IndexEntry{Offset: offset, Length: length})
		}
		offset += int64(length)
	}
	return idx, nil
}

// readLineAt reads one newline-terminated record line starting at offset,
// using the data file's underlying descriptor directly and reading forward
// in chunks until the newline, since the line's length is not known in
// advance.
func (e *Engine) readLineAt(offset int64) (line []byte, length int, err error) {
	const chunk = 4096
	buf := make([]byte, 0, chunk)
	tmp := make([]byte, chunk)
	for {
		n, rerr := e.data.f.ReadAt(tmp, offset+int64(len(buf)))
		if n > 0 {
			for i := 0; i < n; i++ {
				if tmp[i] == '\n' {
					buf = append(buf, tmp[:i+1]...)
					return buf, len(buf), nil
				}
			}
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			if len(buf) == 0 {
				return nil, 0, nil
			}
			return buf, len(buf), nil
		}
	}
}

// readRecordAt reads and decodes the record referenced by entry.
func (e *Engine) readRecordAt(entry IndexEntry) (Record, error) {
	line, err := e.data.ReadAt(entry.Offset, entry.Length)
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(line)
}

// rebuildSecondaryIndex populates the secondary index from the current
// live set. Called after initial recovery and after compaction.
func (e *Engine) rebuildSecondaryIndex() {
	e.secIdx.Clear()
	e.idx.Range(func(key string, entry IndexEntry) bool {
		rec, err := e.readRecordAt(entry)
		if err != nil {
			e.logger.Warn().Err(err).Str("key", key).Msg("failed to read record while rebuilding secondary index")
			return true
		}
		e.secIdx.Put(key, nil, rec.Value)
		return true
	})
}

// Put stores value under key with no expiry.
func (e *Engine) Put(key string, value []byte) error {
	return e.writeBatch([]writeOp{{key: key, value: value}})
}

// PutTTL stores value under key, expiring at now+ttlSeconds. ttlSeconds
// must be > 0.
func (e *Engine) PutTTL(key string, value []byte, ttlSeconds int64) error {
	if ttlSeconds <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrKeyInvalid)
	}
	return e.writeBatch([]writeOp{{key: key, value: value, expiry: now() + ttlSeconds}})
}

// PutEx is an alias for PutTTL, matching the §4.8 "putex" operation name.
func (e *Engine) PutEx(key string, value []byte, ttlSeconds int64) error {
	return e.PutTTL(key, value, ttlSeconds)
}

// Delete removes key. It is idempotent and, per §4.8, is still recorded as
// a DEL in the WAL/data file even if the key is absent.
func (e *Engine) Delete(key string) error {
	return e.writeBatch([]writeOp{{key: key, del: true}})
}

// BatchOp is one operation within a Batch call.
type BatchOp struct {
	Key    string
	Del    bool
	Value  []byte
	TTL    int64 // seconds; 0 = no expiry; ignored when Del is true
}

// Batch applies ops atomically with respect to WAL durability: either all
// are durable, or (on failure) none are, per §4.8 and P7.
func (e *Engine) Batch(ops []BatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	wops := make([]writeOp, len(ops))
	for i, op := range ops {
		wops[i] = writeOp{key: op.Key, del: op.Del, value: op.Value}
		if !op.Del && op.TTL > 0 {
			wops[i].expiry = now() + op.TTL
		}
	}
	return e.writeBatch(wops)
}

// writeBatch validates ops, acquires the writer lock, and applies them.
// This is the entry point for Put/Delete/Batch; script execution instead
// calls writeBatchLocked directly, since it already holds writeMu for the
// script's whole duration (§4.9's atomicity contract).
func (e *Engine) writeBatch(ops []writeOp) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.validateOps(ops); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.writeBatchLocked(ops)
}

func (e *Engine) validateOps(ops []writeOp) error {
	for _, op := range ops {
		if err := validateKey(op.key); err != nil {
			return err
		}
		if !op.del {
			if err := e.serializer.Validate(op.value); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeBatchLocked is the core write protocol of §4.8, steps 1-8. Callers
// must hold writeMu.
func (e *Engine) writeBatchLocked(ops []writeOp) error {
	lines := make([][]byte, len(ops))
	for i, op := range ops {
		var line []byte
		var err error
		if op.del {
			line, err = encodeDel(op.key)
		} else {
			line, err = encodePut(op.key, op.value, op.expiry)
		}
		if err != nil {
			return err
		}
		lines[i] = line
	}

	if err := e.wal.AppendBatch(lines); err != nil {
		return err
	}

	for i, op := range ops {
		var oldValue []byte
		haveOld := false
		if e.secIdx != nil {
			if entry, ok := e.idx.Get(op.key); ok {
				if rec, err := e.readRecordAt(entry); err == nil {
					oldValue = rec.Value
					haveOld = true
				}
			}
		}

		offset, length, err := e.data.Append(lines[i])
		if err != nil {
			// The data file append failed after the WAL was already
			// durable; on reopen, recovery will replay this batch from
			// the WAL. Surface the error to the caller now.
			return err
		}

		if op.del {
			e.idx.Remove(op.key)
			e.cache.Remove(op.key)
			if e.secIdx != nil && haveOld {
				e.secIdx.Delete(op.key, oldValue)
			}
		} else {
			e.idx.Insert(op.key, IndexEntry{Offset: offset, Length: length})
			e.cache.Set(op.key, op.value, op.expiry)
			if e.secIdx != nil {
				e.secIdx.Put(op.key, oldValue, op.value)
			}
		}
	}

	if err := e.data.Remap(); err != nil {
		e.errorHandler(err)
	}
	if err := e.wal.Truncate(); err != nil {
		e.errorHandler(err)
	}
	if err := e.persistHint(); err != nil {
		e.errorHandler(err)
	}

	e.stats.writes.Add(uint64(len(ops)))
	return nil
}

func (e *Engine) persistHint() error {
	size, modNanos, err := dataFileStat(e.data)
	if err != nil {
		return err
	}
	return writeHint(e.hintPath, size, modNanos, e.idx)
}

// Get returns the current value for key, or ErrNotFound if it is absent or
// expired.
func (e *Engine) Get(key string) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.stats.reads.Add(1)

	if cv, ok := e.cache.Get(key); ok {
		if expiredAt(cv.expiry, now()) {
			e.cache.Remove(key)
		} else {
			e.stats.cacheHits.Add(1)
			return cv.value, nil
		}
	}
	e.stats.cacheMisses.Add(1)

	entry, ok := e.idx.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	rec, err := e.readRecordAt(entry)
	if err != nil {
		return nil, err
	}
	if expiredAt(rec.Expiry, now()) {
		return nil, ErrNotFound
	}
	e.cache.Set(key, rec.Value, rec.Expiry)
	return rec.Value, nil
}

// Exists reports whether key is present and unexpired, without populating
// the cache.
func (e *Engine) Exists(key string) bool {
	entry, ok := e.idx.Get(key)
	if !ok {
		return false
	}
	rec, err := e.readRecordAt(entry)
	if err != nil {
		return false
	}
	return !expiredAt(rec.Expiry, now())
}

// Len returns the number of entries in the primary index. It is not
// TTL-filtered: an expired-but-not-yet-compacted key still counts.
func (e *Engine) Len() int {
	return e.idx.Len()
}

// IsQuiescent reports that no compaction is currently in progress, per the
// probe called out (but not specified) in spec §9's Design Notes.
func (e *Engine) IsQuiescent() bool {
	return !e.compacting.Load()
}

// Find returns the keys whose current value has field equal to value,
// verified against the primary index and TTL per §4.7.
func (e *Engine) Find(field, value string) []string {
	if e.secIdx == nil {
		return nil
	}
	candidates := e.secIdx.Find(field, value)
	var out []string
	for _, key := range candidates {
		entry, ok := e.idx.Get(key)
		if !ok {
			continue
		}
		rec, err := e.readRecordAt(entry)
		if err != nil || expiredAt(rec.Expiry, now()) {
			continue
		}
		out = append(out, key)
	}
	return out
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Reads:        e.stats.reads.Load(),
		Writes:       e.stats.writes.Load(),
		CacheHits:    e.stats.cacheHits.Load(),
		CacheMisses:  e.stats.cacheMisses.Load(),
		IndexSize:    e.idx.Len(),
		DataFileSize: e.data.Size(),
		WALSize:      e.wal.Size(),
	}
}

// Close flushes the WAL, rewrites the hint file, persists script metadata,
// and releases the data file. The Engine must not be used after Close.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.wal.Truncate(); err != nil {
		e.logger.Error().Err(err).Msg("failed to truncate wal on close")
	}
	if err := e.persistHint(); err != nil {
		e.logger.Error().Err(err).Msg("failed to persist hint file on close")
	}
	if err := e.scripts.Close(); err != nil {
		e.logger.Error().Err(err).Msg("failed to persist script sidecar on close")
	}
	if err := e.wal.Close(); err != nil {
		return err
	}
	return e.data.Close()
}
