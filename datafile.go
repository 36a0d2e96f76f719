package kvdb

import (
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// DataFile is the append-only file of record lines. Reads prefer a
// read-only mmap of the file; appends are synchronous writes through the
// same descriptor. Per §9's "Mmap growth" note, this engine takes option
// (b): rather than remap on every append, reads past the mapped prefix
// fall back to a positioned file read.
type DataFile struct {
	mu sync.RWMutex

	path   string
	f      *os.File // read/write, used for append and for ReadAt fallback
	mapped mmap.MMap // read-only mapping of the file's first mappedLen bytes
	mappedLen int64
	size   int64 // current logical end of file
}

// openDataFile opens (creating if necessary) the data file at path and
// establishes an initial mapping over its current contents.
func openDataFile(path string) (*DataFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, ioErr("open data file", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioErr("stat data file", err)
	}
	df := &DataFile{path: path, f: f, size: stat.Size()}
	if stat.Size() > 0 {
		if err := df.remapLocked(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return df, nil
}

// Size returns the current logical length of the data file.
func (df *DataFile) Size() int64 {
	df.mu.RLock()
	defer df.mu.RUnlock()
	return df.size
}

// remapLocked (re)establishes the read-only mapping over the file's current
// contents. Callers must hold df.mu for writing.
func (df *DataFile) remapLocked() error {
	if df.mapped != nil {
		_ = df.mapped.Unmap()
		df.mapped = nil
	}
	if df.size == 0 {
		df.mappedLen = 0
		return nil
	}
	m, err := mmap.MapRegion(df.f, int(df.size), mmap.RDONLY, 0, 0)
	if err != nil {
		// mmap is an acceleration, not a correctness requirement: fall
		// back to ReadAt-only operation if it fails (e.g. on a file
		// system that disallows it).
		df.mapped = nil
		df.mappedLen = 0
		return nil
	}
	df.mapped = m
	df.mappedLen = df.size
	return nil
}

// Append writes line to the end of the data file and returns the offset
// and length at which it was written. The mapping is not refreshed here;
// reads of the newly appended bytes are serviced by the ReadAt fallback
// until the next explicit Remap.
func (df *DataFile) Append(line []byte) (offset int64, length int, err error) {
	df.mu.Lock()
	defer df.mu.Unlock()

	offset = df.size
	n, err := df.f.WriteAt(line, offset)
	if err != nil {
		return 0, 0, ioErr("append data file", err)
	}
	df.size += int64(n)
	return offset, n, nil
}

// Remap refreshes the read-only mapping to cover all bytes written so far.
// The engine calls this after a batch of appends so that subsequent reads
// are serviced by the (faster) mmap path again.
func (df *DataFile) Remap() error {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.remapLocked()
}

// ReadAt returns the length bytes at offset. It is serviced from the mmap
// when the requested range is fully within the current mapping, and from a
// positioned file read otherwise. Returns ErrNotFound if the range extends
// past the logical end of file (signals hint/data skew to the caller).
func (df *DataFile) ReadAt(offset int64, length int) ([]byte, error) {
	df.mu.RLock()
	defer df.mu.RUnlock()

	if offset < 0 || length < 0 || offset+int64(length) > df.size {
		return nil, ErrNotFound
	}
	if df.mapped != nil && offset+int64(length) <= df.mappedLen {
		out := make([]byte, length)
		copy(out, df.mapped[offset:offset+int64(length)])
		return out, nil
	}
	buf := make([]byte, length)
	n, err := df.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, ioErr("read data file", err)
	}
	if n < length {
		return nil, ErrNotFound
	}
	return buf, nil
}

// Sync flushes the data file to stable storage.
func (df *DataFile) Sync() error {
	df.mu.RLock()
	defer df.mu.RUnlock()
	return ioErr("fsync data file", df.f.Sync())
}

// Close unmaps and closes the underlying file.
func (df *DataFile) Close() error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if df.mapped != nil {
		_ = df.mapped.Unmap()
		df.mapped = nil
	}
	return df.f.Close()
}

// Replace atomically swaps the data file's underlying descriptor and
// mapping for the one at newPath, used by compaction after the new file
// has been renamed into place over path.
func (df *DataFile) Replace(newPath string) error {
	f, err := os.OpenFile(newPath, os.O_RDWR, 0644)
	if err != nil {
		return ioErr("reopen compacted data file", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return ioErr("stat compacted data file", err)
	}

	df.mu.Lock()
	defer df.mu.Unlock()
	if df.mapped != nil {
		_ = df.mapped.Unmap()
		df.mapped = nil
	}
	_ = df.f.Close()
	df.f = f
	df.size = stat.Size()
	return df.remapLocked()
}
