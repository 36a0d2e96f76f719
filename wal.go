package kvdb

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// WalHeader identifies the WAL file format and version, written once at
// file creation and validated on every open. Mirrors the teacher's
// WalHeader/Open validation, adapted to this engine's line grammar.
const WalHeader = "kvdb-wal 1"

// walCommit marks the end of a batch: everything appended since the
// previous commit (or file start) belongs to one atomic group.
const walCommit = "commit\n"

// WAL is the write-ahead log: an append-only file of record lines received
// before they are applied to the data file. Grounded on the teacher's
// Store type (single mutex-guarded append file, header validation on
// open, fsync-on-demand), generalized to stage/commit batches rather than
// writing one self-describing JSON record per call.
type WAL struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// openWAL opens or creates the WAL file at path, validating or writing its
// header.
func openWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, ioErr("open wal", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioErr("stat wal", err)
	}

	if stat.Size() == 0 {
		if _, err := f.Write([]byte(WalHeader + "\n")); err != nil {
			f.Close()
			return nil, ioErr("write wal header", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, ioErr("fsync wal header", err)
		}
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, ioErr("seek wal", err)
		}
		reader := bufio.NewReader(f)
		headerLine, err := reader.ReadString('\n')
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: wal header unreadable: %v", ErrMalformed, err)
		}
		if strings.TrimSpace(headerLine) != WalHeader {
			f.Close()
			return nil, fmt.Errorf("%w: unsupported wal header", ErrMalformed)
		}
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, ioErr("seek wal", err)
		}
	}

	return &WAL{f: f, path: path}, nil
}

// AppendBatch stages lines and appends a trailing commit marker, then
// fsyncs once. Per §4.3: the caller stages operations, invokes append for
// each line, then flushes exactly once; on success every staged line (and
// the batch's atomicity boundary) is durable. If any append fails the
// batch is abandoned and the WAL is truncated back to its pre-batch
// length, so a crash mid-batch never leaves a partial batch durable.
func (w *WAL) AppendBatch(lines [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	preLen, err := w.f.Seek(0, io.SeekEnd)
	if err != nil {
		return ioErr("seek wal", err)
	}

	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
	}
	buf.WriteString(walCommit)

	if _, err := w.f.Write(buf.Bytes()); err != nil {
		_ = w.f.Truncate(preLen)
		return ioErr("append wal", err)
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Truncate(preLen)
		return ioErr("fsync wal", err)
	}
	return nil
}

// Truncate clears the WAL back to just its header, used after a successful
// flush to the data file and on clean shutdown.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(int64(len(WalHeader) + 1)); err != nil {
		return ioErr("truncate wal", err)
	}
	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return ioErr("seek wal", err)
	}
	return nil
}

// Size returns the current WAL file length.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	stat, err := w.f.Stat()
	if err != nil {
		return 0
	}
	return stat.Size()
}

// Close closes the underlying file without truncating it; callers that
// want a clean shutdown should Truncate first.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// walBatches reads every complete, well-formed batch from the WAL file at
// path (skipping the header). A partial trailing line, or a batch with no
// terminating commit marker, is discarded rather than replayed, per §4.3's
// recovery contract.
func walBatches(path string, logger zerolog.Logger) ([][][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioErr("open wal for replay", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	headerLine, err := reader.ReadString('\n')
	if err != nil {
		// Empty or missing header: nothing to replay.
		return nil, nil
	}
	if strings.TrimSpace(headerLine) != WalHeader {
		logger.Warn().Str("path", path).Msg("wal header mismatch during replay, ignoring wal contents")
		return nil, nil
	}

	var batches [][][]byte
	var pending [][]byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if len(line) > 0 {
					logger.Warn().Str("path", path).Msg("discarding incomplete trailing wal line")
				}
				if len(pending) > 0 {
					logger.Warn().Int("lines", len(pending)).Msg("discarding uncommitted wal batch")
				}
				break
			}
			return nil, ioErr("read wal", err)
		}
		if line == walCommit {
			if len(pending) > 0 {
				batches = append(batches, pending)
				pending = nil
			}
			continue
		}
		pending = append(pending, []byte(line))
	}
	return batches, nil
}
