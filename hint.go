package kvdb

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
)

// hintMagic tags the hint file format.
const hintMagic = "kvdb-hint 1"

// writeHint serializes idx to path as CSV lines (offset,length,key: the key
// is the last field, not the first), with a header line recording the data file size and modification time the hint
// was generated against, per §4.5's staleness-detection requirement. The
// whole file is replaced atomically so a concurrent crash never leaves a
// torn hint file on disk.
func writeHint(path string, dataSize int64, dataModNanos int64, idx *Index) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %d\n", hintMagic, dataSize, dataModNanos)

	idx.Range(func(key string, entry IndexEntry) bool {
		// Keys cannot contain tabs/newlines (validated on write), but may
		// contain commas; escape by writing the key last and anchoring the
		// two trailing numeric fields instead of splitting naively.
		fmt.Fprintf(&buf, "%d,%d,%s\n", entry.Offset, entry.Length, key)
		return true
	})

	if err := atomic.WriteFile(path, bytes.NewReader(buf.Bytes())); err != nil {
		return ioErr("write hint file", err)
	}
	return nil
}

// loadHint loads the index from the hint file at path if it exists and its
// recorded (size, mtime) header matches the data file's current state.
// ok is false (no error) when the hint is absent or stale; the caller
// should fall back to a full data-file scan in that case.
func loadHint(path string, dataSize int64, dataModNanos int64) (idx *Index, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, ioErr("open hint file", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	headerLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, false, nil
	}
	fields := strings.Fields(strings.TrimSpace(headerLine))
	if len(fields) != 4 || fields[0]+" "+fields[1] != hintMagic {
		return nil, false, &CorruptHintError{Reason: "bad header"}
	}
	size, err1 := strconv.ParseInt(fields[2], 10, 64)
	mtime, err2 := strconv.ParseInt(fields[3], 10, 64)
	if err1 != nil || err2 != nil {
		return nil, false, &CorruptHintError{Reason: "unparsable header fields"}
	}
	if size != dataSize || mtime != dataModNanos {
		// Stale, not corrupt: this is the ordinary case after any write
		// since the hint was last persisted. Fall back to a scan quietly.
		return nil, false, nil
	}

	idx = newIndex()
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimSuffix(line, "\n")
		if line != "" {
			parts := strings.SplitN(line, ",", 3)
			if len(parts) != 3 {
				return nil, false, &CorruptHintError{Reason: "malformed hint line"}
			}
			offset, oerr := strconv.ParseInt(parts[0], 10, 64)
			length, lerr := strconv.Atoi(parts[1])
			if oerr != nil || lerr != nil {
				return nil, false, &CorruptHintError{Reason: "malformed hint line"}
			}
			idx.Insert(parts[2], IndexEntry{Offset: offset, Length: length})
		}
		if err != nil {
			break
		}
	}
	return idx, true, nil
}
