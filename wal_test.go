package kvdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

// tempWALPath returns a path for a WAL file in a fresh temp directory,
// cleaned up automatically, mirroring the teacher's createTempStore
// fixture style.
func tempWALPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.wal")
}

func TestWALAppendBatchAndReplay(t *testing.T) {
	path := tempWALPath(t)
	w, err := openWAL(path)
	if err != nil {
		t.Fatalf("openWAL: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	line1, _ := encodePut("a", []byte("1"), 0)
	line2, _ := encodePut("b", []byte("2"), 0)
	if err := w.AppendBatch([][]byte{line1, line2}); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	batches, err := walBatches(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("walBatches: %v", err)
	}
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected one batch of 2 lines, got %+v", batches)
	}
}

func TestWALTruncateClearsBatches(t *testing.T) {
	path := tempWALPath(t)
	w, err := openWAL(path)
	if err != nil {
		t.Fatalf("openWAL: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	line, _ := encodeDel("a")
	if err := w.AppendBatch([][]byte{line}); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	batches, err := walBatches(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("walBatches: %v", err)
	}
	if len(batches) != 0 {
		t.Fatalf("expected no batches after truncate, got %+v", batches)
	}
}

func TestWALRejectsForeignHeader(t *testing.T) {
	path := tempWALPath(t)
	if err := os.WriteFile(path, []byte("not-a-kvdb-wal\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := openWAL(path); err == nil {
		t.Fatal("expected openWAL to reject a file with a foreign header")
	}
}

func TestWALDiscardsUncommittedTail(t *testing.T) {
	path := tempWALPath(t)
	w, err := openWAL(path)
	if err != nil {
		t.Fatalf("openWAL: %v", err)
	}

	line, _ := encodePut("a", []byte("1"), 0)
	if err := w.AppendBatch([][]byte{line}); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	w.Close()

	// Simulate a crash mid-batch: append a line with no trailing commit
	// marker directly to the file.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	orphan, _ := encodePut("b", []byte("2"), 0)
	if _, err := f.Write(orphan); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	batches, err := walBatches(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("walBatches: %v", err)
	}
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected exactly the first committed batch, got %+v", batches)
	}
}
