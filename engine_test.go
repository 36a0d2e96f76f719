package kvdb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func openTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	dir := t.TempDir()
	if opts.Logger == nil {
		l := zerolog.Nop()
		opts.Logger = &l
	}
	eng, err := Open(filepath.Join(dir, "db"), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	eng := openTestEngine(t, Options{})

	if err := eng.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := eng.Put("b", []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, err := eng.Get("a")
	if err != nil || string(v) != "1" {
		t.Fatalf("Get(a) = %q, %v", v, err)
	}
	v, err = eng.Get("b")
	if err != nil || string(v) != "2" {
		t.Fatalf("Get(b) = %q, %v", v, err)
	}
	if got := eng.Stats().Writes; got != 2 {
		t.Fatalf("expected 2 writes, got %d", got)
	}

	if err := eng.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := eng.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestLastWriterWins(t *testing.T) {
	eng := openTestEngine(t, Options{})

	eng.Put("k", []byte("1"))
	eng.Put("k", []byte("2"))
	v, err := eng.Get("k")
	if err != nil || string(v) != "2" {
		t.Fatalf("expected last write to win, got %q, %v", v, err)
	}

	eng.Delete("k")
	if _, err := eng.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected absent after delete, got %v", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	eng := openTestEngine(t, Options{})

	clock := int64(1000)
	now = func() int64 { return clock }
	t.Cleanup(func() { now = func() int64 { return clock } })

	if err := eng.PutEx("x", []byte("v"), 5); err != nil {
		t.Fatalf("PutEx: %v", err)
	}
	v, err := eng.Get("x")
	if err != nil || string(v) != "v" {
		t.Fatalf("expected present before expiry, got %q, %v", v, err)
	}

	clock += 5 // expiry == now: I4 says expiry <= now behaves as absent
	if _, err := eng.Get("x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected absent at expiry, got %v", err)
	}
}

func TestScanPrefix(t *testing.T) {
	eng := openTestEngine(t, Options{})
	eng.Put("p:1", []byte("a"))
	eng.Put("p:2", []byte("b"))
	eng.Put("q", []byte("c"))

	seen := map[string]bool{}
	it := eng.ScanPrefix("p:")
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		seen[k] = true
	}
	if len(seen) != 2 || !seen["p:1"] || !seen["p:2"] {
		t.Fatalf("unexpected scan result: %+v", seen)
	}
}

func TestScanRangeInclusive(t *testing.T) {
	eng := openTestEngine(t, Options{})
	for _, k := range []string{"a", "b", "c", "d"} {
		eng.Put(k, []byte(k))
	}
	it := eng.ScanRange("b", "c")
	var got []string
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, k)
	}
	if len(got) != 2 {
		t.Fatalf("expected inclusive range [b,c] to yield 2 keys, got %v", got)
	}
}

func TestBatchAppliesAll(t *testing.T) {
	eng := openTestEngine(t, Options{})
	err := eng.Batch([]BatchOp{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
		{Key: "a", Del: true},
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if _, err := eng.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a deleted within its own batch, got %v", err)
	}
	v, err := eng.Get("b")
	if err != nil || string(v) != "2" {
		t.Fatalf("Get(b) = %q, %v", v, err)
	}
}

func TestReopenRecoversState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db")
	l := zerolog.Nop()

	eng, err := Open(path, Options{Logger: &l})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	eng.Put("a", []byte("1"))
	eng.Put("a", []byte("2"))
	eng.Delete("b")
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	eng2, err := Open(path, Options{Logger: &l})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer eng2.Close()

	v, err := eng2.Get("a")
	if err != nil || string(v) != "2" {
		t.Fatalf("Get(a) after reopen = %q, %v", v, err)
	}
	if _, err := eng2.Get("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected b absent after reopen, got %v", err)
	}
}

func TestHintFileEquivalence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db")
	l := zerolog.Nop()

	eng, err := Open(path, Options{Logger: &l})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 20; i++ {
		eng.Put(string(rune('a'+i)), []byte{byte(i)})
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Open with the hint file present.
	withHint, err := Open(path, Options{Logger: &l})
	if err != nil {
		t.Fatalf("Open withHint: %v", err)
	}
	withHintLen := withHint.Len()
	withHint.Close()

	// Remove the hint file and open again, forcing a full scan.
	if err := os.Remove(path + ".hint"); err != nil && !os.IsNotExist(err) {
		t.Fatalf("remove hint: %v", err)
	}
	withoutHint, err := Open(path, Options{Logger: &l})
	if err != nil {
		t.Fatalf("Open withoutHint: %v", err)
	}
	defer withoutHint.Close()

	if withHintLen != withoutHint.Len() {
		t.Fatalf("index size differs: withHint=%d withoutHint=%d", withHintLen, withoutHint.Len())
	}
	for i := 0; i < 20; i++ {
		key := string(rune('a' + i))
		if !withoutHint.Exists(key) {
			t.Fatalf("key %q missing after scan-rebuilt open", key)
		}
	}
}

func TestCacheConsistency(t *testing.T) {
	eng := openTestEngine(t, Options{CacheCapacity: 10})
	eng.Put("k", []byte("1"))
	if v, err := eng.Get("k"); err != nil || string(v) != "1" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	// Second write must be visible immediately despite the cached value.
	eng.Put("k", []byte("2"))
	v, err := eng.Get("k")
	if err != nil || string(v) != "2" {
		t.Fatalf("expected updated value post-cache, got %q, %v", v, err)
	}
	stats := eng.Stats()
	if stats.CacheHits == 0 {
		t.Fatalf("expected at least one cache hit, got stats=%+v", stats)
	}
}

func TestSecondaryIndexFind(t *testing.T) {
	eng := openTestEngine(t, Options{
		Serializer:             JSONSerializer{},
		SecondaryIndexedFields: []string{"name"},
	})

	eng.Put("u1", []byte(`{"name":"alice","age":30}`))
	eng.Put("u2", []byte(`{"name":"bob"}`))

	if got := eng.Find("name", "alice"); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("Find(name,alice) = %v", got)
	}

	eng.Put("u1", []byte(`{"name":"carol"}`))
	if got := eng.Find("name", "alice"); len(got) != 0 {
		t.Fatalf("expected no results for stale field value, got %v", got)
	}
	if got := eng.Find("name", "carol"); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("Find(name,carol) = %v", got)
	}
}

func TestJSONSerializerRejectsInvalidJSON(t *testing.T) {
	eng := openTestEngine(t, Options{Serializer: JSONSerializer{}})
	if err := eng.Put("k", []byte("not json")); !errors.Is(err, ErrSerializer) {
		t.Fatalf("expected ErrSerializer, got %v", err)
	}
}
