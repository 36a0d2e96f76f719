package kvdb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	eng := openTestEngine(t, Options{})
	eng.Put("a", []byte("1"))
	eng.Put("b", []byte("2"))

	snapPrefix := filepath.Join(t.TempDir(), "snap")
	if err := eng.Snapshot(snapPrefix); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// Mutate after the snapshot; these changes must be undone by Restore.
	eng.Put("a", []byte("changed"))
	eng.Delete("b")
	eng.Put("c", []byte("new"))

	if err := eng.Restore(snapPrefix); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	v, err := eng.Get("a")
	if err != nil || string(v) != "1" {
		t.Fatalf("Get(a) after restore = %q, %v", v, err)
	}
	v, err = eng.Get("b")
	if err != nil || string(v) != "2" {
		t.Fatalf("Get(b) after restore = %q, %v", v, err)
	}
	if _, err := eng.Get("c"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected post-snapshot key c to be gone after restore, got %v", err)
	}
}

func TestSnapshotOmittedFilesRemovedOnRestore(t *testing.T) {
	eng := openTestEngine(t, Options{})

	// Snapshot with no scripts registered, then delete the snapshot's
	// destPrefix+".scripts" (Snapshot always writes one) so it is omitted;
	// restoring into an engine that *has* registered a script must clear
	// that script's sidecar back out.
	snapPrefix := filepath.Join(t.TempDir(), "snap")
	if err := eng.Snapshot(snapPrefix); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := os.Remove(snapPrefix + ".scripts"); err != nil {
		t.Fatalf("remove snapshot sidecar: %v", err)
	}

	if _, err := eng.ScriptRegister(`return 1`, "one", ""); err != nil {
		t.Fatalf("ScriptRegister: %v", err)
	}

	if err := eng.Restore(snapPrefix); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(eng.ScriptList()) != 0 {
		t.Fatalf("expected scripts cleared by restoring a script-less snapshot, got %+v", eng.ScriptList())
	}
}
