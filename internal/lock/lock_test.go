package lock

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestPathSanitizesPeerID(t *testing.T) {
	got := Path("/tmp/locks", "store:hq/east")
	if want := filepath.Join("/tmp/locks", "peer-store_hq_east.lock"); got != want {
		t.Fatalf("Path = %q, want %q", got, want)
	}
}

func TestPeersExclusive(t *testing.T) {
	dir := t.TempDir()
	held, err := Peers(dir, "store:a", "store:b")
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}

	if _, err := Peers(dir, "store:b"); !errors.Is(err, ErrLocked) {
		t.Fatalf("second lock on store:b: got %v", err)
	}
	// A failed multi-peer acquire leaves nothing behind.
	if _, err := Peers(dir, "store:c", "store:a"); !errors.Is(err, ErrLocked) {
		t.Fatalf("lock on store:a: got %v", err)
	}
	c, err := Peers(dir, "store:c")
	if err != nil {
		t.Fatalf("store:c should be free: %v", err)
	}
	c.Release()

	held.Release()
	held.Release()
	again, err := Peers(dir, "store:a", "store:b")
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	again.Release()
}
