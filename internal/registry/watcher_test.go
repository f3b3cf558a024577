package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vizstack/vsxd/internal/identity"
)

func TestWatcherMarksStaleOnMarkerRemoval(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "instances.db")
	r, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	id := identity.ServerIdentity{Hostname: "gpu-node-3", ServerNumber: 7}
	if err := r.Put(Record{Identity: id}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	runtimeDir := t.TempDir()
	markerPath := filepath.Join(runtimeDir, "xuser-7")
	if err := os.WriteFile(markerPath, []byte("alice 123 0"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	w, err := NewWatcher(r, runtimeDir, "gpu-node-3")
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.Remove(markerPath); err != nil {
		t.Fatalf("remove marker: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		rec, ok, err := r.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok && rec.Stale {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for instance to be marked stale")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
