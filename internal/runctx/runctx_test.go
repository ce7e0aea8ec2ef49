package runctx

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunCtxLifecycle(t *testing.T) {
	rc, err := New("pgbckctl_test", false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := rc.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	// directory should be gone
	if _, err := os.Stat(rc.Dir); !os.IsNotExist(err) {
		t.Fatalf("dir still exists")
	}
}

func TestRunCtxNewAt(t *testing.T) {
	parent := t.TempDir()
	rc, err := NewAt(parent, "staging_", false)
	if err != nil {
		t.Fatalf("new at: %v", err)
	}
	if filepath.Dir(rc.Dir) != parent {
		t.Fatalf("scratch dir %s not under %s", rc.Dir, parent)
	}
	if err := rc.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

func TestRunCtxKeepOnExit(t *testing.T) {
	rc, err := NewAt(t.TempDir(), "keep_", true)
	if err != nil {
		t.Fatalf("new at: %v", err)
	}
	if err := rc.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(rc.Dir); err != nil {
		t.Fatalf("kept dir missing: %v", err)
	}
}
