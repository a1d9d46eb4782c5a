package lockfile

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bridge.lock")

	l1, err := Acquire(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second acquire: got=%v, want ErrAlreadyLocked", err)
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}

	// Release is idempotent.
	if err := l2.Release(); err != nil {
		t.Fatalf("repeat release: %v", err)
	}
}

func TestAcquireEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Acquire(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
