package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, FileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.Contains(string(data), "pid=") {
		t.Errorf("lock file = %q, want pid line", data)
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(l.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file still present after release: %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	tmpDir := t.TempDir()

	l1, err := Acquire(tmpDir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(tmpDir)
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %T: %v", err, err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", held.PID, os.Getpid())
	}
	if !IsHeld(err) {
		t.Error("IsHeld() = false")
	}
}

// TestClearStaleUnblocksAcquire simulates a handle that was never released:
// clearing the file lets a new holder take over.
func TestClearStaleUnblocksAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.lock")

	leaked, err := AcquireFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = leaked.file.Close() }()

	if _, err := AcquireFile(path); !IsHeld(err) {
		t.Fatalf("AcquireFile() error = %v, want HeldError", err)
	}

	if err := ClearStale(path); err != nil {
		t.Fatalf("ClearStale() error = %v", err)
	}
	l, err := AcquireFile(path)
	if err != nil {
		t.Fatalf("AcquireFile() after ClearStale error = %v", err)
	}
	_ = l.Release()
}

func TestClearStaleMissingFile(t *testing.T) {
	if err := ClearStale(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Errorf("ClearStale() on missing file error = %v", err)
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l, err := Acquire(t.TempDir())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
