package sessiongc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sessionDir(t *testing.T, root, id string, age time.Duration) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(filepath.Join(dir, "work"), 0o755); err != nil {
		t.Fatal(err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(dir, stamp, stamp); err != nil {
		t.Fatal(err)
	}
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	root := t.TempDir()
	sessionDir(t, root, "old-1", 200*time.Hour)
	sessionDir(t, root, "old-2", 169*time.Hour)
	sessionDir(t, root, "fresh", time.Hour)

	s := NewSweeper(root, 168*time.Hour, nil)
	res, err := s.Sweep(context.Background(), false)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if res.Scanned != 3 || res.Removed != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(root, "fresh")); err != nil {
		t.Fatalf("fresh session removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "old-1")); !os.IsNotExist(err) {
		t.Fatal("expired session survived")
	}
}

func TestSweep_DryRunKeepsEverything(t *testing.T) {
	root := t.TempDir()
	sessionDir(t, root, "old-1", 200*time.Hour)

	res, err := NewSweeper(root, 168*time.Hour, nil).Sweep(context.Background(), true)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if res.Removed != 1 || !res.DryRun {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(root, "old-1")); err != nil {
		t.Fatalf("dry run removed a directory: %v", err)
	}
}

func TestSweep_MissingRoot(t *testing.T) {
	s := NewSweeper(filepath.Join(t.TempDir(), "absent"), time.Hour, nil)
	res, err := s.Sweep(context.Background(), false)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if res.Scanned != 0 || res.Removed != 0 {
		t.Fatalf("missing root should be an empty sweep: %+v", res)
	}
}

func TestSweep_IgnoresPlainFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sessionDir(t, root, "old-1", 10*time.Hour)

	s := NewSweeper(root, time.Hour, nil)
	res, err := s.Sweep(context.Background(), false)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if res.Scanned != 1 || res.Removed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(root, "stray.txt")); err != nil {
		t.Fatalf("plain file touched by sweep: %v", err)
	}
}
