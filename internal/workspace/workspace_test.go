package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireIsIdempotent(t *testing.T) {
	ws := New(Config{Root: t.TempDir()}, nil)

	first, err := ws.Acquire("stream-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	marker := filepath.Join(first, "keep.txt")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	second, err := ws.Acquire("stream-1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if first != second {
		t.Fatalf("expected same directory, got %q and %q", first, second)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected existing contents to survive, got %v", err)
	}
}

func TestDistinctStreamsGetDistinctDirectories(t *testing.T) {
	ws := New(Config{Root: t.TempDir()}, nil)
	a, err := ws.Acquire("a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	b, err := ws.Acquire("b")
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if a == b {
		t.Fatal("expected separate directories")
	}
}

func TestAcquireRejectsUnsafeIDs(t *testing.T) {
	ws := New(Config{Root: t.TempDir()}, nil)
	for _, id := range []string{"", "../escape", "a/b", "with space"} {
		if _, err := ws.Acquire(id); !errors.Is(err, ErrInvalidStreamID) {
			t.Errorf("Acquire(%q) error = %v, want ErrInvalidStreamID", id, err)
		}
	}
}

func TestReleaseRemovesDirectoryAndToleratesMissing(t *testing.T) {
	ws := New(Config{Root: t.TempDir()}, nil)
	dir, err := ws.Acquire("s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nested", "media_0.mp4"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ws.Release("s1")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected directory removed, stat err = %v", err)
	}

	ws.Release("s1")
	ws.Release("../bad")
}
