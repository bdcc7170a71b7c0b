package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "run"), "openakita-")
	tok, err := l.Acquire("default")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := os.Stat(l.Path("default")); err != nil {
		t.Fatalf("marker missing: %v", err)
	}
	if _, err := l.Acquire("default"); !errors.Is(err, ErrHeld) {
		t.Fatalf("second acquire: expected ErrHeld, got %v", err)
	}
	if err := tok.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := tok.Release(); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	tok2, err := l.Acquire("default")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = tok2.Release()
}

func TestAcquireIsPerWorkspace(t *testing.T) {
	l := New(t.TempDir(), "p-")
	a, err := l.Acquire("a")
	if err != nil {
		t.Fatalf("a: %v", err)
	}
	defer func() { _ = a.Release() }()
	b, err := l.Acquire("b")
	if err != nil {
		t.Fatalf("b: %v", err)
	}
	_ = b.Release()
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	l := New(t.TempDir(), "p-")
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	tokens := make(chan *Token, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tok, err := l.Acquire("ws")
			if err == nil {
				wins.Add(1)
				tokens <- tok
			} else if !errors.Is(err, ErrHeld) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	close(tokens)
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	for tok := range tokens {
		_ = tok.Release()
	}
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "p-")
	if _, err := l.Acquire("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire("b"); err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(dir, "p-a.pid")
	if err := os.WriteFile(keep, []byte("1"), 0o600); err != nil {
		t.Fatal(err)
	}
	removed, err := l.Clear()
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %v", removed)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("non-lock file must survive: %v", err)
	}
	if _, err := New(filepath.Join(dir, "missing"), "p-").Clear(); err != nil {
		t.Fatalf("clear on missing dir: %v", err)
	}
}

func TestAcquireRejectsBadID(t *testing.T) {
	l := New(t.TempDir(), "p-")
	if _, err := l.Acquire("../x"); err == nil {
		t.Fatalf("expected error for traversal id")
	}
}
