// Package lock implements the per-workspace start lock: an exclusively created
// marker file that serializes Start across independent launchers.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/loykin/wsvisor/internal/workspace"
)

const lockSuffix = ".lock"

// ErrHeld is returned by Acquire when another launcher holds the lock.
var ErrHeld = errors.New("start lock held")

type Locker struct {
	dir    string
	prefix string
}

func New(dir, prefix string) *Locker { return &Locker{dir: dir, prefix: prefix} }

func (l *Locker) Path(ws string) string {
	return filepath.Join(l.dir, l.prefix+ws+lockSuffix)
}

// Token is a held lock. Release is idempotent.
type Token struct {
	path string
	once sync.Once
	err  error
}

// Acquire creates the marker with O_EXCL. It never waits.
func (l *Locker) Acquire(ws string) (*Token, error) {
	if err := workspace.ValidID(ws); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		return nil, fmt.Errorf("lock mkdir %s: %w", l.dir, err)
	}
	path := l.Path(ws)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrHeld, path)
		}
		return nil, fmt.Errorf("lock create %s: %w", path, err)
	}
	// holder pid, informational only
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	_ = f.Close()
	return &Token{path: path}, nil
}

func (t *Token) Path() string { return t.path }

// Release removes the marker unconditionally.
func (t *Token) Release() error {
	if t == nil {
		return nil
	}
	t.once.Do(func() {
		err := os.Remove(t.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			t.err = err
		}
	})
	return t.err
}

// Clear removes every lock marker in the directory and returns the removed
// paths. Only safe before any Start runs in this process.
func (l *Locker) Clear() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, l.prefix) || !strings.HasSuffix(name, lockSuffix) {
			continue
		}
		p := filepath.Join(l.dir, name)
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, p)
	}
	return removed, errors.Join(errs...)
}
