package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/wsvisor/internal/inspector"
	"github.com/loykin/wsvisor/internal/inspector/inspectortest"
	"github.com/loykin/wsvisor/internal/registry"
	"github.com/loykin/wsvisor/internal/workspace"
)

type fakeController struct {
	mu          sync.Mutex
	shutdownErr error
	healthy     bool
	onShutdown  func(port int)
	shutdowns   []int
}

func (f *fakeController) Shutdown(_ context.Context, port int) error {
	f.mu.Lock()
	f.shutdowns = append(f.shutdowns, port)
	fn, err := f.onShutdown, f.shutdownErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		fn(port)
	}
	return nil
}

func (f *fakeController) Healthy(context.Context, int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeController) shutdownCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shutdowns)
}

var errRefused = errors.New("connection refused")

func testTiming() Timing {
	return Timing{
		GraceWindow:  100 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		GracefulWait: 300 * time.Millisecond,
		KillWait:     300 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, root string, in inspector.Inspector, ctrl Controller) *Supervisor {
	t.Helper()
	if root == "" {
		root = t.TempDir()
	}
	if ctrl == nil {
		ctrl = &fakeController{shutdownErr: errRefused}
	}
	opts := Options{
		Layout:     workspace.NewLayout(root),
		Inspector:  in,
		Controller: ctrl,
		Timing:     testTiming(),
	}
	if _, ok := in.(*inspectortest.Fake); !ok {
		// never match real processes on the test machine
		opts.Orphans = OrphanMatcher{CmdlineContains: []string{"wsvisor-test-no-such-backend"}}
	}
	return New(opts)
}

func putRecord(t *testing.T, s *Supervisor, ws string, pid int, by registry.StartedBy, startedAt int64) {
	t.Helper()
	require.NoError(t, s.Registry().Put(registry.Record{WorkspaceID: ws, PID: pid, StartedBy: by, StartedAt: startedAt}))
}

func writeRaw(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func layoutFor(root string) workspace.Layout { return workspace.NewLayout(root) }

func procOf(pid int, name, cmdline string) inspector.Proc {
	return inspector.Proc{PID: pid, Name: name, Cmdline: cmdline}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
