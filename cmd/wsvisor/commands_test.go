package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/wsvisor"
	"github.com/loykin/wsvisor/internal/inspector/inspectortest"
	"github.com/loykin/wsvisor/internal/registry"
	"github.com/loykin/wsvisor/internal/server"
	"github.com/loykin/wsvisor/internal/supervisor"
	"github.com/loykin/wsvisor/internal/workspace"
)

func writeConfig(t *testing.T, root string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "wsvisor.toml")
	body := "root = " + `"` + filepath.ToSlash(root) + `"` + "\n[server]\nlisten = \"127.0.0.1:0\"\n"
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out, quietLogger())
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLocalStatusAndStart(t *testing.T) {
	root := t.TempDir()
	cfg := writeConfig(t, root)

	out, err := run(t, "--config", cfg, "status", "-w", "default")
	require.NoError(t, err)
	var st wsvisor.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "default", st.WorkspaceID)
	assert.False(t, st.Running)

	_, err = run(t, "--config", cfg, "start", "-w", "default")
	assert.True(t, errors.Is(err, wsvisor.ErrWorkspaceNotFound), "%v", err)

	_, err = run(t, "--config", cfg, "status", "-w", "../x")
	assert.Error(t, err)
}

func TestLocalAdoptSelf(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	out, err := run(t, "--config", cfg, "adopt", "-w", "ext", "--pid", itoa(os.Getpid()))
	require.NoError(t, err)
	var st wsvisor.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, registry.External, st.StartedBy)
	assert.Equal(t, os.Getpid(), st.PID)

	out, err = run(t, "--config", cfg, "alive", "-w", "ext")
	require.NoError(t, err)
	assert.Contains(t, out, `"alive": true`)
}

func TestLocalLogAndReconcile(t *testing.T) {
	root := t.TempDir()
	cfg := writeConfig(t, root)
	layout := workspace.NewLayout(root)
	require.NoError(t, os.MkdirAll(filepath.Dir(layout.LogPath("w")), 0o750))
	require.NoError(t, os.WriteFile(layout.LogPath("w"), []byte("hello\nworld\n"), 0o600))

	out, err := run(t, "--config", cfg, "log", "-w", "w", "--tail", "6")
	require.NoError(t, err)
	assert.Equal(t, "world\n", out)

	require.NoError(t, os.MkdirAll(layout.RunDir(), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(layout.RunDir(), layout.Prefix+"w.lock"), nil, 0o600))
	out, err = run(t, "--config", cfg, "reconcile")
	require.NoError(t, err)
	var rep wsvisor.ReconcileReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Len(t, rep.RemovedLocks, 1)
}

type refused struct{}

func (refused) Shutdown(context.Context, int) error { return errors.New("connection refused") }
func (refused) Healthy(context.Context, int) bool   { return false }

func TestRemoteCommands(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fake := inspectortest.New()
	sup := supervisor.New(supervisor.Options{
		Layout:     workspace.NewLayout(t.TempDir()),
		Inspector:  fake,
		Controller: refused{},
		Timing:     supervisor.Timing{PollInterval: 10 * time.Millisecond, GracefulWait: 50 * time.Millisecond, KillWait: 50 * time.Millisecond},
	})
	ts := httptest.NewServer(server.NewRouter(sup, "/api").Handler())
	defer ts.Close()
	api := ts.URL + "/api"

	now := time.Now()
	fake.Add(600, now)
	require.NoError(t, sup.Registry().Put(registry.Record{WorkspaceID: "w", PID: 600, StartedBy: registry.Self, StartedAt: now.Unix()}))
	fake.AddNamed(601, now, "python", "python -m openakita.main serve")

	out, err := run(t, "--api-url", api, "status", "-w", "w")
	require.NoError(t, err)
	assert.Contains(t, out, `"running": true`)

	out, err = run(t, "--api-url", api, "processes")
	require.NoError(t, err)
	var procs []wsvisor.ProcessInfo
	require.NoError(t, json.Unmarshal([]byte(out), &procs))
	assert.Len(t, procs, 1)

	out, err = run(t, "--api-url", api, "stop-all")
	require.NoError(t, err)
	var rep wsvisor.StopAllReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, []int{600}, rep.Stopped)
	assert.Equal(t, []int{601}, rep.Orphans)

	_, err = run(t, "--api-url", api, "start", "-w", "missing")
	assert.True(t, errors.Is(err, wsvisor.ErrWorkspaceNotFound), "%v", err)
}

type stubBackend struct {
	backend
	closed bool
}

func (b *stubBackend) Processes(context.Context) ([]wsvisor.ProcessInfo, error) { return nil, nil }
func (b *stubBackend) Close() error                                             { b.closed = true; return nil }

func TestProcessesPrintsEmptyList(t *testing.T) {
	var out bytes.Buffer
	stub := &stubBackend{}
	c := newCommand(&GlobalFlags{}, &out, quietLogger())
	c.open = func(GlobalFlags, *slog.Logger) (backend, error) { return stub, nil }
	require.NoError(t, c.Processes(context.Background()))
	assert.Equal(t, "[]\n", out.String())
	assert.True(t, stub.closed)
}

func TestCommandValidation(t *testing.T) {
	c := newCommand(&GlobalFlags{}, io.Discard, quietLogger())
	c.open = func(GlobalFlags, *slog.Logger) (backend, error) { return nil, errors.New("must not open") }
	ctx := context.Background()
	assert.ErrorContains(t, c.Status(ctx, WorkspaceFlags{}), "--workspace")
	assert.ErrorContains(t, c.Log(ctx, LogFlags{Workspace: "w", Tail: -1}), "--tail")
	assert.ErrorContains(t, c.Adopt(ctx, AdoptFlags{Workspace: "w"}), "--pid")
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
