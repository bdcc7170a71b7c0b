package supervisor

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/wsvisor/internal/inspector/inspectortest"
	"github.com/loykin/wsvisor/internal/registry"
)

func TestStatusLegacyRecord(t *testing.T) {
	fake := inspectortest.New().Add(12345, time.Now().Add(-time.Hour))
	s := newTestSupervisor(t, "", fake, nil)
	writeRaw(t, s.Registry().Path("default"), "12345\n")

	st, err := s.Status(context.Background(), "default")
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, 12345, st.PID)
	assert.Equal(t, registry.Self, st.StartedBy)
	assert.Zero(t, st.StartedAt)
	assert.Equal(t, s.Registry().Path("default"), st.PIDFile)
}

func TestStatusLegacyDesktopStartedBy(t *testing.T) {
	now := time.Now()
	fake := inspectortest.New().Add(500, now)
	s := newTestSupervisor(t, "", fake, nil)
	writeRaw(t, s.Registry().Path("w"), `{"pid":500,"started_by":"tauri","started_at":`+itoa(now.Unix())+`}`)

	st, err := s.Status(context.Background(), "w")
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, registry.Self, st.StartedBy)
}

func TestStatusPurgesReusedPID(t *testing.T) {
	now := time.Now()
	fake := inspectortest.New().Add(777, now)
	s := newTestSupervisor(t, "", fake, nil)
	putRecord(t, s, "w", 777, registry.Self, now.Add(-10*time.Minute).Unix())

	st, err := s.Status(context.Background(), "w")
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.False(t, fileExists(s.Registry().Path("w")), "stale record must be purged")
	assert.Empty(t, fake.Terminated(), "a reused pid is never signalled")
}

func TestStatusWithinToleranceAndDeadPID(t *testing.T) {
	now := time.Now()
	fake := inspectortest.New().Add(10, now.Add(3*time.Second))
	s := newTestSupervisor(t, "", fake, nil)
	putRecord(t, s, "ok", 10, registry.Self, now.Unix())
	putRecord(t, s, "dead", 11, registry.Self, now.Unix())

	st, err := s.Status(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, st.Running)

	st, err = s.Status(context.Background(), "dead")
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.False(t, fileExists(s.Registry().Path("dead")))
}

func TestStatusInvalidWorkspace(t *testing.T) {
	s := newTestSupervisor(t, "", inspectortest.New(), nil)
	_, err := s.Status(context.Background(), "../etc")
	require.Error(t, err)
}

func TestCheckAliveSkipsIdentity(t *testing.T) {
	now := time.Now()
	fake := inspectortest.New().Add(42, now)
	s := newTestSupervisor(t, "", fake, nil)
	putRecord(t, s, "w", 42, registry.Self, now.Add(-time.Hour).Unix())

	assert.True(t, s.CheckAlive("w"))
	fake.Kill(42)
	assert.False(t, s.CheckAlive("w"))
	assert.False(t, s.CheckAlive("none"))
}

func TestLogTail(t *testing.T) {
	s := newTestSupervisor(t, "", inspectortest.New(), nil)

	chunk, err := s.Log("w", 0)
	require.NoError(t, err)
	assert.Empty(t, chunk.Content)
	assert.False(t, chunk.Truncated)

	content := strings.Repeat("a", 100) + "tail-marker"
	writeRaw(t, s.Layout().LogPath("w"), content)

	chunk, err = s.Log("w", 0)
	require.NoError(t, err)
	assert.Equal(t, content, chunk.Content)
	assert.False(t, chunk.Truncated)
	assert.Equal(t, filepath.Join(s.Layout().Dir("w"), "logs", "openakita-serve.log"), chunk.Path)

	chunk, err = s.Log("w", 11)
	require.NoError(t, err)
	assert.Equal(t, "tail-marker", chunk.Content)
	assert.True(t, chunk.Truncated)

	s.timing.LogTailMax = 4
	chunk, err = s.Log("w", 1000)
	require.NoError(t, err)
	assert.Equal(t, "rker", chunk.Content)
}

func TestDefaultLaunchSpec(t *testing.T) {
	root := t.TempDir()
	s := New(Options{
		Layout:     layoutFor(root),
		Inspector:  inspectortest.New(),
		Controller: &fakeController{},
		BaseEnv:    []string{"PATH=/usr/bin", "PYTHONUTF8=0", "HOME=/home/u"},
	})
	_, err := s.DefaultLaunchSpec("missing")
	require.ErrorIs(t, err, ErrWorkspaceNotFound)

	dir := s.Layout().Dir("w1")
	writeRaw(t, filepath.Join(dir, ".env"), "API_PORT=19001\nFOO=bar\nHOME=/ws\n")

	spec, err := s.DefaultLaunchSpec("w1")
	require.NoError(t, err)
	if runtime.GOOS == "windows" {
		assert.Equal(t, filepath.Join(root, "venv", "Scripts", "python.exe"), spec.Path)
	} else {
		assert.Equal(t, filepath.Join(root, "venv", "bin", "python"), spec.Path)
	}
	assert.Equal(t, []string{"-m", "openakita.main", "serve"}, spec.Args)
	assert.Equal(t, dir, spec.WorkDir)
	assert.Equal(t, s.Layout().LogPath("w1"), spec.LogPath)
	assert.Contains(t, spec.Env, "PATH=/usr/bin")
	assert.Contains(t, spec.Env, "FOO=bar")
	assert.Contains(t, spec.Env, "HOME=/ws", "workspace .env overrides the base")
	assert.Contains(t, spec.Env, "PYTHONUTF8=1", "forced variables win")
	assert.Contains(t, spec.Env, "PYTHONIOENCODING=utf-8")
	assert.Contains(t, spec.Env, "PYTHONUNBUFFERED=1")
	assert.Contains(t, spec.Env, "NO_COLOR=1")
	assert.Contains(t, spec.Env, "LLM_ENDPOINTS_CONFIG="+dir+"/data/llm_endpoints.json")
	assert.Equal(t, 19001, s.Port("w1"))
	assert.Equal(t, 18900, s.Port("other"))
}

func TestOrphanMatcher(t *testing.T) {
	m := DefaultOrphanMatcher()
	assert.True(t, m.Match(procOf(1, "python3", "/r/venv/bin/python -m openakita.main serve")))
	assert.True(t, m.Match(procOf(1, "Python.exe", `C:\r\python.exe -m openakita.main serve --port 1`)))
	assert.False(t, m.Match(procOf(1, "python3", "python -m http.server")))
	assert.False(t, m.Match(procOf(1, "node", "node openakita.main serve")))
	assert.False(t, OrphanMatcher{}.Match(procOf(1, "python", "openakita.main serve")))
}

func TestTimingDefaults(t *testing.T) {
	tm := Timing{LogTailDefault: 500000}.withDefaults()
	assert.Equal(t, 500*time.Millisecond, tm.GraceWindow)
	assert.Equal(t, 200*time.Millisecond, tm.PollInterval)
	assert.Equal(t, 5*time.Second, tm.GracefulWait)
	assert.Equal(t, 2*time.Second, tm.KillWait)
	assert.Equal(t, 5*time.Second, tm.IdentityTolerance)
	assert.Equal(t, int64(6000), tm.ImmediateExitTail)
	assert.Equal(t, int64(400000), tm.LogTailMax)
	assert.Equal(t, int64(400000), tm.LogTailDefault)
}

func TestServiceExecutablePath(t *testing.T) {
	root := t.TempDir()
	abs := filepath.Join(root, "bin", "backend")
	assert.Equal(t, abs, Service{Executable: abs}.ExecutablePath("/elsewhere"))
	assert.Equal(t, filepath.Join(root, "rel", "py"), Service{Executable: filepath.Join("rel", "py")}.ExecutablePath(root))
}
