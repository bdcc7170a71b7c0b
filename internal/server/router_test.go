package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/wsvisor/internal/inspector/inspectortest"
	"github.com/loykin/wsvisor/internal/metrics"
	"github.com/loykin/wsvisor/internal/registry"
	"github.com/loykin/wsvisor/internal/supervisor"
	"github.com/loykin/wsvisor/internal/workspace"
)

type refusingController struct{}

func (refusingController) Shutdown(context.Context, int) error {
	return errors.New("connection refused")
}
func (refusingController) Healthy(context.Context, int) bool { return false }

type fixture struct {
	sup  *supervisor.Supervisor
	fake *inspectortest.Fake
	h    http.Handler
}

func setupRouter(t *testing.T, base string, opts ...Option) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fake := inspectortest.New()
	sup := supervisor.New(supervisor.Options{
		Layout:     workspace.NewLayout(t.TempDir()),
		Inspector:  fake,
		Controller: refusingController{},
		Timing: supervisor.Timing{
			PollInterval: 10 * time.Millisecond,
			GracefulWait: 100 * time.Millisecond,
			KillWait:     100 * time.Millisecond,
		},
	})
	return fixture{sup: sup, fake: fake, h: NewRouter(sup, base, opts...).Handler()}
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStatusRequiresWorkspace(t *testing.T) {
	f := setupRouter(t, "/api")
	rec := doReq(t, f.h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidRequest, decode[errorResp](t, rec).Code)

	rec = doReq(t, f.h, http.MethodGet, "/api/status?workspace=..%2Fetc")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusAndStop(t *testing.T) {
	f := setupRouter(t, "")
	now := time.Now()
	f.fake.Add(321, now)
	require.NoError(t, f.sup.Registry().Put(registry.Record{WorkspaceID: "w", PID: 321, StartedBy: registry.Self, StartedAt: now.Unix()}))

	rec := doReq(t, f.h, http.MethodGet, "/status?workspace=w")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[supervisor.Status](t, rec)
	assert.True(t, st.Running)
	assert.Equal(t, 321, st.PID)
	assert.Equal(t, registry.Self, st.StartedBy)

	rec = doReq(t, f.h, http.MethodGet, "/alive?workspace=w")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[aliveResp](t, rec).Alive)

	rec = doReq(t, f.h, http.MethodPost, "/stop?workspace=w")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st = decode[supervisor.Status](t, rec)
	assert.Equal(t, supervisor.StateStopped, st.State)
	assert.Equal(t, []int{321}, f.fake.Terminated())

	rec = doReq(t, f.h, http.MethodPost, "/stop?workspace=w")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStopFailedMapsTo500(t *testing.T) {
	f := setupRouter(t, "")
	now := time.Now()
	f.fake.Add(5, now)
	f.fake.Unkillable(5)
	require.NoError(t, f.sup.Registry().Put(registry.Record{WorkspaceID: "w", PID: 5, StartedAt: now.Unix()}))

	rec := doReq(t, f.h, http.MethodPost, "/stop?workspace=w")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, CodeStopFailed, decode[errorResp](t, rec).Code)
}

func TestStartErrors(t *testing.T) {
	f := setupRouter(t, "/api")
	rec := doReq(t, f.h, http.MethodPost, "/api/start?workspace=missing")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeWorkspaceNotFound, decode[errorResp](t, rec).Code)

	layout := f.sup.Layout()
	require.NoError(t, os.MkdirAll(layout.Dir("w"), 0o750))
	require.NoError(t, os.MkdirAll(layout.RunDir(), 0o750))
	require.NoError(t, os.WriteFile(layout.RunDir()+"/openakita-w.lock", nil, 0o600))
	rec = doReq(t, f.h, http.MethodPost, "/api/start?workspace=w")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeStartRace, decode[errorResp](t, rec).Code)

	rec = doReq(t, f.h, http.MethodPost, "/api/reconcile")
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode[supervisor.ReconcileReport](t, rec)
	assert.Len(t, rep.RemovedLocks, 1)
}

func TestLogEndpoint(t *testing.T) {
	f := setupRouter(t, "")
	path := f.sup.Layout().LogPath("w")
	require.NoError(t, os.MkdirAll(f.sup.Layout().Dir("w")+"/logs", 0o750))
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0o600))

	rec := doReq(t, f.h, http.MethodGet, "/log?workspace=w&tail=9")
	require.Equal(t, http.StatusOK, rec.Code)
	chunk := decode[supervisor.LogChunk](t, rec)
	assert.Equal(t, "line two\n", chunk.Content)
	assert.True(t, chunk.Truncated)
	assert.Equal(t, path, chunk.Path)

	rec = doReq(t, f.h, http.MethodGet, "/log?workspace=w&tail=-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdoptEndpoint(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.h, http.MethodPost, "/adopt?workspace=w&pid=abc")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, f.h, http.MethodPost, "/adopt?workspace=w&pid=77")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeNotRunning, decode[errorResp](t, rec).Code)

	f.fake.Add(77, time.Now())
	rec = doReq(t, f.h, http.MethodPost, "/adopt?workspace=w&pid=77")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, registry.External, decode[supervisor.Status](t, rec).StartedBy)
}

func TestProcessesAndStopAll(t *testing.T) {
	f := setupRouter(t, "")
	f.fake.AddNamed(90, time.Now(), "python3", "python -m openakita.main serve")

	rec := doReq(t, f.h, http.MethodGet, "/processes")
	require.Equal(t, http.StatusOK, rec.Code)
	procs := decode[[]supervisor.ProcessInfo](t, rec)
	require.Len(t, procs, 1)
	assert.Equal(t, 90, procs[0].PID)

	rec = doReq(t, f.h, http.MethodPost, "/stop-all")
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode[supervisor.StopAllReport](t, rec)
	assert.Equal(t, []int{90}, rep.Orphans)

	rec = doReq(t, f.h, http.MethodGet, "/processes")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))
	f := setupRouter(t, "/api", WithMetrics(metrics.HandlerFor(reg)))

	rec := doReq(t, f.h, http.MethodGet, "/api/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	plain := setupRouter(t, "/api")
	rec = doReq(t, plain.h, http.MethodGet, "/api/metrics")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteErrorLaunchError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.GET("/x", func(c *gin.Context) {
		writeError(c, &supervisor.LaunchError{WorkspaceID: "w", PID: 1, LogPath: "/l", LogTail: "Traceback"})
	})
	rec := doReq(t, g, http.MethodGet, "/x")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[errorResp](t, rec)
	assert.Equal(t, CodeImmediateExit, resp.Code)
	assert.Equal(t, "Traceback", resp.LogTail)
	assert.Equal(t, "/l", resp.LogPath)
}

func TestNewServer(t *testing.T) {
	f := setupRouter(t, "/api")
	srv, err := NewServer("127.0.0.1:0", "/api", f.sup)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + srv.Addr + "/api/status?workspace=w")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = NewServer(srv.Addr, "/api", f.sup)
	assert.Error(t, err, "address already in use")
}
