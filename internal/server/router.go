package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/wsvisor/internal/supervisor"
	"github.com/loykin/wsvisor/internal/workspace"
)

// Service is the supervisor surface exposed over HTTP.
type Service interface {
	Status(ctx context.Context, ws string) (supervisor.Status, error)
	Start(ctx context.Context, ws string) (supervisor.Status, error)
	Stop(ctx context.Context, ws string) (supervisor.Status, error)
	CheckAlive(ws string) bool
	Log(ws string, tailBytes int64) (supervisor.LogChunk, error)
	Adopt(ctx context.Context, ws string, pid int) (supervisor.Status, error)
	ListProcesses(ctx context.Context) ([]supervisor.ProcessInfo, error)
	StopAll(ctx context.Context) supervisor.StopAllReport
	Reconcile(ctx context.Context) (supervisor.ReconcileReport, error)
}

// Router provides embeddable HTTP handlers for the local control API.
// Endpoints:
//
//	GET  {basePath}/status?workspace=...
//	POST {basePath}/start?workspace=...
//	POST {basePath}/stop?workspace=...
//	GET  {basePath}/alive?workspace=...
//	GET  {basePath}/log?workspace=...&tail=40000
//	POST {basePath}/adopt?workspace=...&pid=...
//	GET  {basePath}/processes
//	POST {basePath}/stop-all
//	POST {basePath}/reconcile
//	GET  {basePath}/metrics          (when a metrics handler is set)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc      Service
	basePath string
	metrics  http.Handler
}

type Option func(*Router)

// WithMetrics mounts h at {basePath}/metrics.
func WithMetrics(h http.Handler) Option {
	return func(r *Router) { r.metrics = h }
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(svc Service, basePath string, opts ...Option) *Router {
	r := &Router{svc: svc, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/alive", r.handleAlive)
	group.GET("/log", r.handleLog)
	group.POST("/adopt", r.handleAdopt)
	group.GET("/processes", r.handleProcesses)
	group.POST("/stop-all", r.handleStopAll)
	group.POST("/reconcile", r.handleReconcile)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer binds addr and serves the router in the background. Bind errors
// are returned; serve errors after that are dropped.
func NewServer(addr, basePath string, svc Service, opts ...Option) (*http.Server, error) {
	r := NewRouter(svc, basePath, opts...)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// stop-all runs the full stop protocol per workspace
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

// Error codes carried in error responses.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeStartRace         = "start_race"
	CodeSpawnFailed       = "spawn_failed"
	CodeImmediateExit     = "immediate_exit"
	CodeStopFailed        = "stop_failed"
	CodeAlreadyRunning    = "already_running"
	CodeNotRunning        = "not_running"
	CodeWorkspaceNotFound = "workspace_not_found"
	CodeInternal          = "internal"
)

type errorResp struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	LogPath string `json:"log_path,omitempty"`
	LogTail string `json:"log_tail,omitempty"`
}

type aliveResp struct {
	WorkspaceID string `json:"workspace_id"`
	Alive       bool   `json:"alive"`
}

func writeError(c *gin.Context, err error) {
	resp := errorResp{Error: err.Error(), Code: CodeInternal}
	code := http.StatusInternalServerError
	var le *supervisor.LaunchError
	switch {
	case errors.As(err, &le):
		resp.Code = CodeImmediateExit
		resp.LogPath = le.LogPath
		resp.LogTail = le.LogTail
	case errors.Is(err, workspace.ErrInvalidID):
		code, resp.Code = http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, supervisor.ErrWorkspaceNotFound):
		code, resp.Code = http.StatusNotFound, CodeWorkspaceNotFound
	case errors.Is(err, supervisor.ErrStartRace):
		code, resp.Code = http.StatusConflict, CodeStartRace
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		code, resp.Code = http.StatusConflict, CodeAlreadyRunning
	case errors.Is(err, supervisor.ErrNotRunning):
		code, resp.Code = http.StatusBadRequest, CodeNotRunning
	case errors.Is(err, supervisor.ErrSpawnFailed):
		resp.Code = CodeSpawnFailed
	case errors.Is(err, supervisor.ErrStopFailed):
		resp.Code = CodeStopFailed
	}
	writeJSON(c, code, resp)
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, errorResp{Error: msg, Code: CodeInvalidRequest})
}

// workspaceParam reads and validates ?workspace=.
func workspaceParam(c *gin.Context) (string, bool) {
	ws := c.Query("workspace")
	if ws == "" {
		badRequest(c, "workspace query param required")
		return "", false
	}
	if !isSafeName(ws) {
		badRequest(c, "invalid workspace: allowed [A-Za-z0-9._-] and no '..' or path separators")
		return "", false
	}
	return ws, true
}

func (r *Router) handleStatus(c *gin.Context) {
	ws, ok := workspaceParam(c)
	if !ok {
		return
	}
	st, err := r.svc.Status(c.Request.Context(), ws)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStart(c *gin.Context) {
	ws, ok := workspaceParam(c)
	if !ok {
		return
	}
	st, err := r.svc.Start(c.Request.Context(), ws)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStop(c *gin.Context) {
	ws, ok := workspaceParam(c)
	if !ok {
		return
	}
	st, err := r.svc.Stop(c.Request.Context(), ws)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleAlive(c *gin.Context) {
	ws, ok := workspaceParam(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, aliveResp{WorkspaceID: ws, Alive: r.svc.CheckAlive(ws)})
}

func (r *Router) handleLog(c *gin.Context) {
	ws, ok := workspaceParam(c)
	if !ok {
		return
	}
	var tail int64
	if s := c.Query("tail"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			badRequest(c, "tail must be a non-negative integer")
			return
		}
		tail = v
	}
	chunk, err := r.svc.Log(ws, tail)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, chunk)
}

func (r *Router) handleAdopt(c *gin.Context) {
	ws, ok := workspaceParam(c)
	if !ok {
		return
	}
	pid, err := strconv.Atoi(c.Query("pid"))
	if err != nil || pid <= 0 {
		badRequest(c, "pid must be a positive integer")
		return
	}
	st, err := r.svc.Adopt(c.Request.Context(), ws, pid)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleProcesses(c *gin.Context) {
	procs, err := r.svc.ListProcesses(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if procs == nil {
		procs = []supervisor.ProcessInfo{}
	}
	writeJSON(c, http.StatusOK, procs)
}

func (r *Router) handleStopAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.StopAll(c.Request.Context()))
}

func (r *Router) handleReconcile(c *gin.Context) {
	rep, err := r.svc.Reconcile(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}
