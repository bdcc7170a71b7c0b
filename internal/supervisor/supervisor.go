// Package supervisor starts, stops and monitors the backend service of each
// workspace. Coordination with other launchers goes through the registry
// files and the start lock; the in-process handle map only adds precise exit
// detection for children this process spawned.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loykin/wsvisor/internal/control"
	"github.com/loykin/wsvisor/internal/detector"
	"github.com/loykin/wsvisor/internal/history"
	"github.com/loykin/wsvisor/internal/inspector"
	"github.com/loykin/wsvisor/internal/lock"
	"github.com/loykin/wsvisor/internal/metrics"
	"github.com/loykin/wsvisor/internal/process"
	"github.com/loykin/wsvisor/internal/registry"
	"github.com/loykin/wsvisor/internal/workspace"
)

// Status is the observable state of one workspace backend.
type Status struct {
	WorkspaceID string             `json:"workspace_id"`
	Running     bool               `json:"running"`
	PID         int                `json:"pid,omitempty"`
	PIDFile     string             `json:"pid_file"`
	StartedBy   registry.StartedBy `json:"started_by,omitempty"`
	StartedAt   int64              `json:"started_at,omitempty"`
	Port        int                `json:"port"`
	LogPath     string             `json:"log_path"`
	// AlreadyRunning is set by Start when nothing was spawned.
	AlreadyRunning bool `json:"already_running,omitempty"`
	// External is set when a backend answered the health probe without a record.
	External bool `json:"external,omitempty"`
	// State is the terminal stop state, set by Stop only.
	State StopState `json:"state,omitempty"`
}

// LogChunk is the tail of a workspace backend log.
type LogChunk struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

type Supervisor struct {
	opts     Options
	reg      *registry.Registry
	locks    *lock.Locker
	insp     inspector.Inspector
	ctrl     Controller
	verifier detector.Verifier
	timing   Timing
	rec      *history.Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[string]*process.Handle
}

func New(opts Options) *Supervisor {
	if opts.Layout.Prefix == "" {
		opts.Layout.Prefix = workspace.DefaultPrefix
	}
	if opts.Layout.LogName == "" {
		opts.Layout.LogName = workspace.DefaultLogName
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Inspector == nil {
		opts.Inspector = inspector.New()
	}
	if opts.Controller == nil {
		opts.Controller = control.New(control.DefaultConfig(), opts.Logger)
	}
	if opts.DefaultPort <= 0 {
		opts.DefaultPort = workspace.DefaultPort
	}
	if opts.Service.Args == nil && opts.Service.Env == nil && opts.Service.Executable == "" {
		opts.Service = DefaultService()
	}
	if opts.Orphans.NameContains == "" && len(opts.Orphans.CmdlineContains) == 0 {
		opts.Orphans = DefaultOrphanMatcher()
	}
	opts.Timing = opts.Timing.withDefaults()

	runDir := opts.Layout.RunDir()
	return &Supervisor{
		opts:     opts,
		reg:      registry.New(runDir, opts.Layout.Prefix),
		locks:    lock.New(runDir, opts.Layout.Prefix),
		insp:     opts.Inspector,
		ctrl:     opts.Controller,
		verifier: detector.NewVerifier(opts.Inspector, opts.Timing.IdentityTolerance),
		timing:   opts.Timing,
		rec:      opts.Recorder,
		logger:   opts.Logger,
		handles:  make(map[string]*process.Handle),
	}
}

func (s *Supervisor) Registry() *registry.Registry { return s.reg }
func (s *Supervisor) Layout() workspace.Layout     { return s.opts.Layout }
func (s *Supervisor) Timing() Timing               { return s.timing }

// Port returns the loopback port of the workspace backend.
func (s *Supervisor) Port(ws string) int {
	return s.opts.Layout.Port(ws, s.opts.DefaultPort)
}

func (s *Supervisor) handle(ws string) *process.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[ws]
}

func (s *Supervisor) setHandle(ws string, h *process.Handle) {
	s.mu.Lock()
	s.handles[ws] = h
	s.mu.Unlock()
}

// dropHandle removes h if it is still the handle stored for ws.
func (s *Supervisor) dropHandle(ws string, h *process.Handle) {
	s.mu.Lock()
	if cur, ok := s.handles[ws]; ok && (h == nil || cur == h) {
		delete(s.handles, ws)
	}
	s.mu.Unlock()
}

func (s *Supervisor) handleWorkspaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.handles))
	for ws := range s.handles {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) baseStatus(ws string) Status {
	return Status{
		WorkspaceID: ws,
		PIDFile:     s.reg.Path(ws),
		Port:        s.Port(ws),
		LogPath:     s.opts.Layout.LogPath(ws),
	}
}

// Status reports whether the workspace backend is running. Exited children
// and records that fail identity verification are cleaned up on the way.
func (s *Supervisor) Status(ctx context.Context, ws string) (Status, error) {
	if err := workspace.ValidID(ws); err != nil {
		return Status{}, err
	}
	if st, ok := s.running(ctx, ws); ok {
		return st, nil
	}
	return s.baseStatus(ws), nil
}

// running resolves the live backend of ws: the managed handle first, then the
// registry record with identity verification.
func (s *Supervisor) running(ctx context.Context, ws string) (Status, bool) {
	st := s.baseStatus(ws)
	if h := s.handle(ws); h != nil {
		if exited, _ := h.Exited(); !exited {
			st.Running = true
			st.PID = h.PID()
			st.StartedBy = registry.Self
			st.StartedAt = h.StartedAt().Unix()
			if rec, ok := s.reg.Read(ws); ok && rec.PID == h.PID() {
				st.StartedAt = rec.StartedAt
			}
			return st, true
		}
		s.dropHandle(ws, h)
		s.removeRecordFor(ws, h.PID())
		s.logger.Info("managed backend exited", "workspace", ws, "pid", h.PID())
	}
	rec, ok := s.reg.Read(ws)
	if !ok {
		return st, false
	}
	if !s.verifier.Valid(rec) {
		s.purge(ctx, rec)
		return st, false
	}
	st.Running = true
	st.PID = rec.PID
	st.StartedBy = rec.StartedBy
	st.StartedAt = rec.StartedAt
	return st, true
}

// CheckAlive is the cheap heartbeat check: the managed handle, otherwise raw
// liveness of the recorded pid without identity verification.
func (s *Supervisor) CheckAlive(ws string) bool {
	dets := make([]detector.Detector, 0, 2)
	if h := s.handle(ws); h != nil {
		dets = append(dets, h)
	} else if rec, ok := s.reg.Read(ws); ok {
		dets = append(dets, detector.PIDDetector{PID: rec.PID, Inspector: s.insp})
	}
	alive, _ := detector.First(dets...)
	return alive
}

// Log returns up to tailBytes trailing bytes of the workspace backend log.
// Non-positive tailBytes selects the default; larger requests are capped.
func (s *Supervisor) Log(ws string, tailBytes int64) (LogChunk, error) {
	if err := workspace.ValidID(ws); err != nil {
		return LogChunk{}, err
	}
	if tailBytes <= 0 {
		tailBytes = s.timing.LogTailDefault
	}
	if tailBytes > s.timing.LogTailMax {
		tailBytes = s.timing.LogTailMax
	}
	path := s.opts.Layout.LogPath(ws)
	if h := s.handle(ws); h != nil {
		path = h.LogPath()
	}
	content, truncated, err := process.Tail(path, tailBytes)
	if err != nil {
		return LogChunk{}, fmt.Errorf("read log %s: %w", path, err)
	}
	return LogChunk{Path: path, Content: content, Truncated: truncated}, nil
}

// Targets lists running backends for resource sampling.
func (s *Supervisor) Targets() []metrics.Target {
	seen := make(map[string]bool)
	var out []metrics.Target
	for _, ws := range s.handleWorkspaces() {
		if h := s.handle(ws); h != nil {
			if exited, _ := h.Exited(); !exited {
				out = append(out, metrics.Target{WorkspaceID: ws, PID: h.PID()})
				seen[ws] = true
			}
		}
	}
	recs, err := s.reg.ListAll()
	if err != nil {
		s.logger.Warn("list registry", "error", err)
	}
	for _, rec := range recs {
		if seen[rec.WorkspaceID] || !s.verifier.Valid(rec) {
			continue
		}
		out = append(out, metrics.Target{WorkspaceID: rec.WorkspaceID, PID: rec.PID})
	}
	return out
}

func (s *Supervisor) refreshRunning() {
	metrics.SetRunning(len(s.Targets()))
}

// purge removes a record that failed identity verification, unless another
// launcher replaced it in the meantime.
func (s *Supervisor) purge(ctx context.Context, rec registry.Record) bool {
	cur, ok := s.reg.Read(rec.WorkspaceID)
	if !ok || cur.PID != rec.PID || cur.StartedAt != rec.StartedAt {
		return false
	}
	if err := s.reg.Remove(rec.WorkspaceID); err != nil {
		s.logger.Warn("remove stale record", "workspace", rec.WorkspaceID, "pid", rec.PID, "error", err)
		return false
	}
	s.logger.Info("purged stale record", "workspace", rec.WorkspaceID, "pid", rec.PID,
		"reason", fmt.Errorf("%w: pid %d", ErrIdentityMismatch, rec.PID))
	metrics.AddPurged(1)
	e := history.NewEvent(history.EventPurge, rec.WorkspaceID, rec.PID)
	e.StartedBy = string(rec.StartedBy)
	s.rec.Record(ctx, e)
	return true
}

// removeRecordFor deletes the record of ws if it still points at pid.
func (s *Supervisor) removeRecordFor(ws string, pid int) {
	rec, ok := s.reg.Read(ws)
	if !ok || rec.PID != pid {
		return
	}
	if err := s.reg.Remove(ws); err != nil {
		s.logger.Warn("remove record", "workspace", ws, "pid", pid, "error", err)
	}
}

func (s *Supervisor) emit(ctx context.Context, t history.EventType, ws string, pid int, by registry.StartedBy, detail string) {
	e := history.NewEvent(t, ws, pid)
	e.StartedBy = string(by)
	e.Detail = detail
	s.rec.Record(ctx, e)
}
