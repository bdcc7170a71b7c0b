package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/wsvisor/internal/env"
	"github.com/loykin/wsvisor/internal/history"
	"github.com/loykin/wsvisor/internal/lock"
	"github.com/loykin/wsvisor/internal/metrics"
	"github.com/loykin/wsvisor/internal/process"
	"github.com/loykin/wsvisor/internal/registry"
	"github.com/loykin/wsvisor/internal/workspace"
)

// DefaultLaunchSpec builds the configured backend command for ws. The child
// environment is the base environment, then the workspace .env, then the
// forced Service.Env entries.
func (s *Supervisor) DefaultLaunchSpec(ws string) (process.LaunchSpec, error) {
	if err := workspace.ValidID(ws); err != nil {
		return process.LaunchSpec{}, err
	}
	layout := s.opts.Layout
	if !layout.Exists(ws) {
		return process.LaunchSpec{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, layout.Dir(ws))
	}
	wsEnv, err := layout.Env(ws)
	if err != nil {
		return process.LaunchSpec{}, err
	}
	e := env.New()
	if s.opts.BaseEnv != nil {
		e.FromSlice(s.opts.BaseEnv)
	} else {
		e.FromOS()
	}
	e.SetAll(wsEnv)

	dir := layout.Dir(ws)
	forced := make([]string, 0, len(s.opts.Service.Env))
	for _, kv := range s.opts.Service.Env {
		forced = append(forced, strings.ReplaceAll(kv, WorkspaceDirPlaceholder, dir))
	}
	return process.LaunchSpec{
		Name:    ws,
		Path:    s.opts.Service.ExecutablePath(layout.Root),
		Args:    append([]string(nil), s.opts.Service.Args...),
		WorkDir: dir,
		Env:     e.Merge(forced),
		LogPath: layout.LogPath(ws),
	}, nil
}

// Start launches the configured backend for ws unless one is already running.
func (s *Supervisor) Start(ctx context.Context, ws string) (Status, error) {
	spec, err := s.DefaultLaunchSpec(ws)
	if err != nil {
		return Status{}, err
	}
	return s.start(ctx, ws, spec, s.opts.HealthProbe)
}

// StartWith is Start with a caller supplied launch spec.
func (s *Supervisor) StartWith(ctx context.Context, ws string, spec process.LaunchSpec) (Status, error) {
	return s.start(ctx, ws, spec, s.opts.HealthProbe)
}

// AutoStart probes the health endpoint first and starts the backend only when
// nothing answers.
func (s *Supervisor) AutoStart(ctx context.Context, ws string) (Status, error) {
	spec, err := s.DefaultLaunchSpec(ws)
	if err != nil {
		return Status{}, err
	}
	return s.start(ctx, ws, spec, true)
}

func (s *Supervisor) start(ctx context.Context, ws string, spec process.LaunchSpec, probe bool) (Status, error) {
	if err := workspace.ValidID(ws); err != nil {
		return Status{}, err
	}
	if err := spec.Validate(); err != nil {
		return Status{}, err
	}
	log := s.logger.With("workspace", ws)

	if st, ok := s.running(ctx, ws); ok {
		st.AlreadyRunning = true
		log.Debug("backend already running", "pid", st.PID, "started_by", st.StartedBy)
		return st, nil
	}
	if probe {
		if port := s.Port(ws); s.ctrl.Healthy(ctx, port) {
			st := s.baseStatus(ws)
			st.Running = true
			st.AlreadyRunning = true
			st.External = true
			log.Info("backend answers health probe, not spawning", "port", port)
			return st, nil
		}
	}

	tok, err := s.locks.Acquire(ws)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			metrics.IncStartRace(ws)
			return Status{}, fmt.Errorf("%w: workspace %s", ErrStartRace, ws)
		}
		return Status{}, err
	}
	defer func() {
		if err := tok.Release(); err != nil {
			log.Warn("release start lock", "path", tok.Path(), "error", err)
		}
	}()

	// another launcher may have finished its start between our check and the lock
	if st, ok := s.running(ctx, ws); ok {
		st.AlreadyRunning = true
		return st, nil
	}

	// once spawned, the grace window and bookkeeping run to completion
	ctx = context.WithoutCancel(ctx)

	h, err := process.Spawn(spec)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %s: %w", ErrSpawnFailed, spec.Path, err)
	}
	pid := h.PID()
	log = log.With("pid", pid)

	rec, err := s.reg.Write(ws, pid, registry.Self)
	if err != nil {
		_ = h.Kill()
		return Status{}, fmt.Errorf("write record %s pid=%d path=%s: %w", ws, pid, s.reg.Path(ws), err)
	}
	s.setHandle(ws, h)
	log.Info("backend spawned", "path", spec.Path, "log", spec.LogPath)

	grace := time.NewTimer(s.timing.GraceWindow)
	select {
	case <-h.Done():
	case <-grace.C:
	}
	grace.Stop()

	if exited, waitErr := h.Exited(); exited {
		s.dropHandle(ws, h)
		s.removeRecordFor(ws, pid)
		tail, _, tailErr := process.Tail(spec.LogPath, s.timing.ImmediateExitTail)
		if tailErr != nil {
			log.Warn("read log tail", "error", tailErr)
		}
		metrics.IncImmediateExit(ws)
		s.emit(ctx, history.EventImmediateExit, ws, pid, registry.Self, errString(waitErr))
		log.Error("backend exited during grace window", "error", waitErr)
		return Status{}, &LaunchError{WorkspaceID: ws, PID: pid, LogPath: spec.LogPath, LogTail: tail, Err: waitErr}
	}

	metrics.IncStart(ws)
	s.emit(ctx, history.EventStart, ws, pid, registry.Self, "")
	s.refreshRunning()

	st := s.baseStatus(ws)
	st.Running = true
	st.PID = pid
	st.StartedBy = rec.StartedBy
	st.StartedAt = rec.StartedAt
	st.LogPath = spec.LogPath
	return st, nil
}

// Adopt records an already running backend that some other launcher started.
// The record is marked external: Stop honors it, StopAll leaves it alone.
func (s *Supervisor) Adopt(ctx context.Context, ws string, pid int) (Status, error) {
	if err := workspace.ValidID(ws); err != nil {
		return Status{}, err
	}
	if pid <= 0 || !s.insp.Alive(pid) {
		return Status{}, fmt.Errorf("%w: pid %d", ErrNotRunning, pid)
	}
	tok, err := s.locks.Acquire(ws)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return Status{}, fmt.Errorf("%w: workspace %s", ErrStartRace, ws)
		}
		return Status{}, err
	}
	defer func() { _ = tok.Release() }()

	if st, ok := s.running(ctx, ws); ok {
		if st.PID != pid {
			return Status{}, fmt.Errorf("%w: workspace %s pid=%d", ErrAlreadyRunning, ws, st.PID)
		}
		if st.StartedBy == registry.External {
			st.AlreadyRunning = true
			return st, nil
		}
	}

	rec := registry.Record{WorkspaceID: ws, PID: pid, StartedBy: registry.External}
	if created, ok := s.insp.CreationTime(pid); ok {
		rec.StartedAt = created.Unix()
	}
	if err := s.reg.Put(rec); err != nil {
		return Status{}, fmt.Errorf("write record %s pid=%d path=%s: %w", ws, pid, s.reg.Path(ws), err)
	}
	s.logger.Info("adopted external backend", "workspace", ws, "pid", pid)
	s.emit(ctx, history.EventAdopt, ws, pid, registry.External, "")
	s.refreshRunning()

	st := s.baseStatus(ws)
	st.Running = true
	st.PID = pid
	st.StartedBy = registry.External
	st.StartedAt = rec.StartedAt
	return st, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
