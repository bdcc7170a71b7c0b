package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/wsvisor/internal/history"
	"github.com/loykin/wsvisor/internal/metrics"
	"github.com/loykin/wsvisor/internal/process"
	"github.com/loykin/wsvisor/internal/registry"
	"github.com/loykin/wsvisor/internal/workspace"
)

// StopState is a step of the stop protocol.
type StopState string

const (
	StateRunning            StopState = "running"
	StateGracefulRequested  StopState = "graceful_requested"
	StateGracefulWait       StopState = "graceful_wait"
	StateForceKillRequested StopState = "force_kill_requested"
	StateForceKillWait      StopState = "force_kill_wait"
	StateStopped            StopState = "stopped"
	StateStopFailed         StopState = "stop_failed"
)

// stopRun carries one execution of the protocol for a single pid.
type stopRun struct {
	s      *Supervisor
	ws     string
	pid    int
	by     registry.StartedBy
	h      *process.Handle
	state  StopState
	log    *slog.Logger
	forced bool
}

func (r *stopRun) to(next StopState) {
	r.log.Debug("stop transition", "from", r.state, "to", next)
	metrics.RecordStopTransition(r.ws, string(r.state), string(next))
	r.state = next
}

func (r *stopRun) alive() bool {
	if r.h != nil {
		exited, _ := r.h.Exited()
		return !exited
	}
	return r.s.insp.Alive(r.pid)
}

// waitExit polls until the process is gone or d elapses.
func (r *stopRun) waitExit(d time.Duration) bool {
	if !r.alive() {
		return true
	}
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(r.s.timing.PollInterval)
	defer tick.Stop()
	var done <-chan struct{}
	if r.h != nil {
		done = r.h.Done()
	}
	for {
		select {
		case <-done:
			return true
		case <-tick.C:
			if !r.alive() {
				return true
			}
		case <-deadline.C:
			return !r.alive()
		}
	}
}

func (r *stopRun) kill() error {
	if r.h != nil {
		return r.h.Kill()
	}
	return r.s.insp.Terminate(r.pid)
}

// Stop runs the stop protocol for ws: cooperative HTTP shutdown, a bounded
// wait, then a force kill and a second bounded wait. Stopping a workspace
// that is not running succeeds. After a failed stop the record is kept.
// Cancelling ctx does not interrupt the protocol: every wait is bounded by
// Timing.
func (s *Supervisor) Stop(ctx context.Context, ws string) (Status, error) {
	ctx = context.WithoutCancel(ctx)
	if err := workspace.ValidID(ws); err != nil {
		return Status{}, err
	}
	st := s.baseStatus(ws)
	st.State = StateStopped

	run := &stopRun{s: s, ws: ws, state: StateRunning}
	if h := s.handle(ws); h != nil {
		if exited, _ := h.Exited(); exited {
			s.dropHandle(ws, h)
			s.removeRecordFor(ws, h.PID())
		} else {
			run.h = h
			run.pid = h.PID()
			run.by = registry.Self
		}
	}
	if run.pid == 0 {
		rec, ok := s.reg.Read(ws)
		switch {
		case !ok:
		case s.verifier.Valid(rec):
			run.pid = rec.PID
			run.by = rec.StartedBy
		default:
			// pid reused by an unrelated process: never a kill target
			s.purge(ctx, rec)
		}
	}
	if run.pid == 0 {
		return st, nil
	}
	st.PID = run.pid
	st.StartedBy = run.by
	run.log = s.logger.With("workspace", ws, "pid", run.pid)

	began := time.Now()
	state, err := s.runStop(ctx, run, st.Port)
	st.State = state
	metrics.ObserveStopDuration(ws, time.Since(began).Seconds())
	metrics.IncStop(ws, string(state))
	if run.forced {
		metrics.IncForceKill(ws)
	}

	if state != StateStopped {
		s.emit(ctx, history.EventStopFailed, ws, run.pid, run.by, errString(err))
		run.log.Error("backend did not stop", "state", state, "error", err)
		return st, err
	}
	s.dropHandle(ws, run.h)
	s.removeRecordFor(ws, run.pid)
	detail := "graceful"
	if run.forced {
		detail = "force_kill"
	}
	s.emit(ctx, history.EventStop, ws, run.pid, run.by, detail)
	s.refreshRunning()
	run.log.Info("backend stopped", "mode", detail)
	st.Running = false
	return st, nil
}

func (s *Supervisor) runStop(ctx context.Context, run *stopRun, port int) (StopState, error) {
	if !run.alive() {
		run.to(StateStopped)
		return run.state, nil
	}

	run.to(StateGracefulRequested)
	if err := s.ctrl.Shutdown(ctx, port); err != nil {
		run.log.Info("cooperative shutdown failed, killing", "port", port, "error", err)
	} else {
		run.to(StateGracefulWait)
		if run.waitExit(s.timing.GracefulWait) {
			run.to(StateStopped)
			return run.state, nil
		}
	}

	run.to(StateForceKillRequested)
	run.forced = true
	if err := run.kill(); err != nil {
		run.log.Warn("force kill", "error", err)
	}
	run.to(StateForceKillWait)
	if !run.waitExit(s.timing.KillWait) {
		run.to(StateStopFailed)
		return run.state, fmt.Errorf("%w: workspace %s pid=%d still alive after %s", ErrStopFailed, run.ws, run.pid, s.timing.KillWait)
	}
	run.to(StateStopped)
	return run.state, nil
}
