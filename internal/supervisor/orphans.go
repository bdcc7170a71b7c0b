package supervisor

import (
	"context"
	"sort"

	"github.com/loykin/wsvisor/internal/history"
	"github.com/loykin/wsvisor/internal/metrics"
	"github.com/loykin/wsvisor/internal/registry"
)

// ProcessInfo is a backend process found in the OS process table.
type ProcessInfo struct {
	PID     int    `json:"pid"`
	Name    string `json:"name"`
	Cmdline string `json:"cmdline"`
	// WorkspaceID and StartedBy are set when a verified record owns the pid.
	WorkspaceID string             `json:"workspace_id,omitempty"`
	StartedBy   registry.StartedBy `json:"started_by,omitempty"`
}

// StopAllReport summarizes StopAll.
type StopAllReport struct {
	Stopped []int    `json:"stopped"`
	Failed  []string `json:"failed,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
	Orphans []int    `json:"orphans"`
}

// ListProcesses returns every process matching the backend signature,
// annotated with the owning workspace when a verified record points at it.
func (s *Supervisor) ListProcesses(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := s.insp.List(ctx)
	if err != nil {
		return nil, err
	}
	owners := s.owners()
	var out []ProcessInfo
	for _, p := range procs {
		if !s.opts.Orphans.Match(p) {
			continue
		}
		info := ProcessInfo{PID: p.PID, Name: p.Name, Cmdline: p.Cmdline}
		if rec, ok := owners[p.PID]; ok {
			info.WorkspaceID = rec.WorkspaceID
			info.StartedBy = rec.StartedBy
		}
		out = append(out, info)
	}
	return out, nil
}

// ScanOrphans returns backend processes no verified record or managed handle owns.
func (s *Supervisor) ScanOrphans(ctx context.Context) ([]ProcessInfo, error) {
	all, err := s.ListProcesses(ctx)
	if err != nil {
		return nil, err
	}
	var out []ProcessInfo
	for _, p := range all {
		if p.WorkspaceID == "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// owners maps live pids to the verified record or handle that owns them.
func (s *Supervisor) owners() map[int]registry.Record {
	out := make(map[int]registry.Record)
	recs, err := s.reg.ListAll()
	if err != nil {
		s.logger.Warn("list registry", "error", err)
	}
	for _, rec := range recs {
		if s.verifier.Valid(rec) {
			out[rec.PID] = rec
		}
	}
	for _, ws := range s.handleWorkspaces() {
		if h := s.handle(ws); h != nil {
			if _, ok := out[h.PID()]; !ok {
				out[h.PID()] = registry.Record{WorkspaceID: ws, PID: h.PID(), StartedBy: registry.Self}
			}
		}
	}
	return out
}

// StopAll stops every self-started backend through the stop protocol, then
// force-terminates the orphans found by ScanOrphans.
// Backends recorded as external are left running. Scan failures are logged
// and do not fail the call.
func (s *Supervisor) StopAll(ctx context.Context) StopAllReport {
	rep := StopAllReport{Stopped: []int{}, Orphans: []int{}}

	targets := make(map[string]bool)
	for _, ws := range s.handleWorkspaces() {
		targets[ws] = true
	}
	recs, err := s.reg.ListAll()
	if err != nil {
		s.logger.Warn("list registry", "error", err)
	}
	for _, rec := range recs {
		if rec.StartedBy == registry.External {
			if !targets[rec.WorkspaceID] {
				rep.Skipped = append(rep.Skipped, rec.WorkspaceID)
			}
			continue
		}
		targets[rec.WorkspaceID] = true
	}
	for _, ws := range sortedKeys(targets) {
		st, err := s.Stop(ctx, ws)
		if err != nil {
			rep.Failed = append(rep.Failed, ws)
			continue
		}
		if st.PID > 0 {
			rep.Stopped = append(rep.Stopped, st.PID)
		}
	}

	// owned backends whose stop failed stay in Failed with their record
	orphans, err := s.ScanOrphans(ctx)
	if err != nil {
		s.logger.Warn("orphan scan failed", "error", err)
		return rep
	}
	for _, p := range orphans {
		if err := s.insp.Terminate(p.PID); err != nil {
			s.logger.Warn("terminate orphan", "pid", p.PID, "error", err)
			continue
		}
		s.logger.Info("terminated orphan backend", "pid", p.PID, "cmdline", p.Cmdline)
		rep.Orphans = append(rep.Orphans, p.PID)
		s.emit(ctx, history.EventOrphanKill, "", p.PID, "", p.Cmdline)
	}
	metrics.AddOrphansKilled(len(rep.Orphans))
	s.refreshRunning()
	return rep
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
