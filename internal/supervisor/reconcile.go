package supervisor

import (
	"context"

	"github.com/loykin/wsvisor/internal/registry"
)

// ReconcileReport lists what Reconcile cleaned up.
type ReconcileReport struct {
	RemovedLocks []string          `json:"removed_locks"`
	Purged       []registry.Record `json:"purged"`
	Kept         []registry.Record `json:"kept"`
}

// Reconcile repairs on-disk state left by crashed launchers: every start lock
// is removed and every record whose identity no longer verifies is deleted.
// It must run before this process starts anything.
func (s *Supervisor) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	removed, err := s.locks.Clear()
	rep.RemovedLocks = removed
	if err != nil {
		s.logger.Warn("clear start locks", "error", err)
	}
	for _, p := range removed {
		s.logger.Info("removed leftover start lock", "path", p)
	}

	recs, err := s.reg.ListAll()
	if err != nil {
		return rep, err
	}
	for _, rec := range recs {
		if s.verifier.Valid(rec) {
			rep.Kept = append(rep.Kept, rec)
			continue
		}
		if s.purge(ctx, rec) {
			rep.Purged = append(rep.Purged, rec)
		}
	}
	s.refreshRunning()
	return rep, nil
}
