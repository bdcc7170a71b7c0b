package detector

import (
	"fmt"
	"time"

	"github.com/loykin/wsvisor/internal/inspector"
	"github.com/loykin/wsvisor/internal/registry"
)

// DefaultTolerance bounds the difference between a record's started_at and the
// OS-reported creation time for the record to still describe the same process.
const DefaultTolerance = 5 * time.Second

// Verifier decides whether a ServiceRecord still refers to the process that
// wrote it, guarding against PID reuse.
type Verifier struct {
	Inspector inspector.Inspector
	Tolerance time.Duration
}

func NewVerifier(in inspector.Inspector, tolerance time.Duration) Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return Verifier{Inspector: in, Tolerance: tolerance}
}

// Valid is false when the pid is dead, true when started_at is unknown (0) or
// the creation time is unavailable, otherwise true only within tolerance.
func (v Verifier) Valid(rec registry.Record) bool {
	if rec.PID <= 0 || !v.Inspector.Alive(rec.PID) {
		return false
	}
	if rec.StartedAt == 0 {
		return true
	}
	created, ok := v.Inspector.CreationTime(rec.PID)
	if !ok {
		return true
	}
	diff := created.Unix() - rec.StartedAt
	if diff < 0 {
		diff = -diff
	}
	tol := v.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	return time.Duration(diff)*time.Second <= tol
}

// PIDDetector checks raw liveness of a pid without identity verification.
type PIDDetector struct {
	PID       int
	Inspector inspector.Inspector
}

func (d PIDDetector) Alive() (bool, error) { return d.Inspector.Alive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
