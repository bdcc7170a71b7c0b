package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart         EventType = "start"
	EventStop          EventType = "stop"
	EventStopFailed    EventType = "stop_failed"
	EventImmediateExit EventType = "immediate_exit"
	EventPurge         EventType = "purge"
	EventOrphanKill    EventType = "orphan_kill"
	EventAdopt         EventType = "adopt"
)

// Event is a single supervisor lifecycle event.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	WorkspaceID string    `json:"workspace_id"`
	PID         int       `json:"pid"`
	StartedBy   string    `json:"started_by,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

func NewEvent(t EventType, ws string, pid int) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		OccurredAt:  time.Now().UTC(),
		WorkspaceID: ws,
		PID:         pid,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const DefaultSendTimeout = 2 * time.Second

// Recorder fans events out to sinks. Failures are logged and never returned:
// history is best-effort. A nil *Recorder drops everything.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: append([]Sink(nil), sinks...), logger: logger, timeout: DefaultSendTimeout}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		if err := s.Send(sctx, e); err != nil {
			r.logger.Warn("history sink failed", "event", e.Type, "workspace", e.WorkspaceID, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
