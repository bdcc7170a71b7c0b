package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a deadline")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventStart, "w", 42)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EventStart, e.Type)
	assert.Equal(t, "w", e.WorkspaceID)
	assert.Equal(t, 42, e.PID)
	assert.False(t, e.OccurredAt.IsZero())
	assert.NotEqual(t, e.ID, NewEvent(EventStart, "w", 42).ID)
}

func TestRecorderFansOutAndSurvivesFailures(t *testing.T) {
	bad := &memSink{err: errors.New("down")}
	good := &memSink{}
	r := NewRecorder(nil, bad, good)

	// cancelled parent must not prevent delivery
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, Event{Type: EventStop, WorkspaceID: "w", PID: 1})

	require.Len(t, good.events, 1)
	require.Len(t, bad.events, 1)
	assert.NotEmpty(t, good.events[0].ID, "missing ids are filled in")
	assert.False(t, good.events[0].OccurredAt.IsZero())

	require.NoError(t, r.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), NewEvent(EventStart, "w", 1))
	assert.NoError(t, r.Close())
}
