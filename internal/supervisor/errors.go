package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrStartRace means another launcher holds the workspace start lock.
	ErrStartRace = errors.New("another start is in progress")
	// ErrSpawnFailed wraps the OS error from creating the backend process.
	ErrSpawnFailed = errors.New("failed to spawn backend")
	// ErrImmediateExit means the backend died within the grace window.
	ErrImmediateExit = errors.New("backend exited immediately")
	// ErrStopFailed means the process was still alive after the force kill wait.
	ErrStopFailed = errors.New("backend did not stop")
	// ErrStopTimeout is an alias of ErrStopFailed.
	ErrStopTimeout = ErrStopFailed
	// ErrIdentityMismatch marks a record whose pid now belongs to another
	// process. It is logged when the record is purged and never returned.
	ErrIdentityMismatch = errors.New("recorded pid no longer matches the backend")
	// ErrWorkspaceNotFound means the workspace directory does not exist.
	ErrWorkspaceNotFound = errors.New("workspace not found")
	// ErrAlreadyRunning is returned by Adopt when a different live backend is
	// already recorded for the workspace.
	ErrAlreadyRunning = errors.New("workspace already has a running backend")
	// ErrNotRunning is returned by Adopt for a pid that is not alive.
	ErrNotRunning = errors.New("process is not running")
)

// LaunchError describes a backend that exited during the grace window.
type LaunchError struct {
	WorkspaceID string
	PID         int
	LogPath     string
	// LogTail is the end of the backend log, bounded by Timing.ImmediateExitTail.
	LogTail string
	// Err is the wait status of the child, if any.
	Err error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("backend for workspace %s exited immediately (pid=%d, log=%s)", e.WorkspaceID, e.PID, e.LogPath)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LaunchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrImmediateExit}
	}
	return []error{ErrImmediateExit, e.Err}
}
