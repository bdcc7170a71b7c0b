package client

import (
	"fmt"

	"github.com/loykin/wsvisor/internal/server"
	"github.com/loykin/wsvisor/internal/supervisor"
)

// ErrorResponse is the body of a non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	LogPath string `json:"log_path,omitempty"`
	LogTail string `json:"log_tail,omitempty"`
}

// AliveResponse is the body of GET /alive.
type AliveResponse struct {
	WorkspaceID string `json:"workspace_id"`
	Alive       bool   `json:"alive"`
}

// APIError is returned for non-2xx responses. It unwraps to the supervisor
// sentinel matching Code, so errors.Is works across the HTTP boundary.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	LogPath    string
	LogTail    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%s): %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case server.CodeStartRace:
		return supervisor.ErrStartRace
	case server.CodeSpawnFailed:
		return supervisor.ErrSpawnFailed
	case server.CodeImmediateExit:
		return supervisor.ErrImmediateExit
	case server.CodeStopFailed:
		return supervisor.ErrStopFailed
	case server.CodeAlreadyRunning:
		return supervisor.ErrAlreadyRunning
	case server.CodeNotRunning:
		return supervisor.ErrNotRunning
	case server.CodeWorkspaceNotFound:
		return supervisor.ErrWorkspaceNotFound
	}
	return nil
}
