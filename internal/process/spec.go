package process

import (
	"errors"
	"os/exec"
)

// LaunchSpec describes how to spawn a workspace backend.
type LaunchSpec struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`     // executable
	Args    []string `json:"args"`     // arguments after the executable
	WorkDir string   `json:"work_dir"` // working directory
	Env     []string `json:"env"`      // complete child environment, "K=V"
	LogPath string   `json:"log_path"` // stdout and stderr are appended here
}

func (s LaunchSpec) Validate() error {
	if s.Path == "" {
		return errors.New("launch spec: empty executable path")
	}
	if s.LogPath == "" {
		return errors.New("launch spec: empty log path")
	}
	return nil
}

// Command builds the *exec.Cmd without stdio wiring or process attributes.
func (s LaunchSpec) Command() *exec.Cmd {
	// #nosec G204
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Dir = s.WorkDir
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	return cmd
}
