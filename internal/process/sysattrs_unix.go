//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureDetached starts the child in a new session so it has no controlling
// terminal and survives the supervisor exiting.
func configureDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
