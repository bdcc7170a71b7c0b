// Package inspector answers questions about OS processes without spawning
// helper tools: liveness, creation time, enumeration and forced termination.
package inspector

import (
	"context"
	"os"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Proc is a single entry of a process enumeration.
type Proc struct {
	PID     int    `json:"pid"`
	Name    string `json:"name"`
	Cmdline string `json:"cmdline"`
}

// Inspector is the capability set the supervisor needs from the OS.
// Implementations must be safe for concurrent use.
type Inspector interface {
	// Alive reports whether pid refers to a running (non-zombie) process.
	Alive(pid int) bool
	// CreationTime returns the process creation time when the platform exposes it.
	CreationTime(pid int) (time.Time, bool)
	// Terminate forcibly ends pid. A process that is already gone is not an error.
	Terminate(pid int) error
	// List enumerates processes visible to the current user.
	List(ctx context.Context) ([]Proc, error)
}

type native struct{}

// New returns the inspector for the running platform.
func New() Inspector { return native{} }

func (native) Alive(pid int) bool { return pidAlive(pid) }

func (native) CreationTime(pid int) (time.Time, bool) {
	sec := procStartUnix(pid)
	if sec <= 0 {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

func (native) Terminate(pid int) error { return terminate(pid) }

func (native) List(ctx context.Context) ([]Proc, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	out := make([]Proc, 0, len(procs))
	for _, p := range procs {
		if int(p.Pid) == self {
			continue
		}
		// Processes may vanish or deny access mid-scan; skip them.
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		out = append(out, Proc{PID: int(p.Pid), Name: name, Cmdline: cmdline})
	}
	return out, nil
}
