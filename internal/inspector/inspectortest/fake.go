// Package inspectortest provides an in-memory Inspector for tests.
package inspectortest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loykin/wsvisor/internal/inspector"
)

type proc struct {
	created time.Time
	name    string
	cmdline string
	// survives Terminate when set
	unkillable bool
}

// Fake is a process table held in memory. The zero value is not usable; call New.
type Fake struct {
	mu         sync.Mutex
	procs      map[int]*proc
	terminated []int
	ListErr    error
	// NoCreationTime makes CreationTime report "unavailable".
	NoCreationTime bool
}

func New() *Fake { return &Fake{procs: make(map[int]*proc)} }

// Add registers a live process created at the given time.
func (f *Fake) Add(pid int, created time.Time) *Fake {
	return f.AddNamed(pid, created, "", "")
}

func (f *Fake) AddNamed(pid int, created time.Time, name, cmdline string) *Fake {
	f.mu.Lock()
	f.procs[pid] = &proc{created: created, name: name, cmdline: cmdline}
	f.mu.Unlock()
	return f
}

// Unkillable makes Terminate a no-op for pid.
func (f *Fake) Unkillable(pid int) {
	f.mu.Lock()
	if p, ok := f.procs[pid]; ok {
		p.unkillable = true
	}
	f.mu.Unlock()
}

// Kill removes pid from the table as if it exited.
func (f *Fake) Kill(pid int) {
	f.mu.Lock()
	delete(f.procs, pid)
	f.mu.Unlock()
}

func (f *Fake) Terminated() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.terminated...)
}

func (f *Fake) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.procs[pid]
	return ok
}

func (f *Fake) CreationTime(pid int) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	if !ok || f.NoCreationTime {
		return time.Time{}, false
	}
	return p.created, true
}

func (f *Fake) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	if p, ok := f.procs[pid]; ok && !p.unkillable {
		delete(f.procs, pid)
	}
	return nil
}

func (f *Fake) List(context.Context) ([]inspector.Proc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]inspector.Proc, 0, len(f.procs))
	for pid, p := range f.procs {
		out = append(out, inspector.Proc{PID: pid, Name: p.name, Cmdline: p.cmdline})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

var _ inspector.Inspector = (*Fake)(nil)
