package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// Handle is the exclusively owned reference to a child this process spawned.
// A single goroutine waits on the child so exit is observed precisely and the
// child is always reaped.
type Handle struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	logPath   string

	mu        sync.Mutex
	exited    bool
	exitErr   error
	stoppedAt time.Time
	waitDone  chan struct{}
}

// Spawn starts spec detached from the caller: stdin from the null device,
// stdout and stderr appended to spec.LogPath.
func Spawn(spec LaunchSpec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	// #nosec G304
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", spec.LogPath, err)
	}
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	// The child holds its own copies of these descriptors after Start.
	defer func() {
		_ = logFile.Close()
		_ = devNull.Close()
	}()

	cmd := spec.Command()
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureDetached(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &Handle{
		name:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		logPath:   spec.LogPath,
		waitDone:  make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exited = true
	h.exitErr = err
	h.stoppedAt = time.Now()
	h.mu.Unlock()
	close(h.waitDone)
}

func (h *Handle) PID() int             { return h.pid }
func (h *Handle) Name() string         { return h.name }
func (h *Handle) StartedAt() time.Time { return h.startedAt }
func (h *Handle) LogPath() string      { return h.logPath }

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.waitDone }

// Exited is the non-blocking exit check.
func (h *Handle) Exited() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited, h.exitErr
}

// StoppedAt is zero until the child has exited.
func (h *Handle) StoppedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stoppedAt
}

// Alive implements detector.Detector.
func (h *Handle) Alive() (bool, error) {
	exited, _ := h.Exited()
	return !exited, nil
}

func (h *Handle) Describe() string { return fmt.Sprintf("handle:%d", h.pid) }

// Kill force-terminates the child. Killing an exited child is not an error.
func (h *Handle) Kill() error {
	if exited, _ := h.Exited(); exited {
		return nil
	}
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// WaitTimeout waits up to d for exit and reports whether the child exited.
func (h *Handle) WaitTimeout(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.waitDone:
		return true
	case <-t.C:
		return false
	}
}
