package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loykin/wsvisor"
)

type command struct {
	global *GlobalFlags
	out    io.Writer
	logger *slog.Logger
	// open is replaced in tests
	open func(GlobalFlags, *slog.Logger) (backend, error)
}

func newCommand(global *GlobalFlags, out io.Writer, logger *slog.Logger) command {
	return command{global: global, out: out, logger: logger, open: openBackend}
}

// with opens the backend, runs fn and prints a non-nil result as JSON.
func (c command) with(ctx context.Context, fn func(backend) (any, error)) error {
	b, err := c.open(*c.global, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			c.logger.Warn("close backend", "error", cerr)
		}
	}()
	v, err := fn(b)
	if v != nil && err == nil {
		printJSON(c.out, v)
	}
	return err
}

func requireWorkspace(ws string) error {
	if ws == "" {
		return errors.New("--workspace is required")
	}
	return nil
}

func (c command) Status(ctx context.Context, f WorkspaceFlags) error {
	if err := requireWorkspace(f.Workspace); err != nil {
		return err
	}
	return c.with(ctx, func(b backend) (any, error) { return b.Status(ctx, f.Workspace) })
}

func (c command) Start(ctx context.Context, f WorkspaceFlags) error {
	if err := requireWorkspace(f.Workspace); err != nil {
		return err
	}
	return c.with(ctx, func(b backend) (any, error) { return b.Start(ctx, f.Workspace) })
}

func (c command) Stop(ctx context.Context, f WorkspaceFlags) error {
	if err := requireWorkspace(f.Workspace); err != nil {
		return err
	}
	return c.with(ctx, func(b backend) (any, error) { return b.Stop(ctx, f.Workspace) })
}

func (c command) Alive(ctx context.Context, f WorkspaceFlags) error {
	if err := requireWorkspace(f.Workspace); err != nil {
		return err
	}
	return c.with(ctx, func(b backend) (any, error) {
		alive, err := b.Alive(ctx, f.Workspace)
		return map[string]any{"workspace_id": f.Workspace, "alive": alive}, err
	})
}

// Log prints the raw log tail, not JSON.
func (c command) Log(ctx context.Context, f LogFlags) error {
	if err := requireWorkspace(f.Workspace); err != nil {
		return err
	}
	if f.Tail < 0 {
		return fmt.Errorf("--tail must not be negative")
	}
	return c.with(ctx, func(b backend) (any, error) {
		chunk, err := b.Log(ctx, f.Workspace, f.Tail)
		if err != nil {
			return nil, err
		}
		_, err = io.WriteString(c.out, chunk.Content)
		return nil, err
	})
}

func (c command) Adopt(ctx context.Context, f AdoptFlags) error {
	if err := requireWorkspace(f.Workspace); err != nil {
		return err
	}
	if f.PID <= 0 {
		return fmt.Errorf("--pid must be a positive integer")
	}
	return c.with(ctx, func(b backend) (any, error) { return b.Adopt(ctx, f.Workspace, f.PID) })
}

func (c command) Processes(ctx context.Context) error {
	return c.with(ctx, func(b backend) (any, error) {
		procs, err := b.Processes(ctx)
		if procs == nil {
			procs = []wsvisor.ProcessInfo{}
		}
		return procs, err
	})
}

func (c command) StopAll(ctx context.Context) error {
	return c.with(ctx, func(b backend) (any, error) { return b.StopAll(ctx) })
}

func (c command) Reconcile(ctx context.Context) error {
	return c.with(ctx, func(b backend) (any, error) { return b.Reconcile(ctx) })
}
