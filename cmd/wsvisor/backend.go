package main

import (
	"context"
	"log/slog"

	"github.com/loykin/wsvisor"
	"github.com/loykin/wsvisor/pkg/client"
)

// backend is what the CLI commands act on: the local supervisor or a daemon
// reached over HTTP.
type backend interface {
	Status(ctx context.Context, ws string) (wsvisor.Status, error)
	Start(ctx context.Context, ws string) (wsvisor.Status, error)
	Stop(ctx context.Context, ws string) (wsvisor.Status, error)
	Alive(ctx context.Context, ws string) (bool, error)
	Log(ctx context.Context, ws string, tail int64) (wsvisor.LogChunk, error)
	Adopt(ctx context.Context, ws string, pid int) (wsvisor.Status, error)
	Processes(ctx context.Context) ([]wsvisor.ProcessInfo, error)
	StopAll(ctx context.Context) (wsvisor.StopAllReport, error)
	Reconcile(ctx context.Context) (wsvisor.ReconcileReport, error)
	Close() error
}

type localBackend struct {
	s *wsvisor.Supervisor
}

func (b localBackend) Status(ctx context.Context, ws string) (wsvisor.Status, error) {
	return b.s.Status(ctx, ws)
}

func (b localBackend) Start(ctx context.Context, ws string) (wsvisor.Status, error) {
	return b.s.Start(ctx, ws)
}

func (b localBackend) Stop(ctx context.Context, ws string) (wsvisor.Status, error) {
	return b.s.Stop(ctx, ws)
}

func (b localBackend) Alive(_ context.Context, ws string) (bool, error) {
	return b.s.CheckAlive(ws), nil
}

func (b localBackend) Log(_ context.Context, ws string, tail int64) (wsvisor.LogChunk, error) {
	return b.s.Log(ws, tail)
}

func (b localBackend) Adopt(ctx context.Context, ws string, pid int) (wsvisor.Status, error) {
	return b.s.Adopt(ctx, ws, pid)
}

func (b localBackend) Processes(ctx context.Context) ([]wsvisor.ProcessInfo, error) {
	return b.s.ListProcesses(ctx)
}

func (b localBackend) StopAll(ctx context.Context) (wsvisor.StopAllReport, error) {
	return b.s.StopAll(ctx), nil
}

func (b localBackend) Reconcile(ctx context.Context) (wsvisor.ReconcileReport, error) {
	return b.s.Reconcile(ctx)
}

func (b localBackend) Close() error { return b.s.Close() }

type remoteBackend struct {
	*client.Client
}

func (remoteBackend) Close() error { return nil }

// openBackend picks the daemon when --api-url is set, the local run
// directory otherwise.
func openBackend(f GlobalFlags, logger *slog.Logger) (backend, error) {
	if f.APIUrl != "" {
		return remoteBackend{client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, Logger: logger})}, nil
	}
	cfg, err := wsvisor.LoadConfig(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	s, err := wsvisor.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	return localBackend{s: s}, nil
}
