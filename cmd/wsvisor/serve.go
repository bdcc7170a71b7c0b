package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/wsvisor"
	"github.com/loykin/wsvisor/internal/metrics"
)

const instanceLockName = "wsvisor.lock"

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor daemon: reconcile leftovers from a previous run, then
serve the control API until interrupted.

Examples:
  wsvisor serve
  wsvisor serve --config=wsvisor.toml --listen=127.0.0.1:18990
  wsvisor serve --autostart=default --stop-on-exit`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), globalFlags.ConfigPath, *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (overrides [server].listen)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "API base path (overrides [server].base_path)")
	cmd.Flags().StringSliceVar(&f.AutoStart, "autostart", nil, "workspaces to start after reconcile unless their backend already answers")
	cmd.Flags().BoolVar(&f.StopOnExit, "stop-on-exit", false, "stop every self-started backend before exiting")
	return cmd
}

// acquireInstanceLock makes sure one daemon owns a run directory.
func acquireInstanceLock(runDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return nil, err
	}
	fl := flock.New(filepath.Join(runDir, instanceLockName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("instance lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("another wsvisor daemon owns %s", runDir)
	}
	return fl, nil
}

// runServe blocks until ctx is done.
func runServe(ctx context.Context, configPath string, f ServeFlags) error {
	cfg, err := wsvisor.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	if f.BasePath != "" {
		cfg.Server.BasePath = f.BasePath
	}
	log, logCloser := cfg.Log.NewSlogger()
	defer func() { _ = logCloser.Close() }()

	fl, err := acquireInstanceLock(cfg.Layout().RunDir())
	if err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	s, err := wsvisor.Open(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn("close history sinks", "error", err)
		}
	}()

	rep, err := s.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	log.Info("reconciled run directory",
		"root", cfg.Root, "removed_locks", len(rep.RemovedLocks), "purged", len(rep.Purged), "running", len(rep.Kept))

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		if err := wsvisor.RegisterMetrics(reg); err != nil {
			return err
		}
		if cfg.Metrics.Resources {
			if err := wsvisor.RegisterResourceMetrics(reg, s); err != nil {
				return err
			}
		}
		metricsHandler = metrics.HandlerFor(reg)
	}

	srv, err := wsvisor.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, s, metricsHandler)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	log.Info("control API listening", "addr", srv.Addr, "base_path", cfg.Server.BasePath)

	autoStart(ctx, s, f.AutoStart, log)

	<-ctx.Done()
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("http shutdown", "error", err)
	}
	if f.StopOnExit {
		rep := s.StopAll(context.WithoutCancel(ctx))
		log.Info("stopped backends", "stopped", len(rep.Stopped), "failed", len(rep.Failed), "orphans", len(rep.Orphans))
	}
	return nil
}

// autoStart failures are logged; the daemon keeps serving.
func autoStart(ctx context.Context, s *wsvisor.Supervisor, workspaces []string, log *slog.Logger) {
	for _, ws := range workspaces {
		st, err := s.AutoStart(ctx, ws)
		if err != nil {
			log.Error("autostart failed", "workspace", ws, "error", err)
			continue
		}
		log.Info("autostart", "workspace", ws, "pid", st.PID, "already_running", st.AlreadyRunning, "external", st.External)
	}
}
