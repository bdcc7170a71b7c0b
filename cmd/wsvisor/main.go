package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/wsvisor/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(os.Stdout, cliLogger(os.Stderr))
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cliLogger keeps one-shot commands quiet; serve builds its own logger from
// the config file.
func cliLogger(w io.Writer) *slog.Logger {
	cfg := logger.Config{Slog: logger.SlogConfig{Level: logger.LevelWarn, Format: logger.FormatText}}
	return slog.New(cfg.Handler(w))
}

func buildRoot(out io.Writer, log *slog.Logger) *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := newCommand(globalFlags, out, log)

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createStatusCommand(cmd),
		createStartCommand(cmd),
		createStopCommand(cmd),
		createAliveCommand(cmd),
		createLogCommand(cmd),
		createAdoptCommand(cmd),
		createProcessesCommand(cmd),
		createStopAllCommand(cmd),
		createReconcileCommand(cmd),
		createServeCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "wsvisor",
		Short: "Workspace backend supervisor",
		Long: `wsvisor starts, stops and tracks one backend service per local workspace.

Commands act on the local run directory unless --api-url points at a
running daemon started with 'wsvisor serve'.

Examples:
  wsvisor start --workspace=default
  wsvisor status --workspace=default
  wsvisor stop-all
  wsvisor status --workspace=default --api-url=http://127.0.0.1:18990/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (e.g. http://127.0.0.1:18990/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	return root
}

func workspaceCommand(use, short, long string, run func(*cobra.Command, WorkspaceFlags) error) *cobra.Command {
	f := &WorkspaceFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		RunE: func(c *cobra.Command, _ []string) error {
			return run(c, *f)
		},
	}
	cmd.Flags().StringVarP(&f.Workspace, "workspace", "w", "", "workspace id (required)")
	if err := cmd.MarkFlagRequired("workspace"); err != nil {
		panic(err)
	}
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	return workspaceCommand("status", "Show workspace backend status",
		`Show whether the workspace backend is running, its pid and who started it.

Examples:
  wsvisor status --workspace=default`,
		func(cmd *cobra.Command, f WorkspaceFlags) error { return c.Status(cmd.Context(), f) })
}

func createStartCommand(c command) *cobra.Command {
	return workspaceCommand("start", "Start the workspace backend",
		`Start the workspace backend unless one is already running.
Fails with a start race when another launcher holds the start lock.

Examples:
  wsvisor start --workspace=default`,
		func(cmd *cobra.Command, f WorkspaceFlags) error { return c.Start(cmd.Context(), f) })
}

func createStopCommand(c command) *cobra.Command {
	return workspaceCommand("stop", "Stop the workspace backend",
		`Ask the backend to shut down over HTTP, then force kill it when it does
not exit in time. Stopping a workspace that is not running succeeds.

Examples:
  wsvisor stop --workspace=default`,
		func(cmd *cobra.Command, f WorkspaceFlags) error { return c.Stop(cmd.Context(), f) })
}

func createAliveCommand(c command) *cobra.Command {
	return workspaceCommand("alive", "Report whether the backend process is alive",
		`Report liveness without identity verification.

Examples:
  wsvisor alive --workspace=default`,
		func(cmd *cobra.Command, f WorkspaceFlags) error { return c.Alive(cmd.Context(), f) })
}

func createLogCommand(c command) *cobra.Command {
	f := &LogFlags{}
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the tail of the workspace backend log",
		Long: `Print the last bytes of the backend log file.

Examples:
  wsvisor log --workspace=default
  wsvisor log --workspace=default --tail=2000`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Log(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVarP(&f.Workspace, "workspace", "w", "", "workspace id (required)")
	cmd.Flags().Int64Var(&f.Tail, "tail", 0, "bytes from the end of the log (0 uses the configured default)")
	if err := cmd.MarkFlagRequired("workspace"); err != nil {
		panic(err)
	}
	return cmd
}

func createAdoptCommand(c command) *cobra.Command {
	f := &AdoptFlags{}
	cmd := &cobra.Command{
		Use:   "adopt",
		Short: "Record an externally started backend for a workspace",
		Long: `Record a backend started by another program. Adopted backends are
reported as external and are never killed by stop-all.

Examples:
  wsvisor adopt --workspace=default --pid=12345`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Adopt(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVarP(&f.Workspace, "workspace", "w", "", "workspace id (required)")
	cmd.Flags().IntVar(&f.PID, "pid", 0, "pid of the running backend (required)")
	for _, name := range []string{"workspace", "pid"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
	return cmd
}

func createProcessesCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "processes",
		Short: "List backend processes found in the process table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Processes(cmd.Context())
		},
	}
}

func createStopAllCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every self-started backend and kill orphans",
		Long: `Stop every backend this tool started, then terminate leftover backend
processes found by a process scan. External backends are left running.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.StopAll(cmd.Context())
		},
	}
}

func createReconcileCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Clear leftover start locks and dead pid records",
		Long: `Remove every start lock and purge pid records whose process is gone or
was replaced. Run it only when no launcher is starting a backend.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Reconcile(cmd.Context())
		},
	}
}
