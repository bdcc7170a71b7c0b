// Package wsvisor supervises one backend service process per local workspace.
// It is a thin facade over the internal packages for embedding in other
// programs such as a desktop shell.
package wsvisor

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/wsvisor/internal/config"
	"github.com/loykin/wsvisor/internal/control"
	"github.com/loykin/wsvisor/internal/history"
	"github.com/loykin/wsvisor/internal/history/factory"
	"github.com/loykin/wsvisor/internal/metrics"
	"github.com/loykin/wsvisor/internal/registry"
	iapi "github.com/loykin/wsvisor/internal/server"
	"github.com/loykin/wsvisor/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Status = supervisor.Status

type LogChunk = supervisor.LogChunk

type ProcessInfo = supervisor.ProcessInfo

type StopAllReport = supervisor.StopAllReport

type ReconcileReport = supervisor.ReconcileReport

type StopState = supervisor.StopState

type Record = registry.Record

type LaunchError = supervisor.LaunchError

type HistorySink = history.Sink

var (
	ErrStartRace         = supervisor.ErrStartRace
	ErrSpawnFailed       = supervisor.ErrSpawnFailed
	ErrImmediateExit     = supervisor.ErrImmediateExit
	ErrStopFailed        = supervisor.ErrStopFailed
	ErrIdentityMismatch  = supervisor.ErrIdentityMismatch
	ErrWorkspaceNotFound = supervisor.ErrWorkspaceNotFound
	ErrAlreadyRunning    = supervisor.ErrAlreadyRunning
	ErrNotRunning        = supervisor.ErrNotRunning
)

func DefaultConfig() *Config { return cfg.Default() }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Supervisor is an opened supervisor plus the history sinks it writes to.
type Supervisor struct {
	*supervisor.Supervisor
	recorder *history.Recorder
}

// Open builds a supervisor from c. History sinks named in c are opened and
// extra sinks are appended. The owning application calls Reconcile once at
// startup; short-lived tools must not, since it clears every start lock.
func Open(c *Config, logger *slog.Logger, extra ...HistorySink) (*Supervisor, error) {
	if c == nil {
		c = cfg.Default()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseEnv, err := c.BaseEnv()
	if err != nil {
		return nil, err
	}

	var sinks []history.Sink
	if c.History.Enabled && len(c.History.DSNs) > 0 {
		sinks, err = factory.NewSinks(c.History.DSNs)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
	}
	sinks = append(sinks, extra...)
	var rec *history.Recorder
	if len(sinks) > 0 {
		rec = history.NewRecorder(logger, sinks...)
	}

	s := supervisor.New(supervisor.Options{
		Layout:      c.Layout(),
		Controller:  control.New(c.Control, logger),
		Service:     c.Service,
		Timing:      c.Timing,
		Orphans:     c.Orphans,
		DefaultPort: c.DefaultPort,
		HealthProbe: c.HealthProbe,
		BaseEnv:     baseEnv,
		Recorder:    rec,
		Logger:      logger,
	})
	return &Supervisor{Supervisor: s, recorder: rec}, nil
}

// Close flushes and closes history sinks. Running backends are left alone.
func (s *Supervisor) Close() error { return s.recorder.Close() }

// NewHTTPServer starts an HTTP server exposing the control API for s.
func NewHTTPServer(addr, basePath string, s *Supervisor, metricsHandler http.Handler) (*http.Server, error) {
	var opts []iapi.Option
	if metricsHandler != nil {
		opts = append(opts, iapi.WithMetrics(metricsHandler))
	}
	return iapi.NewServer(addr, basePath, s.Supervisor, opts...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// RegisterResourceMetrics adds per-backend CPU and memory gauges for s.
func RegisterResourceMetrics(r prometheus.Registerer, s *Supervisor) error {
	return r.Register(metrics.NewResourceCollector(s.Targets))
}
