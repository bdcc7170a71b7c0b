package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsvisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of backend processes spawned and past the grace window.",
		}, []string{"workspace"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of completed stop protocols by terminal state.",
		}, []string{"workspace", "result"},
	)
	forceKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "force_kills_total",
			Help:      "Number of stops that escalated to a forced kill.",
		}, []string{"workspace"},
	)
	immediateExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "immediate_exits_total",
			Help:      "Number of spawns that died inside the grace window.",
		}, []string{"workspace"},
	)
	startRaces = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "start_races_total",
			Help:      "Number of starts rejected because the start lock was held.",
		}, []string{"workspace"},
	)
	stopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stop_duration_seconds",
			Help:      "Wall time of the stop protocol.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 10, 15},
		}, []string{"workspace"},
	)
	stopTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stop_transitions_total",
			Help:      "Stop protocol state transitions.",
		}, []string{"workspace", "from", "to"},
	)
	reconcilePurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "purged_total",
			Help:      "Number of stale records removed.",
		},
	)
	orphansKilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orphans",
			Name:      "killed_total",
			Help:      "Number of unregistered backend processes terminated by stop-all.",
		},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "running",
			Help:      "Workspaces with an identity-valid running backend, as last observed.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, forceKills, immediateExits, startRaces,
		stopDuration, stopTransitions, reconcilePurged, orphansKilled, running,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, e.g. a private registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register succeeds.

func IncStart(ws string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(ws).Inc()
	}
}

func IncStop(ws, result string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(ws, result).Inc()
	}
}

func IncForceKill(ws string) {
	if regOK.Load() {
		forceKills.WithLabelValues(ws).Inc()
	}
}

func IncImmediateExit(ws string) {
	if regOK.Load() {
		immediateExits.WithLabelValues(ws).Inc()
	}
}

func IncStartRace(ws string) {
	if regOK.Load() {
		startRaces.WithLabelValues(ws).Inc()
	}
}

func ObserveStopDuration(ws string, seconds float64) {
	if regOK.Load() {
		stopDuration.WithLabelValues(ws).Observe(seconds)
	}
}

func RecordStopTransition(ws, from, to string) {
	if regOK.Load() {
		stopTransitions.WithLabelValues(ws, from, to).Inc()
	}
}

func AddPurged(n int) {
	if regOK.Load() && n > 0 {
		reconcilePurged.Add(float64(n))
	}
}

func AddOrphansKilled(n int) {
	if regOK.Load() && n > 0 {
		orphansKilled.Add(float64(n))
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		running.Set(float64(n))
	}
}
