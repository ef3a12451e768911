package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service launches.",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of exits followed by a scheduled relaunch.",
		}, []string{"name"},
	)
	serviceExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "service",
			Name:      "exits_total",
			Help:      "Number of observed process exits.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of requested stops, labelled by how the process ended.",
		}, []string{"name", "mode"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of services (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	healthUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "health",
			Name:      "healthy",
			Help:      "1 when the unit reports healthy.",
		},
	)
	healthFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "health",
			Name:      "consecutive_failures",
			Help:      "Consecutive counted readiness check failures.",
		},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Readiness checks by result.",
		}, []string{"result"},
	)

	unitPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "unit",
			Name:      "phase",
			Help:      "Current startup orchestrator phase (1 = active).",
		}, []string{"phase"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceRestarts, serviceExits, serviceStops, currentStates,
		healthUp, healthFailures, healthChecks, unitPhase,
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func IncExit(name string) {
	if regOK.Load() {
		serviceExits.WithLabelValues(name).Inc()
	}
}

// IncStop records a requested stop; mode is "graceful", "killed" or "idle"
// (nothing was running).
func IncStop(name, mode string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name, mode).Inc()
	}
}

// SetState marks state as the only active state for name.
func SetState(name, from, to string) {
	if !regOK.Load() {
		return
	}
	if from != "" && from != to {
		currentStates.WithLabelValues(name, from).Set(0)
	}
	currentStates.WithLabelValues(name, to).Set(1)
}

func SetHealth(healthy bool, consecutiveFailures int) {
	if !regOK.Load() {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	healthUp.Set(v)
	healthFailures.Set(float64(consecutiveFailures))
}

// IncCheck counts a readiness check; result is "success", "failure" or "ignored".
func IncCheck(result string) {
	if regOK.Load() {
		healthChecks.WithLabelValues(result).Inc()
	}
}

func SetPhase(from, to string) {
	if !regOK.Load() {
		return
	}
	if from != "" && from != to {
		unitPhase.WithLabelValues(from).Set(0)
	}
	unitPhase.WithLabelValues(to).Set(1)
}
