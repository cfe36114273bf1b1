package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "capturectl"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	captureAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "attempts_total",
			Help:      "Number of capture attempts that spawned a worker.",
		},
	)
	captureResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "results_total",
			Help:      "Capture attempts by final outcome.",
		}, []string{"outcome"},
	)
	captureDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "duration_seconds",
			Help:      "Wall time from spawn to worker exit.",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 3600, 14400, 86400},
		}, []string{"outcome"},
	)
	activeCaptures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "active",
			Help:      "Workers currently tracked in the live process table.",
		},
	)
	timeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "timeouts_total",
			Help:      "Workers terminated by the safety timeout.",
		},
	)
	stopRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stop",
			Name:      "requests_total",
			Help:      "Stop requests by the mechanism that applied (signal, kill, pid, none).",
		}, []string{"mechanism"},
	)
	registryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "errors_total",
			Help:      "Durable registry read or write failures.",
		}, []string{"op"},
	)
	historyErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "errors_total",
			Help:      "Capture history events that a sink failed to accept.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{captureAttempts, captureResults, captureDuration, activeCaptures, timeouts, stopRequests, registryErrors, historyErrors}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncAttempt() {
	if regOK.Load() {
		captureAttempts.Inc()
	}
}

func ObserveResult(outcome string, seconds float64) {
	if regOK.Load() {
		captureResults.WithLabelValues(outcome).Inc()
		captureDuration.WithLabelValues(outcome).Observe(seconds)
	}
}

func SetActive(n int) {
	if regOK.Load() {
		activeCaptures.Set(float64(n))
	}
}

func IncTimeout() {
	if regOK.Load() {
		timeouts.Inc()
	}
}

func IncStop(mechanism string) {
	if regOK.Load() {
		stopRequests.WithLabelValues(mechanism).Inc()
	}
}

func IncRegistryError(op string) {
	if regOK.Load() {
		registryErrors.WithLabelValues(op).Inc()
	}
}

func IncHistoryError() {
	if regOK.Load() {
		historyErrors.Inc()
	}
}
