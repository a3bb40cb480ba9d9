// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Alvsch/hyperion/pkg/sink"
)

// Metrics holds all Prometheus metrics for the proxy. It implements
// sink.Sink so session completion records feed the session-level series
// without any extra plumbing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	BytesRelayed    *prometheus.CounterVec

	// Accept metrics
	AcceptedTotal      prometheus.Counter
	RateLimitedAccepts prometheus.Counter
	OverCapacityTotal  prometheus.Counter

	// Backend metrics
	BackendDialsTotal *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	BreakerTrips      *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "hyperion_proxy"
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently open",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Completed sessions by disposition",
		}, []string{"disposition"}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
		}, []string{"disposition"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Bytes relayed by direction",
		}, []string{"direction"}),
		AcceptedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_connections_total",
			Help:      "Connections accepted by the listener",
		}),
		RateLimitedAccepts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_accepts_total",
			Help:      "Connections refused by the accept rate limiter",
		}),
		OverCapacityTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "over_capacity_refusals_total",
			Help:      "Connections refused at the concurrency bound",
		}),
		BackendDialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_dials_total",
			Help:      "Backend dial attempts by target and status",
		}, []string{"target", "status"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per backend (0=closed, 1=half_open, 2=open)",
		}, []string{"target"}),
		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker trips per backend",
		}, []string{"target"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var _ sink.Sink = (*Metrics)(nil)

// Record implements sink.Sink.
func (m *Metrics) Record(_ context.Context, rec *sink.Record) error {
	d := string(rec.Disposition)
	m.SessionsTotal.WithLabelValues(d).Inc()
	m.SessionDuration.WithLabelValues(d).Observe(rec.Duration.Seconds())
	m.BytesRelayed.WithLabelValues("upstream").Add(float64(rec.BytesIn))
	m.BytesRelayed.WithLabelValues("downstream").Add(float64(rec.BytesOut))
	return nil
}

// ObserveDial records one backend dial attempt.
func (m *Metrics) ObserveDial(target string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.BackendDialsTotal.WithLabelValues(target, status).Inc()
}
