// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health exposes liveness and readiness probes for the proxy.
// Readiness reflects the dependencies a relaying session needs: the default
// backend must be dialable and, when configured, the record store must
// answer a ping.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the cached result of a single probe.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// Pinger is the slice of a client that can answer a liveness ping. The
// Redis record sink satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BackendCheck reports whether the given backend target accepts TCP
// connections. It opens and immediately closes a probe socket; it does not
// speak the proxied protocol, so a backend that accepts but misbehaves
// still counts as reachable here.
func BackendCheck(target string, timeout time.Duration) CheckFunc {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return func(ctx context.Context) error {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// PingCheck wraps a Pinger, typically the Redis record sink.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// Checker runs registered probes on demand and caches their results so
// aggressive probe intervals do not hammer the dependencies themselves.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a health checker. Results are cached for cacheTTL.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a named probe.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Health runs all probes (honoring the cache) and returns the aggregate
// status. Any failing probe degrades the aggregate.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var checks []Check
	overall := StatusHealthy

	for name, probe := range c.checks {
		if cached, ok := c.cache[name]; ok && time.Since(cached.LastChecked) < c.ttl {
			checks = append(checks, *cached)
			if cached.Status != StatusHealthy {
				overall = StatusDegraded
			}
			continue
		}

		start := time.Now()
		err := probe(ctx)
		result := &Check{
			Name:        name,
			LastChecked: time.Now(),
			Duration:    time.Since(start),
		}

		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			overall = StatusDegraded
		} else {
			result.Status = StatusHealthy
		}

		c.cache[name] = result
		checks = append(checks, *result)
	}

	return overall, checks
}

// HTTPHandler serves the full health report. A degraded proxy still
// answers 200: already-established sessions keep relaying even when a
// dependency is down, so degradation alone is not a reason to pull traffic.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		response := map[string]interface{}{
			"status": status,
			"checks": checks,
		}

		w.Header().Set("Content-Type", "application/json")
		if status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler answers as long as the process is serving HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler gates new traffic: a degraded proxy would accept
// connections it cannot forward, so degraded reports unready here.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		response := map[string]interface{}{
			"status": status,
			"checks": checks,
		}

		w.Header().Set("Content-Type", "application/json")
		if status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(response)
	}
}
