// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package connector establishes the backend side of a session: one fresh
// outbound connection per session, dialed under a bounded timeout with a
// small retry budget and exponential backoff. A per-endpoint circuit
// breaker is shared across sessions so a dead backend fails fast instead of
// every session independently exhausting its retries.
package connector

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Alvsch/hyperion/pkg/breaker"
	"github.com/Alvsch/hyperion/pkg/errors"
)

// Config holds backend connector configuration.
type Config struct {
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// MaxRetries is the number of additional attempts after the first.
	// Negative means no retries; zero selects the default.
	MaxRetries int

	// BackoffBase is the delay before the first retry; each subsequent
	// retry doubles it up to BackoffCeiling.
	BackoffBase time.Duration

	// BackoffCeiling caps the per-retry delay.
	BackoffCeiling time.Duration

	// Breaker configures the per-endpoint circuit breaker.
	Breaker breaker.Config

	// Dialer overrides the network dialer, used by tests.
	Dialer func(ctx context.Context, target string) (net.Conn, error)

	// OnAttempt, when set, observes every dial attempt's outcome.
	OnAttempt func(target string, err error)

	// OnStateChange, when set, observes breaker transitions per target.
	OnStateChange func(target string, from, to breaker.State)

	// Logger for connector events.
	Logger *slog.Logger
}

// Connector opens backend connections for sessions.
type Connector struct {
	config   Config
	mu       sync.Mutex
	breakers map[string]*breaker.CircuitBreaker
}

// New creates a backend connector.
func New(cfg Config) *Connector {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffCeiling == 0 {
		cfg.BackoffCeiling = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = func(ctx context.Context, target string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "tcp", target)
		}
	}

	return &Connector{
		config:   cfg,
		breakers: make(map[string]*breaker.CircuitBreaker),
	}
}

// Connect opens a connection to target, retrying with backoff within the
// budget. It returns an error wrapping ErrBackendUnavailable when the
// budget is exhausted or the endpoint's circuit is open, and ctx.Err() when
// cancelled mid-attempt or mid-backoff.
func (c *Connector) Connect(ctx context.Context, target string) (net.Conn, error) {
	cb := c.breakerFor(target)

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.config.Logger.Debug("backend dial retry",
				slog.String("target", target),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		var conn net.Conn
		err := cb.Call(func() error {
			dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
			defer cancel()

			var dialErr error
			conn, dialErr = c.config.Dialer(dialCtx, target)
			return dialErr
		})

		if c.config.OnAttempt != nil {
			c.config.OnAttempt(target, err)
		}

		if err == nil {
			return conn, nil
		}
		if stderrors.Is(err, breaker.ErrCircuitOpen) {
			// No point retrying: the breaker holds until its reset timeout.
			return nil, fmt.Errorf("dial %s: %v: %w", target, err, errors.ErrBackendUnavailable)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, fmt.Errorf("dial %s after %d attempts: %v: %w",
		target, c.config.MaxRetries+1, lastErr, errors.ErrBackendUnavailable)
}

// BreakerState reports the circuit state for a target endpoint.
func (c *Connector) BreakerState(target string) breaker.State {
	return c.breakerFor(target).State()
}

// breakerFor returns the shared breaker for target, creating it on first use.
func (c *Connector) breakerFor(target string) *breaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[target]
	if !ok {
		cb = breaker.New(c.config.Breaker)
		if c.config.OnStateChange != nil {
			cb.OnStateChange(func(from, to breaker.State) {
				c.config.OnStateChange(target, from, to)
			})
		}
		c.breakers[target] = cb
	}
	return cb
}

// backoff computes the delay before the given retry attempt.
func (c *Connector) backoff(attempt int) time.Duration {
	delay := c.config.BackoffBase << uint(attempt-1)
	if delay > c.config.BackoffCeiling || delay <= 0 {
		delay = c.config.BackoffCeiling
	}
	return delay
}
