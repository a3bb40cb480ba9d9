// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alvsch/hyperion/pkg/breaker"
	"github.com/Alvsch/hyperion/pkg/errors"
)

func TestConnectSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	c := New(Config{})

	conn, err := c.Connect(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestConnectRetriesThenGivesUp(t *testing.T) {
	attempts := 0
	c := New(Config{
		MaxRetries:     2,
		BackoffBase:    5 * time.Millisecond,
		BackoffCeiling: 10 * time.Millisecond,
		Dialer: func(ctx context.Context, target string) (net.Conn, error) {
			attempts++
			return nil, &net.OpError{Op: "dial", Err: errors.ErrTimeout}
		},
	})

	start := time.Now()
	_, err := c.Connect(context.Background(), "backend:25565")

	assert.ErrorIs(t, err, errors.ErrBackendUnavailable)
	assert.Equal(t, 3, attempts) // first try plus two retries

	// Bounded time: retries * backoff ceiling plus slack.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestConnectSingleAttempt(t *testing.T) {
	attempts := 0
	c := New(Config{
		MaxRetries: -1,
		Dialer: func(ctx context.Context, target string) (net.Conn, error) {
			attempts++
			return nil, &net.OpError{Op: "dial", Err: errors.ErrTimeout}
		},
	})

	_, err := c.Connect(context.Background(), "backend:25565")

	assert.ErrorIs(t, err, errors.ErrBackendUnavailable)
	assert.Equal(t, 1, attempts, "negative MaxRetries must mean exactly one attempt")
}

func TestConnectCancelledDuringBackoff(t *testing.T) {
	c := New(Config{
		MaxRetries:     5,
		BackoffBase:    time.Hour, // would block forever without cancellation
		BackoffCeiling: time.Hour,
		Dialer: func(ctx context.Context, target string) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Err: errors.ErrTimeout}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Connect(ctx, "backend:25565")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectCircuitOpensAcrossSessions(t *testing.T) {
	attempts := 0
	c := New(Config{
		MaxRetries:     1,
		BackoffBase:    time.Millisecond,
		BackoffCeiling: time.Millisecond,
		Breaker: breaker.Config{
			MaxFailures:  3,
			ResetTimeout: time.Hour,
		},
		Dialer: func(ctx context.Context, target string) (net.Conn, error) {
			attempts++
			return nil, &net.OpError{Op: "dial", Err: errors.ErrTimeout}
		},
	})

	// First sessions trip the breaker.
	_, err := c.Connect(context.Background(), "backend:25565")
	require.ErrorIs(t, err, errors.ErrBackendUnavailable)
	_, err = c.Connect(context.Background(), "backend:25565")
	require.ErrorIs(t, err, errors.ErrBackendUnavailable)

	require.Equal(t, breaker.StateOpen, c.BreakerState("backend:25565"))
	tripped := attempts

	// Later sessions fail fast without dialing at all.
	_, err = c.Connect(context.Background(), "backend:25565")
	assert.ErrorIs(t, err, errors.ErrBackendUnavailable)
	assert.Equal(t, tripped, attempts)
}

func TestConnectBreakersAreIndependentPerTarget(t *testing.T) {
	c := New(Config{
		MaxRetries:     1,
		BackoffBase:    time.Millisecond,
		BackoffCeiling: time.Millisecond,
		Breaker: breaker.Config{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
		Dialer: func(ctx context.Context, target string) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Err: errors.ErrTimeout}
		},
	})

	_, _ = c.Connect(context.Background(), "a:25565")

	assert.Equal(t, breaker.StateOpen, c.BreakerState("a:25565"))
	assert.Equal(t, breaker.StateClosed, c.BreakerState("b:25565"))
}

func TestBackoffCeiling(t *testing.T) {
	c := New(Config{
		BackoffBase:    100 * time.Millisecond,
		BackoffCeiling: 300 * time.Millisecond,
	})

	assert.Equal(t, 100*time.Millisecond, c.backoff(1))
	assert.Equal(t, 200*time.Millisecond, c.backoff(2))
	assert.Equal(t, 300*time.Millisecond, c.backoff(3))
	assert.Equal(t, 300*time.Millisecond, c.backoff(10))
}
