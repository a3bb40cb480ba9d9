// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool provides a bounded dialer for short-lived backend probe
// connections, such as the status fetcher's queries. Relay sessions never
// use it: a play connection is stateful and owned by exactly one session,
// so pooling one would be wrong.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var (
	// ErrPoolClosed is returned when the pool is closed.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrPoolExhausted is returned when no connections are available.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// Config holds connection pool configuration.
type Config struct {
	// MaxIdle is the maximum number of idle connections kept for reuse.
	MaxIdle int
	// MaxActive is the maximum number of concurrently checked-out
	// connections. If 0, there is no limit.
	MaxActive int
	// IdleTimeout is the maximum time a connection can sit idle before being closed.
	IdleTimeout time.Duration
	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration
	// WaitTimeout is the maximum time to wait for a connection when the pool
	// is exhausted. If 0, Get returns ErrPoolExhausted immediately.
	WaitTimeout time.Duration
}

// Conn wraps a net.Conn checked out of the pool.
type Conn struct {
	net.Conn
	createdAt time.Time
	pool      *Pool
	unusable  bool
}

// Close returns the connection to the pool, or closes it for good if it was
// marked unusable.
func (c *Conn) Close() error {
	return c.pool.put(c)
}

// Discard marks the connection unusable so Close disposes of it instead of
// returning it to the idle set. Callers use this when the protocol exchange
// they ran ends with the peer closing the stream, as a status query does.
func (c *Conn) Discard() {
	c.unusable = true
}

// DialFunc is a function that creates a new connection.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Pool is a bounded connection pool.
type Pool struct {
	mu       sync.Mutex
	idle     []*Conn
	active   int
	dialFunc DialFunc
	config   Config
	closed   bool
	waitChan chan struct{}
	stop     chan struct{}
}

// New creates a new connection pool.
func New(dialFunc DialFunc, config Config) *Pool {
	if config.MaxIdle <= 0 {
		config.MaxIdle = 4
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = time.Minute
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	p := &Pool{
		dialFunc: dialFunc,
		config:   config,
		waitChan: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}

	go p.reapIdle()

	return p
}

// Get retrieves an idle connection or dials a new one.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	for len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if time.Since(conn.createdAt) < p.config.IdleTimeout {
			p.active++
			p.mu.Unlock()
			return conn, nil
		}

		conn.Conn.Close()
	}

	if p.config.MaxActive > 0 && p.active >= p.config.MaxActive {
		p.mu.Unlock()

		if p.config.WaitTimeout > 0 {
			timer := time.NewTimer(p.config.WaitTimeout)
			defer timer.Stop()

			select {
			case <-p.waitChan:
				return p.Get(ctx)
			case <-timer.C:
				return nil, ErrPoolExhausted
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return nil, ErrPoolExhausted
	}

	p.active++
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()

	rawConn, err := p.dialFunc(dialCtx)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return &Conn{
		Conn:      rawConn,
		createdAt: time.Now(),
		pool:      p,
	}, nil
}

// put returns a connection to the pool.
func (p *Pool) put(conn *Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--

	// Wake one waiter regardless of whether the connection survives; the
	// freed active slot is what they are waiting for.
	select {
	case p.waitChan <- struct{}{}:
	default:
	}

	if p.closed || conn.unusable || len(p.idle) >= p.config.MaxIdle {
		return conn.Conn.Close()
	}

	p.idle = append(p.idle, conn)
	return nil
}

// reapIdle periodically closes idle connections that exceeded IdleTimeout.
func (p *Pool) reapIdle() {
	ticker := time.NewTicker(p.config.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}

		var kept []*Conn
		now := time.Now()

		for _, conn := range p.idle {
			if now.Sub(conn.createdAt) > p.config.IdleTimeout {
				conn.Conn.Close()
			} else {
				kept = append(kept, conn)
			}
		}

		p.idle = kept
		p.mu.Unlock()
	}
}

// Close closes the pool and all idle connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.stop)

	for _, conn := range p.idle {
		conn.Conn.Close()
	}
	p.idle = nil

	return nil
}

// Stats returns pool statistics.
func (p *Pool) Stats() (idle, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.active
}
