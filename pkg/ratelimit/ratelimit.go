// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token bucket rate limiting for the accept
// path, keyed by client IP so one flooding host cannot starve the listener
// for everyone else.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if one more acquisition should be allowed.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN checks if N acquisitions should be allowed.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}

	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Limiter manages per-client buckets, one per client IP.
type Limiter struct {
	mu         sync.RWMutex
	limiters   map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxClients int
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewLimiter creates a rate limiter with per-client tracking. Once
// maxClients distinct clients are tracked, connections from new clients are
// refused until the cleanup pass frees space; this bounds the memory an
// address-rotating flood can consume.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	if maxClients == 0 {
		maxClients = 10000
	}

	l := &Limiter{
		limiters:   make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
		stop:       make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow checks if a connection from the given client should be allowed.
func (l *Limiter) Allow(clientIP string) bool {
	return l.AllowN(clientIP, 1)
}

// AllowN checks if N connections from the given client should be allowed.
func (l *Limiter) AllowN(clientIP string, n int64) bool {
	l.mu.RLock()
	tb, exists := l.limiters[clientIP]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		tb, exists = l.limiters[clientIP]
		if !exists {
			if len(l.limiters) >= l.maxClients {
				l.mu.Unlock()
				return false
			}

			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.limiters[clientIP] = tb
		}
		l.mu.Unlock()
	}

	return tb.AllowN(n)
}

// Remove removes a client's rate limiter.
func (l *Limiter) Remove(clientIP string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, clientIP)
}

// cleanupLoop periodically drops buckets that have refilled to capacity;
// those clients are quiescent and their state carries no information.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			for ip, tb := range l.limiters {
				if tb.Available() == l.capacity {
					delete(l.limiters, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}
