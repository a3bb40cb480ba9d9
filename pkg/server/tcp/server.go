// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Alvsch/hyperion/pkg/classifier"
	"github.com/Alvsch/hyperion/pkg/connector"
	"github.com/Alvsch/hyperion/pkg/ratelimit"
	"github.com/Alvsch/hyperion/pkg/session"
	"github.com/Alvsch/hyperion/pkg/sink"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds the acceptor configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// MaxConnections bounds concurrently open sessions. At capacity, new
	// sockets are closed immediately with no handshake and recorded as
	// resource-limited; clients see a plain connection close. 0 disables
	// the bound.
	MaxConnections int

	// AcceptRateCapacity and AcceptRateRefill configure the per-IP accept
	// token bucket. Capacity 0 disables accept rate limiting.
	AcceptRateCapacity int64
	AcceptRateRefill   int64

	// ShutdownTimeout is the maximum time to wait for active sessions to
	// drain during graceful shutdown. After this timeout, remaining
	// sessions are forcefully unwound.
	ShutdownTimeout time.Duration

	// Session configures the sessions this acceptor spawns.
	Session session.Config

	// Logger for server events
	Logger *slog.Logger

	// OnRefused, when set, observes accept-time refusals ("capacity" or
	// "rate_limit").
	OnRefused func(reason string)

	// OnAccepted, when set, observes every accepted socket, including ones
	// later refused by the accept-time policies.
	OnAccepted func()

	// OnSessionChange, when set, observes the open-session count moving by
	// delta (+1 on start, -1 on close).
	OnSessionChange func(delta int)
}

// Server accepts client connections and runs one Session per socket.
// Per-session errors never reach the accept loop; only a bind failure is
// fatal.
type Server struct {
	config  Config
	cls     *classifier.Classifier
	conn    *connector.Connector
	snk     sink.Sink
	limiter *ratelimit.Limiter
	connSem chan struct{}
	active  atomic.Int64
	wg      sync.WaitGroup
}

// New creates an acceptor with the given configuration and collaborators.
func New(cfg Config, cls *classifier.Classifier, conn *connector.Connector, snk sink.Sink) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		config: cfg,
		cls:    cls,
		conn:   conn,
		snk:    snk,
	}

	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}
	if cfg.AcceptRateCapacity > 0 {
		s.limiter = ratelimit.NewLimiter(cfg.AcceptRateCapacity, cfg.AcceptRateRefill, 0)
	}

	return s
}

// Active returns the number of currently open sessions. Safe to call from
// any goroutine; feeds the status document's online count and the metrics
// gauge.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Listen binds the configured address and serves until the context is
// cancelled. It fails only if the bind itself fails.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.config.Logger.Info("proxy listening", slog.String("address", s.config.Address))

	if s.limiter != nil {
		defer s.limiter.Close()
	}

	// Sessions get their own context so forced closure at shutdown is
	// distinct from the listener stopping.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			s.dispatch(connCtx, conn)
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	<-acceptDone

	// Wait for active sessions to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing session closure")
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// dispatch applies the accept-time resource policy and hands the socket to
// a new session. It never blocks the accept loop on session work.
func (s *Server) dispatch(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	if s.config.OnAccepted != nil {
		s.config.OnAccepted()
	}

	if s.limiter != nil {
		ip, _, err := net.SplitHostPort(remote)
		if err != nil {
			ip = remote
		}
		if !s.limiter.Allow(ip) {
			s.refuse(ctx, conn, "rate_limit")
			return
		}
	}

	if s.connSem != nil {
		select {
		case s.connSem <- struct{}{}:
		default:
			s.refuse(ctx, conn, "capacity")
			return
		}
	}

	s.active.Add(1)
	if s.config.OnSessionChange != nil {
		s.config.OnSessionChange(1)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.active.Add(-1)
			if s.config.OnSessionChange != nil {
				s.config.OnSessionChange(-1)
			}
		}()
		if s.connSem != nil {
			defer func() { <-s.connSem }()
		}

		sess := session.New(conn, s.cls, s.conn, s.snk, s.config.Session)

		s.config.Logger.Debug("session started",
			slog.String("session", sess.ID()),
			slog.String("remote", remote))

		sess.Run(ctx)
	}()
}

// refuse closes an over-limit socket immediately, before any handshake, and
// records the refusal. Closing with no response is deliberate: spending
// protocol work on a connection we refused for resource reasons would
// invert the policy's purpose. The record flushes on its own goroutine so a
// slow sink cannot stall the accept loop between sockets.
func (s *Server) refuse(ctx context.Context, conn net.Conn, reason string) {
	remote := conn.RemoteAddr().String()
	conn.Close()

	if s.config.OnRefused != nil {
		s.config.OnRefused(reason)
	}

	s.config.Logger.Debug("connection refused",
		slog.String("remote", remote),
		slog.String("reason", reason))

	rec := &sink.Record{
		SessionID:   uuid.New().String(),
		RemoteAddr:  remote,
		Disposition: sink.DispositionResourceLimited,
		StartedAt:   time.Now(),
		Error:       reason,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.snk.Record(recCtx, rec); err != nil {
			s.config.Logger.Error("failed to record refusal", slog.String("error", err.Error()))
		}
	}()
}
