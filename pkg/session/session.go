// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Alvsch/hyperion/pkg/classifier"
	"github.com/Alvsch/hyperion/pkg/connector"
	"github.com/Alvsch/hyperion/pkg/errors"
	"github.com/Alvsch/hyperion/pkg/sink"
)

// State is a point in the session lifecycle.
type State int32

const (
	StateAccepted State = iota
	StateClassifying
	StateConnecting
	StateRelaying
	StateClosing
	StateClosed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateClassifying:
		return "classifying"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds per-session tunables.
type Config struct {
	// HandshakeTimeout bounds classification and any local exchange; a
	// client that connects and goes silent cannot hold a session slot.
	HandshakeTimeout time.Duration

	// BufferSize is the relay copy buffer size per pump.
	BufferSize int

	// Logger for session events.
	Logger *slog.Logger
}

// Session pairs one client connection with at most one backend connection
// and owns both until Closed. It is created per accepted socket and never
// shared.
type Session struct {
	id     string
	client net.Conn
	cls    *classifier.Classifier
	conn   *connector.Connector
	snk    sink.Sink
	config Config

	state     atomic.Int32
	bytesIn   atomic.Uint64 // client → backend
	bytesOut  atomic.Uint64 // backend → client
	startedAt time.Time

	closeClient  sync.Once
	closeBackend sync.Once
	backend      net.Conn
}

// New creates a session for an accepted client connection.
func New(client net.Conn, cls *classifier.Classifier, conn *connector.Connector, snk sink.Sink, cfg Config) *Session {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 32 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Session{
		id:        uuid.New().String(),
		client:    client,
		cls:       cls,
		conn:      conn,
		snk:       snk,
		config:    cfg,
		startedAt: time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run drives the session to completion: classify, connect, relay, close,
// flush. It always reaches Closed (both connections released, exactly one
// record flushed), even when a pump panics or the context is cancelled.
func (s *Session) Run(ctx context.Context) {
	rec := &sink.Record{
		SessionID:  s.id,
		RemoteAddr: s.client.RemoteAddr().String(),
		StartedAt:  s.startedAt,
	}

	defer s.finish(ctx, rec)

	s.run(ctx, rec)
}

// finish is the Closing → Closed transition. Unconditional: it recovers
// panics from the session body so a fault in one session cannot leak its
// connections or skip its record.
func (s *Session) finish(ctx context.Context, rec *sink.Record) {
	if r := recover(); r != nil {
		s.config.Logger.Error("session panic",
			slog.String("session", s.id),
			slog.Any("panic", r))
		if rec.Error == "" {
			rec.Error = fmt.Sprintf("panic: %v", r)
		}
		if rec.Disposition == "" {
			rec.Disposition = sink.DispositionProtocolViolation
		}
	}

	s.setState(StateClosing)

	s.closeClient.Do(func() { s.client.Close() })
	if s.backend != nil {
		s.closeBackend.Do(func() { s.backend.Close() })
	}

	rec.BytesIn = s.bytesIn.Load()
	rec.BytesOut = s.bytesOut.Load()
	rec.Duration = time.Since(s.startedAt)

	// Flushing must survive the run context being cancelled at shutdown.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.snk.Record(flushCtx, rec); err != nil {
		s.config.Logger.Error("failed to flush session record",
			slog.String("session", s.id),
			slog.String("error", err.Error()))
	}

	s.setState(StateClosed)
}

func (s *Session) run(ctx context.Context, rec *sink.Record) {
	s.setState(StateClassifying)

	if err := s.client.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout)); err != nil {
		rec.Disposition = sink.DispositionRejected
		rec.Error = err.Error()
		return
	}

	decision, err := s.cls.Classify(ctx, s.client)
	if err != nil {
		rec.Disposition = classifyErrDisposition(err)
		rec.Error = err.Error()
		s.config.Logger.Debug("classification failed",
			slog.String("session", s.id),
			slog.String("remote", rec.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	if decision.Handshake != nil {
		rec.ServerAddress = decision.Handshake.ServerAddress
	}

	switch decision.Kind {
	case classifier.Local:
		rec.Disposition = sink.DispositionLocal
		if err := decision.ServeLocal(ctx); err != nil {
			rec.Error = err.Error()
		}
		return

	case classifier.Reject:
		if stderrors.Is(decision.Reason, errors.ErrResourceLimited) {
			rec.Disposition = sink.DispositionResourceLimited
		} else {
			rec.Disposition = sink.DispositionRejected
		}
		rec.Error = decision.Reason.Error()
		return

	case classifier.Forward:
		rec.Target = decision.Target
		s.forward(ctx, decision, rec)

	default:
		rec.Disposition = sink.DispositionRejected
		rec.Error = fmt.Sprintf("unknown decision kind %d", decision.Kind)
	}
}

// forward connects the backend, replays the classified handshake bytes, and
// relays until either side terminates.
func (s *Session) forward(ctx context.Context, decision *classifier.Decision, rec *sink.Record) {
	s.setState(StateConnecting)

	backend, err := s.conn.Connect(ctx, decision.Target)
	if err != nil {
		rec.Disposition = sink.DispositionBackendUnavailable
		rec.Error = err.Error()
		s.config.Logger.Warn("backend unavailable",
			slog.String("session", s.id),
			slog.String("target", decision.Target),
			slog.String("error", err.Error()))
		return
	}
	s.backend = backend

	// The backend must observe the byte stream the client actually sent;
	// classification consumed the handshake, so it goes first.
	if _, err := backend.Write(decision.Replay); err != nil {
		rec.Disposition = sink.DispositionBackendUnavailable
		rec.Error = errors.Wrap(err, "handshake replay").Error()
		return
	}
	s.bytesIn.Add(uint64(len(decision.Replay)))

	// Classification is over; relay reads block indefinitely.
	if err := s.client.SetReadDeadline(time.Time{}); err != nil {
		rec.Disposition = sink.DispositionRelayedClosed
		rec.Error = err.Error()
		return
	}

	s.config.Logger.Debug("relaying",
		slog.String("session", s.id),
		slog.String("remote", rec.RemoteAddr),
		slog.String("target", decision.Target))

	s.setState(StateRelaying)
	rec.Disposition = sink.DispositionRelayedClosed
	if err := s.relay(ctx, backend); err != nil {
		rec.Error = err.Error()
	}
}

// relay runs the two forwarding pumps until the first terminates, then
// tears both connections down so the surviving pump unblocks promptly.
// It returns only after both pumps have exited.
func (s *Session) relay(ctx context.Context, backend net.Conn) error {
	done := make(chan struct{})
	defer close(done)

	// Process shutdown or acceptor eviction unwinds the pumps the same way
	// a peer close does: by closing both connections.
	go func() {
		select {
		case <-ctx.Done():
			s.teardown(backend)
		case <-done:
		}
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- s.pump(backend, s.client, &s.bytesIn) }()
	go func() { errCh <- s.pump(s.client, backend, &s.bytesOut) }()

	first := <-errCh
	s.teardown(backend)
	<-errCh

	if first != nil && first != io.EOF {
		return first
	}
	return nil
}

// teardown closes both connections, each exactly once.
func (s *Session) teardown(backend net.Conn) {
	s.closeClient.Do(func() { s.client.Close() })
	s.closeBackend.Do(func() { backend.Close() })
}

// pump copies bytes from src to dst in arrival order, accumulating the
// per-direction counter as writes complete.
func (s *Session) pump(dst io.Writer, src io.Reader, counter *atomic.Uint64) error {
	buf := make([]byte, s.config.BufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			counter.Add(uint64(n))
		}
		if rerr != nil {
			return rerr
		}
	}
}

// classifyErrDisposition maps a classification failure to its disposition.
func classifyErrDisposition(err error) sink.Disposition {
	switch {
	case stderrors.Is(err, errors.ErrProtocolViolation):
		return sink.DispositionProtocolViolation
	case stderrors.Is(err, errors.ErrResourceLimited):
		return sink.DispositionResourceLimited
	default:
		// Includes clients that connected and closed or timed out without
		// completing a handshake.
		return sink.DispositionRejected
	}
}
