// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sink delivers per-session completion records to observability
// consumers. Every session flushes exactly one Record when it closes,
// whatever its outcome. Sinks must tolerate concurrent calls.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Disposition is the terminal outcome tag of a finished session.
type Disposition string

const (
	// DispositionRelayedClosed: the session reached active relay and ended
	// with either side closing.
	DispositionRelayedClosed Disposition = "relayed-closed"

	// DispositionLocal: the exchange was answered in-process (status query,
	// legacy ping) and the backend was never contacted.
	DispositionLocal Disposition = "local"

	// DispositionRejected: the handshake was readable but not acceptable.
	DispositionRejected Disposition = "rejected"

	// DispositionProtocolViolation: malformed, oversized, or truncated framing.
	DispositionProtocolViolation Disposition = "protocol-violation"

	// DispositionBackendUnavailable: the backend connect budget was exhausted.
	DispositionBackendUnavailable Disposition = "backend-unavailable"

	// DispositionResourceLimited: refused by the concurrency bound, accept
	// rate limit, or player cap.
	DispositionResourceLimited Disposition = "resource-limited"
)

// Record is the completion summary of one session.
type Record struct {
	SessionID     string        `json:"session_id"`
	RemoteAddr    string        `json:"remote_addr"`
	ServerAddress string        `json:"server_address,omitempty"`
	Target        string        `json:"target,omitempty"`
	Disposition   Disposition   `json:"disposition"`
	BytesIn       uint64        `json:"bytes_in"`  // client → backend
	BytesOut      uint64        `json:"bytes_out"` // backend → client
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

// Sink consumes session completion records.
type Sink interface {
	// Record delivers one completed session's summary. Implementations
	// must be safe for concurrent use and should not block on slow
	// downstream consumers longer than the passed context allows.
	Record(ctx context.Context, rec *Record) error
}

// Slog writes records to a structured logger, one line per session.
type Slog struct {
	Logger *slog.Logger
}

var _ Sink = (*Slog)(nil)

// Record implements Sink.
func (s *Slog) Record(ctx context.Context, rec *Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		slog.String("session", rec.SessionID),
		slog.String("remote", rec.RemoteAddr),
		slog.String("disposition", string(rec.Disposition)),
		slog.Uint64("bytes_in", rec.BytesIn),
		slog.Uint64("bytes_out", rec.BytesOut),
		slog.Duration("duration", rec.Duration),
	}
	if rec.Target != "" {
		attrs = append(attrs, slog.String("target", rec.Target))
	}
	if rec.Error != "" {
		attrs = append(attrs, slog.String("error", rec.Error))
	}

	logger.Info("session closed", attrs...)
	return nil
}

// Multi fans a record out to every sink; delivery failures are collected,
// never short-circuited, so one slow or broken consumer cannot starve the
// others.
type Multi []Sink

var _ Sink = (Multi)(nil)

// Record implements Sink.
func (m Multi) Record(ctx context.Context, rec *Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
