// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the proxy.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrProtocolViolation indicates a malformed, oversized, or truncated frame.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrBackendUnavailable indicates the backend could not be reached within
	// the retry budget.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrRejected indicates the handshake was well-framed but not acceptable.
	ErrRejected = errors.New("handshake rejected")

	// ErrResourceLimited indicates the connection was refused at accept time
	// due to the concurrency bound or accept rate limit.
	ErrResourceLimited = errors.New("resource limited")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrFrameTooLarge indicates a frame declared a length above the configured cap.
	ErrFrameTooLarge = fmt.Errorf("frame too large: %w", ErrProtocolViolation)

	// ErrTruncatedFrame indicates the stream closed mid-frame.
	ErrTruncatedFrame = fmt.Errorf("truncated frame: %w", ErrProtocolViolation)

	// ErrNoRoute indicates no backend is registered for the requested server address.
	ErrNoRoute = fmt.Errorf("no route for server address: %w", ErrRejected)
)

// ProxyError wraps an error with additional context.
type ProxyError struct {
	Op         string // Operation that failed
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
