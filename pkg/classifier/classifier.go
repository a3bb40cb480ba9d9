// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package classifier inspects the first frames of a client connection and
// decides how the session proceeds: relay to a backend, answer locally, or
// reject. Inspection is transparent to the backend: every wire byte consumed
// while classifying a forwarded connection is captured and replayed, so the
// backend observes a byte stream identical to what the client sent.
package classifier

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Alvsch/hyperion/pkg/errors"
	"github.com/Alvsch/hyperion/pkg/frame"
	"github.com/Alvsch/hyperion/pkg/status"
)

const (
	packetIDHandshake = 0x00

	stateStatus = 1
	stateLogin  = 2

	// legacyPingByte is the first byte of the pre-framing server list ping.
	legacyPingByte = 0xFE

	// maxHandshakeFrame bounds frames read during classification. Handshake,
	// status request, and ping frames are all tiny; anything larger is hostile.
	maxHandshakeFrame = 4096

	maxServerAddressLen = 255
)

// Kind is the routing intent derived from the handshake.
type Kind int

const (
	// Forward relays the connection to a backend endpoint.
	Forward Kind = iota

	// Local answers the exchange in-process and closes; the backend is
	// never contacted.
	Local

	// Reject terminates the connection without relay.
	Reject
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case Forward:
		return "forward"
	case Local:
		return "local"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Handshake holds the decoded fields of the handshake packet.
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	NextState       int32
}

// Decision is the immutable routing outcome for one session.
type Decision struct {
	Kind      Kind
	Target    string     // backend endpoint, set when Kind is Forward
	Handshake *Handshake // nil for the legacy ping path
	Replay    []byte     // wire bytes consumed that the backend must still observe
	Reason    error      // set when Kind is Reject

	serve func(ctx context.Context) error
}

// ServeLocal runs the local exchange for a Local decision and returns once
// the exchange completes or fails. Calling it on any other kind is a no-op.
func (d *Decision) ServeLocal(ctx context.Context) error {
	if d.serve == nil {
		return nil
	}
	return d.serve(ctx)
}

// Config holds classifier configuration.
type Config struct {
	// MaxPlayers, when positive, rejects login attempts once ActiveFn
	// reports this many live sessions. Distinct from the socket-level
	// concurrency bound: the client gets a readable disconnect reason.
	MaxPlayers int

	// ActiveFn reports the current relayed session count.
	ActiveFn func() int
}

// Classifier derives routing decisions from client handshakes.
type Classifier struct {
	routes *Routes
	status status.Provider
	config Config
}

// New creates a Classifier using the given route table and status provider.
func New(routes *Routes, provider status.Provider, cfg Config) *Classifier {
	return &Classifier{
		routes: routes,
		status: provider,
		config: cfg,
	}
}

// Classify reads the handshake from rw and returns the routing decision.
// The caller is responsible for bounding the read with a deadline. A
// protocol-violation error means the connection must be closed with no
// decision; any valid exchange, including rejections, yields a Decision.
func (c *Classifier) Classify(ctx context.Context, rw io.ReadWriter) (*Decision, error) {
	captured := &bytes.Buffer{}
	r := frame.NewReader(io.TeeReader(rw, captured), maxHandshakeFrame)

	first, err := r.PeekByte()
	if err != nil {
		if err == io.EOF {
			return nil, errors.ErrConnectionClosed
		}
		return nil, err
	}

	if first == legacyPingByte {
		return &Decision{
			Kind:  Local,
			serve: func(ctx context.Context) error { return c.serveLegacyPing(ctx, rw) },
		}, nil
	}

	f, err := r.ReadFrame()
	if err != nil {
		return nil, err
	}

	hs, err := parseHandshake(f)
	if err != nil {
		return nil, err
	}

	switch hs.NextState {
	case stateStatus:
		return &Decision{
			Kind:      Local,
			Handshake: hs,
			serve:     func(ctx context.Context) error { return c.serveStatus(ctx, rw, r) },
		}, nil

	case stateLogin:
		if c.config.MaxPlayers > 0 && c.config.ActiveFn != nil && c.config.ActiveFn() >= c.config.MaxPlayers {
			c.writeDisconnect(rw, "Server is full")
			return &Decision{
				Kind:      Reject,
				Handshake: hs,
				Reason:    errors.ErrResourceLimited,
			}, nil
		}

		target, ok := c.routes.Find(hs.ServerAddress)
		if !ok {
			c.writeDisconnect(rw, "Unknown server address")
			return &Decision{
				Kind:      Reject,
				Handshake: hs,
				Reason:    errors.ErrNoRoute,
			}, nil
		}

		return &Decision{
			Kind:      Forward,
			Target:    target,
			Handshake: hs,
			Replay:    captured.Bytes(),
		}, nil

	default:
		return nil, fmt.Errorf("handshake next state %d: %w", hs.NextState, errors.ErrProtocolViolation)
	}
}

// parseHandshake decodes and validates the handshake packet.
func parseHandshake(f *frame.Frame) (*Handshake, error) {
	id, body, err := f.ID()
	if err != nil {
		return nil, err
	}
	if id != packetIDHandshake {
		return nil, fmt.Errorf("expected handshake packet, got 0x%02x: %w", id, errors.ErrProtocolViolation)
	}

	version, n, err := frame.DecodeVarInt(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]

	addr, n, err := frame.DecodeString(body, maxServerAddressLen)
	if err != nil {
		return nil, err
	}
	body = body[n:]

	if len(body) < 2 {
		return nil, errors.ErrTruncatedFrame
	}
	port := binary.BigEndian.Uint16(body)
	body = body[2:]

	next, n, err := frame.DecodeVarInt(body)
	if err != nil {
		return nil, err
	}
	if len(body[n:]) != 0 {
		return nil, fmt.Errorf("trailing bytes after handshake: %w", errors.ErrProtocolViolation)
	}

	return &Handshake{
		ProtocolVersion: version,
		ServerAddress:   addr,
		ServerPort:      port,
		NextState:       next,
	}, nil
}
