// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Alvsch/hyperion/pkg/errors"
	"github.com/Alvsch/hyperion/pkg/frame"
	"github.com/Alvsch/hyperion/pkg/pool"
)

const cacheKey = "backend_status"

// BackendConfig configures a Backend provider.
type BackendConfig struct {
	// Host and Port are what the fetch handshake declares as its target.
	Host string
	Port uint16

	// Protocol is the protocol version sent in the fetch handshake.
	Protocol int32

	// TTL is how long a fetched document is served before refetching.
	TTL time.Duration

	// QueryTimeout bounds one fetch exchange end to end.
	QueryTimeout time.Duration

	// MaxFrameSize caps the backend's response frame.
	MaxFrameSize int
}

// Backend fetches the status document live from the backend over a pooled
// probe connection and caches it. On fetch failure it falls back to the
// static document so the proxy stays answerable while the backend is down.
type Backend struct {
	config   BackendConfig
	pool     *pool.Pool
	cache    *gocache.Cache
	fallback Provider
	logger   *slog.Logger
}

var _ Provider = (*Backend)(nil)

// NewBackend creates a Backend provider dialing through p.
func NewBackend(cfg BackendConfig, p *pool.Pool, fallback Provider, logger *slog.Logger) *Backend {
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 3 * time.Second
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = frame.DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Backend{
		config:   cfg,
		pool:     p,
		cache:    gocache.New(cfg.TTL, 2*cfg.TTL),
		fallback: fallback,
		logger:   logger,
	}
}

// Status implements Provider.
func (b *Backend) Status(ctx context.Context) ([]byte, error) {
	if cached, ok := b.cache.Get(cacheKey); ok {
		return cached.([]byte), nil
	}

	doc, err := b.fetch(ctx)
	if err != nil {
		b.logger.Debug("backend status fetch failed, serving fallback",
			slog.String("error", err.Error()))
		if b.fallback != nil {
			return b.fallback.Status(ctx)
		}
		return nil, err
	}

	b.cache.Set(cacheKey, doc, b.config.TTL)
	return doc, nil
}

// fetch runs one status exchange against the backend: handshake with
// next-state status, status request, one response frame.
func (b *Backend) fetch(ctx context.Context) ([]byte, error) {
	conn, err := b.pool.Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "status probe dial")
	}
	// The backend closes the stream after a status exchange, so the
	// connection never goes back to the idle set.
	conn.Discard()
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(b.config.QueryTimeout)); err != nil {
		return nil, err
	}

	if err := frame.WriteFrame(conn, b.handshakePayload()); err != nil {
		return nil, errors.Wrap(err, "status probe handshake")
	}
	if err := frame.WriteFrame(conn, []byte{0x00}); err != nil {
		return nil, errors.Wrap(err, "status probe request")
	}

	r := frame.NewReader(conn, b.config.MaxFrameSize)
	f, err := r.ReadFrame()
	if err != nil {
		return nil, errors.Wrap(err, "status probe response")
	}

	id, body, err := f.ID()
	if err != nil {
		return nil, err
	}
	if id != 0x00 {
		return nil, fmt.Errorf("unexpected status response packet 0x%02x: %w", id, errors.ErrProtocolViolation)
	}

	doc, _, err := frame.DecodeString(body, b.config.MaxFrameSize)
	if err != nil {
		return nil, err
	}

	// Reject documents the backend produced malformed rather than caching them.
	if _, err := Parse([]byte(doc)); err != nil {
		return nil, err
	}

	return []byte(doc), nil
}

// handshakePayload builds the handshake packet for a status probe.
func (b *Backend) handshakePayload() []byte {
	p := frame.AppendVarInt(nil, 0x00)
	p = frame.AppendVarInt(p, b.config.Protocol)
	p = frame.AppendString(p, b.config.Host)
	p = binary.BigEndian.AppendUint16(p, b.config.Port)
	p = frame.AppendVarInt(p, 0x01)
	return p
}
