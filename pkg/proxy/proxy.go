// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/Alvsch/hyperion/pkg/breaker"
	"github.com/Alvsch/hyperion/pkg/classifier"
	"github.com/Alvsch/hyperion/pkg/connector"
	"github.com/Alvsch/hyperion/pkg/metrics"
	"github.com/Alvsch/hyperion/pkg/pool"
	"github.com/Alvsch/hyperion/pkg/server/tcp"
	"github.com/Alvsch/hyperion/pkg/session"
	"github.com/Alvsch/hyperion/pkg/sink"
	"github.com/Alvsch/hyperion/pkg/status"
)

// Config holds the assembled proxy configuration.
type Config struct {
	// Address is the public listen address.
	Address string

	// Target is the default backend endpoint.
	Target string

	// Routes maps handshake server addresses to backend endpoints, on top
	// of the default target.
	Routes map[string]string

	// MaxConnections bounds concurrently open sessions.
	MaxConnections int

	// AcceptRateCapacity and AcceptRateRefill configure per-IP accept rate
	// limiting. Capacity 0 disables it.
	AcceptRateCapacity int64
	AcceptRateRefill   int64

	// HandshakeTimeout bounds the silent window before the first readable
	// handshake.
	HandshakeTimeout time.Duration

	// Backend dialing.
	DialTimeout    time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	Breaker        breaker.Config

	// ShutdownTimeout bounds the graceful drain on shutdown.
	ShutdownTimeout time.Duration

	// Status document served on the local path.
	StatusVersionName string
	StatusProtocol    int
	StatusMOTD        string
	MaxPlayers        int

	// StatusFromBackend, when true, fetches the status document live from
	// the default target (cached for StatusTTL) instead of rendering the
	// static one. The static document remains the fallback while the
	// backend is down.
	StatusFromBackend bool
	StatusTTL         time.Duration

	// Extra sinks receive session records alongside the built-in log sink.
	Sinks []sink.Sink

	// Metrics, when set, is wired into the accept path, the dialer, and the
	// record stream.
	Metrics *metrics.Metrics

	// Logger for all components.
	Logger *slog.Logger
}

// Proxy ties the acceptor, classifier, connector, and sinks together.
type Proxy struct {
	server     *tcp.Server
	statusPool *pool.Pool
}

// New assembles a proxy from configuration.
func New(cfg Config) (*Proxy, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Proxy{}

	routes := classifier.NewRoutes(cfg.Target)
	for serverAddress, target := range cfg.Routes {
		routes.Register(serverAddress, target)
	}

	static := &status.Static{
		VersionName: cfg.StatusVersionName,
		Protocol:    cfg.StatusProtocol,
		MOTD:        cfg.StatusMOTD,
		MaxPlayers:  cfg.MaxPlayers,
		OnlineFn:    func() int { return p.Active() },
	}

	var provider status.Provider = static
	if cfg.StatusFromBackend {
		p.statusPool = pool.New(
			func(ctx context.Context) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "tcp", cfg.Target)
			},
			pool.Config{MaxActive: 2, DialTimeout: cfg.DialTimeout},
		)

		host, port := splitTarget(cfg.Target)
		provider = status.NewBackend(status.BackendConfig{
			Host:     host,
			Port:     port,
			Protocol: int32(cfg.StatusProtocol),
			TTL:      cfg.StatusTTL,
		}, p.statusPool, static, cfg.Logger)
	}

	cls := classifier.New(routes, provider, classifier.Config{
		MaxPlayers: cfg.MaxPlayers,
		ActiveFn:   func() int { return p.Active() },
	})

	connCfg := connector.Config{
		DialTimeout:    cfg.DialTimeout,
		MaxRetries:     cfg.MaxRetries,
		BackoffBase:    cfg.BackoffBase,
		BackoffCeiling: cfg.BackoffCeiling,
		Breaker:        cfg.Breaker,
		Logger:         cfg.Logger,
	}
	if cfg.Metrics != nil {
		m := cfg.Metrics
		connCfg.OnAttempt = m.ObserveDial
		connCfg.OnStateChange = func(target string, _, to breaker.State) {
			m.BreakerState.WithLabelValues(target).Set(float64(to))
			if to == breaker.StateOpen {
				m.BreakerTrips.WithLabelValues(target).Inc()
			}
		}
	}
	conn := connector.New(connCfg)

	sinks := sink.Multi{&sink.Slog{Logger: cfg.Logger}}
	if cfg.Metrics != nil {
		sinks = append(sinks, cfg.Metrics)
	}
	sinks = append(sinks, cfg.Sinks...)

	serverCfg := tcp.Config{
		Address:            cfg.Address,
		MaxConnections:     cfg.MaxConnections,
		AcceptRateCapacity: cfg.AcceptRateCapacity,
		AcceptRateRefill:   cfg.AcceptRateRefill,
		ShutdownTimeout:    cfg.ShutdownTimeout,
		Logger:             cfg.Logger,
		Session: session.Config{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Logger:           cfg.Logger,
		},
	}
	if cfg.Metrics != nil {
		m := cfg.Metrics
		serverCfg.OnAccepted = m.AcceptedTotal.Inc
		serverCfg.OnSessionChange = func(delta int) {
			m.ActiveSessions.Add(float64(delta))
		}
		serverCfg.OnRefused = func(reason string) {
			switch reason {
			case "rate_limit":
				m.RateLimitedAccepts.Inc()
			case "capacity":
				m.OverCapacityTotal.Inc()
			}
		}
	}

	p.server = tcp.New(serverCfg, cls, conn, sinks)
	return p, nil
}

// Active returns the number of currently open sessions.
func (p *Proxy) Active() int {
	if p.server == nil {
		return 0
	}
	return p.server.Active()
}

// Listen serves until the context is cancelled.
func (p *Proxy) Listen(ctx context.Context) error {
	if p.statusPool != nil {
		defer p.statusPool.Close()
	}
	return p.server.Listen(ctx)
}

// splitTarget separates a backend endpoint into the host and port the
// status probe handshake declares. A missing or unparsable port falls back
// to the protocol default.
func splitTarget(target string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, 25565
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return host, 25565
	}
	return host, uint16(port)
}
