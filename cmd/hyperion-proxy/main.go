// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the public-facing proxy with metrics, health checks,
// circuit breakers, rate limiting, and session records.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Alvsch/hyperion/pkg/breaker"
	"github.com/Alvsch/hyperion/pkg/health"
	"github.com/Alvsch/hyperion/pkg/metrics"
	"github.com/Alvsch/hyperion/pkg/proxy"
	"github.com/Alvsch/hyperion/pkg/sink"
)

// Config holds the application configuration.
type Config struct {
	// Listener
	Address string `env:"PROXY_ADDRESS" envDefault:":25565"`
	Target  string `env:"PROXY_TARGET"  envDefault:"localhost:25566"`
	// Routes maps handshake server addresses to backends, e.g.
	// "play.example.com=play:25565,cr.example.com=creative:25565".
	Routes string `env:"PROXY_ROUTES"`

	// Resource limits
	MaxConnections    int   `env:"MAX_CONNECTIONS"      envDefault:"10000"`
	MaxPlayers        int   `env:"MAX_PLAYERS"          envDefault:"0"`
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY"  envDefault:"0"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"    envDefault:"10"`

	// Timeouts and dialing
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"5s"`
	DialTimeout      time.Duration `env:"DIAL_TIMEOUT"      envDefault:"5s"`
	MaxRetries       int           `env:"DIAL_MAX_RETRIES"  envDefault:"2"`
	BackoffBase      time.Duration `env:"DIAL_BACKOFF_BASE" envDefault:"250ms"`
	BackoffCeiling   time.Duration `env:"DIAL_BACKOFF_CEIL" envDefault:"2s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`

	// Circuit breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Status document
	StatusVersionName string        `env:"STATUS_VERSION_NAME" envDefault:"1.20.1"`
	StatusProtocol    int           `env:"STATUS_PROTOCOL"     envDefault:"763"`
	StatusMOTD        string        `env:"STATUS_MOTD"         envDefault:"A proxied server"`
	StatusFromBackend bool          `env:"STATUS_FROM_BACKEND" envDefault:"false"`
	StatusTTL         time.Duration `env:"STATUS_TTL"          envDefault:"5s"`

	// Session records
	RedisURL    string `env:"REDIS_URL"`
	RedisKey    string `env:"REDIS_KEY"     envDefault:"hyperion:sessions"`
	RedisMaxLen int64  `env:"REDIS_MAX_LEN" envDefault:"100000"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

func main() {
	// Load configuration
	cfg := Config{}
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting hyperion proxy",
		slog.String("address", cfg.Address),
		slog.String("target", cfg.Target),
		slog.Int("max_connections", cfg.MaxConnections))

	m := metrics.New("hyperion_proxy")
	go startMetricsServer(cfg.MetricsPort, m, logger)

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("backend", health.BackendCheck(cfg.Target, cfg.DialTimeout))

	var extraSinks []sink.Sink
	if cfg.RedisURL != "" {
		redisSink, err := sink.NewRedis(cfg.RedisURL, cfg.RedisKey, cfg.RedisMaxLen)
		if err != nil {
			logger.Error("Failed to create redis sink", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer redisSink.Close()
		extraSinks = append(extraSinks, redisSink)
		healthChecker.Register("redis", health.PingCheck(redisSink))
	}

	go startHealthServer(cfg.HealthPort, healthChecker, logger)

	p, err := proxy.New(proxy.Config{
		Address:            cfg.Address,
		Target:             cfg.Target,
		Routes:             parseRoutes(cfg.Routes),
		MaxConnections:     cfg.MaxConnections,
		AcceptRateCapacity: cfg.RateLimitCapacity,
		AcceptRateRefill:   cfg.RateLimitRefill,
		HandshakeTimeout:   cfg.HandshakeTimeout,
		DialTimeout:        cfg.DialTimeout,
		MaxRetries:         cfg.MaxRetries,
		BackoffBase:        cfg.BackoffBase,
		BackoffCeiling:     cfg.BackoffCeiling,
		Breaker: breaker.Config{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		},
		ShutdownTimeout:   cfg.ShutdownTimeout,
		StatusVersionName: cfg.StatusVersionName,
		StatusProtocol:    cfg.StatusProtocol,
		StatusMOTD:        cfg.StatusMOTD,
		MaxPlayers:        cfg.MaxPlayers,
		StatusFromBackend: cfg.StatusFromBackend,
		StatusTTL:         cfg.StatusTTL,
		Sinks:             extraSinks,
		Metrics:           m,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("Failed to create proxy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Listen(ctx)
	})

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	cancel()

	// Wait for all goroutines with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()

	done := make(chan error)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("Shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Graceful shutdown completed")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}
}

// parseRoutes parses "host=target,host=target" into a route map.
func parseRoutes(s string) map[string]string {
	routes := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		host, target, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		routes[strings.TrimSpace(host)] = strings.TrimSpace(target)
	}
	return routes
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/healthz/live", health.LivenessHandler())
	mux.HandleFunc("/healthz/ready", checker.ReadinessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health server error", slog.String("error", err.Error()))
	}
}
