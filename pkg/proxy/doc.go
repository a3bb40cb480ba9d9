// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy assembles the full forwarding pipeline from one Config.
//
// # Overview
//
// The coordinator wires together the core components:
//  1. Acceptor (TCP listener with accept-time policies)
//  2. Classifier (handshake inspection and routing)
//  3. Connector (backend dialing with retries and breakers)
//  4. Sinks (session completion records)
//
// # Architecture
//
//	Client
//	     ↓
//	┌──────────────┐
//	│   Acceptor   │  concurrency bound, per-IP rate limit
//	└──────────────┘
//	     ↓
//	┌──────────────┐
//	│   Session    │  one per connection
//	└──────────────┘
//	     ↓
//	┌──────────────┐
//	│  Classifier  │  handshake → forward / local / reject
//	└──────────────┘
//	     ↓
//	┌──────────────┐
//	│  Connector   │  retry budget + circuit breaker
//	└──────────────┘
//	     ↓
//	Backend
//
// # Usage Pattern
//
//	cfg := proxy.Config{
//		Address:          ":25565",
//		Target:           "backend:25565",
//		MaxConnections:   10000,
//		HandshakeTimeout: 5 * time.Second,
//	}
//
//	p, err := proxy.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ctx := context.Background()
//	if err := p.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Virtual Hosts
//
// Routes map the server address a client names in its handshake to a
// backend, so one listener can front several backends:
//
//	cfg.Routes = map[string]string{
//		"play.example.com":    "play-backend:25565",
//		"creative.example.com": "creative-backend:25565",
//	}
//
// Unmatched addresses go to the default Target. Set Target to "" to reject
// unknown addresses instead.
//
// # Graceful Shutdown
//
// Listen honors context cancellation: the listener closes, active sessions
// drain for ShutdownTimeout, and stragglers are forced closed.
//
//	ctx, cancel := context.WithCancel(context.Background())
//
//	go func() {
//		<-sigterm
//		cancel()
//	}()
//
//	if err := p.Listen(ctx); err != nil {
//		log.Printf("shutdown: %v", err)
//	}
package proxy
