// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Alvsch/hyperion/pkg/classifier"
	"github.com/Alvsch/hyperion/pkg/connector"
	"github.com/Alvsch/hyperion/pkg/session"
	"github.com/Alvsch/hyperion/pkg/sink"
	"github.com/Alvsch/hyperion/pkg/status"
)

type recordingSink struct {
	mu      sync.Mutex
	records []*sink.Record
}

func (r *recordingSink) Record(_ context.Context, rec *sink.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingSink) byDisposition(d sink.Disposition) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Disposition == d {
			n++
		}
	}
	return n
}

// freeAddr reserves an ephemeral port and releases it for the server to
// bind. There is a small reuse window, which is acceptable in tests.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func testClassifier() *classifier.Classifier {
	provider := &status.Static{VersionName: "1.20.1", Protocol: 763, MOTD: "test", MaxPlayers: 20}
	return classifier.New(classifier.NewRoutes("backend:25565"), provider, classifier.Config{})
}

func startServer(t *testing.T, cfg Config, snk sink.Sink) (*Server, context.CancelFunc, chan error) {
	t.Helper()

	srv := New(cfg, testClassifier(), connector.New(connector.Config{}), snk)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(ctx)
	}()

	// Wait for the listener to come up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", cfg.Address)
		if err == nil {
			conn.Close()
			return srv, cancel, errCh
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	t.Fatal("server did not start listening")
	return nil, nil, nil
}

func TestListenBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	srv := New(Config{Address: ln.Addr().String()}, testClassifier(), connector.New(connector.Config{}), &recordingSink{})

	if err := srv.Listen(context.Background()); err == nil {
		t.Error("expected bind failure on occupied address")
	}
}

func TestServerConcurrencyBound(t *testing.T) {
	snk := &recordingSink{}
	cfg := Config{
		Address:        freeAddr(t),
		MaxConnections: 2,
		Session:        session.Config{HandshakeTimeout: 5 * time.Second},
	}

	_, cancel, errCh := startServer(t, cfg, snk)
	defer cancel()

	// The startup probe above consumed one session slot briefly; give it
	// time to unwind.
	time.Sleep(100 * time.Millisecond)

	// Two silent clients hold both slots for the handshake window.
	var held []net.Conn
	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", cfg.Address)
		if err != nil {
			t.Fatalf("failed to dial: %v", err)
		}
		defer conn.Close()
		held = append(held, conn)
	}
	time.Sleep(100 * time.Millisecond)

	// The third connection must be refused without any handshake: an
	// immediate close, not a hang.
	conn, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("expected immediate close of over-limit connection, got %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := snk.byDisposition(sink.DispositionResourceLimited); n < 1 {
		t.Errorf("expected a resource-limited record for the refused connection, got %d", n)
	}

	// The held connections must not have been disturbed.
	for _, c := range held {
		c.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := c.Write([]byte{0x00}); err != nil {
			t.Errorf("in-bound connection was disturbed: %v", err)
		}
	}
	cancel()
	<-errCh
}

// slowRefusalSink delays resource-limited records only, so session records
// from the startup probe flush instantly.
type slowRefusalSink struct {
	recordingSink
	delay time.Duration
}

func (s *slowRefusalSink) Record(ctx context.Context, rec *sink.Record) error {
	if rec.Disposition == sink.DispositionResourceLimited {
		time.Sleep(s.delay)
	}
	return s.recordingSink.Record(ctx, rec)
}

func TestRefusalRecordDoesNotStallAccepts(t *testing.T) {
	snk := &slowRefusalSink{delay: 1500 * time.Millisecond}
	cfg := Config{
		Address:        freeAddr(t),
		MaxConnections: 1,
		Session:        session.Config{HandshakeTimeout: 5 * time.Second},
	}

	_, cancel, errCh := startServer(t, cfg, snk)
	defer cancel()
	time.Sleep(100 * time.Millisecond)

	// A silent client pins the only slot.
	held, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer held.Close()
	time.Sleep(100 * time.Millisecond)

	// Two refused sockets back to back. The second must be closed promptly
	// even while the first refusal's record is still flushing.
	first, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer first.Close()

	second, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer second.Close()

	start := time.Now()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected immediate close of second refused socket, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("second refusal took %v, accept loop stalled on the sink", elapsed)
	}

	cancel()
	<-errCh
}

func TestServerAcceptRateLimit(t *testing.T) {
	snk := &recordingSink{}
	cfg := Config{
		Address:            freeAddr(t),
		AcceptRateCapacity: 2,
		AcceptRateRefill:   1,
		Session:            session.Config{HandshakeTimeout: 100 * time.Millisecond},
	}

	var refused []string
	var mu sync.Mutex
	cfg.OnRefused = func(reason string) {
		mu.Lock()
		refused = append(refused, reason)
		mu.Unlock()
	}

	_, cancel, errCh := startServer(t, cfg, snk)
	defer cancel()

	// The startup probe spent one token; the next connection spends the
	// second, and the one after that must be rate limited.
	conn1, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn1.Close()

	conn2, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn2.Close()

	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn2.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("expected immediate close of rate-limited connection, got %v", err)
	}

	mu.Lock()
	sawRateLimit := false
	for _, r := range refused {
		if r == "rate_limit" {
			sawRateLimit = true
		}
	}
	mu.Unlock()
	if !sawRateLimit {
		t.Error("expected a rate_limit refusal to be observed")
	}

	cancel()
	<-errCh
}

func TestServerGracefulShutdown(t *testing.T) {
	snk := &recordingSink{}
	cfg := Config{
		Address:         freeAddr(t),
		ShutdownTimeout: 5 * time.Second,
		Session:         session.Config{HandshakeTimeout: 50 * time.Millisecond},
	}

	srv, cancel, errCh := startServer(t, cfg, snk)

	conn, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	// Let the silent session expire its handshake window, then shut down.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	if srv.Active() != 0 {
		t.Errorf("expected no active sessions after shutdown, got %d", srv.Active())
	}
}

func TestServerShutdownTimeout(t *testing.T) {
	snk := &recordingSink{}
	cfg := Config{
		Address:         freeAddr(t),
		ShutdownTimeout: 100 * time.Millisecond,
		Session:         session.Config{HandshakeTimeout: 30 * time.Second},
	}

	_, cancel, errCh := startServer(t, cfg, snk)

	// A silent client pins its session well past the shutdown window.
	conn, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("expected ErrShutdownTimeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after shutdown timeout")
	}
}
