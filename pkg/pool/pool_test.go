// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"net"
	"testing"
	"time"
)

func testPool(t *testing.T, config Config) (*Pool, *int) {
	t.Helper()

	dials := 0
	p := New(func(ctx context.Context) (net.Conn, error) {
		dials++
		client, server := net.Pipe()
		go func() {
			// Drain and discard so writes on the client side never block.
			buf := make([]byte, 1024)
			for {
				if _, err := server.Read(buf); err != nil {
					return
				}
			}
		}()
		return client, nil
	}, config)
	t.Cleanup(func() { p.Close() })

	return p, &dials
}

func TestPoolReusesIdleConnections(t *testing.T) {
	p, dials := testPool(t, Config{})

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("failed to get connection: %v", err)
	}
	conn.Close()

	conn, err = p.Get(context.Background())
	if err != nil {
		t.Fatalf("failed to get connection: %v", err)
	}
	conn.Close()

	if *dials != 1 {
		t.Errorf("expected one dial with reuse, got %d", *dials)
	}
}

func TestPoolDiscard(t *testing.T) {
	p, dials := testPool(t, Config{})

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("failed to get connection: %v", err)
	}
	conn.Discard()
	conn.Close()

	if idle, _ := p.Stats(); idle != 0 {
		t.Errorf("discarded connection must not return to the idle set, idle=%d", idle)
	}

	if _, err := p.Get(context.Background()); err != nil {
		t.Fatalf("failed to get connection: %v", err)
	}
	if *dials != 2 {
		t.Errorf("expected a fresh dial after discard, got %d", *dials)
	}
}

func TestPoolMaxActive(t *testing.T) {
	p, _ := testPool(t, Config{MaxActive: 1})

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("failed to get connection: %v", err)
	}

	if _, err := p.Get(context.Background()); err != ErrPoolExhausted {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}

	conn.Close()
	if _, err := p.Get(context.Background()); err != nil {
		t.Errorf("expected a free slot after release, got %v", err)
	}
}

func TestPoolWaitsForFreeSlot(t *testing.T) {
	p, _ := testPool(t, Config{MaxActive: 1, WaitTimeout: 2 * time.Second})

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("failed to get connection: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	}()

	start := time.Now()
	next, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("expected the waiter to get the freed slot: %v", err)
	}
	next.Close()

	if time.Since(start) > time.Second {
		t.Error("waiter took too long to be woken")
	}
}

func TestPoolClosed(t *testing.T) {
	p, _ := testPool(t, Config{})
	p.Close()

	if _, err := p.Get(context.Background()); err != ErrPoolClosed {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}
