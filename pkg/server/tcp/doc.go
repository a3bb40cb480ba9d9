// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the public-facing TCP acceptor.
//
// The acceptor owns exactly one listening socket. Each accepted connection
// is handed to its own session goroutine; the accept loop itself never
// parses, dials, or relays, so a slow or hostile client cannot stall the
// listener.
//
// Two policies run at accept time, before any protocol work:
//
//   - A concurrency bound (MaxConnections). At capacity, new sockets are
//     closed immediately and recorded as resource-limited.
//   - A per-IP token bucket. Clients that open connections faster than the
//     configured rate are refused the same way.
//
// Only a bind failure is fatal. Transient accept errors are logged and the
// loop continues; session errors stay inside their session.
//
// Shutdown closes the listener, then waits up to ShutdownTimeout for active
// sessions to drain before forcing them closed and returning
// ErrShutdownTimeout.
package tcp
