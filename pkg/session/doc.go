// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session implements the per-connection lifecycle of the proxy.
//
// # Lifecycle
//
// Every accepted client connection gets exactly one Session, which moves
// through a fixed state machine:
//
//	Accepted → Classifying → Connecting → Relaying → Closing → Closed
//
// Shortcuts exist for non-relay outcomes:
//
//   - Classifying → Closing: the exchange was answered locally (status
//     query, legacy ping), rejected, or violated the protocol.
//   - Connecting → Closing: the backend connect budget was exhausted.
//
// The Closing → Closed transition is unconditional. It closes both
// connections (each exactly once), flushes one completion record to the
// sink, and runs even when the session body panics: a fault inside one
// session must never leak sockets or block reclamation.
//
// # Forwarding pumps
//
// A relaying session runs two goroutines:
//
//	client → backend (bytes_in)
//	backend → client (bytes_out)
//
// Each pump preserves arrival order within its direction. The session
// terminates when the first pump stops for any reason; both connections are
// then closed, which unblocks the surviving pump. Half-open relaying is not
// a valid terminal state.
//
// # Isolation
//
// Sessions share no mutable state with each other. Byte counters are
// per-session atomics; the only cross-session touch points are the
// acceptor's concurrency bound and the record sink, both concurrency-safe.
package session
