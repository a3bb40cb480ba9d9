// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"strings"
	"sync"
)

// Routes maps the server address a client named in its handshake to a
// backend endpoint. Lookups fall back to the default backend, so a
// single-backend deployment needs no explicit entries.
type Routes struct {
	mu            sync.RWMutex
	defaultTarget string
	byHost        map[string]string
}

// NewRoutes creates a route table with the given default backend endpoint.
func NewRoutes(defaultTarget string) *Routes {
	return &Routes{
		defaultTarget: defaultTarget,
		byHost:        make(map[string]string),
	}
}

// Register maps a server address to a backend endpoint.
func (r *Routes) Register(serverAddress, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHost[normalizeAddress(serverAddress)] = target
}

// Find resolves the backend endpoint for a server address. The second
// return value is false only when there is no match and no default.
func (r *Routes) Find(serverAddress string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if target, ok := r.byHost[normalizeAddress(serverAddress)]; ok {
		return target, true
	}
	if r.defaultTarget != "" {
		return r.defaultTarget, true
	}
	return "", false
}

// normalizeAddress canonicalizes a handshake server address: modded clients
// append a NUL-delimited marker and DNS answers may leave a trailing dot.
func normalizeAddress(addr string) string {
	if i := strings.IndexByte(addr, 0); i >= 0 {
		addr = addr[:i]
	}
	addr = strings.TrimSuffix(addr, ".")
	return strings.ToLower(addr)
}
