// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks live protocol connections by identity token.
//
// The registry is the single source of truth for "is this tenant reachable
// for outbound sends right now". It enforces the one-live-connection-per-
// identity invariant mechanically: Set closes whatever handle it displaces,
// so a stale connection can never linger beside a fresh one.
//
// The registry is injected state, not a package-level singleton, so tests
// get isolated instances.
package registry

import (
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianBridge/services/bridge/observability"
	"github.com/AleutianAI/AleutianBridge/services/bridge/protocol"
)

// Registry is a mutex-guarded map from identity token to live connection.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]protocol.Conn
	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]protocol.Conn),
		logger: logger,
	}
}

// Set records conn as the live connection for identityToken.
//
// If another connection is already registered for the token, it is closed
// before being replaced: at no point do two live handles exist for the
// same identity.
func (r *Registry) Set(identityToken string, conn protocol.Conn) {
	r.mu.Lock()
	displaced := r.conns[identityToken]
	r.conns[identityToken] = conn
	r.mu.Unlock()

	if displaced != nil && displaced != conn {
		r.logger.Warn("displacing live connection", "identity_token", identityToken)
		_ = displaced.Close()
	} else if displaced == nil {
		observability.ConnectionsUp()
	}
}

// Get returns the live connection for identityToken, if any.
func (r *Registry) Get(identityToken string) (protocol.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[identityToken]
	return conn, ok
}

// Remove drops the registry entry for identityToken and returns the
// removed connection, if any. The connection is not closed; the caller
// owns its shutdown.
func (r *Registry) Remove(identityToken string) (protocol.Conn, bool) {
	r.mu.Lock()
	conn, ok := r.conns[identityToken]
	if ok {
		delete(r.conns, identityToken)
	}
	r.mu.Unlock()

	if ok {
		observability.ConnectionsDown()
	}
	return conn, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Tokens returns the identity tokens with live connections.
func (r *Registry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tokens := make([]string, 0, len(r.conns))
	for token := range r.conns {
		tokens = append(tokens, token)
	}
	return tokens
}
