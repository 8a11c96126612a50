// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"

	"github.com/AleutianAI/AleutianBridge/services/bridge/observability"
	"github.com/AleutianAI/AleutianBridge/services/bridge/protocol"
)

// superviseLinked is the steady-state loop for an established tenant.
// conn may be a live, already-open connection (handed off from a pairing
// migration) or nil (boot restoration), in which case the loop dials
// first.
//
// The loop runs until the session dies terminally or is canceled. Each
// transient disconnect or failed dial bumps the consecutive-failure
// counter; reaching the open state resets it.
func (m *Manager) superviseLinked(sess *session, conn protocol.Conn) {
	defer m.wg.Done()
	ctx := context.Background()
	token := sess.token

	for {
		if conn == nil {
			select {
			case <-sess.stop:
				return
			default:
			}
			observability.RecordReconnectAttempt()
			creds := m.loadCredentials(ctx, token)
			c, err := m.client.Open(ctx, token, creds)
			if err != nil {
				m.logger.Warn("reconnect dial failed",
					"identity_token", token, "error", err)
				if !m.bumpAttempts(token) {
					m.terminal(ctx, sess)
					return
				}
				if !m.sleepRetry(sess) {
					return
				}
				continue
			}
			conn = c
			sess.setConn(conn)
		}

		cause, stopped := m.consumeLinked(ctx, sess, conn)
		sess.setConn(nil)
		_ = conn.Close()
		conn = nil

		if stopped {
			// Teardown owns the cleanup.
			return
		}
		if cause.Terminal() {
			m.logger.Warn("session logged out by remote", "identity_token", token)
			m.terminal(ctx, sess)
			return
		}
		if !m.bumpAttempts(token) {
			m.logger.Warn("reconnect budget exhausted",
				"identity_token", token, "max_attempts", m.cfg.MaxReconnectAttempts)
			m.terminal(ctx, sess)
			return
		}
		if !m.sleepRetry(sess) {
			return
		}
	}
}

// consumeLinked drains one connection's events until it closes or the
// supervisor is canceled. Reaching the open state (re)registers the
// connection and marks the tenant connected; a close removes it from the
// registry immediately, since the registry is the source of truth for
// "reachable right now".
func (m *Manager) consumeLinked(ctx context.Context, sess *session, conn protocol.Conn) (protocol.CloseCause, bool) {
	token := sess.token
	for {
		select {
		case <-sess.stop:
			return protocol.CauseUnknown, true
		case ev, ok := <-conn.Events():
			if !ok {
				m.registry.Remove(token)
				return protocol.CauseNetwork, false
			}
			switch {
			case ev.CredentialsUpdated:
				_ = m.saveSnapshot(ctx, token, conn)
			case ev.State == protocol.StateOpen:
				m.resetAttempts(token)
				m.registry.Set(token, conn)
				if _, err := m.accounts.SetConnectedFlag(ctx, token, true); err != nil {
					m.logger.Error("connected flag write failed",
						"identity_token", token, "error", err)
				}
				_ = m.saveSnapshot(ctx, token, conn)
				m.logger.Info("session connected", "identity_token", token)
			case ev.State == protocol.StateClose:
				m.registry.Remove(token)
				return ev.Cause, false
			}
		}
	}
}

// terminal finalizes a dead session: scrub the registry, flip the
// persisted connected flag, and notify the owner exactly once. The
// notification is gated on the flag's previous value, so a session that
// was already marked disconnected (or whose flag another path already
// cleared) does not notify again.
func (m *Manager) terminal(ctx context.Context, sess *session) {
	token := sess.token
	if conn, ok := m.registry.Remove(token); ok {
		_ = conn.Close()
	}
	observability.RecordTerminalDisconnect()

	prev, err := m.accounts.SetConnectedFlag(ctx, token, false)
	if err != nil {
		m.logger.Error("connected flag clear failed",
			"identity_token", token, "error", err)
	}
	if err == nil && prev {
		tenant, gerr := m.accounts.Get(ctx, token)
		if gerr != nil {
			m.logger.Error("tenant lookup for disconnect notification failed",
				"identity_token", token, "error", gerr)
		} else if nerr := m.dispatcher.NotifyDisconnected(ctx, tenant.OwnerContact, token, tenant.PhoneID, tenant.DisplayName); nerr != nil {
			m.logger.Error("disconnect notification failed",
				"identity_token", token, "error", nerr)
		}
	}

	m.resetAttempts(token)
	m.release(sess)
	m.logger.Warn("session terminated", "identity_token", token)
}
