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
	"time"

	"github.com/AleutianAI/AleutianBridge/services/bridge/observability"
	"github.com/AleutianAI/AleutianBridge/services/bridge/protocol"
)

// pairingResult is what one connection's worth of pairing events boiled
// down to.
type pairingResult struct {
	kind        pairingResultKind
	cause       protocol.CloseCause
	phoneID     string
	displayName string
}

type pairingResultKind int

const (
	// pairingAuthenticated: the remote side confirmed a new login.
	pairingAuthenticated pairingResultKind = iota
	// pairingClosedTransient: connection dropped for a retryable reason.
	pairingClosedTransient
	// pairingClosedTerminal: remote side refused the login permanently.
	pairingClosedTerminal
	// pairingStopped: the supervisor was canceled locally.
	pairingStopped
)

// runPairing is the pairing state machine for one pending identity. It
// dials under the temp token, surfaces pairing codes, persists credential
// updates, and on authentication success hands off to migrate. Transient
// drops are retried against the freshest persisted credentials so an
// interrupted pairing resumes instead of restarting.
func (m *Manager) runPairing(sess *session) {
	defer m.wg.Done()
	ctx := context.Background()
	token := sess.token

	for {
		select {
		case <-sess.stop:
			m.cleanupPairing(sess)
			return
		default:
		}

		creds := m.loadCredentials(ctx, token)
		conn, err := m.client.Open(ctx, token, creds)
		if err != nil {
			m.logger.Warn("pairing dial failed",
				"identity_token", token, "error", err)
			if !m.bumpAttempts(token) {
				m.abandonPairing(ctx, sess)
				return
			}
			if !m.sleepRetry(sess) {
				m.cleanupPairing(sess)
				return
			}
			continue
		}
		sess.setConn(conn)

		res := m.consumePairing(ctx, sess, conn)
		sess.setConn(nil)

		switch res.kind {
		case pairingAuthenticated:
			m.migrate(ctx, sess, conn, res.phoneID, res.displayName)
			return
		case pairingStopped:
			_ = conn.Close()
			m.cleanupPairing(sess)
			return
		case pairingClosedTerminal:
			_ = conn.Close()
			m.logger.Warn("pairing rejected by remote",
				"identity_token", token, "cause", res.cause)
			m.abandonPairing(ctx, sess)
			return
		default: // pairingClosedTransient
			_ = conn.Close()
			if !m.bumpAttempts(token) {
				m.abandonPairing(ctx, sess)
				return
			}
			if !m.sleepRetry(sess) {
				m.cleanupPairing(sess)
				return
			}
		}
	}
}

// consumePairing drains one connection's events until authentication,
// close, or cancellation. Credential updates are snapshotted as they
// arrive so a retry resumes with current material.
func (m *Manager) consumePairing(ctx context.Context, sess *session, conn protocol.Conn) pairingResult {
	token := sess.token
	for {
		select {
		case <-sess.stop:
			return pairingResult{kind: pairingStopped}
		case ev, ok := <-conn.Events():
			if !ok {
				return pairingResult{kind: pairingClosedTransient, cause: protocol.CauseNetwork}
			}
			switch {
			case ev.PairingCode != "":
				m.codes.put(token, ev.PairingCode)
				m.logger.Info("pairing code issued", "identity_token", token)
			case ev.CredentialsUpdated:
				_ = m.saveSnapshot(ctx, token, conn)
			case ev.State == protocol.StateOpen && ev.IsNewLogin:
				return pairingResult{
					kind:        pairingAuthenticated,
					phoneID:     ev.PhoneID,
					displayName: ev.DisplayName,
				}
			case ev.State == protocol.StateClose:
				if ev.Cause.Terminal() {
					return pairingResult{kind: pairingClosedTerminal, cause: ev.Cause}
				}
				return pairingResult{kind: pairingClosedTransient, cause: ev.Cause}
			}
		}
	}
}

// migrate moves a just-authenticated pairing from its temp identity to a
// permanent one. Order matters:
//
//  1. snapshot the final credentials under the temp key, then close the
//     ephemeral connection, so nothing can race the copy below
//  2. promote the tenant record, copy the session blob temp -> permanent
//  3. only after the copy commits, delete the temp blob
//  4. open a fresh connection under the permanent token and wait for it
//     to reach the open state
//
// A failure at any step leaves the permanent tenant disconnected and, if
// the copy did not commit, the temp session intact for a later retry.
// The tenant is never marked connected unless every step succeeded.
func (m *Manager) migrate(ctx context.Context, sess *session, conn protocol.Conn, phoneID, displayName string) {
	tempToken := sess.token

	m.mu.Lock()
	pp := m.pending[tempToken]
	m.mu.Unlock()
	if pp == nil {
		// No owner to attach this login to; nothing sane to do but drop it.
		m.logger.Error("pending pairing record missing at auth success, aborting",
			"identity_token", tempToken)
		_ = conn.Close()
		m.failPairing(sess)
		return
	}

	_ = m.saveSnapshot(ctx, tempToken, conn)
	_ = conn.Close()

	permToken, err := m.accounts.PromoteToPermanent(ctx, tempToken)
	if err != nil {
		m.logger.Error("identity promotion failed",
			"identity_token", tempToken, "error", err)
		m.failPairing(sess)
		return
	}
	if err := m.accounts.SetConnectionMetadata(ctx, permToken, phoneID, displayName); err != nil {
		m.logger.Error("connection metadata write failed",
			"identity_token", permToken, "error", err)
		m.failPairing(sess)
		return
	}

	if err := m.store.Copy(ctx, tempToken, permToken); err != nil {
		// Temp blob is left in place; the permanent tenant stays
		// disconnected and the pairing can be re-run.
		m.logger.Error("session migration copy failed",
			"temp_token", tempToken, "perm_token", permToken, "error", err)
		m.failPairing(sess)
		return
	}
	if err := m.store.Delete(ctx, tempToken); err != nil {
		m.logger.Warn("temp session cleanup failed",
			"temp_token", tempToken, "error", err)
	}

	permSess, err := m.claim(permToken)
	if err != nil {
		m.logger.Error("permanent identity already supervised",
			"perm_token", permToken, "error", err)
		m.failPairing(sess)
		return
	}

	if !m.openLinked(ctx, permSess) {
		m.release(permSess)
		m.discardPairing(sess)
		observability.RecordPairingOutcome(observability.PairingOutcomeTimeout)
		return
	}

	m.logger.Info("pairing completed",
		"temp_token", tempToken,
		"perm_token", permToken,
		"phone_id", phoneID,
		"owner_cred_fpr", credFingerprint(pp.cred))

	m.mu.Lock()
	delete(m.pending, tempToken)
	delete(m.attempts, tempToken)
	m.mu.Unlock()
	m.codes.remove(tempToken)
	m.release(sess)
	observability.RecordPairingOutcome(observability.PairingOutcomePaired)
}

// openLinked dials the permanent identity and waits, bounded by the
// migration timeout, for the connection to open. On success it registers
// the connection, marks the tenant connected, and starts the steady-state
// supervisor.
func (m *Manager) openLinked(ctx context.Context, sess *session) bool {
	token := sess.token
	creds := m.loadCredentials(ctx, token)
	conn, err := m.client.Open(ctx, token, creds)
	if err != nil {
		m.logger.Error("permanent identity dial failed",
			"identity_token", token, "error", err)
		return false
	}
	sess.setConn(conn)

	timer := time.NewTimer(m.cfg.MigrationTimeout)
	defer timer.Stop()
	for {
		select {
		case <-sess.stop:
			_ = conn.Close()
			return false
		case <-timer.C:
			m.logger.Error("permanent identity did not open in time",
				"identity_token", token, "timeout", m.cfg.MigrationTimeout)
			_ = conn.Close()
			sess.setConn(nil)
			return false
		case ev, ok := <-conn.Events():
			if !ok {
				sess.setConn(nil)
				return false
			}
			switch {
			case ev.CredentialsUpdated:
				_ = m.saveSnapshot(ctx, token, conn)
			case ev.State == protocol.StateOpen:
				m.registry.Set(token, conn)
				if _, err := m.accounts.SetConnectedFlag(ctx, token, true); err != nil {
					m.logger.Error("connected flag write failed",
						"identity_token", token, "error", err)
				}
				_ = m.saveSnapshot(ctx, token, conn)
				m.resetAttempts(token)
				m.wg.Add(1)
				go m.superviseLinked(sess, conn)
				return true
			case ev.State == protocol.StateClose:
				m.logger.Error("permanent identity closed before opening",
					"identity_token", token, "cause", ev.Cause)
				_ = conn.Close()
				sess.setConn(nil)
				return false
			}
		}
	}
}

// abandonPairing ends a pairing that exhausted its retries or was
// rejected. Pending record, cached code, counters, slot, and any partial
// session blob all go.
func (m *Manager) abandonPairing(ctx context.Context, sess *session) {
	// The pairing never authenticated; its partial session blob is junk.
	if err := m.store.Delete(ctx, sess.token); err != nil {
		m.logger.Warn("pairing session cleanup failed",
			"identity_token", sess.token, "error", err)
	}
	m.discardPairing(sess)
	observability.RecordPairingOutcome(observability.PairingOutcomeAbandoned)
}

// failPairing is abandonPairing's sibling for migration-stage failures.
// The session blob is deliberately left where it is: if the copy never
// committed, the temp blob is the only surviving credential material and
// a re-run of the pairing resumes from it.
func (m *Manager) failPairing(sess *session) {
	m.discardPairing(sess)
	observability.RecordPairingOutcome(observability.PairingOutcomeFailed)
}

func (m *Manager) discardPairing(sess *session) {
	token := sess.token
	m.mu.Lock()
	delete(m.pending, token)
	delete(m.attempts, token)
	m.mu.Unlock()
	m.codes.remove(token)
	m.release(sess)
	m.logger.Info("pairing discarded", "identity_token", token)
}

// cleanupPairing handles local cancellation (Teardown already scrubbed
// the maps; just make sure the slot is free).
func (m *Manager) cleanupPairing(sess *session) {
	m.codes.remove(sess.token)
	m.release(sess)
}
