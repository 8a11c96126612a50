// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor drives the lifecycle of every tenant's protocol
// session: pairing a fresh identity, migrating it to a permanent one,
// keeping an established session connected through transient failures,
// and restoring all previously-connected sessions at process start.
//
// # Model
//
// Each live tenant connection is owned by exactly one goroutine that
// blocks on the connection's event channel. That gives strict per-tenant
// event ordering for free and makes the single-writer rule mechanical:
// the Manager hands out at most one supervisor slot per identity token,
// so no two goroutines ever drive the same tenant.
//
// All mutable state (supervisor slots, pending pairing records, retry
// counters, the pairing-code cache) lives on the Manager, which is
// injected into the service. Nothing in this package is a process-wide
// singleton.
//
// # Retry Policy
//
// Disconnect causes are classified terminal or transient. Terminal causes
// (explicit logout) skip retry and tear the session down. Transient causes
// are retried after a flat delay, up to a fixed budget of consecutive
// failures; a successful reconnect resets the budget. The delay is
// cancelable: an explicit teardown or manager shutdown interrupts it.
package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/AleutianBridge/services/bridge/accounts"
	"github.com/AleutianAI/AleutianBridge/services/bridge/codec"
	"github.com/AleutianAI/AleutianBridge/services/bridge/notify"
	"github.com/AleutianAI/AleutianBridge/services/bridge/observability"
	"github.com/AleutianAI/AleutianBridge/services/bridge/protocol"
	"github.com/AleutianAI/AleutianBridge/services/bridge/registry"
	"github.com/AleutianAI/AleutianBridge/services/bridge/store"
)

// ErrSupervisorActive is returned when a pairing is requested for an
// identity token that already has a live supervisor.
var ErrSupervisorActive = errors.New("supervisor already active for identity token")

// Config tunes the supervisor's timing and budgets. Zero values take the
// defaults below.
type Config struct {
	// ReconnectDelay is the flat wait between reconnection attempts.
	// Default 4s. Deliberately not exponential: the budget below bounds
	// total work, and a linked messaging session that cannot reconnect
	// within a handful of short attempts is better surfaced to the owner
	// than silently backed off for minutes.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts is the budget of consecutive failed
	// reconnections before a session is declared dead. Default 5.
	MaxReconnectAttempts int

	// MigrationTimeout bounds how long a freshly promoted identity may
	// take to bring its own connection to the open state. Default 30s.
	MigrationTimeout time.Duration

	// PairingCodeTTL is how long a cached pairing code stays retrievable.
	// Default 2m.
	PairingCodeTTL time.Duration

	// RestoreConcurrency caps how many sessions boot restoration dials at
	// once. Default 8.
	RestoreConcurrency int

	// RestoreRate paces boot restoration dials per second. 0 disables
	// pacing. Default 16.
	RestoreRate float64
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 4 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.MigrationTimeout == 0 {
		c.MigrationTimeout = 30 * time.Second
	}
	if c.PairingCodeTTL == 0 {
		c.PairingCodeTTL = 2 * time.Minute
	}
	if c.RestoreConcurrency == 0 {
		c.RestoreConcurrency = 8
	}
	if c.RestoreRate == 0 {
		c.RestoreRate = 16
	}
	return c
}

// pendingPairing is the in-memory record of an unfinished pairing attempt.
// It is never persisted. The owner's API credential sits in a memguard
// enclave so it is not swappable plaintext while the pairing (which can
// take minutes of human time) is in flight.
type pendingPairing struct {
	cred      *memguard.Enclave
	createdAt time.Time
}

// session is a supervisor slot: the handle through which the Manager can
// cancel the one goroutine driving an identity token.
type session struct {
	token    string
	stop     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	conn protocol.Conn
}

func newSession(token string) *session {
	return &session{token: token, stop: make(chan struct{})}
}

// setConn records the connection currently owned by this supervisor so a
// cancel can close it out from under a blocked event read.
func (s *session) setConn(conn protocol.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// cancel stops the supervisor: closes the stop channel and the current
// connection, which unblocks the event loop. Idempotent.
func (s *session) cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Manager owns every tenant supervisor in the process.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	cfg        Config
	client     protocol.Client
	store      *store.Store
	accounts   accounts.Registry
	registry   *registry.Registry
	dispatcher notify.Dispatcher
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	pending  map[string]*pendingPairing
	attempts map[string]int

	codes *codeCache
	wg    sync.WaitGroup
}

// New creates a Manager. All collaborators are required except dispatcher
// and logger, which default to a log-backed dispatcher and slog.Default.
func New(cfg Config, client protocol.Client, st *store.Store, acc accounts.Registry, reg *registry.Registry, dispatcher notify.Dispatcher, logger *slog.Logger) (*Manager, error) {
	if client == nil {
		return nil, errors.New("protocol client is required")
	}
	if st == nil {
		return nil, errors.New("session store is required")
	}
	if acc == nil {
		return nil, errors.New("accounts registry is required")
	}
	if reg == nil {
		return nil, errors.New("connection registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dispatcher == nil {
		dispatcher = &notify.LogDispatcher{Logger: logger}
	}

	cfg = cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		client:     client,
		store:      st,
		accounts:   acc,
		registry:   reg,
		dispatcher: dispatcher,
		logger:     logger,
		sessions:   make(map[string]*session),
		pending:    make(map[string]*pendingPairing),
		attempts:   make(map[string]int),
		codes:      newCodeCache(cfg.PairingCodeTTL),
	}, nil
}

// BeginPairing starts a pairing attempt for a pending identity token.
//
// # Description
//
// Registers the in-memory pending pairing record, claims the supervisor
// slot for tempToken, and launches the pairing state machine. The call
// returns immediately; progress is observed through PairingCode and the
// tenant record's connected flag.
//
// # Inputs
//
//   - ctx: Governs only the synchronous setup, not the pairing itself.
//   - tempToken: A pending identity token from the accounts registry.
//   - ownerCred: The owning tenant's API credential.
//
// # Outputs
//
//   - error: ErrSupervisorActive if a supervisor already drives tempToken;
//     otherwise nil.
func (m *Manager) BeginPairing(ctx context.Context, tempToken, ownerCred string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.accounts.Get(ctx, tempToken); err != nil {
		return fmt.Errorf("begin pairing: %w", err)
	}

	sess, err := m.claim(tempToken)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.pending[tempToken] = &pendingPairing{
		cred:      memguard.NewEnclave([]byte(ownerCred)),
		createdAt: time.Now(),
	}
	m.mu.Unlock()

	m.logger.Info("pairing started", "identity_token", tempToken)
	m.wg.Add(1)
	go m.runPairing(sess)
	return nil
}

// PairingCode returns the most recent pairing code issued for tempToken,
// if one is cached and unexpired.
func (m *Manager) PairingCode(tempToken string) (string, bool) {
	return m.codes.get(tempToken)
}

// LiveConnection returns the live protocol connection for identityToken.
// This is the sending surface for the messaging layer.
func (m *Manager) LiveConnection(identityToken string) (protocol.Conn, bool) {
	return m.registry.Get(identityToken)
}

// Teardown stops whatever supervisor drives identityToken and removes the
// tenant's session state: live connection, credentials, retry counter,
// cached pairing code. The persisted connected flag is cleared without a
// disconnect notification; the owner asked for this.
func (m *Manager) Teardown(ctx context.Context, identityToken string) error {
	m.mu.Lock()
	sess := m.sessions[identityToken]
	delete(m.sessions, identityToken)
	delete(m.pending, identityToken)
	delete(m.attempts, identityToken)
	m.mu.Unlock()

	if sess != nil {
		sess.cancel()
	}
	if conn, ok := m.registry.Remove(identityToken); ok {
		_ = conn.Close()
	}
	m.codes.remove(identityToken)

	if _, err := m.accounts.SetConnectedFlag(ctx, identityToken, false); err != nil && !errors.Is(err, accounts.ErrNotFound) {
		return fmt.Errorf("teardown %s: %w", identityToken, err)
	}
	if err := m.store.Delete(ctx, identityToken); err != nil {
		return fmt.Errorf("teardown %s: %w", identityToken, err)
	}
	m.logger.Info("session torn down", "identity_token", identityToken)
	return nil
}

// Close cancels every supervisor and waits for their goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
	}
	m.wg.Wait()
}

// claim reserves the supervisor slot for token. This is the single-writer
// gate: while a slot is held, no other goroutine may drive the token.
func (m *Manager) claim(token string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[token]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSupervisorActive, token)
	}
	sess := newSession(token)
	m.sessions[token] = sess
	return sess, nil
}

// release frees a slot, but only if sess still owns it. A Teardown may
// have already removed and replaced the entry.
func (m *Manager) release(sess *session) {
	m.mu.Lock()
	if current, ok := m.sessions[sess.token]; ok && current == sess {
		delete(m.sessions, sess.token)
	}
	m.mu.Unlock()
}

// bumpAttempts increments the tenant's consecutive-failure counter and
// reports whether another reconnection attempt is within budget. The
// counter counts disconnects; the budget allows MaxReconnectAttempts
// retries, so the disconnect after the final failed attempt tips over.
func (m *Manager) bumpAttempts(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[token]++
	return m.attempts[token] <= m.cfg.MaxReconnectAttempts
}

// resetAttempts clears the counter after a successful (re)connection.
func (m *Manager) resetAttempts(token string) {
	m.mu.Lock()
	delete(m.attempts, token)
	m.mu.Unlock()
}

// sleepRetry waits out the flat reconnect delay. Returns false if the
// supervisor was canceled while waiting.
func (m *Manager) sleepRetry(sess *session) bool {
	timer := time.NewTimer(m.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-sess.stop:
		return false
	}
}

// loadCredentials loads and decodes persisted credentials for token. Both
// an absent record and a corrupt one yield nil: the caller proceeds as a
// fresh pairing rather than crashing the tenant.
func (m *Manager) loadCredentials(ctx context.Context, token string) map[string]any {
	blob, err := m.store.Load(ctx, token)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("session load failed, treating as fresh",
				"identity_token", token, "error", err)
		}
		return nil
	}
	creds, err := codec.Decode(blob)
	if err != nil {
		m.logger.Warn("corrupt session blob, treating as fresh",
			"identity_token", token, "error", err)
		return nil
	}
	return creds
}

// saveSnapshot persists the connection's full current credential material
// under token. On failure the in-memory state is NOT rolled back: the
// connection keeps operating with the newer keys and the gap is logged.
// An at-most-lossy-on-crash tradeoff.
func (m *Manager) saveSnapshot(ctx context.Context, token string, conn protocol.Conn) error {
	blob, err := codec.Encode(conn.Credentials())
	if err == nil {
		err = m.store.Save(ctx, token, blob)
	}
	observability.RecordCredentialSave(err)
	if err != nil {
		m.logger.Error("credential snapshot save failed",
			"identity_token", token, "error", err)
	}
	return err
}

// credFingerprint returns a short hash of the pending pairing credential
// for audit logs. The secret itself never leaves its enclave otherwise.
func credFingerprint(enclave *memguard.Enclave) string {
	buf, err := enclave.Open()
	if err != nil {
		return ""
	}
	defer buf.Destroy()
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:8])
}
