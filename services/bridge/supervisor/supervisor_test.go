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
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianBridge/services/bridge/accounts"
	"github.com/AleutianAI/AleutianBridge/services/bridge/codec"
	"github.com/AleutianAI/AleutianBridge/services/bridge/protocol"
	"github.com/AleutianAI/AleutianBridge/services/bridge/registry"
	"github.com/AleutianAI/AleutianBridge/services/bridge/store"
)

const (
	eventuallyWait = 3 * time.Second
	eventuallyTick = 5 * time.Millisecond
)

// ===== Fakes =====

type fakeConn struct {
	events    chan protocol.Event
	closeOnce sync.Once

	mu    sync.Mutex
	creds map[string]any

	closed atomic.Int32
}

func newFakeConn(creds map[string]any) *fakeConn {
	if creds == nil {
		creds = map[string]any{}
	}
	return &fakeConn{
		events: make(chan protocol.Event, 16),
		creds:  creds,
	}
}

func (c *fakeConn) Events() <-chan protocol.Event { return c.events }

func (c *fakeConn) Send(ctx context.Context, recipient string, payload []byte) error {
	return nil
}

func (c *fakeConn) Credentials() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.creds))
	for k, v := range c.creds {
		out[k] = v
	}
	return out
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConn) emit(ev protocol.Event) { c.events <- ev }

type dialRecord struct {
	token string
	creds map[string]any
	conn  *fakeConn
}

// fakeClient hands out connections according to a test-supplied openFn and
// announces every dial on a channel so tests can synchronize on it.
type fakeClient struct {
	mu     sync.Mutex
	openFn func(token string, creds map[string]any) (*fakeConn, error)
	dials  []dialRecord
	dialed chan dialRecord
}

func newFakeClient(openFn func(token string, creds map[string]any) (*fakeConn, error)) *fakeClient {
	return &fakeClient{openFn: openFn, dialed: make(chan dialRecord, 64)}
}

func (f *fakeClient) Open(ctx context.Context, identityToken string, creds map[string]any) (protocol.Conn, error) {
	f.mu.Lock()
	openFn := f.openFn
	f.mu.Unlock()

	conn, err := openFn(identityToken, creds)
	rec := dialRecord{token: identityToken, creds: creds, conn: conn}
	f.mu.Lock()
	f.dials = append(f.dials, rec)
	f.mu.Unlock()
	f.dialed <- rec
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (f *fakeClient) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

func (f *fakeClient) waitDial(t *testing.T) dialRecord {
	t.Helper()
	select {
	case rec := <-f.dialed:
		return rec
	case <-time.After(eventuallyWait):
		t.Fatal("timed out waiting for a dial")
		return dialRecord{}
	}
}

type notifyCall struct {
	ownerContact  string
	identityToken string
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (d *recordingDispatcher) NotifyDisconnected(ctx context.Context, ownerContact, identityToken, phoneID, displayName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, notifyCall{ownerContact: ownerContact, identityToken: identityToken})
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// failPromoteRegistry wraps a real registry and fails identity promotion.
type failPromoteRegistry struct {
	accounts.Registry
}

func (r *failPromoteRegistry) PromoteToPermanent(ctx context.Context, tempToken string) (string, error) {
	return "", errors.New("promotion unavailable")
}

// ===== Harness =====

type testRig struct {
	mgr        *Manager
	client     *fakeClient
	store      *store.Store
	accounts   accounts.Registry
	registry   *registry.Registry
	dispatcher *recordingDispatcher
}

func newTestRig(t *testing.T, cfg Config, openFn func(token string, creds map[string]any) (*fakeConn, error)) *testRig {
	t.Helper()

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Millisecond
	}
	if cfg.MigrationTimeout == 0 {
		cfg.MigrationTimeout = time.Second
	}

	client := newFakeClient(openFn)
	acc := accounts.NewBadgerRegistry(st.DB())
	reg := registry.New(slog.Default())
	dispatcher := &recordingDispatcher{}

	mgr, err := New(cfg, client, st, acc, reg, dispatcher, slog.Default())
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	return &testRig{
		mgr:        mgr,
		client:     client,
		store:      st,
		accounts:   acc,
		registry:   reg,
		dispatcher: dispatcher,
	}
}

// linkedTenant persists a permanent tenant marked connected, with a
// session blob, so tests can exercise restore and reconnect paths.
func (r *testRig) linkedTenant(t *testing.T, creds map[string]any) string {
	t.Helper()
	ctx := context.Background()

	tempToken, err := r.accounts.CreatePendingIdentity(ctx, "owner-1", "owner@example.com")
	require.NoError(t, err)
	permToken, err := r.accounts.PromoteToPermanent(ctx, tempToken)
	require.NoError(t, err)
	require.NoError(t, r.accounts.SetConnectionMetadata(ctx, permToken, "15550001111", "Test Phone"))
	_, err = r.accounts.SetConnectedFlag(ctx, permToken, true)
	require.NoError(t, err)

	blob, err := codec.Encode(creds)
	require.NoError(t, err)
	require.NoError(t, r.store.Save(ctx, permToken, blob))
	return permToken
}

// ===== Pairing =====

func TestPairingHappyPath(t *testing.T) {
	ctx := context.Background()
	sessionCreds := map[string]any{
		"deviceId": "dev-42",
		"noiseKey": []byte{0x01, 0x02, 0xfe},
	}

	rig := newTestRig(t, Config{}, nil)
	tempToken, err := rig.accounts.CreatePendingIdentity(ctx, "owner-1", "owner@example.com")
	require.NoError(t, err)

	pairConn := newFakeConn(sessionCreds)
	rig.client.mu.Lock()
	rig.client.openFn = func(token string, creds map[string]any) (*fakeConn, error) {
		if token == tempToken {
			return pairConn, nil
		}
		return newFakeConn(sessionCreds), nil
	}
	rig.client.mu.Unlock()

	require.NoError(t, rig.mgr.BeginPairing(ctx, tempToken, "sk-owner-credential"))
	first := rig.client.waitDial(t)
	require.Equal(t, tempToken, first.token)
	assert.Nil(t, first.creds, "a fresh pairing should dial without credentials")

	pairConn.emit(protocol.Event{PairingCode: "ABCD-1234"})
	require.Eventually(t, func() bool {
		code, ok := rig.mgr.PairingCode(tempToken)
		return ok && code == "ABCD-1234"
	}, eventuallyWait, eventuallyTick)

	pairConn.emit(protocol.Event{CredentialsUpdated: true})
	require.Eventually(t, func() bool {
		ok, err := rig.store.Exists(ctx, tempToken)
		return err == nil && ok
	}, eventuallyWait, eventuallyTick)

	pairConn.emit(protocol.Event{
		State:       protocol.StateOpen,
		IsNewLogin:  true,
		PhoneID:     "15551234567",
		DisplayName: "Kit's Phone",
	})

	second := rig.client.waitDial(t)
	require.NotEqual(t, tempToken, second.token)
	require.Equal(t, "dev-42", second.creds["deviceId"],
		"the permanent dial should resume from the migrated credentials")
	require.Equal(t, []byte{0x01, 0x02, 0xfe}, second.creds["noiseKey"],
		"binary credential material should survive the round trip intact")
	second.conn.emit(protocol.Event{State: protocol.StateOpen})

	permToken := second.token
	require.Eventually(t, func() bool {
		tenant, err := rig.accounts.Get(ctx, permToken)
		return err == nil && tenant.Connected
	}, eventuallyWait, eventuallyTick)

	_, live := rig.mgr.LiveConnection(permToken)
	assert.True(t, live)

	tenant, err := rig.accounts.Get(ctx, permToken)
	require.NoError(t, err)
	assert.Equal(t, "15551234567", tenant.PhoneID)
	assert.Equal(t, "Kit's Phone", tenant.DisplayName)
	assert.False(t, tenant.Pending())

	tempExists, err := rig.store.Exists(ctx, tempToken)
	require.NoError(t, err)
	assert.False(t, tempExists, "the temp session blob should be gone after migration")
	permExists, err := rig.store.Exists(ctx, permToken)
	require.NoError(t, err)
	assert.True(t, permExists)

	assert.GreaterOrEqual(t, int(pairConn.closed.Load()), 1,
		"the ephemeral pairing connection must be closed before the permanent one opens")
	_, codeLeft := rig.mgr.PairingCode(tempToken)
	assert.False(t, codeLeft, "pairing code should be dropped once pairing completes")
	assert.Zero(t, rig.dispatcher.count())
}

func TestPairingMigrationFailureLeavesTempSession(t *testing.T) {
	ctx := context.Background()

	pairConn := newFakeConn(map[string]any{"deviceId": "dev-9"})
	rig := newTestRig(t, Config{}, func(token string, creds map[string]any) (*fakeConn, error) {
		return pairConn, nil
	})
	realAccounts := rig.accounts
	rig.mgr.accounts = &failPromoteRegistry{Registry: realAccounts}

	tempToken, err := realAccounts.CreatePendingIdentity(ctx, "owner-1", "owner@example.com")
	require.NoError(t, err)
	require.NoError(t, rig.mgr.BeginPairing(ctx, tempToken, "sk-owner"))
	rig.client.waitDial(t)

	pairConn.emit(protocol.Event{CredentialsUpdated: true})
	pairConn.emit(protocol.Event{State: protocol.StateOpen, IsNewLogin: true, PhoneID: "15550009999"})

	// The supervisor slot frees once the failed migration is discarded.
	require.Eventually(t, func() bool {
		rig.mgr.mu.Lock()
		defer rig.mgr.mu.Unlock()
		return len(rig.mgr.sessions) == 0
	}, eventuallyWait, eventuallyTick)

	tenant, err := realAccounts.Get(ctx, tempToken)
	require.NoError(t, err)
	assert.False(t, tenant.Connected, "a failed migration must never mark the tenant connected")
	assert.True(t, tenant.Pending())

	exists, err := rig.store.Exists(ctx, tempToken)
	require.NoError(t, err)
	assert.True(t, exists, "the temp session must survive a failed migration for a later retry")
	assert.Equal(t, 0, rig.registry.Len())
}

func TestPairingAbandonedAfterDialFailures(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, Config{MaxReconnectAttempts: 2}, func(token string, creds map[string]any) (*fakeConn, error) {
		return nil, errors.New("upstream unreachable")
	})

	tempToken, err := rig.accounts.CreatePendingIdentity(ctx, "owner-1", "owner@example.com")
	require.NoError(t, err)
	require.NoError(t, rig.mgr.BeginPairing(ctx, tempToken, "sk-owner"))

	require.Eventually(t, func() bool {
		rig.mgr.mu.Lock()
		defer rig.mgr.mu.Unlock()
		return len(rig.mgr.sessions) == 0 && len(rig.mgr.pending) == 0
	}, eventuallyWait, eventuallyTick)

	tenant, err := rig.accounts.Get(ctx, tempToken)
	require.NoError(t, err)
	assert.False(t, tenant.Connected)
	assert.Zero(t, rig.dispatcher.count(),
		"an abandoned pairing never sends a disconnect notification")

	// The slot is free again, so the owner can retry the pairing.
	require.NoError(t, rig.mgr.BeginPairing(ctx, tempToken, "sk-owner"))
}

func TestBeginPairingRejectsConcurrentDuplicate(t *testing.T) {
	ctx := context.Background()
	pairConn := newFakeConn(nil)
	rig := newTestRig(t, Config{}, func(token string, creds map[string]any) (*fakeConn, error) {
		return pairConn, nil
	})

	tempToken, err := rig.accounts.CreatePendingIdentity(ctx, "owner-1", "owner@example.com")
	require.NoError(t, err)
	require.NoError(t, rig.mgr.BeginPairing(ctx, tempToken, "sk-owner"))

	err = rig.mgr.BeginPairing(ctx, tempToken, "sk-owner")
	require.ErrorIs(t, err, ErrSupervisorActive)
}

func TestBeginPairingUnknownToken(t *testing.T) {
	rig := newTestRig(t, Config{}, func(token string, creds map[string]any) (*fakeConn, error) {
		return newFakeConn(nil), nil
	})
	err := rig.mgr.BeginPairing(context.Background(), "no-such-token", "sk-owner")
	require.ErrorIs(t, err, accounts.ErrNotFound)
}

// ===== Reconnection =====

func TestReconnectBudgetThenTerminal(t *testing.T) {
	ctx := context.Background()
	const maxAttempts = 3

	var dialN atomic.Int32
	rig := newTestRig(t, Config{MaxReconnectAttempts: maxAttempts}, func(token string, creds map[string]any) (*fakeConn, error) {
		conn := newFakeConn(creds)
		if dialN.Add(1) == 1 {
			// First dial establishes, then drops.
			conn.emit(protocol.Event{State: protocol.StateOpen})
			conn.emit(protocol.Event{State: protocol.StateClose, Cause: protocol.CauseNetwork})
		} else {
			// Every retry dies before reaching the open state.
			conn.emit(protocol.Event{State: protocol.StateClose, Cause: protocol.CauseServerReset})
		}
		return conn, nil
	})

	permToken := rig.linkedTenant(t, map[string]any{"deviceId": "dev-7"})
	summary, err := rig.mgr.RestoreAllOnBoot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Restored)

	require.Eventually(t, func() bool {
		return rig.dispatcher.count() == 1
	}, eventuallyWait, eventuallyTick)

	// One establishing dial plus exactly maxAttempts failed retries.
	assert.Equal(t, 1+maxAttempts, rig.client.dialCount())

	tenant, err := rig.accounts.Get(ctx, permToken)
	require.NoError(t, err)
	assert.False(t, tenant.Connected)
	assert.Equal(t, 0, rig.registry.Len())
	assert.Equal(t, "owner@example.com", rig.dispatcher.calls[0].ownerContact)

	// The terminal state is stable: no more dials, no second notification.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1+maxAttempts, rig.client.dialCount())
	assert.Equal(t, 1, rig.dispatcher.count())
}

func TestSuccessfulReconnectResetsBudget(t *testing.T) {
	ctx := context.Background()

	var dialN atomic.Int32
	rig := newTestRig(t, Config{MaxReconnectAttempts: 2}, func(token string, creds map[string]any) (*fakeConn, error) {
		conn := newFakeConn(creds)
		switch dialN.Add(1) {
		case 1, 3, 5:
			// Establish, then drop: each open resets the failure budget,
			// so the interleaved failures below never accumulate.
			conn.emit(protocol.Event{State: protocol.StateOpen})
			conn.emit(protocol.Event{State: protocol.StateClose, Cause: protocol.CauseNetwork})
		case 2, 4:
			conn.emit(protocol.Event{State: protocol.StateClose, Cause: protocol.CauseNetwork})
		default:
			conn.emit(protocol.Event{State: protocol.StateOpen})
		}
		return conn, nil
	})

	rig.linkedTenant(t, map[string]any{"deviceId": "dev-8"})
	_, err := rig.mgr.RestoreAllOnBoot(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rig.client.dialCount() >= 6 && rig.registry.Len() == 1
	}, eventuallyWait, eventuallyTick)
	assert.Zero(t, rig.dispatcher.count(),
		"a session that keeps recovering within budget never goes terminal")
}

func TestLogoutIsTerminalWithoutRetry(t *testing.T) {
	ctx := context.Background()

	rig := newTestRig(t, Config{}, func(token string, creds map[string]any) (*fakeConn, error) {
		conn := newFakeConn(creds)
		conn.emit(protocol.Event{State: protocol.StateOpen})
		conn.emit(protocol.Event{State: protocol.StateClose, Cause: protocol.CauseLoggedOut})
		return conn, nil
	})

	permToken := rig.linkedTenant(t, map[string]any{"deviceId": "dev-5"})
	_, err := rig.mgr.RestoreAllOnBoot(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rig.dispatcher.count() == 1
	}, eventuallyWait, eventuallyTick)

	assert.Equal(t, 1, rig.client.dialCount(), "a logout must not be retried")
	tenant, err := rig.accounts.Get(ctx, permToken)
	require.NoError(t, err)
	assert.False(t, tenant.Connected)
	assert.Equal(t, 0, rig.registry.Len())
}

func TestTerminalNotifiesOnlyOnFlagTransition(t *testing.T) {
	ctx := context.Background()

	rig := newTestRig(t, Config{}, func(token string, creds map[string]any) (*fakeConn, error) {
		conn := newFakeConn(creds)
		conn.emit(protocol.Event{State: protocol.StateClose, Cause: protocol.CauseLoggedOut})
		return conn, nil
	})

	permToken := rig.linkedTenant(t, map[string]any{"deviceId": "dev-6"})
	_, err := rig.mgr.RestoreAllOnBoot(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tenant, gerr := rig.accounts.Get(ctx, permToken)
		return gerr == nil && !tenant.Connected
	}, eventuallyWait, eventuallyTick)
	assert.Equal(t, 1, rig.dispatcher.count())

	// A second terminal pass for the same token finds the flag already
	// false and stays silent.
	sess := newSession(permToken)
	rig.mgr.terminal(ctx, sess)
	assert.Equal(t, 1, rig.dispatcher.count())
}

// ===== Boot restoration =====

func TestRestoreRepairsOrphanedFlag(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, Config{}, func(token string, creds map[string]any) (*fakeConn, error) {
		return newFakeConn(creds), nil
	})

	tempToken, err := rig.accounts.CreatePendingIdentity(ctx, "owner-1", "owner@example.com")
	require.NoError(t, err)
	permToken, err := rig.accounts.PromoteToPermanent(ctx, tempToken)
	require.NoError(t, err)
	_, err = rig.accounts.SetConnectedFlag(ctx, permToken, true)
	require.NoError(t, err)
	// No session blob was ever written: crash-inconsistent state.

	summary, err := rig.mgr.RestoreAllOnBoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Candidates)
	assert.Equal(t, 1, summary.Repaired)
	assert.Zero(t, summary.Restored)

	tenant, err := rig.accounts.Get(ctx, permToken)
	require.NoError(t, err)
	assert.False(t, tenant.Connected)
	assert.Zero(t, rig.client.dialCount(), "an orphaned flag must not trigger a reconnect")
	assert.Zero(t, rig.dispatcher.count())
}

func TestRestoreStartsSupervisorPerConnectedTenant(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, Config{}, func(token string, creds map[string]any) (*fakeConn, error) {
		conn := newFakeConn(creds)
		conn.emit(protocol.Event{State: protocol.StateOpen})
		return conn, nil
	})

	tokenA := rig.linkedTenant(t, map[string]any{"deviceId": "dev-a"})
	tokenB := rig.linkedTenant(t, map[string]any{"deviceId": "dev-b"})

	summary, err := rig.mgr.RestoreAllOnBoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Candidates)
	assert.Equal(t, 2, summary.Restored)

	require.Eventually(t, func() bool {
		return rig.registry.Len() == 2
	}, eventuallyWait, eventuallyTick)
	_, okA := rig.mgr.LiveConnection(tokenA)
	_, okB := rig.mgr.LiveConnection(tokenB)
	assert.True(t, okA)
	assert.True(t, okB)

	// Dials resumed from each tenant's own persisted credentials.
	deviceIDs := map[string]bool{}
	rig.client.mu.Lock()
	for _, rec := range rig.client.dials {
		if id, ok := rec.creds["deviceId"].(string); ok {
			deviceIDs[id] = true
		}
	}
	rig.client.mu.Unlock()
	assert.True(t, deviceIDs["dev-a"])
	assert.True(t, deviceIDs["dev-b"])
}

func TestRestoreSkipsPendingTenants(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, Config{}, func(token string, creds map[string]any) (*fakeConn, error) {
		return newFakeConn(creds), nil
	})

	_, err := rig.accounts.CreatePendingIdentity(ctx, "owner-1", "owner@example.com")
	require.NoError(t, err)

	summary, err := rig.mgr.RestoreAllOnBoot(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Candidates)
	assert.Zero(t, rig.client.dialCount())
}

// ===== Teardown =====

func TestTeardownStopsLiveSession(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, Config{}, func(token string, creds map[string]any) (*fakeConn, error) {
		conn := newFakeConn(creds)
		conn.emit(protocol.Event{State: protocol.StateOpen})
		return conn, nil
	})

	permToken := rig.linkedTenant(t, map[string]any{"deviceId": "dev-3"})
	_, err := rig.mgr.RestoreAllOnBoot(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rig.registry.Len() == 1
	}, eventuallyWait, eventuallyTick)

	require.NoError(t, rig.mgr.Teardown(ctx, permToken))

	assert.Equal(t, 0, rig.registry.Len())
	tenant, err := rig.accounts.Get(ctx, permToken)
	require.NoError(t, err)
	assert.False(t, tenant.Connected)
	exists, err := rig.store.Exists(ctx, permToken)
	require.NoError(t, err)
	assert.False(t, exists, "teardown must delete the persisted session")
	assert.Zero(t, rig.dispatcher.count(),
		"an explicit teardown is not a disconnect notification event")

	// The supervisor goroutine actually exits.
	require.Eventually(t, func() bool {
		rig.mgr.mu.Lock()
		defer rig.mgr.mu.Unlock()
		return len(rig.mgr.sessions) == 0
	}, eventuallyWait, eventuallyTick)
	assert.Equal(t, 1, rig.client.dialCount(), "no reconnect after teardown")
}

func TestTeardownInterruptsRetryWait(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, Config{ReconnectDelay: time.Hour}, func(token string, creds map[string]any) (*fakeConn, error) {
		return nil, errors.New("upstream unreachable")
	})

	permToken := rig.linkedTenant(t, map[string]any{"deviceId": "dev-4"})
	_, err := rig.mgr.RestoreAllOnBoot(ctx)
	require.NoError(t, err)
	rig.client.waitDial(t)

	// The supervisor is now parked in its hour-long retry wait; teardown
	// must cut that short instead of leaking the goroutine.
	require.NoError(t, rig.mgr.Teardown(ctx, permToken))
	require.Eventually(t, func() bool {
		rig.mgr.mu.Lock()
		defer rig.mgr.mu.Unlock()
		return len(rig.mgr.sessions) == 0
	}, eventuallyWait, eventuallyTick)
	assert.Equal(t, 1, rig.client.dialCount())
	assert.Zero(t, rig.dispatcher.count())
}

func TestTeardownUnknownTenantIsGraceful(t *testing.T) {
	rig := newTestRig(t, Config{}, func(token string, creds map[string]any) (*fakeConn, error) {
		return newFakeConn(creds), nil
	})
	require.NoError(t, rig.mgr.Teardown(context.Background(), "never-seen"))
}
