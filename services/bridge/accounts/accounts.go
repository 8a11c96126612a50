// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package accounts manages tenant identity records.
//
// A tenant record ties an identity token to its owner and to the linked
// external account (phone identifier, display name) plus a persisted
// connected flag. Identity tokens come in two flavors: pending tokens
// minted when a pairing starts, and permanent tokens minted when a pairing
// succeeds. Promotion moves ownership from a pending token to a fresh
// permanent one.
//
// The supervisor consumes this package through the Registry interface so
// tests can substitute in-memory fakes.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	tenantPrefix = "tenant:"

	// pendingTokenPrefix marks identity tokens that belong to pairing
	// attempts which have not yet produced a linked account.
	pendingTokenPrefix = "pending-"
)

// ErrNotFound is returned when no tenant record exists for a token.
var ErrNotFound = errors.New("tenant not found")

// Tenant is the persisted tenant record.
type Tenant struct {
	IdentityToken string    `json:"identityToken"`
	OwnerID       string    `json:"ownerId"`
	OwnerContact  string    `json:"ownerContact,omitempty"`
	PhoneID       string    `json:"phoneId,omitempty"`
	DisplayName   string    `json:"displayName,omitempty"`
	Connected     bool      `json:"isConnected"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Pending reports whether the record belongs to an unfinished pairing.
func (t Tenant) Pending() bool {
	return strings.HasPrefix(t.IdentityToken, pendingTokenPrefix)
}

// Registry is the tenant-record surface the connection supervisor needs.
type Registry interface {
	// CreatePendingIdentity mints a temporary identity token for a new
	// pairing attempt owned by ownerID.
	CreatePendingIdentity(ctx context.Context, ownerID, ownerContact string) (string, error)

	// PromoteToPermanent replaces the pending record with a permanent
	// one under a freshly minted token and returns that token. The
	// pending record is deleted.
	PromoteToPermanent(ctx context.Context, tempToken string) (string, error)

	// SetConnectionMetadata records the linked account's phone identifier
	// and display name.
	SetConnectionMetadata(ctx context.Context, identityToken, phoneID, displayName string) error

	// SetConnectedFlag updates the persisted connected projection and
	// returns its previous value. The previous value is what lets the
	// supervisor notify on a true->false transition exactly once.
	SetConnectedFlag(ctx context.Context, identityToken string, connected bool) (bool, error)

	// Get returns the tenant record for identityToken.
	Get(ctx context.Context, identityToken string) (Tenant, error)

	// ConnectedIdentities returns every permanent identity token whose
	// record is marked connected. Used by boot restoration.
	ConnectedIdentities(ctx context.Context) ([]string, error)
}

// BadgerRegistry is the production Registry backed by the shared BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions serialize writes.
type BadgerRegistry struct {
	db *badger.DB
}

// NewBadgerRegistry creates a Registry over db. The registry shares the
// session store's database; tenant records live under their own prefix.
func NewBadgerRegistry(db *badger.DB) *BadgerRegistry {
	return &BadgerRegistry{db: db}
}

var _ Registry = (*BadgerRegistry)(nil)

// CreatePendingIdentity mints a pending token and writes its record.
func (r *BadgerRegistry) CreatePendingIdentity(ctx context.Context, ownerID, ownerContact string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ownerID == "" {
		return "", errors.New("ownerID is required")
	}

	token := pendingTokenPrefix + uuid.NewString()
	tenant := Tenant{
		IdentityToken: token,
		OwnerID:       ownerID,
		OwnerContact:  ownerContact,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.put(tenant); err != nil {
		return "", fmt.Errorf("create pending identity: %w", err)
	}
	return token, nil
}

// PromoteToPermanent mints a permanent token, carries ownership over, and
// removes the pending record in the same transaction.
func (r *BadgerRegistry) PromoteToPermanent(ctx context.Context, tempToken string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	permToken := uuid.NewString()
	err := r.db.Update(func(txn *badger.Txn) error {
		pending, err := getTenant(txn, tempToken)
		if err != nil {
			return err
		}

		permanent := Tenant{
			IdentityToken: permToken,
			OwnerID:       pending.OwnerID,
			OwnerContact:  pending.OwnerContact,
			CreatedAt:     time.Now().UTC(),
		}
		val, err := json.Marshal(permanent)
		if err != nil {
			return err
		}
		if err := txn.Set(tenantKey(permToken), val); err != nil {
			return err
		}
		return txn.Delete(tenantKey(tempToken))
	})
	if err != nil {
		return "", fmt.Errorf("promote %s: %w", tempToken, err)
	}
	return permToken, nil
}

// SetConnectionMetadata records the linked phone identifier and display name.
func (r *BadgerRegistry) SetConnectionMetadata(ctx context.Context, identityToken, phoneID, displayName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.update(identityToken, func(t *Tenant) {
		t.PhoneID = phoneID
		t.DisplayName = displayName
	})
	if err != nil {
		return fmt.Errorf("set connection metadata %s: %w", identityToken, err)
	}
	return nil
}

// SetConnectedFlag flips the persisted connected projection, returning the
// previous value.
func (r *BadgerRegistry) SetConnectedFlag(ctx context.Context, identityToken string, connected bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var previous bool
	err := r.update(identityToken, func(t *Tenant) {
		previous = t.Connected
		t.Connected = connected
	})
	if err != nil {
		return false, fmt.Errorf("set connected flag %s: %w", identityToken, err)
	}
	return previous, nil
}

// Get returns the tenant record for identityToken.
func (r *BadgerRegistry) Get(ctx context.Context, identityToken string) (Tenant, error) {
	if err := ctx.Err(); err != nil {
		return Tenant{}, err
	}

	var tenant Tenant
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		tenant, err = getTenant(txn, identityToken)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, fmt.Errorf("get tenant %s: %w", identityToken, err)
	}
	return tenant, nil
}

// ConnectedIdentities scans the tenant prefix for permanent records marked
// connected.
func (r *BadgerRegistry) ConnectedIdentities(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var tokens []string
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(tenantPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var tenant Tenant
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &tenant)
			})
			if err != nil {
				return err
			}
			if tenant.Connected && !tenant.Pending() {
				tokens = append(tokens, tenant.IdentityToken)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate connected identities: %w", err)
	}
	return tokens, nil
}

// put writes a tenant record unconditionally.
func (r *BadgerRegistry) put(tenant Tenant) error {
	val, err := json.Marshal(tenant)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tenantKey(tenant.IdentityToken), val)
	})
}

// update applies fn to an existing record inside one transaction.
func (r *BadgerRegistry) update(identityToken string, fn func(*Tenant)) error {
	return r.db.Update(func(txn *badger.Txn) error {
		tenant, err := getTenant(txn, identityToken)
		if err != nil {
			return err
		}
		fn(&tenant)
		val, err := json.Marshal(tenant)
		if err != nil {
			return err
		}
		return txn.Set(tenantKey(identityToken), val)
	})
}

func getTenant(txn *badger.Txn, identityToken string) (Tenant, error) {
	item, err := txn.Get(tenantKey(identityToken))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, err
	}
	var tenant Tenant
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &tenant)
	})
	return tenant, err
}

func tenantKey(identityToken string) []byte {
	return []byte(tenantPrefix + identityToken)
}
