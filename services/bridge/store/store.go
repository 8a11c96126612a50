// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// sessionPrefix namespaces session records inside the shared database.
const sessionPrefix = "session:"

// ErrNotFound is returned by Load when no session record exists for the
// identity token.
var ErrNotFound = errors.New("session not found")

// Record is the persisted session record.
//
// Blob is the codec's JSON-safe credential encoding; the store treats it
// as opaque. Saves are full-snapshot overwrites: every Save replaces the
// entire record, never merges into it. Two concurrent saves for one token
// therefore race last-write-wins; the supervisor's single-writer-per-tenant
// rule keeps that from happening in practice.
type Record struct {
	IdentityToken string          `json:"identityToken"`
	Blob          json.RawMessage `json:"credentialBlob"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Store is the durable session store.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB serializes conflicting writes.
type Store struct {
	cfg    Config
	db     *badger.DB
	logger *slog.Logger
	gcStop chan struct{}
	gcDone chan struct{}
}

// Open opens (or creates) the session store.
//
// # Inputs
//
//   - cfg: Database configuration. Path required unless InMemory.
//
// # Outputs
//
//   - *Store: Ready for use. Caller must Close() when done.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:    cfg,
		db:     db,
		logger: cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go runGC(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger, s.gcStop, s.gcDone)
	}

	return s, nil
}

// OpenInMemory opens an in-memory store for testing.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// DB exposes the underlying BadgerDB so other record types (tenant
// records, for one) can share the database under their own key prefixes.
func (s *Store) DB() *badger.DB {
	return s.db
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

// Load returns the credential blob for identityToken.
//
// Returns ErrNotFound when no record exists. A record that exists but
// cannot be deserialized is also an error; callers treat both the same
// way (no resumable session).
func (s *Store) Load(ctx context.Context, identityToken string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(identityToken))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", identityToken, err)
	}
	return rec.Blob, nil
}

// Save upserts the credential blob for identityToken.
//
// Overwrite semantics: the entire record is replaced with the given
// snapshot. There is no merge path on purpose; partial updates are how
// credential stores end up half-rotated after a crash.
func (s *Store) Save(ctx context.Context, identityToken string, blob json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rec := Record{
		IdentityToken: identityToken,
		Blob:          blob,
		UpdatedAt:     time.Now().UTC(),
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", identityToken, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(identityToken), val)
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", identityToken, err)
	}
	return nil
}

// Exists reports whether a session record exists for identityToken.
func (s *Store) Exists(ctx context.Context, identityToken string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(sessionKey(identityToken))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check session %s: %w", identityToken, err)
	}
	return found, nil
}

// Delete removes the session record for identityToken. Deleting a record
// that does not exist is a no-op, not an error.
func (s *Store) Delete(ctx context.Context, identityToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(identityToken))
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", identityToken, err)
	}
	return nil
}

// Copy duplicates the session record from fromToken to toToken within a
// single transaction.
//
// Used only during pairing migration, when an ephemeral session becomes a
// permanent identity. The read and write commit together: either toToken
// ends up with fromToken's exact blob, or nothing changes. An existing
// destination is overwritten. A missing source is an error and leaves the
// destination untouched.
func (s *Store) Copy(ctx context.Context, fromToken, toToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(fromToken))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("source session %s: %w", fromToken, ErrNotFound)
			}
			return err
		}

		var rec Record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		rec.IdentityToken = toToken
		rec.UpdatedAt = time.Now().UTC()
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(sessionKey(toToken), val)
	})
	if err != nil {
		return fmt.Errorf("copy session %s -> %s: %w", fromToken, toToken, err)
	}
	return nil
}

func sessionKey(identityToken string) []byte {
	return []byte(sessionPrefix + identityToken)
}
