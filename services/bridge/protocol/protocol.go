// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the boundary to the upstream messaging protocol
// client: the component that owns the wire protocol, cryptography, and
// framing for a linked messaging account.
//
// The bridge never reimplements any of that. It consumes the interfaces in
// this package: Open a connection for an identity token, read lifecycle
// events from the connection, send outbound payloads, and snapshot the
// credential material the protocol layer rotates while connected.
//
// A production implementation backed by a websocket transport lives in
// wsclient.go. Tests use in-memory fakes.
package protocol

import "context"

// State is the connection state reported by the protocol layer.
type State string

const (
	// StateConnecting is emitted while the transport is being established.
	StateConnecting State = "connecting"

	// StateOpen means the connection is established and the account is
	// linked (or, during pairing, that the external party completed
	// authentication).
	StateOpen State = "open"

	// StateClose means the connection is gone. Event.Cause says why.
	StateClose State = "close"
)

// CloseCause classifies why a connection closed.
//
// The supervisor's retry policy branches only on Terminal(): an explicit
// logout means the remote identity revoked this session and reconnecting
// with the same credentials can never succeed. Everything else is treated
// as transient and retried.
type CloseCause string

const (
	// CauseLoggedOut is the terminal cause: the external party logged this
	// session out. Credentials are dead.
	CauseLoggedOut CloseCause = "logged_out"

	// CauseNetwork covers dial failures, resets, and read/write errors.
	CauseNetwork CloseCause = "network"

	// CauseServerReset is a server-initiated stream restart.
	CauseServerReset CloseCause = "server_reset"

	// CauseTimeout covers keepalive and handshake timeouts.
	CauseTimeout CloseCause = "timeout"

	// CauseUnknown is used when the protocol layer gave no reason.
	CauseUnknown CloseCause = "unknown"
)

// Terminal reports whether the cause rules out reconnecting with the
// current credentials.
func (c CloseCause) Terminal() bool {
	return c == CauseLoggedOut
}

// Event is a single lifecycle notification from a connection.
//
// Events for one connection are delivered in order on the channel returned
// by Conn.Events(). Exactly one of the following is meaningful per event:
// a pairing code, a state change, or a credential update.
type Event struct {
	// State is set for connection state changes; empty otherwise.
	State State

	// Cause is set when State is StateClose.
	Cause CloseCause

	// PairingCode is the code the end user must enter (or scan) on the
	// external device. Non-empty only during pairing.
	PairingCode string

	// IsNewLogin is true on the StateOpen event that completes a pairing
	// (the external party just authenticated this session).
	IsNewLogin bool

	// PhoneID and DisplayName identify the linked external account. Set
	// on StateOpen events that carry account metadata.
	PhoneID     string
	DisplayName string

	// CredentialsUpdated is true when the protocol layer rotated or added
	// session keys. The current material is available via
	// Conn.Credentials() and must be persisted in full.
	CredentialsUpdated bool
}

// Conn is a live protocol connection for a single identity token.
type Conn interface {
	// Events returns the connection's event stream. The channel is closed
	// after the final StateClose event has been delivered. Events for a
	// single connection are strictly ordered.
	Events() <-chan Event

	// Send delivers an outbound application payload to a recipient.
	Send(ctx context.Context, recipient string, payload []byte) error

	// Credentials returns a snapshot of the current credential material:
	// long-lived identity keys plus the session keys the protocol layer
	// has rotated in so far. The returned map is a deep copy; binary
	// values are []byte.
	Credentials() map[string]any

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Client opens protocol connections.
type Client interface {
	// Open establishes a connection scoped to identityToken. creds is the
	// persisted credential material for session resumption, or nil to
	// start a fresh pairing. The returned Conn is live; events begin
	// flowing immediately.
	Open(ctx context.Context, identityToken string, creds map[string]any) (Conn, error)
}
