// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request and response shapes of the bridge
// HTTP API.
package datatypes

import "time"

// Session lifecycle statuses reported by the API.
const (
	StatusPairing      = "pairing"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// CreateSessionRequest starts a pairing for a new external account.
type CreateSessionRequest struct {
	// OwnerID is the tenant owner starting the pairing.
	OwnerID string `json:"ownerId" binding:"required"`

	// OwnerContact is where disconnect notifications for this session go.
	OwnerContact string `json:"ownerContact" binding:"required"`
}

// CreateSessionResponse returns the pending identity the caller should
// poll for a pairing code.
type CreateSessionResponse struct {
	IdentityToken string `json:"identityToken"`
	Status        string `json:"status"`
}

// PairingCodeResponse carries the code the end user enters on the
// external device.
type PairingCodeResponse struct {
	IdentityToken string `json:"identityToken"`
	Code          string `json:"code"`
}

// SessionStatusResponse describes one session's current state.
type SessionStatusResponse struct {
	IdentityToken string    `json:"identityToken"`
	Status        string    `json:"status"`
	Live          bool      `json:"live"`
	PhoneID       string    `json:"phoneId,omitempty"`
	DisplayName   string    `json:"displayName,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SendMessageRequest delivers an outbound payload through a connected
// session.
type SendMessageRequest struct {
	Recipient string `json:"recipient" binding:"required"`
	Message   string `json:"message" binding:"required"`
}
