// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gin handlers of the bridge HTTP API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianBridge/services/bridge/accounts"
	"github.com/AleutianAI/AleutianBridge/services/bridge/datatypes"
	"github.com/AleutianAI/AleutianBridge/services/bridge/protocol"
	"github.com/AleutianAI/AleutianBridge/services/bridge/supervisor"
)

// SessionManager is the slice of the supervisor the handlers need.
type SessionManager interface {
	BeginPairing(ctx context.Context, tempToken, ownerCred string) error
	PairingCode(tempToken string) (string, bool)
	LiveConnection(identityToken string) (protocol.Conn, bool)
	Teardown(ctx context.Context, identityToken string) error
}

// CreateSession provisions a pending identity and starts its pairing.
func CreateSession(mgr SessionManager, acc accounts.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ownerCred := bearerToken(c)
		if ownerCred == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing owner credential"})
			return
		}

		token, err := acc.CreatePendingIdentity(c.Request.Context(), req.OwnerID, req.OwnerContact)
		if err != nil {
			slog.Error("failed to create pending identity", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
			return
		}
		if err := mgr.BeginPairing(c.Request.Context(), token, ownerCred); err != nil {
			slog.Error("failed to start pairing", "identity_token", token, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start pairing"})
			return
		}

		slog.Info("session created", "identity_token", token, "owner_id", req.OwnerID)
		c.JSON(http.StatusCreated, datatypes.CreateSessionResponse{
			IdentityToken: token,
			Status:        datatypes.StatusPairing,
		})
	}
}

// GetPairingCode returns the current pairing code for a pending session,
// or 404 while none has been issued yet.
func GetPairingCode(mgr SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Param("token")
		code, ok := mgr.PairingCode(token)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no pairing code available"})
			return
		}
		c.JSON(http.StatusOK, datatypes.PairingCodeResponse{
			IdentityToken: token,
			Code:          code,
		})
	}
}

// GetSessionStatus reports a session's persisted and live state.
func GetSessionStatus(mgr SessionManager, acc accounts.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Param("token")
		tenant, err := acc.Get(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, accounts.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
				return
			}
			slog.Error("failed to load tenant", "identity_token", token, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}

		_, live := mgr.LiveConnection(token)
		status := datatypes.StatusDisconnected
		switch {
		case tenant.Pending():
			status = datatypes.StatusPairing
		case tenant.Connected:
			status = datatypes.StatusConnected
		}
		c.JSON(http.StatusOK, datatypes.SessionStatusResponse{
			IdentityToken: token,
			Status:        status,
			Live:          live,
			PhoneID:       tenant.PhoneID,
			DisplayName:   tenant.DisplayName,
			CreatedAt:     tenant.CreatedAt,
		})
	}
}

// SendMessage delivers an outbound payload through a live session.
func SendMessage(mgr SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Param("token")
		var req datatypes.SendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		conn, ok := mgr.LiveConnection(token)
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "session is not connected"})
			return
		}
		if err := conn.Send(c.Request.Context(), req.Recipient, []byte(req.Message)); err != nil {
			slog.Error("failed to send message", "identity_token", token, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to deliver message"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "sent"})
	}
}

// DeleteSession tears a session down: stops its supervisor, drops the
// live connection, and deletes the persisted credentials.
func DeleteSession(mgr SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Param("token")
		if err := mgr.Teardown(c.Request.Context(), token); err != nil {
			slog.Error("failed to tear down session", "identity_token", token, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to tear down session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "identityToken": token})
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

var _ SessionManager = (*supervisor.Manager)(nil)
