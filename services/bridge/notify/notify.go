// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify is the boundary to the external notification dispatcher.
//
// The supervisor calls it exactly once per true->false transition of a
// tenant's persisted connected flag. Delivery guarantees beyond that
// (webhooks, signing, retries) belong to the dispatcher implementation,
// not to the bridge core.
package notify

import (
	"context"
	"log/slog"
)

// Dispatcher delivers out-of-band disconnect notices to tenant owners.
type Dispatcher interface {
	// NotifyDisconnected tells the owner their messaging account lost its
	// link and needs re-pairing.
	NotifyDisconnected(ctx context.Context, ownerContact, identityToken, phoneID, displayName string) error
}

// LogDispatcher is the default Dispatcher: it records the notice in the
// service log. Deployments wire a real dispatcher through bridge.Config.
type LogDispatcher struct {
	Logger *slog.Logger
}

var _ Dispatcher = (*LogDispatcher)(nil)

func (d *LogDispatcher) NotifyDisconnected(ctx context.Context, ownerContact, identityToken, phoneID, displayName string) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("tenant disconnected",
		"identity_token", identityToken,
		"phone_id", phoneID,
		"display_name", displayName,
		"owner_contact_present", ownerContact != "",
	)
	return nil
}
