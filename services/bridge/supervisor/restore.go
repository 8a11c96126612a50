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
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianBridge/services/bridge/observability"
)

// RestoreSummary reports what boot restoration did.
type RestoreSummary struct {
	// Candidates is how many tenants were marked connected in storage.
	Candidates int
	// Restored is how many got a supervisor started.
	Restored int
	// Repaired is how many had a connected flag but no session blob; their
	// flags were reset and no reconnect was attempted.
	Repaired int
	// Failed is how many could not be examined at all.
	Failed int
}

// RestoreAllOnBoot scans persisted tenant records for sessions that were
// connected when the process last ran and starts a supervisor for each.
//
// # Description
//
// Enumeration is sequential; the per-tenant work fans out on an errgroup
// with a concurrency cap and a rate pacer, so a process hosting hundreds
// of tenants does not stampede the upstream service at startup. A tenant
// whose connected flag has no matching session blob is inconsistent
// state from a crash: the flag is repaired to false and no reconnect or
// notification happens for it. Individual tenant failures never abort
// the sweep.
//
// # Inputs
//
//   - ctx: Governs the sweep itself, not the supervisors it spawns.
//
// # Outputs
//
//   - RestoreSummary: Counts of what happened.
//   - error: Non-nil only if the tenant enumeration itself failed.
func (m *Manager) RestoreAllOnBoot(ctx context.Context) (RestoreSummary, error) {
	tokens, err := m.accounts.ConnectedIdentities(ctx)
	if err != nil {
		return RestoreSummary{}, fmt.Errorf("restore: enumerate tenants: %w", err)
	}

	var restored, repaired, failed atomic.Int64
	limiter := rate.NewLimiter(rate.Limit(m.cfg.RestoreRate), 1)

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.RestoreConcurrency)
	for _, token := range tokens {
		g.Go(func() error {
			if err := limiter.Wait(ctx); err != nil {
				failed.Add(1)
				return nil
			}
			m.restoreOne(ctx, token, &restored, &repaired, &failed)
			return nil
		})
	}
	_ = g.Wait()

	summary := RestoreSummary{
		Candidates: len(tokens),
		Restored:   int(restored.Load()),
		Repaired:   int(repaired.Load()),
		Failed:     int(failed.Load()),
	}
	m.logger.Info("boot restoration complete",
		"candidates", summary.Candidates,
		"restored", summary.Restored,
		"repaired", summary.Repaired,
		"failed", summary.Failed)
	return summary, nil
}

func (m *Manager) restoreOne(ctx context.Context, token string, restored, repaired, failed *atomic.Int64) {
	exists, err := m.store.Exists(ctx, token)
	if err != nil {
		m.logger.Error("restore: session probe failed",
			"identity_token", token, "error", err)
		failed.Add(1)
		return
	}
	if !exists {
		if _, ferr := m.accounts.SetConnectedFlag(ctx, token, false); ferr != nil {
			m.logger.Error("restore: flag repair failed",
				"identity_token", token, "error", ferr)
			failed.Add(1)
			return
		}
		m.logger.Warn("restore: connected flag without session, repaired",
			"identity_token", token)
		observability.RecordRestore(false)
		repaired.Add(1)
		return
	}

	sess, err := m.claim(token)
	if err != nil {
		// Something else already supervises this tenant; leave it be.
		return
	}
	observability.RecordRestore(true)
	restored.Add(1)
	m.wg.Add(1)
	go m.superviseLinked(sess, nil)
}
