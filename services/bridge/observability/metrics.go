// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the bridge.
//
// # Description
//
// Prometheus metrics for the connection lifecycle: live connection counts,
// reconnect attempts, pairing outcomes, and session store latency. Exposed
// via the /metrics endpoint for Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all bridge metrics.
const metricsNamespace = "aleutian"

// Subsystem for connection lifecycle metrics.
const bridgeSubsystem = "bridge"

// Pairing outcome label values.
const (
	PairingOutcomePaired    = "paired"
	PairingOutcomeAbandoned = "abandoned"
	PairingOutcomeTimeout   = "migration_timeout"
	PairingOutcomeFailed    = "failed"
)

// BridgeMetrics holds all Prometheus metrics for the connection lifecycle.
//
// # Fields
//
//   - ActiveConnections: Gauge of live protocol connections in the registry
//   - ReconnectAttemptsTotal: Counter of reconnection attempts
//   - PairingsTotal: Counter of pairing attempts by outcome
//   - TerminalDisconnectsTotal: Counter of terminal (no-retry) disconnects
//   - CredentialSavesTotal: Counter of credential snapshot saves by status
//   - RestoredSessionsTotal: Counter of boot restorations by status
type BridgeMetrics struct {
	// ActiveConnections tracks live connections in the registry.
	ActiveConnections prometheus.Gauge

	// ReconnectAttemptsTotal counts reconnection attempts.
	ReconnectAttemptsTotal prometheus.Counter

	// PairingsTotal counts completed pairing attempts.
	// Labels: outcome (paired, abandoned, migration_timeout, failed)
	PairingsTotal *prometheus.CounterVec

	// TerminalDisconnectsTotal counts terminal disconnects (logout or
	// retry budget exhausted).
	TerminalDisconnectsTotal prometheus.Counter

	// CredentialSavesTotal counts credential snapshot writes.
	// Labels: status (success, error)
	CredentialSavesTotal *prometheus.CounterVec

	// RestoredSessionsTotal counts boot-time session restorations.
	// Labels: status (restored, unrecoverable)
	RestoredSessionsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of BridgeMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *BridgeMetrics

var initOnce sync.Once

// InitMetrics initializes and registers the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Safe to call more than
// once; only the first call registers.
//
// # Outputs
//
//   - *BridgeMetrics: The initialized metrics instance.
func InitMetrics() *BridgeMetrics {
	initOnce.Do(func() {
		DefaultMetrics = &BridgeMetrics{
			ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "active_connections",
				Help:      "Number of live protocol connections in the registry.",
			}),
			ReconnectAttemptsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "reconnect_attempts_total",
				Help:      "Reconnection attempts after transient disconnects.",
			}),
			PairingsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "pairings_total",
				Help:      "Completed pairing attempts by outcome.",
			}, []string{"outcome"}),
			TerminalDisconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "terminal_disconnects_total",
				Help:      "Disconnects that ended a session without retry.",
			}),
			CredentialSavesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "credential_saves_total",
				Help:      "Credential snapshot writes to the session store.",
			}, []string{"status"}),
			RestoredSessionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "restored_sessions_total",
				Help:      "Boot-time session restorations by status.",
			}, []string{"status"}),
		}
	})
	return DefaultMetrics
}

// ConnectionsUp increments the active connection gauge if metrics are
// initialized. Helpers like this keep the registry free of nil checks.
func ConnectionsUp() {
	if DefaultMetrics != nil {
		DefaultMetrics.ActiveConnections.Inc()
	}
}

// ConnectionsDown decrements the active connection gauge.
func ConnectionsDown() {
	if DefaultMetrics != nil {
		DefaultMetrics.ActiveConnections.Dec()
	}
}

// RecordReconnectAttempt counts one reconnection attempt.
func RecordReconnectAttempt() {
	if DefaultMetrics != nil {
		DefaultMetrics.ReconnectAttemptsTotal.Inc()
	}
}

// RecordPairingOutcome counts one finished pairing attempt.
func RecordPairingOutcome(outcome string) {
	if DefaultMetrics != nil {
		DefaultMetrics.PairingsTotal.WithLabelValues(outcome).Inc()
	}
}

// RecordTerminalDisconnect counts one terminal disconnect.
func RecordTerminalDisconnect() {
	if DefaultMetrics != nil {
		DefaultMetrics.TerminalDisconnectsTotal.Inc()
	}
}

// RecordCredentialSave counts one credential snapshot write.
func RecordCredentialSave(err error) {
	if DefaultMetrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DefaultMetrics.CredentialSavesTotal.WithLabelValues(status).Inc()
}

// RecordRestore counts one boot-time restoration result.
func RecordRestore(recovered bool) {
	if DefaultMetrics == nil {
		return
	}
	status := "restored"
	if !recovered {
		status = "unrecoverable"
	}
	DefaultMetrics.RestoredSessionsTotal.WithLabelValues(status).Inc()
}
