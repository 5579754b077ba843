// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes diagnostics counters for the sync core.
//
// These are quality signals, not user-facing state: duplicate suppression and
// heuristic matches are invisible in the UI but worth watching in aggregate.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ReconcileMatches counts reconciled events by match path:
	// "correlation", "sequence", "heuristic", "new".
	ReconcileMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "clientsync_reconcile_matches_total", Help: "Reconciled server events by match path"},
		[]string{"path"},
	)

	// DuplicateEventsIgnored counts events absorbed as idempotent no-ops.
	DuplicateEventsIgnored = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "clientsync_duplicate_events_ignored_total", Help: "Server/SSE events ignored as duplicates"},
	)

	// HistoryDuplicatesDropped counts history-page messages already present.
	HistoryDuplicatesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "clientsync_history_duplicates_dropped_total", Help: "History page messages dropped as duplicates"},
	)

	// SendFailures counts failed sends by reason: "network", "server", "timeout".
	SendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "clientsync_send_failures_total", Help: "Failed message sends by reason"},
		[]string{"reason"},
	)

	// SendRetries counts manual/automatic retry attempts.
	SendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "clientsync_send_retries_total", Help: "Message send retry attempts"},
	)

	// OfflineReplays counts messages replayed from the offline queue.
	OfflineReplays = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "clientsync_offline_replays_total", Help: "Messages replayed from the offline queue"},
	)

	// ChatsEvicted counts chat collections evicted from the LRU cache.
	ChatsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "clientsync_chats_evicted_total", Help: "Chat collections evicted from the message cache"},
	)
)

// Init registers all collectors with the default registry.
// Call once at startup; tests that never call Init still increment the
// unregistered collectors safely.
func Init() {
	prometheus.MustRegister(ReconcileMatches)
	prometheus.MustRegister(DuplicateEventsIgnored)
	prometheus.MustRegister(HistoryDuplicatesDropped)
	prometheus.MustRegister(SendFailures)
	prometheus.MustRegister(SendRetries)
	prometheus.MustRegister(OfflineReplays)
	prometheus.MustRegister(ChatsEvicted)
}
