// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reconcile merges authoritative server events into the message
// store exactly once.
//
// The send path races its own confirmation: the HTTP response and the SSE
// echo for the same logical message can arrive in either order, and SSE
// delivery is at-least-once. Reconcile is therefore idempotent and
// commutative for that pair: both orderings converge to one delivered
// message, and replaying any event is a no-op.
package reconcile

import (
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/fechatter/clientsync/internal/message"
	"github.com/fechatter/clientsync/internal/metrics"
	"github.com/fechatter/clientsync/internal/store"
)

// DefaultHeuristicWindow bounds the content/sender fallback match. A wider
// window raises the odds of mis-merging duplicate sends of identical content.
const DefaultHeuristicWindow = 5 * time.Second

// =============================================================================
// OUTCOMES
// =============================================================================

// Outcome classifies what a reconcile pass did with an event.
type Outcome string

const (
	// OutcomeMerged means a tracked optimistic entry was resolved in place.
	OutcomeMerged Outcome = "merged"

	// OutcomeInserted means the event was a genuinely new message and was
	// placed at its sorted position.
	OutcomeInserted Outcome = "inserted"

	// OutcomeDuplicate means the event was already applied; nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
)

// MatchPath records which rule produced a merge, for diagnostics.
type MatchPath string

const (
	MatchCorrelation MatchPath = "correlation"
	MatchSequence    MatchPath = "sequence"
	MatchHeuristic   MatchPath = "heuristic"
	MatchNone        MatchPath = "none"
)

// Result describes the effect of one Reconcile call.
type Result struct {
	Outcome       Outcome
	Path          MatchPath
	MessageID     int64
	CorrelationID string

	// BestEffort flags a heuristic match, which is inherently ambiguous.
	BestEffort bool
}

// =============================================================================
// RECONCILER
// =============================================================================

// Resolver is notified when a tracked send is resolved by an incoming event,
// so timeout timers and retry bookkeeping can be released. Implementations
// must tolerate resolving an unknown or already-resolved correlation id.
type Resolver interface {
	Resolve(chatID int64, correlationID string)
}

// Reconciler applies server events to the store.
type Reconciler struct {
	store    *store.Store
	resolver Resolver

	// window is the max clock skew tolerated by the heuristic fallback.
	window time.Duration

	// mu serializes Reconcile so each event applies atomically with respect
	// to other events.
	mu sync.Mutex
}

// New creates a reconciler over the given store. resolver may be nil.
func New(st *store.Store, resolver Resolver) *Reconciler {
	return &Reconciler{
		store:    st,
		resolver: resolver,
		window:   DefaultHeuristicWindow,
	}
}

// SetResolver installs the resolver after construction. The tracker and the
// reconciler reference each other, so one side has to be wired late.
func (r *Reconciler) SetResolver(resolver Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver = resolver
}

// SetHeuristicWindow overrides the fallback match window.
func (r *Reconciler) SetHeuristicWindow(d time.Duration) {
	if d > 0 {
		r.window = d
	}
}

// Reconcile merges one incoming event into the store.
//
// Matching priority:
//  1. correlation id against a tracked optimistic entry — deterministic
//  2. server id / sequence number already present — duplicate suppression
//  3. content + sender within the time window — best effort, logged
//
// An unmatched event is a genuinely new message (another user or device) and
// is inserted in sequence order.
func (r *Reconciler) Reconcile(ev *message.Event) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Path 1: exact correlation id.
	if ev.CorrelationID != "" {
		switch r.store.Confirm(ev.CorrelationID, ev) {
		case store.ConfirmMerged:
			r.resolve(ev.ChatID, ev.CorrelationID)
			metrics.ReconcileMatches.WithLabelValues(string(MatchCorrelation)).Inc()
			return Result{Outcome: OutcomeMerged, Path: MatchCorrelation, MessageID: ev.ID, CorrelationID: ev.CorrelationID}
		case store.ConfirmDuplicate:
			metrics.DuplicateEventsIgnored.Inc()
			return Result{Outcome: OutcomeDuplicate, Path: MatchCorrelation, MessageID: ev.ID, CorrelationID: ev.CorrelationID}
		case store.ConfirmNotFound:
			// Not one of ours; fall through to duplicate check / insert.
		}
	}

	// Path 2: already applied under its server identity.
	if r.store.ContainsEvent(ev) {
		metrics.DuplicateEventsIgnored.Inc()
		return Result{Outcome: OutcomeDuplicate, Path: MatchSequence, MessageID: ev.ID}
	}

	// Path 3: best-effort content/sender/time match, only when the transport
	// dropped the correlation id.
	if ev.CorrelationID == "" {
		if corrID, ok := r.heuristicMatch(ev); ok {
			if r.store.Confirm(corrID, ev) == store.ConfirmMerged {
				r.resolve(ev.ChatID, corrID)
				metrics.ReconcileMatches.WithLabelValues(string(MatchHeuristic)).Inc()
				log.Printf("WARNING: best-effort reconcile match in chat %d (id=%d, correlation=%s)", ev.ChatID, ev.ID, corrID)
				return Result{Outcome: OutcomeMerged, Path: MatchHeuristic, MessageID: ev.ID, CorrelationID: corrID, BestEffort: true}
			}
		}
	}

	// Genuinely new message.
	if !r.store.InsertConfirmed(ev.ToMessage()) {
		metrics.DuplicateEventsIgnored.Inc()
		return Result{Outcome: OutcomeDuplicate, Path: MatchNone, MessageID: ev.ID}
	}
	metrics.ReconcileMatches.WithLabelValues("new").Inc()
	return Result{Outcome: OutcomeInserted, Path: MatchNone, MessageID: ev.ID}
}

// Apply feeds an event through Reconcile, discarding the result. It lets the
// tracker hand HTTP responses to the reconciler without caring about outcomes.
func (r *Reconciler) Apply(ev *message.Event) {
	r.Reconcile(ev)
}

// resolve notifies the tracker, if any.
func (r *Reconciler) resolve(chatID int64, correlationID string) {
	if r.resolver != nil {
		r.resolver.Resolve(chatID, correlationID)
	}
}

// =============================================================================
// HEURISTIC MATCHING
// =============================================================================

// heuristicMatch finds an unresolved optimistic entry with the same sender,
// equal normalized content, and a creation time within the window. When
// several entries qualify (duplicate sends of identical content inside the
// window) the oldest is chosen; that tie-break is arbitrary but stable.
func (r *Reconciler) heuristicMatch(ev *message.Event) (string, bool) {
	want := normalizeContent(ev.Content)

	var matchCorr string
	var matchAt time.Time
	candidates := 0

	for _, m := range r.store.Snapshot(ev.ChatID) {
		if !m.Optimistic || m.State == message.StateDelivered {
			continue
		}
		if m.SenderID != ev.SenderID {
			continue
		}
		if normalizeContent(m.Content) != want {
			continue
		}
		delta := ev.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > r.window {
			continue
		}
		candidates++
		if matchCorr == "" || m.CreatedAt.Before(matchAt) {
			matchCorr = m.CorrelationID
			matchAt = m.CreatedAt
		}
	}

	if candidates > 1 {
		log.Printf("WARNING: %d heuristic candidates for event id=%d in chat %d, picking oldest", candidates, ev.ID, ev.ChatID)
	}
	return matchCorr, matchCorr != ""
}

// normalizeContent canonicalizes content before comparison so that NFC/NFD
// variants of the same text still match.
func normalizeContent(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
