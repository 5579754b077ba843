// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline buffers outgoing messages created while disconnected and
// replays them, in creation order, once the connection returns.
//
// Queued sends are persisted through an OutboxStore so a restart does not
// lose them; Restore re-registers them as provisional messages on startup.
package offline

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/fechatter/clientsync/internal/message"
	"github.com/fechatter/clientsync/internal/metrics"
	"github.com/fechatter/clientsync/internal/store"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrOnline is returned when enqueueing while the connection is up;
	// sends should go straight to the tracker instead.
	ErrOnline = errors.New("connection is online, send directly")

	// ErrReplayInProgress is returned when a replay is already running.
	ErrReplayInProgress = errors.New("offline replay already in progress")

	// ErrOffline is returned when replaying without a connection.
	ErrOffline = errors.New("cannot replay while offline")
)

// =============================================================================
// BOUNDARY INTERFACES
// =============================================================================

// Entry is one buffered outgoing message.
type Entry struct {
	CorrelationID string
	ChatID        int64
	SenderID      int64
	Content       string
	Files         []string
	CreatedAt     time.Time
}

// OutboxStore persists queued sends across restarts.
type OutboxStore interface {
	SaveOutboxEntry(e Entry) error
	LoadOutbox() ([]Entry, error)
	DeleteOutboxEntry(correlationID string) error
}

// Tracker is the slice of the optimistic tracker the queue needs: restoring
// a provisional message and dispatching it. Replay uses the synchronous
// dispatch so the server receives queued sends in creation order.
type Tracker interface {
	Track(msg *message.Message) error
	DispatchSync(ctx context.Context, correlationID string) error
}

// =============================================================================
// QUEUE
// =============================================================================

// Queue is the offline send buffer.
type Queue struct {
	outbox  OutboxStore
	tracker Tracker

	mu        sync.RWMutex
	online    bool
	entries   []Entry
	replaying bool
}

// New creates an offline queue. outbox may be nil for a purely in-memory
// buffer (queued sends then die with the process).
func New(outbox OutboxStore, tracker Tracker) *Queue {
	return &Queue{
		outbox:  outbox,
		tracker: tracker,
	}
}

// =============================================================================
// CONNECTIVITY STATE
// =============================================================================

// SetOnline flips the connectivity state. Going online does not replay by
// itself; the owner decides when to call Replay (typically right after the
// SSE stream reconnects).
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.online = online
}

// Online reports the current connectivity state.
func (q *Queue) Online() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.online
}

// Len returns the number of buffered sends.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// =============================================================================
// ENQUEUE
// =============================================================================

// Enqueue buffers a provisional message created while disconnected. The
// message must already be in the store (CreateProvisional ran); the queue
// only records what is needed to dispatch it later.
func (q *Queue) Enqueue(msg *message.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.online {
		return ErrOnline
	}

	e := Entry{
		CorrelationID: msg.CorrelationID,
		ChatID:        msg.ChatID,
		SenderID:      msg.SenderID,
		Content:       msg.Content,
		Files:         append([]string(nil), msg.Files...),
		CreatedAt:     msg.CreatedAt,
	}
	q.entries = append(q.entries, e)

	if q.outbox != nil {
		if err := q.outbox.SaveOutboxEntry(e); err != nil {
			// The send is still queued in memory; persistence is an upgrade,
			// not a requirement.
			log.Printf("WARNING: failed to persist outbox entry %s: %v", e.CorrelationID, err)
		}
	}
	return nil
}

// =============================================================================
// RESTORE & REPLAY
// =============================================================================

// Restore loads persisted outbox entries after a restart and re-registers
// each as a tracked provisional message, so they are visible and replayable.
// Entries already present in the store are skipped.
func (q *Queue) Restore() error {
	if q.outbox == nil {
		return nil
	}
	entries, err := q.outbox.LoadOutbox()
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range entries {
		msg := &message.Message{
			CorrelationID: e.CorrelationID,
			ChatID:        e.ChatID,
			SenderID:      e.SenderID,
			Content:       e.Content,
			Files:         e.Files,
			CreatedAt:     e.CreatedAt,
			State:         message.StatePending,
			Optimistic:    true,
		}
		if err := q.tracker.Track(msg); err != nil {
			if errors.Is(err, store.ErrDuplicateCorrelation) {
				continue
			}
			return err
		}
		q.entries = append(q.entries, e)
	}
	return nil
}

// Replay dispatches every buffered send in order, waiting for each network
// call to resolve before starting the next so the sends cannot interleave.
// Returns how many were dispatched. Entries are removed from the buffer and
// the outbox as they are dispatched; a dispatch error stops the replay so
// order is preserved for the rest.
func (q *Queue) Replay(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.replaying {
		q.mu.Unlock()
		return 0, ErrReplayInProgress
	}
	if !q.online {
		q.mu.Unlock()
		return 0, ErrOffline
	}
	q.replaying = true
	pending := append([]Entry(nil), q.entries...)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.replaying = false
		q.mu.Unlock()
	}()

	replayed := 0
	for _, e := range pending {
		if err := q.tracker.DispatchSync(ctx, e.CorrelationID); err != nil {
			return replayed, err
		}
		replayed++
		metrics.OfflineReplays.Inc()

		q.mu.Lock()
		q.entries = removeEntry(q.entries, e.CorrelationID)
		q.mu.Unlock()

		if q.outbox != nil {
			if err := q.outbox.DeleteOutboxEntry(e.CorrelationID); err != nil {
				log.Printf("WARNING: failed to remove outbox entry %s: %v", e.CorrelationID, err)
			}
		}
	}
	return replayed, nil
}

// removeEntry drops the entry with the given correlation id.
func removeEntry(entries []Entry, correlationID string) []Entry {
	for i, e := range entries {
		if e.CorrelationID == correlationID {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
