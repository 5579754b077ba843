// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store holds the authoritative per-chat message collections.
//
// The Store is the only shared mutable resource in the sync core. Every
// mutation is funneled through its methods, each of which runs atomically
// under a single mutex, so no torn state is observable by readers. The
// rendering layer reads snapshots and subscribes to change notifications;
// it never writes.
package store

import (
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/fechatter/clientsync/internal/message"
	"github.com/fechatter/clientsync/internal/metrics"
)

// Default capacity bounds for the chat cache.
const (
	DefaultMaxChats           = 50
	DefaultMaxMessagesPerChat = 1000
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrChatNotFound is returned when a chat has no loaded collection.
	ErrChatNotFound = errors.New("chat not found")

	// ErrDuplicateCorrelation is returned when a provisional insert would
	// violate the one-entry-per-correlation-id invariant.
	ErrDuplicateCorrelation = errors.New("correlation id already present")
)

// =============================================================================
// CHANGE NOTIFICATIONS
// =============================================================================

// ChangeKind classifies a collection mutation.
type ChangeKind string

const (
	// ChangeAppend is a new message at the tail (optimistic send or live push).
	ChangeAppend ChangeKind = "append"

	// ChangeMerge is a provisional entry resolved in place by a server event.
	ChangeMerge ChangeKind = "merge"

	// ChangeInsert is a confirmed message placed at a sorted position that is
	// not the tail (out-of-order arrival).
	ChangeInsert ChangeKind = "insert"

	// ChangePrepend is a batch of older messages added by a history load.
	ChangePrepend ChangeKind = "prepend"

	// ChangeState is a lifecycle transition with no reordering.
	ChangeState ChangeKind = "state"

	// ChangeEvict is a whole chat collection dropped from the cache.
	ChangeEvict ChangeKind = "evict"
)

// Change describes a single mutation for subscribers.
type Change struct {
	ChatID        int64
	Kind          ChangeKind
	MessageID     int64
	CorrelationID string
	Count         int // messages affected, for prepends
}

// =============================================================================
// STORE
// =============================================================================

// chatState is one chat's ordered collection plus LRU bookkeeping.
//
// Ordering: confirmed messages first, sorted by sequence number; unreconciled
// optimistic entries after all confirmed ones, in creation order.
type chatState struct {
	msgs     []*message.Message
	lastUsed uint64
}

// Store is the message state store.
type Store struct {
	mu    sync.RWMutex
	chats map[int64]*chatState

	// clock is a monotonic access counter for LRU eviction.
	clock uint64

	maxChats   int
	maxPerChat int

	notifyChan chan Change
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity bounds the cache to maxChats collections of maxPerChat
// messages each. Zero leaves the corresponding default in place.
func WithCapacity(maxChats, maxPerChat int) Option {
	return func(s *Store) {
		if maxChats > 0 {
			s.maxChats = maxChats
		}
		if maxPerChat > 0 {
			s.maxPerChat = maxPerChat
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		chats:      make(map[int64]*chatState),
		maxChats:   DefaultMaxChats,
		maxPerChat: DefaultMaxMessagesPerChat,
		notifyChan: make(chan Change, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notifications returns the change channel. Slow consumers drop changes
// rather than blocking mutations; a dropped change only delays a repaint.
func (s *Store) Notifications() <-chan Change {
	return s.notifyChan
}

// notify sends a change without blocking. Must be called with the lock held.
func (s *Store) notify(c Change) {
	select {
	case s.notifyChan <- c:
	default:
		log.Printf("WARNING: store notification channel full, dropped %s for chat %d", c.Kind, c.ChatID)
	}
}

// =============================================================================
// WRITE PATH: OPTIMISTIC ENTRIES
// =============================================================================

// AddProvisional appends a locally-created message at the tail of its chat.
// Fails if the correlation id is already present in the chat.
func (s *Store) AddProvisional(msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.touchLocked(msg.ChatID)
	if idxByCorrelation(cs.msgs, msg.CorrelationID) >= 0 {
		return ErrDuplicateCorrelation
	}

	cs.msgs = append(cs.msgs, msg)
	s.trimLocked(msg.ChatID, cs)
	s.notify(Change{ChatID: msg.ChatID, Kind: ChangeAppend, MessageID: msg.ID, CorrelationID: msg.CorrelationID})
	return nil
}

// SetState transitions the lifecycle state of the message identified by
// correlation id. failReason is recorded only for StateFailed. Returns false
// if no such message exists or it is already delivered.
func (s *Store) SetState(chatID int64, correlationID string, st message.State, failReason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.chats[chatID]
	if !ok {
		return false
	}
	i := idxByCorrelation(cs.msgs, correlationID)
	if i < 0 {
		return false
	}
	m := cs.msgs[i]
	if m.State == message.StateDelivered {
		// A late failure never demotes a delivered message.
		return false
	}

	m.State = st
	if st == message.StateFailed {
		m.FailReason = failReason
	} else {
		m.FailReason = ""
	}
	s.notify(Change{ChatID: chatID, Kind: ChangeState, MessageID: m.ID, CorrelationID: correlationID})
	return true
}

// IncrementRetry bumps the retry counter on a tracked message.
func (s *Store) IncrementRetry(chatID int64, correlationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.chats[chatID]
	if !ok {
		return 0
	}
	i := idxByCorrelation(cs.msgs, correlationID)
	if i < 0 {
		return 0
	}
	cs.msgs[i].RetryCount++
	return cs.msgs[i].RetryCount
}

// =============================================================================
// WRITE PATH: RECONCILIATION
// =============================================================================

// ConfirmResult reports what Confirm did.
type ConfirmResult int

const (
	// ConfirmMerged means the provisional entry was resolved in place.
	ConfirmMerged ConfirmResult = iota

	// ConfirmDuplicate means the entry was already delivered; no-op.
	ConfirmDuplicate

	// ConfirmNotFound means no entry carries the correlation id.
	ConfirmNotFound
)

// Confirm merges a server event into the tracked entry with the given
// correlation id. Server identity and ordering fields replace the provisional
// ones in place, so any UI reference keyed on the correlation id survives the
// id swap. An event without a sequence number marks the entry sent rather
// than delivered; the sequenced echo completes the transition later.
// Idempotent: confirming a delivered entry is a no-op.
func (s *Store) Confirm(correlationID string, ev *message.Event) ConfirmResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.chats[ev.ChatID]
	if !ok {
		return ConfirmNotFound
	}
	i := idxByCorrelation(cs.msgs, correlationID)
	if i < 0 {
		return ConfirmNotFound
	}

	m := cs.msgs[i]
	if m.State == message.StateDelivered {
		return ConfirmDuplicate
	}

	m.ID = ev.ID
	if !ev.CreatedAt.IsZero() {
		m.CreatedAt = ev.CreatedAt
	}
	m.FailReason = ""

	if ev.SequenceNumber == 0 {
		// Accepted, but the server has not assigned an ordering key yet.
		// The entry keeps its place in the optimistic tail until a
		// sequenced echo upgrades it to delivered.
		m.State = message.StateSent
		s.notify(Change{ChatID: ev.ChatID, Kind: ChangeMerge, MessageID: ev.ID, CorrelationID: correlationID})
		return ConfirmMerged
	}

	m.SequenceNumber = ev.SequenceNumber
	m.State = message.StateDelivered
	m.Optimistic = false

	// Once confirmed, position is fixed by sequence number. Normally the
	// entry already sits directly after the confirmed region and this is a
	// no-op; it only moves when confirmations land out of creation order.
	s.repositionLocked(cs, i)

	s.notify(Change{ChatID: ev.ChatID, Kind: ChangeMerge, MessageID: ev.ID, CorrelationID: correlationID})
	return ConfirmMerged
}

// InsertConfirmed places an already-delivered message (from another device or
// user) at its sorted position. Returns false if the id or sequence number is
// already present, which makes duplicate pushes a no-op.
func (s *Store) InsertConfirmed(msg *message.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.touchLocked(msg.ChatID)
	if s.containsLocked(cs, msg) {
		return false
	}

	pos := confirmedInsertPos(cs.msgs, msg.SequenceNumber)
	cs.msgs = append(cs.msgs, nil)
	copy(cs.msgs[pos+1:], cs.msgs[pos:])
	cs.msgs[pos] = msg
	s.trimLocked(msg.ChatID, cs)

	kind := ChangeInsert
	if pos == len(cs.msgs)-1 {
		kind = ChangeAppend
	}
	s.notify(Change{ChatID: msg.ChatID, Kind: kind, MessageID: msg.ID, CorrelationID: msg.CorrelationID})
	return true
}

// containsLocked reports whether an equivalent message is already in the
// chat, by server id, sequence number, or delivered correlation id.
// Must be called with the lock held.
func (s *Store) containsLocked(cs *chatState, msg *message.Message) bool {
	for _, m := range cs.msgs {
		if m.ID == msg.ID {
			return true
		}
		if msg.SequenceNumber > 0 && m.SequenceNumber == msg.SequenceNumber {
			return true
		}
		if msg.CorrelationID != "" && m.CorrelationID == msg.CorrelationID && m.State == message.StateDelivered {
			return true
		}
	}
	return false
}

// ContainsEvent reports whether the event's message is already present as a
// delivered entry, matched by server id, sequence number, or a delivered
// entry with the same correlation id. Used for duplicate suppression.
func (s *Store) ContainsEvent(ev *message.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.chats[ev.ChatID]
	if !ok {
		return false
	}
	for _, m := range cs.msgs {
		if m.ID == ev.ID {
			return true
		}
		if ev.SequenceNumber > 0 && m.SequenceNumber == ev.SequenceNumber {
			return true
		}
		if ev.CorrelationID != "" && m.CorrelationID == ev.CorrelationID && m.State == message.StateDelivered {
			return true
		}
	}
	return false
}

// =============================================================================
// WRITE PATH: HISTORY
// =============================================================================

// PrependHistory merges a page of older messages into the chat. Messages
// whose id is already present are dropped and counted, not re-inserted.
// Returns the number added and the number dropped as duplicates.
func (s *Store) PrependHistory(chatID int64, page []*message.Message) (added, duplicates int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.touchLocked(chatID)
	for _, msg := range page {
		dup := false
		for _, m := range cs.msgs {
			if m.ID == msg.ID {
				dup = true
				break
			}
		}
		if dup {
			duplicates++
			continue
		}
		pos := confirmedInsertPos(cs.msgs, msg.SequenceNumber)
		cs.msgs = append(cs.msgs, nil)
		copy(cs.msgs[pos+1:], cs.msgs[pos:])
		cs.msgs[pos] = msg
		added++
	}

	// The viewport sits at the old end during a history load, so the cap is
	// enforced against the newest confirmed messages; the page that was just
	// merged survives.
	s.trimNewestLocked(cs)

	if duplicates > 0 {
		metrics.HistoryDuplicatesDropped.Add(float64(duplicates))
	}
	if added > 0 {
		s.notify(Change{ChatID: chatID, Kind: ChangePrepend, Count: added})
	}
	return added, duplicates
}

// =============================================================================
// READ PATH
// =============================================================================

// Snapshot returns a copy of the chat's collection in display order.
// The copies are deep enough that callers cannot mutate store state.
func (s *Store) Snapshot(chatID int64) []*message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	out := make([]*message.Message, len(cs.msgs))
	for i, m := range cs.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of messages loaded for a chat.
func (s *Store) Len(chatID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return 0
	}
	return len(cs.msgs)
}

// IndexOf returns the position of a message id within its chat.
func (s *Store) IndexOf(chatID, messageID int64) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.chats[chatID]
	if !ok {
		return 0, false
	}
	for i, m := range cs.msgs {
		if m.ID == messageID {
			return i, true
		}
	}
	return 0, false
}

// FindByCorrelation returns a copy of the message with the given correlation
// id, if any.
func (s *Store) FindByCorrelation(chatID int64, correlationID string) (*message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.chats[chatID]
	if !ok {
		return nil, false
	}
	i := idxByCorrelation(cs.msgs, correlationID)
	if i < 0 {
		return nil, false
	}
	return cs.msgs[i].Clone(), true
}

// OldestSequence returns the lowest confirmed sequence number loaded for the
// chat, or 0 when nothing confirmed is loaded. The history paginator uses it
// as its cursor.
func (s *Store) OldestSequence(chatID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.chats[chatID]
	if !ok {
		return 0
	}
	for _, m := range cs.msgs {
		if m.SequenceNumber > 0 {
			return m.SequenceNumber
		}
	}
	return 0
}

// Chats returns the ids of all loaded chats.
func (s *Store) Chats() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// CACHE MANAGEMENT
// =============================================================================

// touchLocked returns the chat's state, creating it if needed, and refreshes
// its LRU recency. Evicts the coldest chats when over capacity.
// Must be called with the write lock held.
func (s *Store) touchLocked(chatID int64) *chatState {
	cs, ok := s.chats[chatID]
	if !ok {
		cs = &chatState{}
		s.chats[chatID] = cs
		s.evictLocked(chatID)
	}
	s.clock++
	cs.lastUsed = s.clock
	return cs
}

// evictLocked drops least-recently-used chats until within maxChats.
// The chat being touched is never evicted.
func (s *Store) evictLocked(keep int64) {
	for len(s.chats) > s.maxChats {
		var victim int64
		var oldest uint64 = ^uint64(0)
		found := false
		for id, cs := range s.chats {
			if id == keep {
				continue
			}
			if cs.lastUsed < oldest {
				oldest = cs.lastUsed
				victim = id
				found = true
			}
		}
		if !found {
			return
		}
		delete(s.chats, victim)
		metrics.ChatsEvicted.Inc()
		s.notify(Change{ChatID: victim, Kind: ChangeEvict})
	}
}

// trimLocked drops the oldest messages when a chat exceeds its cap.
// Unresolved optimistic entries at the tail are never trimmed.
func (s *Store) trimLocked(chatID int64, cs *chatState) {
	if len(cs.msgs) <= s.maxPerChat {
		return
	}
	drop := len(cs.msgs) - s.maxPerChat
	// Only drop from the confirmed prefix; unresolved optimistic entries at
	// the tail must survive.
	confirmed := 0
	for confirmed < len(cs.msgs) && !cs.msgs[confirmed].Optimistic {
		confirmed++
	}
	if drop > confirmed {
		drop = confirmed
	}
	if drop > 0 {
		cs.msgs = append([]*message.Message(nil), cs.msgs[drop:]...)
	}
}

// trimNewestLocked drops the newest confirmed messages when a chat exceeds
// its cap. Used on the history path, where trimming the old end would discard
// the page that was just loaded. Unresolved optimistic entries at the tail
// are never trimmed.
func (s *Store) trimNewestLocked(cs *chatState) {
	if len(cs.msgs) <= s.maxPerChat {
		return
	}
	drop := len(cs.msgs) - s.maxPerChat
	confirmed := 0
	for confirmed < len(cs.msgs) && !cs.msgs[confirmed].Optimistic {
		confirmed++
	}
	if drop > confirmed {
		drop = confirmed
	}
	if drop > 0 {
		cs.msgs = append(cs.msgs[:confirmed-drop], cs.msgs[confirmed:]...)
	}
}

// =============================================================================
// ORDERING HELPERS
// =============================================================================

// idxByCorrelation finds a message by correlation id, -1 if absent.
func idxByCorrelation(msgs []*message.Message, correlationID string) int {
	if correlationID == "" {
		return -1
	}
	for i, m := range msgs {
		if m.CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

// confirmedInsertPos returns the sorted position for a confirmed message.
// Confirmed entries sort by sequence number; unreconciled optimistic entries
// stay after every confirmed one, so the position is always at or before the
// first optimistic entry. A message without a sequence number is the newest
// thing the server has shown us, so it goes at the end of the confirmed
// region rather than sorting below every sequenced message.
func confirmedInsertPos(msgs []*message.Message, seq int64) int {
	pos := len(msgs)
	for i, m := range msgs {
		if m.Optimistic {
			pos = i
			break
		}
		// A resident confirmed entry without a sequence number is likewise
		// newest, so any sequenced insert sorts before it.
		if seq > 0 && (m.SequenceNumber == 0 || m.SequenceNumber > seq) {
			pos = i
			break
		}
	}
	return pos
}

// repositionLocked restores sorted order for the message at index i after its
// sequence number changed. In-place when already ordered.
func (s *Store) repositionLocked(cs *chatState, i int) {
	m := cs.msgs[i]
	rest := append(cs.msgs[:i:i], cs.msgs[i+1:]...)
	pos := confirmedInsertPos(rest, m.SequenceNumber)
	rest = append(rest, nil)
	copy(rest[pos+1:], rest[pos:])
	rest[pos] = m
	cs.msgs = rest
}
