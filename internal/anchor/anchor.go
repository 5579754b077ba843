// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package anchor preserves visual scroll position across list mutations.
//
// An Anchor is ephemeral: captured right before a mutation (typically a
// history prepend) and consumed right after. The longer-lived reading
// position is a separate record, persisted per chat when the user leaves it
// and consumed on re-entry, subject to a freshness TTL.
//
// Nothing here touches a UI primitive. The rendering layer reports which
// message is at the viewport edge and applies the returned pixel delta.
package anchor

import (
	"errors"
	"time"

	"github.com/fechatter/clientsync/internal/store"
)

// Defaults for the anchor policy.
const (
	// DefaultReadingPositionTTL is how long a saved reading position stays
	// valid. Past it the caller should jump to the newest message instead.
	DefaultReadingPositionTTL = 7 * 24 * time.Hour

	// DefaultRowHeight is the assumed rendered height of one message row in
	// pixels, used to translate index shifts into scroll deltas.
	DefaultRowHeight = 40
)

// ErrAnchorLost is returned when the anchored message is no longer in the
// collection (evicted or trimmed) and no restore delta can be computed.
var ErrAnchorLost = errors.New("anchor message no longer loaded")

// =============================================================================
// TYPES
// =============================================================================

// Anchor is a stable reference point in a chat's rendered list: the first
// fully-or-partially visible message plus its pixel offset from the viewport
// edge.
type Anchor struct {
	ChatID     int64
	MessageID  int64
	Index      int
	OffsetPx   int
	CapturedAt time.Time
}

// ReadingPosition is the persisted per-chat record of where the user left off.
type ReadingPosition struct {
	ChatID    int64
	MessageID int64
	OffsetPx  int
	SavedAt   time.Time
}

// PositionStore is the out-of-scope persistence layer for reading positions.
type PositionStore interface {
	SaveReadingPosition(pos ReadingPosition) error
	LoadReadingPosition(chatID int64) (*ReadingPosition, error)
	DeleteReadingPosition(chatID int64) error
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager coordinates anchors between the store and the rendering layer.
type Manager struct {
	store     *store.Store
	positions PositionStore

	ttl       time.Duration
	rowHeight int
}

// New creates a manager. positions may be nil, in which case reading
// positions are disabled and every visit starts at the newest message.
func New(st *store.Store, positions PositionStore) *Manager {
	return &Manager{
		store:     st,
		positions: positions,
		ttl:       DefaultReadingPositionTTL,
		rowHeight: DefaultRowHeight,
	}
}

// SetTTL overrides the reading-position TTL. Zero keeps the default.
func (m *Manager) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		m.ttl = ttl
	}
}

// SetRowHeight overrides the assumed row height. Zero keeps the default.
func (m *Manager) SetRowHeight(px int) {
	if px > 0 {
		m.rowHeight = px
	}
}

// =============================================================================
// EPHEMERAL ANCHORS
// =============================================================================

// Capture records an anchor for the message the rendering layer reports as
// first visible, before a mutating operation runs.
func (m *Manager) Capture(chatID, firstVisibleID int64, offsetPx int) (Anchor, error) {
	idx, ok := m.store.IndexOf(chatID, firstVisibleID)
	if !ok {
		return Anchor{}, ErrAnchorLost
	}
	return Anchor{
		ChatID:     chatID,
		MessageID:  firstVisibleID,
		Index:      idx,
		OffsetPx:   offsetPx,
		CapturedAt: time.Now(),
	}, nil
}

// RestoreDelta is the pure core of position restoration: given the anchored
// message's old and new list indices, it returns the scroll adjustment in
// pixels that keeps the message at its old visual offset.
func RestoreDelta(oldIndex, newIndex, rowHeight int) int {
	return (newIndex - oldIndex) * rowHeight
}

// ComputeRestoreOffset resolves the anchor's new index after a mutation and
// returns the pixel delta the rendering layer must scroll by.
func (m *Manager) ComputeRestoreOffset(a Anchor) (int, error) {
	newIdx, ok := m.store.IndexOf(a.ChatID, a.MessageID)
	if !ok {
		return 0, ErrAnchorLost
	}
	return RestoreDelta(a.Index, newIdx, m.rowHeight), nil
}

// =============================================================================
// READING POSITIONS
// =============================================================================

// SaveReadingPosition persists the anchor as the chat's reading position.
// Called when the user leaves the chat.
func (m *Manager) SaveReadingPosition(a Anchor) error {
	if m.positions == nil {
		return nil
	}
	return m.positions.SaveReadingPosition(ReadingPosition{
		ChatID:    a.ChatID,
		MessageID: a.MessageID,
		OffsetPx:  a.OffsetPx,
		SavedAt:   time.Now(),
	})
}

// ShouldResumeAtSavedPosition decides the first-visit vs return-visit policy:
// true only when a persisted reading position exists and is younger than the
// TTL. Otherwise the caller should jump to the newest message.
func (m *Manager) ShouldResumeAtSavedPosition(chatID int64) bool {
	if m.positions == nil {
		return false
	}
	pos, err := m.positions.LoadReadingPosition(chatID)
	if err != nil || pos == nil {
		return false
	}
	return time.Since(pos.SavedAt) <= m.ttl
}

// ResumePosition returns and consumes the saved reading position. A stale or
// missing record returns ok=false; stale records are removed on the way out.
func (m *Manager) ResumePosition(chatID int64) (ReadingPosition, bool) {
	if m.positions == nil {
		return ReadingPosition{}, false
	}
	pos, err := m.positions.LoadReadingPosition(chatID)
	if err != nil || pos == nil {
		return ReadingPosition{}, false
	}

	// Consumed either way: re-entering a chat invalidates the record.
	_ = m.positions.DeleteReadingPosition(chatID)

	if time.Since(pos.SavedAt) > m.ttl {
		return ReadingPosition{}, false
	}
	return *pos, true
}
