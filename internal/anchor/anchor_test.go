// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package anchor

import (
	"testing"
	"time"

	"github.com/fechatter/clientsync/internal/message"
	"github.com/fechatter/clientsync/internal/store"
)

// memPositions is an in-memory PositionStore for tests.
type memPositions struct {
	positions map[int64]ReadingPosition
}

func newMemPositions() *memPositions {
	return &memPositions{positions: make(map[int64]ReadingPosition)}
}

func (m *memPositions) SaveReadingPosition(pos ReadingPosition) error {
	m.positions[pos.ChatID] = pos
	return nil
}

func (m *memPositions) LoadReadingPosition(chatID int64) (*ReadingPosition, error) {
	pos, ok := m.positions[chatID]
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

func (m *memPositions) DeleteReadingPosition(chatID int64) error {
	delete(m.positions, chatID)
	return nil
}

func seeded(t *testing.T, n int) *store.Store {
	t.Helper()
	st := store.New()
	for i := 1; i <= n; i++ {
		st.InsertConfirmed(&message.Message{
			ID:             int64(100 + i),
			ChatID:         1,
			SenderID:       9,
			Content:        "m",
			CreatedAt:      time.Now(),
			SequenceNumber: int64(i),
			State:          message.StateDelivered,
		})
	}
	return st
}

// =============================================================================
// RESTORE DELTA
// =============================================================================

func TestRestoreDelta(t *testing.T) {
	tests := []struct {
		name                string
		oldIdx, newIdx, row int
		want                int
	}{
		{"prepend shifts down", 0, 50, 40, 2000},
		{"no shift", 3, 3, 40, 0},
		{"trim shifts up", 10, 4, 40, -240},
		{"row height scales", 0, 5, 24, 120},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := RestoreDelta(tc.oldIdx, tc.newIdx, tc.row); got != tc.want {
				t.Errorf("RestoreDelta(%d, %d, %d) = %d, want %d",
					tc.oldIdx, tc.newIdx, tc.row, got, tc.want)
			}
		})
	}
}

// =============================================================================
// CAPTURE / RESTORE ROUND TRIP
// =============================================================================

func TestManager_RestoreAfterPrepend(t *testing.T) {
	st := store.New()
	for i := 21; i <= 30; i++ {
		st.InsertConfirmed(&message.Message{
			ID:             int64(i),
			ChatID:         1,
			SenderID:       9,
			Content:        "m",
			CreatedAt:      time.Now(),
			SequenceNumber: int64(i),
			State:          message.StateDelivered,
		})
	}
	m := New(st, nil)

	a, err := m.Capture(1, 21, 12)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if a.Index != 0 {
		t.Fatalf("Index = %d, want 0", a.Index)
	}

	// 20 older messages arrive above the anchor.
	page := make([]*message.Message, 0, 20)
	for i := 1; i <= 20; i++ {
		page = append(page, &message.Message{
			ID:             int64(i),
			ChatID:         1,
			SenderID:       9,
			Content:        "old",
			CreatedAt:      time.Now(),
			SequenceNumber: int64(i),
			State:          message.StateDelivered,
		})
	}
	st.PrependHistory(1, page)

	delta, err := m.ComputeRestoreOffset(a)
	if err != nil {
		t.Fatalf("ComputeRestoreOffset() error = %v", err)
	}
	if want := 20 * DefaultRowHeight; delta != want {
		t.Errorf("delta = %d, want %d", delta, want)
	}
}

func TestManager_AnchorLost(t *testing.T) {
	st := seeded(t, 3)
	m := New(st, nil)

	if _, err := m.Capture(1, 999, 0); err != ErrAnchorLost {
		t.Errorf("Capture(missing) error = %v, want ErrAnchorLost", err)
	}

	a, err := m.Capture(1, 101, 0)
	if err != nil {
		t.Fatal(err)
	}
	a.MessageID = 999 // simulate eviction of the anchored message
	if _, err := m.ComputeRestoreOffset(a); err != ErrAnchorLost {
		t.Errorf("ComputeRestoreOffset() error = %v, want ErrAnchorLost", err)
	}
}

// =============================================================================
// READING POSITIONS
// =============================================================================

func TestManager_ReadingPositionRoundTrip(t *testing.T) {
	st := seeded(t, 5)
	positions := newMemPositions()
	m := New(st, positions)

	a, err := m.Capture(1, 103, 7)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SaveReadingPosition(a); err != nil {
		t.Fatalf("SaveReadingPosition() error = %v", err)
	}

	if !m.ShouldResumeAtSavedPosition(1) {
		t.Fatal("fresh reading position should trigger resume")
	}
	pos, ok := m.ResumePosition(1)
	if !ok {
		t.Fatal("ResumePosition() ok = false, want true")
	}
	if pos.MessageID != 103 || pos.OffsetPx != 7 {
		t.Errorf("position = (%d, %d), want (103, 7)", pos.MessageID, pos.OffsetPx)
	}

	// Consumed: a second visit starts at the newest message.
	if m.ShouldResumeAtSavedPosition(1) {
		t.Error("reading position must be consumed on resume")
	}
}

func TestManager_StaleReadingPositionIgnored(t *testing.T) {
	st := seeded(t, 5)
	positions := newMemPositions()
	positions.positions[1] = ReadingPosition{
		ChatID:    1,
		MessageID: 103,
		SavedAt:   time.Now().Add(-8 * 24 * time.Hour),
	}
	m := New(st, positions)

	if m.ShouldResumeAtSavedPosition(1) {
		t.Error("stale reading position should not trigger resume")
	}
	if _, ok := m.ResumePosition(1); ok {
		t.Error("stale reading position should not resume")
	}
	if _, exists := positions.positions[1]; exists {
		t.Error("stale record should be deleted on the way out")
	}
}

func TestManager_NilPositionStore(t *testing.T) {
	st := seeded(t, 2)
	m := New(st, nil)

	if m.ShouldResumeAtSavedPosition(1) {
		t.Error("nil store can never resume")
	}
	a, _ := m.Capture(1, 101, 0)
	if err := m.SaveReadingPosition(a); err != nil {
		t.Errorf("SaveReadingPosition() with nil store = %v, want nil", err)
	}
}
