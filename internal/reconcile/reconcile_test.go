// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reconcile

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fechatter/clientsync/internal/message"
	"github.com/fechatter/clientsync/internal/store"
)

// recordingResolver captures Resolve calls for assertions.
type recordingResolver struct {
	mu       sync.Mutex
	resolved []string
}

func (r *recordingResolver) Resolve(chatID int64, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, correlationID)
}

func newFixture(t *testing.T) (*store.Store, *Reconciler, *recordingResolver) {
	t.Helper()
	st := store.New()
	res := &recordingResolver{}
	return st, New(st, res), res
}

func sentEcho(chatID, id, seq int64, corrID, content string, src message.EventSource) *message.Event {
	return &message.Event{
		ChatID:         chatID,
		ID:             id,
		CorrelationID:  corrID,
		SequenceNumber: seq,
		SenderID:       7,
		Content:        content,
		CreatedAt:      time.Now(),
		Source:         src,
	}
}

// =============================================================================
// CORRELATION PATH
// =============================================================================

func TestReconcile_CorrelationMatch(t *testing.T) {
	st, rec, res := newFixture(t)
	msg := message.NewProvisional(1, 7, "hello", nil)
	require.NoError(t, st.AddProvisional(msg))

	r := rec.Reconcile(sentEcho(1, 42, 100, msg.CorrelationID, "hello", message.SourceHTTP))
	require.Equal(t, OutcomeMerged, r.Outcome)
	require.Equal(t, MatchCorrelation, r.Path)
	require.False(t, r.BestEffort)
	require.Equal(t, []string{msg.CorrelationID}, res.resolved)

	m, ok := st.FindByCorrelation(1, msg.CorrelationID)
	require.True(t, ok)
	require.Equal(t, int64(42), m.ID)
	require.Equal(t, message.StateDelivered, m.State)
	require.Equal(t, 1, st.Len(1))
}

// The HTTP response and the SSE echo for the same send must converge to one
// delivered message no matter which lands first.
func TestReconcile_OrderIndependence(t *testing.T) {
	mk := func() (*store.Store, *Reconciler, string) {
		st := store.New()
		rec := New(st, &recordingResolver{})
		msg := message.NewProvisional(1, 7, "hello", nil)
		if err := st.AddProvisional(msg); err != nil {
			t.Fatal(err)
		}
		return st, rec, msg.CorrelationID
	}

	t.Run("http then sse", func(t *testing.T) {
		st, rec, corr := mk()
		first := rec.Reconcile(sentEcho(1, 42, 100, corr, "hello", message.SourceHTTP))
		second := rec.Reconcile(sentEcho(1, 42, 100, corr, "hello", message.SourceSSE))
		require.Equal(t, OutcomeMerged, first.Outcome)
		require.Equal(t, OutcomeDuplicate, second.Outcome)
		require.Equal(t, 1, st.Len(1))
	})

	t.Run("sse then http", func(t *testing.T) {
		st, rec, corr := mk()
		first := rec.Reconcile(sentEcho(1, 42, 100, corr, "hello", message.SourceSSE))
		second := rec.Reconcile(sentEcho(1, 42, 100, corr, "hello", message.SourceHTTP))
		require.Equal(t, OutcomeMerged, first.Outcome)
		require.Equal(t, OutcomeDuplicate, second.Outcome)
		require.Equal(t, 1, st.Len(1))
	})
}

// =============================================================================
// SEQUENCE / DUPLICATE PATH
// =============================================================================

func TestReconcile_DuplicateBySequence(t *testing.T) {
	_, rec, _ := newFixture(t)

	first := rec.Reconcile(sentEcho(1, 42, 100, "", "from someone else", message.SourceSSE))
	require.Equal(t, OutcomeInserted, first.Outcome)

	second := rec.Reconcile(sentEcho(1, 42, 100, "", "from someone else", message.SourceSSE))
	require.Equal(t, OutcomeDuplicate, second.Outcome)
	require.Equal(t, MatchSequence, second.Path)
}

// =============================================================================
// HEURISTIC PATH
// =============================================================================

func TestReconcile_HeuristicMatch(t *testing.T) {
	st, rec, res := newFixture(t)
	msg := message.NewProvisional(1, 7, "  hello world ", nil)
	require.NoError(t, st.AddProvisional(msg))

	// The gateway dropped the idempotency key; the echo arrives anonymous
	// with whitespace-normalized content.
	r := rec.Reconcile(sentEcho(1, 42, 100, "", "hello world", message.SourceSSE))
	require.Equal(t, OutcomeMerged, r.Outcome)
	require.Equal(t, MatchHeuristic, r.Path)
	require.True(t, r.BestEffort)
	require.Equal(t, []string{msg.CorrelationID}, res.resolved)
	require.Equal(t, 1, st.Len(1))
}

func TestReconcile_HeuristicSkippedWhenCorrelationPresent(t *testing.T) {
	st, rec, _ := newFixture(t)
	msg := message.NewProvisional(1, 7, "hello", nil)
	require.NoError(t, st.AddProvisional(msg))

	// Same content and sender, but a correlation id that matches nothing
	// tracked: this is a different message (another device), not ours.
	r := rec.Reconcile(sentEcho(1, 42, 100, "someone-elses-key", "hello", message.SourceSSE))
	require.Equal(t, OutcomeInserted, r.Outcome)
	require.Equal(t, 2, st.Len(1))

	m, ok := st.FindByCorrelation(1, msg.CorrelationID)
	require.True(t, ok)
	require.True(t, m.Optimistic, "tracked send must stay unresolved")
}

func TestReconcile_HeuristicRespectsWindow(t *testing.T) {
	st, rec, _ := newFixture(t)
	msg := message.NewProvisional(1, 7, "hello", nil)
	msg.CreatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, st.AddProvisional(msg))

	r := rec.Reconcile(sentEcho(1, 42, 100, "", "hello", message.SourceSSE))
	require.Equal(t, OutcomeInserted, r.Outcome, "stale entry is outside the match window")
	require.Equal(t, 2, st.Len(1))
}

func TestReconcile_HeuristicPicksOldestCandidate(t *testing.T) {
	st, rec, res := newFixture(t)
	older := message.NewProvisional(1, 7, "hello", nil)
	older.CreatedAt = time.Now().Add(-2 * time.Second)
	newer := message.NewProvisional(1, 7, "hello", nil)
	require.NoError(t, st.AddProvisional(older))
	require.NoError(t, st.AddProvisional(newer))

	r := rec.Reconcile(sentEcho(1, 42, 100, "", "hello", message.SourceSSE))
	require.Equal(t, OutcomeMerged, r.Outcome)
	require.Equal(t, []string{older.CorrelationID}, res.resolved)

	m, ok := st.FindByCorrelation(1, newer.CorrelationID)
	require.True(t, ok)
	require.True(t, m.Optimistic)
}

// Heuristic merge followed by the correlated HTTP response must not create a
// second copy.
func TestReconcile_HeuristicThenCorrelatedEcho(t *testing.T) {
	st, rec, _ := newFixture(t)
	msg := message.NewProvisional(1, 7, "hello", nil)
	require.NoError(t, st.AddProvisional(msg))

	first := rec.Reconcile(sentEcho(1, 42, 100, "", "hello", message.SourceSSE))
	require.Equal(t, OutcomeMerged, first.Outcome)

	second := rec.Reconcile(sentEcho(1, 42, 100, msg.CorrelationID, "hello", message.SourceHTTP))
	require.Equal(t, OutcomeDuplicate, second.Outcome)
	require.Equal(t, 1, st.Len(1))
}

// =============================================================================
// NEW MESSAGES
// =============================================================================

func TestReconcile_InsertsNewMessageInOrder(t *testing.T) {
	st, rec, _ := newFixture(t)
	rec.Reconcile(sentEcho(1, 43, 101, "", "second", message.SourceSSE))
	rec.Reconcile(sentEcho(1, 42, 100, "", "first", message.SourceSSE))

	snap := st.Snapshot(1)
	require.Len(t, snap, 2)
	require.Equal(t, int64(100), snap[0].SequenceNumber)
	require.Equal(t, int64(101), snap[1].SequenceNumber)
}

// A push that carries no sequence number yet is still the newest message in
// the chat and must land after every sequenced entry.
func TestReconcile_UnsequencedEventAppends(t *testing.T) {
	st, rec, _ := newFixture(t)
	rec.Reconcile(sentEcho(1, 42, 10, "", "old-1", message.SourceSSE))
	rec.Reconcile(sentEcho(1, 43, 11, "", "old-2", message.SourceSSE))
	rec.Reconcile(sentEcho(1, 44, 0, "", "newest", message.SourceSSE))

	snap := st.Snapshot(1)
	require.Len(t, snap, 3)
	require.Equal(t, "old-1", snap[0].Content)
	require.Equal(t, "old-2", snap[1].Content)
	require.Equal(t, "newest", snap[2].Content)
}

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"trimmed whitespace", "  hi  ", "hi", true},
		{"nfc vs nfd", "café", "café", true},
		{"different text", "hi", "hello", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizeContent(tc.a) == normalizeContent(tc.b); got != tc.same {
				t.Errorf("normalize equality = %v, want %v", got, tc.same)
			}
		})
	}
}
