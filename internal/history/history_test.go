// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fechatter/clientsync/internal/message"
	"github.com/fechatter/clientsync/internal/store"
)

// fakeFetcher serves pages from a fixed backlog of sequence numbers.
type fakeFetcher struct {
	mu    sync.Mutex
	calls int

	// backlog is every message on the server, ascending by sequence.
	backlog []int64

	// overlap re-serves this many already-returned messages at the top of
	// each page, simulating an imprecise server cursor.
	overlap int

	// ignoreCursor always serves the newest page, simulating a server that
	// replays the same page regardless of the cursor.
	ignoreCursor bool

	// block holds requests open until released, for coalescing tests.
	block chan struct{}

	err error
}

func (f *fakeFetcher) FetchBefore(ctx context.Context, chatID, beforeSeq int64, limit int) ([]*message.Event, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ignoreCursor {
		beforeSeq = 0
	}

	// Collect up to limit entries strictly older than the cursor, newest
	// last, then pad the top with overlap duplicates.
	end := len(f.backlog)
	if beforeSeq > 0 {
		for end > 0 && f.backlog[end-1] >= beforeSeq {
			end--
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	seqs := f.backlog[start:end]
	if f.overlap > 0 && beforeSeq > 0 {
		extra := f.overlap
		dupEnd := end + extra
		if dupEnd > len(f.backlog) {
			dupEnd = len(f.backlog)
		}
		seqs = f.backlog[start:dupEnd]
	}

	events := make([]*message.Event, 0, len(seqs))
	for _, seq := range seqs {
		events = append(events, &message.Event{
			ChatID:         chatID,
			ID:             seq,
			SequenceNumber: seq,
			SenderID:       9,
			Content:        "m",
			CreatedAt:      time.Now(),
		})
	}
	return events, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func backlog(n int) []int64 {
	seqs := make([]int64, n)
	for i := range seqs {
		seqs[i] = int64(i + 1)
	}
	return seqs
}

// =============================================================================
// PAGING
// =============================================================================

func TestPaginator_LoadsPagesBackwards(t *testing.T) {
	st := store.New()
	f := &fakeFetcher{backlog: backlog(120)}
	p := New(st, f)

	// First page: the newest 50.
	page, err := p.LoadOlder(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 50, page.Added)
	require.True(t, page.HasMore)
	require.Equal(t, int64(71), st.OldestSequence(1))

	// Second page continues from the cursor.
	page, err = p.LoadOlder(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 50, page.Added)
	require.True(t, page.HasMore)
	require.Equal(t, int64(21), st.OldestSequence(1))

	// Final short page terminates pagination.
	page, err = p.LoadOlder(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 20, page.Added)
	require.False(t, page.HasMore)
	require.False(t, p.HasMore(1))

	_, err = p.LoadOlder(context.Background(), 1)
	require.ErrorIs(t, err, ErrNoMoreHistory)
	require.Equal(t, 120, st.Len(1))
}

func TestPaginator_OverlappingPageDeduplicates(t *testing.T) {
	st := store.New()
	// 10 of each 15-message page were already returned by the previous one.
	f := &fakeFetcher{backlog: backlog(100), overlap: 10}
	p := New(st, f)
	p.SetPageSize(15)

	first, err := p.LoadOlder(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 15, first.Added)

	second, err := p.LoadOlder(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 15, second.Added)
	require.Equal(t, 10, second.Duplicates)

	// Exactly once in the collection, order preserved.
	snap := st.Snapshot(1)
	require.Equal(t, 30, len(snap))
	for i := 1; i < len(snap); i++ {
		require.Less(t, snap[i-1].SequenceNumber, snap[i].SequenceNumber)
	}
}

func TestPaginator_AllDuplicatePageTerminates(t *testing.T) {
	st := store.New()
	f := &fakeFetcher{backlog: backlog(50)}
	p := New(st, f)
	p.SetPageSize(50)

	_, err := p.LoadOlder(context.Background(), 1)
	require.NoError(t, err)

	// The server now replays the same page regardless of the cursor; a fresh
	// paginator has no cursor knowledge and requests it again.
	f.ignoreCursor = true
	p2 := New(st, f)
	p2.SetPageSize(50)
	page, err := p2.LoadOlder(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 0, page.Added)
	require.Equal(t, 50, page.Duplicates)
	require.False(t, page.HasMore, "a page of nothing but duplicates must terminate")
}

// =============================================================================
// IN-FLIGHT COALESCING
// =============================================================================

func TestPaginator_SingleLoadInFlight(t *testing.T) {
	st := store.New()
	release := make(chan struct{})
	f := &fakeFetcher{backlog: backlog(100), block: release}
	p := New(st, f)

	done := make(chan error, 1)
	go func() {
		_, err := p.LoadOlder(context.Background(), 1)
		done <- err
	}()

	// Wait until the first load is visibly in flight.
	deadline := time.Now().Add(time.Second)
	for !p.IsLoading(1) && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, p.IsLoading(1))

	_, err := p.LoadOlder(context.Background(), 1)
	require.ErrorIs(t, err, ErrLoadInFlight)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, 1, f.callCount(), "rapid triggers must result in one network call")
}

// A load for one chat does not block loads for another.
func TestPaginator_ChatsLoadIndependently(t *testing.T) {
	st := store.New()
	release := make(chan struct{})
	blocked := &fakeFetcher{backlog: backlog(10), block: release}
	p := New(st, blocked)

	go p.LoadOlder(context.Background(), 1)
	deadline := time.Now().Add(time.Second)
	for !p.IsLoading(1) && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	require.False(t, p.IsLoading(2))
	close(release)
}

// =============================================================================
// FAILURES
// =============================================================================

func TestPaginator_FailureLeavesCursorRetryable(t *testing.T) {
	st := store.New()
	f := &fakeFetcher{backlog: backlog(30), err: errors.New("gateway unreachable")}
	p := New(st, f)

	_, err := p.LoadOlder(context.Background(), 1)
	require.Error(t, err)
	require.True(t, p.HasMore(1), "a transient failure says nothing about history")
	require.False(t, p.IsLoading(1))

	// Retry succeeds once the network is back.
	f.err = nil
	page, err := p.LoadOlder(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 30, page.Added)
}
