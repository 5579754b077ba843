// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history loads older message pages on demand.
//
// One load may be in flight per chat; concurrent calls are coalesced.
// Switching chats does not cancel a load for the previous chat: collections
// are independent, so the result is applied silently when it lands.
package history

import (
	"context"
	"errors"
	"sync"

	"github.com/fechatter/clientsync/internal/message"
	"github.com/fechatter/clientsync/internal/store"
)

// DefaultPageSize is the number of messages requested per page.
const DefaultPageSize = 50

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrLoadInFlight is returned when a load for the chat is already
	// running. The caller should simply wait for it.
	ErrLoadInFlight = errors.New("history load already in flight")

	// ErrNoMoreHistory is returned once the beginning of the chat is reached.
	ErrNoMoreHistory = errors.New("no more history")
)

// =============================================================================
// BOUNDARY INTERFACE
// =============================================================================

// Fetcher is the out-of-scope network layer for history pages. beforeSeq is
// the cursor (exclusive); zero asks for the newest page.
type Fetcher interface {
	FetchBefore(ctx context.Context, chatID, beforeSeq int64, limit int) ([]*message.Event, error)
}

// =============================================================================
// PAGINATOR
// =============================================================================

// Page reports the outcome of one LoadOlder call.
type Page struct {
	// Added is the number of messages actually merged into the collection.
	Added int

	// Duplicates is the number of returned messages dropped because they
	// were already loaded.
	Duplicates int

	// HasMore reports whether older history remains after this page.
	HasMore bool
}

// chatCursor is the per-chat load state.
type chatCursor struct {
	hasMore bool
	known   bool // false until the first load answers
	loading bool
}

// Paginator fetches and merges older messages.
type Paginator struct {
	store   *store.Store
	fetcher Fetcher

	pageSize int

	mu      sync.Mutex
	cursors map[int64]*chatCursor
}

// New creates a paginator over the given store and fetcher.
func New(st *store.Store, fetcher Fetcher) *Paginator {
	return &Paginator{
		store:    st,
		fetcher:  fetcher,
		pageSize: DefaultPageSize,
		cursors:  make(map[int64]*chatCursor),
	}
}

// SetPageSize overrides the page size. Zero keeps the default.
func (p *Paginator) SetPageSize(n int) {
	if n > 0 {
		p.pageSize = n
	}
}

// HasMore reports whether older history is believed to exist for the chat.
// Optimistically true before the first load answers.
func (p *Paginator) HasMore(chatID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cursors[chatID]
	if !ok || !c.known {
		return true
	}
	return c.hasMore
}

// IsLoading reports whether a load is currently in flight for the chat.
func (p *Paginator) IsLoading(chatID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cursors[chatID]
	return ok && c.loading
}

// LoadOlder fetches the page before the oldest loaded message and merges it.
//
// Fails fast with ErrLoadInFlight when a load is already running for the
// chat, and with ErrNoMoreHistory once the beginning was reached. A network
// failure leaves the cursor untouched so the caller can retry; there is no
// automatic retry loop.
func (p *Paginator) LoadOlder(ctx context.Context, chatID int64) (Page, error) {
	p.mu.Lock()
	c, ok := p.cursors[chatID]
	if !ok {
		c = &chatCursor{hasMore: true}
		p.cursors[chatID] = c
	}
	if c.loading {
		p.mu.Unlock()
		return Page{}, ErrLoadInFlight
	}
	if c.known && !c.hasMore {
		p.mu.Unlock()
		return Page{HasMore: false}, ErrNoMoreHistory
	}
	c.loading = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		c.loading = false
		p.mu.Unlock()
	}()

	beforeSeq := p.store.OldestSequence(chatID)
	events, err := p.fetcher.FetchBefore(ctx, chatID, beforeSeq, p.pageSize)
	if err != nil {
		// hasMore deliberately unchanged: a transient failure says nothing
		// about whether history exists.
		return Page{}, err
	}

	msgs := make([]*message.Message, 0, len(events))
	for _, ev := range events {
		ev.Source = message.SourceHistory
		msgs = append(msgs, ev.ToMessage())
	}
	added, dups := p.store.PrependHistory(chatID, msgs)

	// A short page is the end-of-history sentinel. A page of nothing but
	// duplicates also terminates, otherwise a server replaying the same
	// page would draw the client into an infinite load loop.
	hasMore := len(events) >= p.pageSize
	if len(events) > 0 && added == 0 {
		hasMore = false
	}

	p.mu.Lock()
	c.known = true
	c.hasMore = hasMore
	p.mu.Unlock()

	return Page{Added: added, Duplicates: dups, HasMore: hasMore}, nil
}
