// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package message contains the data structures for chat messages and the
// server/SSE events that confirm them.
package message

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fechatter/clientsync/internal/util"
)

// =============================================================================
// LIFECYCLE STATE
// =============================================================================

// State represents the delivery lifecycle of a message.
type State string

const (
	// StatePending indicates the message was created locally but not yet
	// handed to the network layer.
	StatePending State = "pending"

	// StateSending indicates the network request is in flight.
	StateSending State = "sending"

	// StateSent indicates the server accepted the message but no sequence
	// number is known yet.
	StateSent State = "sent"

	// StateDelivered indicates the server confirmed the message and assigned
	// its sequence number. Terminal on the happy path.
	StateDelivered State = "delivered"

	// StateFailed indicates the send failed or timed out. The message stays
	// visible with a retry affordance.
	StateFailed State = "failed"

	// StateRetrying indicates a failed message is being resent.
	StateRetrying State = "retrying"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsResolved reports whether the state is terminal on the happy path.
func (s State) IsResolved() bool {
	return s == StateDelivered
}

// =============================================================================
// FAILURE REASONS
// =============================================================================

// Failure reasons recorded on a failed message.
const (
	FailReasonNetwork = "network"
	FailReasonServer  = "server"
	FailReasonTimeout = "timeout"
)

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single chat message as tracked by the client.
//
// ID is the server-assigned integer identifier once confirmed. Until then it
// holds a locally-generated provisional identifier (always negative, so the
// two ranges never collide). CorrelationID is the client-generated token that
// ties the provisional entry to its server confirmation; it identifies the
// logical message across the id swap.
type Message struct {
	// Identity
	ID            int64  `json:"id"`
	CorrelationID string `json:"correlation_id"`
	ChatID        int64  `json:"chat_id"`
	SenderID      int64  `json:"sender_id"`

	// Content
	Content string   `json:"content"`
	Files   []string `json:"files,omitempty"`

	// Ordering
	CreatedAt time.Time `json:"created_at"`
	// SequenceNumber is the server-assigned per-chat ordering key.
	// Zero until confirmed.
	SequenceNumber int64 `json:"sequence_number,omitempty"`

	// Lifecycle
	State      State  `json:"state"`
	Optimistic bool   `json:"optimistic"`
	FailReason string `json:"fail_reason,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// provisionalSeq feeds provisional IDs. Negative and decreasing so they sort
// apart from server IDs and are unique per process.
var provisionalSeq atomic.Int64

// NewProvisional creates a locally-originated message in the pending state
// with a fresh correlation ID. Synchronous and non-blocking.
func NewProvisional(chatID, senderID int64, content string, files []string) *Message {
	return &Message{
		ID:            NextProvisionalID(),
		CorrelationID: uuid.NewString(),
		ChatID:        chatID,
		SenderID:      senderID,
		Content:       content,
		Files:         files,
		CreatedAt:     time.Now(),
		State:         StatePending,
		Optimistic:    true,
	}
}

// NextProvisionalID returns the next local provisional identifier. Exposed
// for components that restore provisional messages from persistence.
func NextProvisionalID() int64 {
	return -provisionalSeq.Add(1)
}

// IsProvisional reports whether the message still carries a local ID.
func (m *Message) IsProvisional() bool {
	return m.ID < 0
}

// Confirmed reports whether the server has assigned a sequence number.
func (m *Message) Confirmed() bool {
	return m.SequenceNumber > 0
}

// Clone returns a copy of the message. Files is copied so callers cannot
// mutate the stored slice through a snapshot.
func (m *Message) Clone() *Message {
	c := *m
	if m.Files != nil {
		c.Files = append([]string(nil), m.Files...)
	}
	return &c
}

// Preview returns a truncated preview of the message content.
// Rune-based truncation keeps multi-byte characters intact.
func (m *Message) Preview(maxLen int) string {
	return util.TruncateRunes(m.Content, maxLen)
}

// =============================================================================
// SERVER EVENTS
// =============================================================================

// EventSource identifies which transport carried a confirmation event.
type EventSource string

const (
	// SourceHTTP marks the direct response to the send request.
	SourceHTTP EventSource = "http"

	// SourceSSE marks a push event from the real-time stream. SSE delivery is
	// at-least-once; duplicates are expected and must be absorbed.
	SourceSSE EventSource = "sse"

	// SourceHistory marks a message loaded from a history page.
	SourceHistory EventSource = "history"
)

// Event is an authoritative message record arriving from the server, either
// as the HTTP response to a send or as an SSE push. Field names are the
// gateway's; CorrelationID is only present when the server echoes the
// idempotency key back.
type Event struct {
	ChatID         int64       `json:"chat_id"`
	ID             int64       `json:"id"`
	CorrelationID  string      `json:"idempotency_key,omitempty"`
	SequenceNumber int64       `json:"sequence_number,omitempty"`
	SenderID       int64       `json:"sender_id"`
	Content        string      `json:"content"`
	Files          []string    `json:"files,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	Source         EventSource `json:"-"`
}

// ToMessage converts a server event into a delivered message record.
// Used when the event did not match any tracked optimistic entry
// (e.g. a message from another user or device).
func (e *Event) ToMessage() *Message {
	return &Message{
		ID:             e.ID,
		CorrelationID:  e.CorrelationID,
		ChatID:         e.ChatID,
		SenderID:       e.SenderID,
		Content:        e.Content,
		Files:          append([]string(nil), e.Files...),
		CreatedAt:      e.CreatedAt,
		SequenceNumber: e.SequenceNumber,
		State:          StateDelivered,
		Optimistic:     false,
	}
}
