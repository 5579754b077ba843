// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package optimistic tracks locally-created messages from send intent until
// the server resolves them.
//
// A provisional message becomes visible immediately, then moves through
// pending -> sending -> delivered, or to failed with a retry affordance.
// The tracker owns the timeout and retry policy; the actual merge of server
// confirmations happens in the reconciler.
package optimistic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fechatter/clientsync/internal/message"
	"github.com/fechatter/clientsync/internal/metrics"
	"github.com/fechatter/clientsync/internal/store"
)

// Defaults for the send policy.
const (
	// DefaultSendTimeout is how long a sending message may stay unresolved
	// before it is failed with reason "timeout". The request may still be in
	// flight; a late success reconciles silently.
	DefaultSendTimeout = 15 * time.Second

	// DefaultMaxRetries bounds automatic retry attempts per message.
	DefaultMaxRetries = 3
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnknownCorrelation is returned for operations on an untracked send.
	ErrUnknownCorrelation = errors.New("unknown correlation id")

	// ErrRetryExhausted is returned when a message has used all its retries.
	// The message stays failed permanently.
	ErrRetryExhausted = errors.New("retry limit reached")

	// ErrNotFailed is returned when retrying a message that is not failed.
	ErrNotFailed = errors.New("message is not in a retryable state")
)

// =============================================================================
// BOUNDARY INTERFACES
// =============================================================================

// Sender is the out-of-scope network layer. Implementations must pass the
// correlation id through as the idempotency key so server-side dedup, where
// supported, lines up with the client's own.
type Sender interface {
	Send(ctx context.Context, chatID int64, content string, files []string, correlationID string) (*message.Event, error)
}

// Applier consumes the HTTP response as an authoritative event. In practice
// this is the reconciler, so the response and the SSE echo share one path.
type Applier interface {
	Apply(ev *message.Event)
}

// statusCoder is implemented by transport errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// =============================================================================
// TRACKER
// =============================================================================

// pendingSend is the tracker-side record of an unresolved send.
type pendingSend struct {
	chatID   int64
	content  string
	files    []string
	timer    *time.Timer
	retries  int
	resolved bool
}

// Tracker creates provisional messages and drives them to resolution.
type Tracker struct {
	store   *store.Store
	sender  Sender
	applier Applier

	timeout    time.Duration
	maxRetries int

	mu      sync.Mutex
	pending map[string]*pendingSend
}

// New creates a tracker. applier is typically the reconciler.
func New(st *store.Store, sender Sender, applier Applier) *Tracker {
	return &Tracker{
		store:      st,
		sender:     sender,
		applier:    applier,
		timeout:    DefaultSendTimeout,
		maxRetries: DefaultMaxRetries,
		pending:    make(map[string]*pendingSend),
	}
}

// SetPolicy overrides the timeout and retry bound. Zero keeps the default.
func (t *Tracker) SetPolicy(timeout time.Duration, maxRetries int) {
	if timeout > 0 {
		t.timeout = timeout
	}
	if maxRetries > 0 {
		t.maxRetries = maxRetries
	}
}

// =============================================================================
// SEND PATH
// =============================================================================

// CreateProvisional makes the message visible immediately and registers it
// for tracking. Synchronous; no network I/O happens here.
func (t *Tracker) CreateProvisional(chatID, senderID int64, content string, files []string) (*message.Message, error) {
	msg := message.NewProvisional(chatID, senderID, content, files)
	if err := t.store.AddProvisional(msg); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.pending[msg.CorrelationID] = &pendingSend{
		chatID:  chatID,
		content: content,
		files:   files,
	}
	t.mu.Unlock()

	return msg.Clone(), nil
}

// Track registers an externally restored provisional message (offline outbox
// entries after a restart) without minting a new correlation id. A zero ID is
// replaced with a fresh provisional one.
func (t *Tracker) Track(msg *message.Message) error {
	if msg.ID == 0 {
		msg.ID = message.NextProvisionalID()
	}
	if err := t.store.AddProvisional(msg); err != nil {
		return err
	}

	t.mu.Lock()
	t.pending[msg.CorrelationID] = &pendingSend{
		chatID:  msg.ChatID,
		content: msg.Content,
		files:   msg.Files,
	}
	t.mu.Unlock()
	return nil
}

// Send creates a provisional message and dispatches it in one step.
func (t *Tracker) Send(ctx context.Context, chatID, senderID int64, content string, files []string) (*message.Message, error) {
	msg, err := t.CreateProvisional(chatID, senderID, content, files)
	if err != nil {
		return nil, err
	}
	if err := t.Dispatch(ctx, msg.CorrelationID); err != nil {
		return nil, err
	}
	return msg, nil
}

// Dispatch hands a tracked message to the network layer. The send itself
// runs in the background; state transitions surface through the store.
func (t *Tracker) Dispatch(ctx context.Context, correlationID string) error {
	t.mu.Lock()
	p, ok := t.pending[correlationID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownCorrelation
	}
	if p.resolved {
		t.mu.Unlock()
		return nil
	}
	t.armTimeoutLocked(correlationID, p)
	t.mu.Unlock()

	t.store.SetState(p.chatID, correlationID, message.StateSending, "")

	go t.performSend(ctx, correlationID, p)
	return nil
}

// DispatchSync sends a tracked message on the calling goroutine and returns
// once the network call resolved. The offline queue replays through this so
// queued sends reach the server strictly in creation order.
func (t *Tracker) DispatchSync(ctx context.Context, correlationID string) error {
	t.mu.Lock()
	p, ok := t.pending[correlationID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownCorrelation
	}
	if p.resolved {
		t.mu.Unlock()
		return nil
	}
	t.armTimeoutLocked(correlationID, p)
	t.mu.Unlock()

	t.store.SetState(p.chatID, correlationID, message.StateSending, "")
	return t.performSend(ctx, correlationID, p)
}

// performSend runs the network call and routes the result.
func (t *Tracker) performSend(ctx context.Context, correlationID string, p *pendingSend) error {
	ev, err := t.sender.Send(ctx, p.chatID, p.content, p.files, correlationID)
	if err != nil {
		t.markFailed(correlationID, classifyError(err))
		return err
	}

	// Make sure the echo carries the correlation id even if the gateway
	// did not round-trip the idempotency key.
	if ev.CorrelationID == "" {
		ev.CorrelationID = correlationID
	}
	ev.Source = message.SourceHTTP
	t.applier.Apply(ev)
	return nil
}

// armTimeoutLocked starts (or restarts) the resolution timer for a send.
func (t *Tracker) armTimeoutLocked(correlationID string, p *pendingSend) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(t.timeout, func() {
		t.timeoutExpired(correlationID)
	})
}

// timeoutExpired fails a send that got no resolution inside the window.
// The request may still complete later; reconciliation will quietly promote
// the message to delivered if it does.
func (t *Tracker) timeoutExpired(correlationID string) {
	t.mu.Lock()
	p, ok := t.pending[correlationID]
	if !ok || p.resolved {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.markFailed(correlationID, message.FailReasonTimeout)
}

// markFailed transitions a tracked send to failed. No-op when the message
// was already delivered (SetState refuses to demote delivered entries).
func (t *Tracker) markFailed(correlationID, reason string) {
	t.mu.Lock()
	p, ok := t.pending[correlationID]
	if !ok || p.resolved {
		t.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	chatID := p.chatID
	t.mu.Unlock()

	if t.store.SetState(chatID, correlationID, message.StateFailed, reason) {
		metrics.SendFailures.WithLabelValues(reason).Inc()
	}
}

// MarkFailed is the external entry point for boundary layers that detect a
// failure themselves (e.g. the offline queue giving up on a replay).
func (t *Tracker) MarkFailed(correlationID, reason string) {
	t.markFailed(correlationID, reason)
}

// =============================================================================
// RETRY
// =============================================================================

// Retry resends a failed message. After maxRetries attempts the message is
// permanently failed and Retry returns ErrRetryExhausted.
func (t *Tracker) Retry(ctx context.Context, correlationID string) error {
	t.mu.Lock()
	p, ok := t.pending[correlationID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownCorrelation
	}
	if p.resolved {
		t.mu.Unlock()
		return ErrNotFailed
	}
	if p.retries >= t.maxRetries {
		t.mu.Unlock()
		return ErrRetryExhausted
	}
	chatID := p.chatID
	t.mu.Unlock()

	m, ok := t.store.FindByCorrelation(chatID, correlationID)
	if !ok {
		return ErrUnknownCorrelation
	}
	if m.State != message.StateFailed {
		return ErrNotFailed
	}

	t.mu.Lock()
	p.retries++
	t.mu.Unlock()

	t.store.IncrementRetry(chatID, correlationID)
	t.store.SetState(chatID, correlationID, message.StateRetrying, "")
	metrics.SendRetries.Inc()

	return t.Dispatch(ctx, correlationID)
}

// RetriesLeft reports remaining automatic retries for a tracked send.
func (t *Tracker) RetriesLeft(correlationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[correlationID]
	if !ok {
		return 0
	}
	left := t.maxRetries - p.retries
	if left < 0 {
		return 0
	}
	return left
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolve releases tracking state once an event confirmed the send.
// Implements the reconciler's Resolver. Idempotent.
func (t *Tracker) Resolve(chatID int64, correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[correlationID]
	if !ok {
		return
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(t.pending, correlationID)
}

// PendingCount returns the number of unresolved tracked sends.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// classifyError maps a transport error onto a failure reason.
func classifyError(err error) string {
	var sc statusCoder
	if errors.As(err, &sc) && sc.StatusCode() >= 400 {
		return message.FailReasonServer
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return message.FailReasonTimeout
	}
	return message.FailReasonNetwork
}
