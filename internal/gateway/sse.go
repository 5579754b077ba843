// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/fechatter/clientsync/internal/message"
)

// SSE stream constants.
const (
	// MaxEventSize caps a single SSE event to prevent memory exhaustion
	// from a malformed or hostile stream.
	MaxEventSize = 1024 * 1024 // 1MB

	// maxReconnectAttempts bounds the reconnect loop before Subscribe
	// gives up and returns the last error.
	maxReconnectAttempts = 6
)

// ErrStreamClosed indicates the server ended the event stream normally.
var ErrStreamClosed = errors.New("event stream closed by server")

// EventHandler receives each decoded realtime event. Handlers run on the
// subscriber goroutine; a slow handler backpressures the stream.
type EventHandler func(ev *sseEnvelope)

// sseEnvelope is the realtime event frame the gateway pushes. Only
// new-message frames carry a message payload.
type sseEnvelope struct {
	Type    string         `json:"type"`
	Message *serverMessage `json:"message,omitempty"`
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// =============================================================================
// SSE READER
// =============================================================================

// sseReader parses server-sent events from a stream.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r *bufio.Reader) *sseReader {
	return &sseReader{reader: r}
}

// readEvent reads the next complete event from the stream. An event ends at
// a blank line; "event:" and "data:" fields accumulate until then. Multiple
// data lines join with newlines per the SSE format.
func (s *sseReader) readEvent() (*sseEvent, error) {
	var ev sseEvent
	var dataLines []string
	size := 0

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size += len(line)
		if size > MaxEventSize {
			return nil, fmt.Errorf("sse event exceeded maximum size of %d bytes", MaxEventSize)
		}

		line = strings.TrimRight(line, "\r\n")

		// Blank line marks the end of an event.
		if line == "" {
			if len(dataLines) == 0 && ev.Event == "" {
				continue // skip keep-alive blanks
			}
			ev.Data = strings.Join(dataLines, "\n")
			return &ev, nil
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// Comment line, used as heartbeat. Ignore.
		}
	}
}

// =============================================================================
// SUBSCRIBER
// =============================================================================

// Subscribe connects to the gateway's realtime stream and invokes handler
// for each event until ctx is cancelled. Connection drops reconnect with
// exponential backoff; the attempt counter resets after any successfully
// delivered event, so a long-lived stream never exhausts its retries.
func (c *Client) Subscribe(ctx context.Context, handler EventHandler) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	attempt := 0
	for {
		delivered, err := c.streamOnce(ctx, handler)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrStreamClosed) {
			return err
		}
		if delivered {
			attempt = 0
		}
		attempt++
		if attempt > maxReconnectAttempts {
			return fmt.Errorf("event stream failed after %d reconnect attempts: %w", maxReconnectAttempts, err)
		}

		backoff := time.Duration(1<<(attempt-1)) * time.Second
		log.Printf("WARNING: event stream dropped (%v), reconnecting in %v", err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// streamOnce opens one stream connection and pumps events until it ends.
// It reports whether any event was delivered to the handler.
func (c *Client) streamOnce(ctx context.Context, handler EventHandler) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create stream request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// Streams are long-lived; use a client without a request timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("stream connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readResponse(resp)
		return false, apiError(resp.StatusCode, body)
	}

	reader := newSSEReader(bufio.NewReader(resp.Body))
	delivered := false

	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		default:
		}

		ev, err := reader.readEvent()
		if err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, fmt.Errorf("stream read failed: %w", err)
		}

		if ev.Data == "[DONE]" {
			return delivered, ErrStreamClosed
		}

		var envelope sseEnvelope
		if err := json.Unmarshal([]byte(ev.Data), &envelope); err != nil {
			// Skip malformed frames rather than killing the stream.
			log.Printf("WARNING: skipping malformed stream event: %v", err)
			continue
		}
		if envelope.Type == "" {
			envelope.Type = ev.Event
		}

		handler(&envelope)
		delivered = true
	}
}

// =============================================================================
// EVENT DISPATCH
// =============================================================================

// MessageApplier receives decoded new-message events.
type MessageApplier interface {
	Apply(ev *message.Event)
}

// NewMessagePump returns an EventHandler that forwards new-message frames
// to the applier, tagged as realtime events. Other frame types are ignored.
func NewMessagePump(applier MessageApplier) EventHandler {
	return func(env *sseEnvelope) {
		if env.Type != "new_message" || env.Message == nil {
			return
		}
		applier.Apply(env.Message.toEvent(message.SourceSSE))
	}
}
