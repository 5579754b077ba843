// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway is the HTTP/SSE client for the Fechatter API gateway.
//
// It implements the network-layer contracts the sync core defines: sending
// messages (optimistic.Sender), fetching history pages (history.Fetcher),
// and subscribing to the real-time event stream. The core never imports this
// package; wiring happens at the composition root.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/fechatter/clientsync/internal/message"
)

// Configuration constants for the gateway API.
const (
	// DefaultTimeout is the timeout for request/response calls.
	// The SSE stream uses no timeout; it is context-controlled.
	DefaultTimeout = 30 * time.Second

	// DefaultSendRate limits outbound sends per second.
	DefaultSendRate = 5

	// DefaultSendBurst is the send limiter's burst allowance.
	DefaultSendBurst = 10

	// MaxResponseSize caps response bodies to prevent memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotConfigured indicates the client has no base URL.
	ErrNotConfigured = errors.New("gateway client not configured")

	// ErrRateLimited indicates the local send limiter rejected the call.
	ErrRateLimited = errors.New("send rate limit exceeded")
)

// APIError is an error response from the gateway.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("gateway error (HTTP %d)", e.Status)
}

// StatusCode returns the HTTP status, letting the tracker classify the
// failure as a server rejection rather than a network fault.
func (e *APIError) StatusCode() int {
	return e.Status
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// sendRequest is the POST body for creating a message. The correlation id
// travels as the idempotency key so server-side dedup lines up with ours.
type sendRequest struct {
	Content        string   `json:"content"`
	Files          []string `json:"files,omitempty"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// serverMessage is a message record as the gateway returns it.
type serverMessage struct {
	ID             int64     `json:"id"`
	ChatID         int64     `json:"chat_id"`
	SenderID       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	Files          []string  `json:"files,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	SequenceNumber int64     `json:"sequence_number"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// toEvent converts a wire record into a core event.
func (m *serverMessage) toEvent(source message.EventSource) *message.Event {
	return &message.Event{
		ChatID:         m.ChatID,
		ID:             m.ID,
		CorrelationID:  m.IdempotencyKey,
		SequenceNumber: m.SequenceNumber,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Files:          m.Files,
		CreatedAt:      m.CreatedAt,
		Source:         source,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the Fechatter gateway.
type Client struct {
	baseURL string
	token   string

	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultSendRate), DefaultSendBurst),
	}
}

// WithTimeout overrides the request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.httpClient.Timeout = timeout
	return c
}

// WithSendRate overrides the outbound send limiter.
func (c *Client) WithSendRate(perSecond float64, burst int) *Client {
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return c
}

// IsConfigured reports whether the client can make requests.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// setHeaders sets the standard request headers.
func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fechatter-clientsync/0.1")
}

// =============================================================================
// SEND
// =============================================================================

// Send posts a new message and returns the confirmation event.
// Implements optimistic.Sender. The limiter waits rather than fails, so a
// burst of sends is smoothed instead of dropped; cancellation via ctx still
// applies while waiting.
func (c *Client) Send(ctx context.Context, chatID int64, content string, files []string, correlationID string) (*message.Event, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	body, err := json.Marshal(sendRequest{
		Content:        content,
		Files:          files,
		IdempotencyKey: correlationID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat/%d/messages", c.baseURL, chatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, apiError(resp.StatusCode, respBody)
	}

	var sm serverMessage
	if err := json.Unmarshal(respBody, &sm); err != nil {
		return nil, fmt.Errorf("failed to parse send response: %w", err)
	}
	return sm.toEvent(message.SourceHTTP), nil
}

// =============================================================================
// HISTORY
// =============================================================================

// FetchBefore returns up to limit messages older than beforeSeq, newest
// last. Implements history.Fetcher. beforeSeq of zero asks for the newest
// page, matching the gateway's last_id cursor convention.
func (c *Client) FetchBefore(ctx context.Context, chatID, beforeSeq int64, limit int) ([]*message.Event, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	url := fmt.Sprintf("%s/api/chat/%d/messages?limit=%d", c.baseURL, chatID, limit)
	if beforeSeq > 0 {
		url += "&last_id=" + strconv.FormatInt(beforeSeq, 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, respBody)
	}

	var page []serverMessage
	if err := json.Unmarshal(respBody, &page); err != nil {
		return nil, fmt.Errorf("failed to parse history page: %w", err)
	}

	events := make([]*message.Event, 0, len(page))
	for i := range page {
		events = append(events, page[i].toEvent(message.SourceHistory))
	}
	return events, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// readResponse reads a body with the size cap applied.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// apiError builds an APIError from an error response body.
func apiError(status int, body []byte) error {
	var parsed struct {
		Error string `json:"error"`
	}
	msg := ""
	if err := json.Unmarshal(body, &parsed); err == nil {
		msg = parsed.Error
	}
	return &APIError{Status: status, Message: msg}
}
