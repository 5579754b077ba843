// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides local persistence for the sync core: per-chat
// reading positions and the offline outbox, in a single SQLite database.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/fechatter/clientsync/internal/anchor"
	"github.com/fechatter/clientsync/internal/offline"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("storage is closed")

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS reading_positions (
	chat_id    INTEGER PRIMARY KEY,
	message_id INTEGER NOT NULL,
	offset_px  INTEGER NOT NULL DEFAULT 0,
	saved_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	correlation_id TEXT PRIMARY KEY,
	chat_id        INTEGER NOT NULL,
	sender_id      INTEGER NOT NULL,
	content        TEXT NOT NULL,
	files          TEXT NOT NULL DEFAULT '[]',
	created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox(created_at);
`

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite-backed persistence layer. It implements
// anchor.PositionStore and offline.OutboxStore.
type Store struct {
	db     *sql.DB
	closed bool
}

// Open creates or opens the database at path, creating parent directories
// as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: modernc sqlite serializes writes anyway, and one
	// connection avoids SQLITE_BUSY on concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// =============================================================================
// READING POSITIONS (anchor.PositionStore)
// =============================================================================

// SaveReadingPosition upserts the chat's reading position.
func (s *Store) SaveReadingPosition(pos anchor.ReadingPosition) error {
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.Exec(`
		INSERT INTO reading_positions (chat_id, message_id, offset_px, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			message_id = excluded.message_id,
			offset_px  = excluded.offset_px,
			saved_at   = excluded.saved_at`,
		pos.ChatID, pos.MessageID, pos.OffsetPx, pos.SavedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save reading position: %w", err)
	}
	return nil
}

// LoadReadingPosition returns the chat's saved position, or nil when none
// exists. The TTL decision belongs to the anchor manager, not here.
func (s *Store) LoadReadingPosition(chatID int64) (*anchor.ReadingPosition, error) {
	if s.closed {
		return nil, ErrClosed
	}
	row := s.db.QueryRow(`
		SELECT message_id, offset_px, saved_at
		FROM reading_positions WHERE chat_id = ?`, chatID)

	var messageID int64
	var offsetPx int
	var savedAt int64
	if err := row.Scan(&messageID, &offsetPx, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load reading position: %w", err)
	}

	return &anchor.ReadingPosition{
		ChatID:    chatID,
		MessageID: messageID,
		OffsetPx:  offsetPx,
		SavedAt:   time.Unix(savedAt, 0),
	}, nil
}

// DeleteReadingPosition removes the chat's saved position. Missing rows are
// not an error.
func (s *Store) DeleteReadingPosition(chatID int64) error {
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.Exec(`DELETE FROM reading_positions WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("failed to delete reading position: %w", err)
	}
	return nil
}

// =============================================================================
// OFFLINE OUTBOX (offline.OutboxStore)
// =============================================================================

// SaveOutboxEntry persists one queued send. Replacing an existing entry with
// the same correlation id is a no-op update, keeping saves idempotent.
func (s *Store) SaveOutboxEntry(e offline.Entry) error {
	if s.closed {
		return ErrClosed
	}
	files, err := json.Marshal(e.Files)
	if err != nil {
		return fmt.Errorf("failed to encode files: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO outbox (correlation_id, chat_id, sender_id, content, files, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING`,
		e.CorrelationID, e.ChatID, e.SenderID, e.Content, string(files), e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save outbox entry: %w", err)
	}
	return nil
}

// LoadOutbox returns all queued sends in creation order.
func (s *Store) LoadOutbox() ([]offline.Entry, error) {
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(`
		SELECT correlation_id, chat_id, sender_id, content, files, created_at
		FROM outbox ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox: %w", err)
	}
	defer rows.Close()

	var entries []offline.Entry
	for rows.Next() {
		var e offline.Entry
		var files string
		var createdAt int64
		if err := rows.Scan(&e.CorrelationID, &e.ChatID, &e.SenderID, &e.Content, &files, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		if err := json.Unmarshal([]byte(files), &e.Files); err != nil {
			// Corrupted files list; keep the message, drop the attachments.
			e.Files = nil
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOutboxEntry removes a queued send once dispatched.
func (s *Store) DeleteOutboxEntry(correlationID string) error {
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.Exec(`DELETE FROM outbox WHERE correlation_id = ?`, correlationID)
	if err != nil {
		return fmt.Errorf("failed to delete outbox entry: %w", err)
	}
	return nil
}
