package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Direction of a persisted Message (spec §3).
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message is an append-only tuple keyed on (chat_id, message_id); the
// uniqueness constraint is what makes SaveMessage idempotent (spec §8
// round-trip property: replaying the same inbound message is a no-op).
type Message struct {
	ID         int64     `json:"id"`
	ChatID     string    `json:"chat_id"`
	MessageID  string    `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Direction  string    `json:"direction"`
	CreatedAt  time.Time `json:"created_at"`
}

// SaveMessage inserts msg, or does nothing if (chat_id, message_id) already
// exists. Returns (inserted=true) when a new row was created, so callers can
// tell a genuinely new message from a transport-level redelivery.
func (s *Store) SaveMessage(msg *Message) (inserted bool, err error) {
	result, err := s.db.Exec(`
		INSERT INTO messages (chat_id, message_id, sender_id, sender_name, content, timestamp, direction)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO NOTHING`,
		msg.ChatID, msg.MessageID, msg.SenderID, msg.SenderName, msg.Content, msg.Timestamp, msg.Direction)
	if err != nil {
		return false, fmt.Errorf("save message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		id, err := result.LastInsertId()
		if err == nil {
			msg.ID = id
		}
		return true, nil
	}
	return false, nil
}

// MessagesSince returns messages for chatID with timestamp strictly greater
// than since, ascending (spec §4.3 step 1: "query messages ... with
// timestamp > cursor(f), ascending").
func (s *Store) MessagesSince(chatID string, since time.Time) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, message_id, sender_id, sender_name, content, timestamp, direction, created_at
		FROM messages
		WHERE chat_id = ? AND timestamp > ? AND direction = 'inbound'
		ORDER BY timestamp ASC, id ASC`, chatID, since)
	if err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) RecentMessages(chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, chat_id, message_id, sender_id, sender_name, content, timestamp, direction, created_at
		FROM messages WHERE chat_id = ? ORDER BY timestamp DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.MessageID, &m.SenderID, &m.SenderName, &m.Content, &m.Timestamp, &m.Direction, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ErrNotFound is returned by single-row lookups that found nothing.
var ErrNotFound = errors.New("not found")
