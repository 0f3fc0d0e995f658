package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Chat is a transport-qualified conversation identity (spec §3). It is
// created on first observation and never deleted.
type Chat struct {
	ChatID      string    `json:"chat_id"`
	DisplayName string    `json:"display_name"`
	Transport   string    `json:"transport"`
	IsGroup     bool      `json:"is_group"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// UpsertChat creates the chat on first observation or refreshes its display
// name / transport / last-seen timestamp on subsequent ones.
func (s *Store) UpsertChat(c *Chat) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (chat_id, display_name, transport, is_group, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			display_name = excluded.display_name,
			transport    = excluded.transport,
			is_group     = excluded.is_group,
			last_seen_at = excluded.last_seen_at`,
		c.ChatID, c.DisplayName, c.Transport, c.IsGroup, c.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(chatID string) (*Chat, error) {
	c := &Chat{}
	var lastSeen sql.NullTime
	err := s.db.QueryRow(`
		SELECT chat_id, display_name, transport, is_group, last_seen_at, created_at
		FROM chats WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.DisplayName, &c.Transport, &c.IsGroup, &lastSeen, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	if lastSeen.Valid {
		c.LastSeenAt = lastSeen.Time
	}
	return c, nil
}

func (s *Store) ListChats() ([]Chat, error) {
	rows, err := s.db.Query(`SELECT chat_id, display_name, transport, is_group, last_seen_at, created_at FROM chats ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var lastSeen sql.NullTime
		if err := rows.Scan(&c.ChatID, &c.DisplayName, &c.Transport, &c.IsGroup, &lastSeen, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		if lastSeen.Valid {
			c.LastSeenAt = lastSeen.Time
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
