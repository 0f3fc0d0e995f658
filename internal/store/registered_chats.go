package store

import (
	"database/sql"
	"fmt"
	"time"
)

// MainFolder is the single privileged workspace folder (spec GLOSSARY
// "Main folder").
const MainFolder = "main"

// RegisteredChat is a chat the user has opted in for agent processing
// (spec §3). Exactly one per chat id; the folder name is unique across
// registrations.
type RegisteredChat struct {
	ChatID          string    `json:"chat_id"`
	DisplayName     string    `json:"display_name"`
	Folder          string    `json:"folder"`
	TriggerPhrase   string    `json:"trigger_phrase"`
	RequiresTrigger bool      `json:"requires_trigger"`
	AddedAt         time.Time `json:"added_at"`
	ContainerConfig string    `json:"container_config"` // JSON, stored as given; "{}" when unset
}

// IsMain reports whether this registration is the privileged main folder.
func (r RegisteredChat) IsMain() bool { return r.Folder == MainFolder }

// SaveRegisteredChat inserts or updates a registration. Re-registering the
// same chat id with identical fields is a no-op observably (spec §8
// round-trip property).
func (s *Store) SaveRegisteredChat(r *RegisteredChat) error {
	if r.ContainerConfig == "" {
		r.ContainerConfig = "{}"
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO registered_chats (chat_id, display_name, folder, trigger_phrase, requires_trigger, added_at, container_config)
		VALUES (?, ?, ?, ?, ?, COALESCE((SELECT added_at FROM registered_chats WHERE chat_id = ?), CURRENT_TIMESTAMP), ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			display_name     = excluded.display_name,
			folder           = excluded.folder,
			trigger_phrase    = excluded.trigger_phrase,
			requires_trigger = excluded.requires_trigger,
			container_config = excluded.container_config`,
		r.ChatID, r.DisplayName, r.Folder, r.TriggerPhrase, r.RequiresTrigger, r.ChatID, r.ContainerConfig)
	if err != nil {
		return fmt.Errorf("save registered chat: %w", err)
	}

	// Invariant: DeliveryCursor[f] >= RegisteredChat[f].added_at. Seed the
	// cursor at registration time only if one doesn't already exist, so
	// re-registration never moves the cursor backwards.
	_, err = tx.Exec(`
		INSERT INTO router_state (folder, cursor_ts)
		VALUES (?, COALESCE((SELECT added_at FROM registered_chats WHERE chat_id = ?), CURRENT_TIMESTAMP))
		ON CONFLICT(folder) DO NOTHING`, r.Folder, r.ChatID)
	if err != nil {
		return fmt.Errorf("seed cursor: %w", err)
	}

	return tx.Commit()
}

func scanRegisteredChat(scanner interface{ Scan(...any) error }) (*RegisteredChat, error) {
	r := &RegisteredChat{}
	var requiresTrigger int
	err := scanner.Scan(&r.ChatID, &r.DisplayName, &r.Folder, &r.TriggerPhrase, &requiresTrigger, &r.AddedAt, &r.ContainerConfig)
	if err != nil {
		return nil, err
	}
	r.RequiresTrigger = requiresTrigger != 0
	return r, nil
}

func (s *Store) GetRegisteredChat(chatID string) (*RegisteredChat, error) {
	row := s.db.QueryRow(`
		SELECT chat_id, display_name, folder, trigger_phrase, requires_trigger, added_at, container_config
		FROM registered_chats WHERE chat_id = ?`, chatID)
	r, err := scanRegisteredChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get registered chat: %w", err)
	}
	return r, nil
}

func (s *Store) GetRegisteredChatByFolder(folder string) (*RegisteredChat, error) {
	row := s.db.QueryRow(`
		SELECT chat_id, display_name, folder, trigger_phrase, requires_trigger, added_at, container_config
		FROM registered_chats WHERE folder = ?`, folder)
	r, err := scanRegisteredChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get registered chat by folder: %w", err)
	}
	return r, nil
}

func (s *Store) ListRegisteredChats() ([]RegisteredChat, error) {
	rows, err := s.db.Query(`
		SELECT chat_id, display_name, folder, trigger_phrase, requires_trigger, added_at, container_config
		FROM registered_chats ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("list registered chats: %w", err)
	}
	defer rows.Close()

	var out []RegisteredChat
	for rows.Next() {
		r, err := scanRegisteredChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registered chat: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Cursor returns the delivery cursor for folder (spec §3 DeliveryCursor).
func (s *Store) Cursor(folder string) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRow(`SELECT cursor_ts FROM router_state WHERE folder = ?`, folder).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get cursor: %w", err)
	}
	return ts, nil
}

// AdvanceCursor moves the cursor forward to ts. Callers must only call this
// after the covered batch's sandbox run completed successfully and its
// output was accepted by the transport (spec §4.3 cursor advancement
// invariant). A ts that is not later than the stored cursor leaves the
// cursor unchanged, so it never moves backwards.
func (s *Store) AdvanceCursor(folder string, ts time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO router_state (folder, cursor_ts) VALUES (?, ?)
		ON CONFLICT(folder) DO UPDATE SET cursor_ts = excluded.cursor_ts
		WHERE excluded.cursor_ts > router_state.cursor_ts`, folder, ts)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// Session is the per-folder opaque identifier the agent provider uses to
// resume conversation state across runs (spec §3).
func (s *Store) GetSession(folder string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return id, nil
}

// SetSession is updated atomically with cursor advancement by the caller
// (Group Queue commits both within the same execution step).
func (s *Store) SetSession(folder, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (folder, session_id, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(folder) DO UPDATE SET session_id = excluded.session_id, updated_at = CURRENT_TIMESTAMP`,
		folder, sessionID)
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// ResetSession clears the session id, forcing the next sandbox launch for
// folder to start a fresh conversation (used for isolated-context scheduled
// tasks, spec §4.6 step 2).
func (s *Store) ResetSession(folder string) error {
	return s.SetSession(folder, "")
}
