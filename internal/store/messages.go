package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertChat records a chat on first observation and refreshes its name and
// last-message time afterwards. Chats are never deleted.
func (s *Store) UpsertChat(chatID, name string, lastMessage time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO chats (chat_id, name, last_message_time) VALUES (?, ?, ?)
		 ON CONFLICT (chat_id) DO UPDATE SET
		   name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
		   last_message_time = excluded.last_message_time`,
		chatID, name, fmtTime(lastMessage),
	)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// ListChats returns all observed chats.
func (s *Store) ListChats() ([]Chat, error) {
	rows, err := s.db.Query(`SELECT chat_id, name, last_message_time FROM chats ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		var ts string
		if err := rows.Scan(&c.ChatID, &c.Name, &ts); err != nil {
			return nil, err
		}
		c.LastMessageTime = parseTime(ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordMessage appends one row to the per-chat message log. Duplicate
// (chat, id) pairs from provider redelivery are absorbed.
func (s *Store) RecordMessage(m Message) error {
	var attachments any
	if m.AttachmentsJSON != "" {
		attachments = m.AttachmentsJSON
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, chat_jid, sender_id, sender_name, content, timestamp, is_outbound, attachments_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chat_jid, id) DO NOTHING`,
		m.ID, m.ChatJID, m.SenderID, m.SenderName, m.Content, fmtTime(m.Timestamp), m.IsOutbound, attachments,
	)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// MessagesSinceCursor returns the unsummarized inbound slice of the log:
// all messages after the cursor position, up to and including the trigger
// bound, ordered by (timestamp, id).
func (s *Store) MessagesSinceCursor(chatJID string, cur *Cursor, boundTS time.Time, boundID string) ([]Message, error) {
	afterTS, afterID := "", ""
	if cur != nil {
		afterTS, afterID = fmtTime(cur.LastAgentTimestamp), cur.LastAgentMessageID
	}
	rows, err := s.db.Query(
		`SELECT id, chat_jid, sender_id, sender_name, content, timestamp, is_outbound, COALESCE(attachments_json, '')
		 FROM messages
		 WHERE chat_jid = ?
		   AND (timestamp > ? OR (timestamp = ? AND id > ?))
		   AND (timestamp < ? OR (timestamp = ? AND id <= ?))
		 ORDER BY timestamp, id`,
		chatJID, afterTS, afterTS, afterID, fmtTime(boundTS), fmtTime(boundTS), boundID,
	)
	if err != nil {
		return nil, fmt.Errorf("messages since cursor: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.SenderID, &m.SenderName, &m.Content, &ts, &m.IsOutbound, &m.AttachmentsJSON); err != nil {
			return nil, err
		}
		m.Timestamp = parseTime(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetCursor returns the chat's cursor, or nil when the chat has never
// completed a batch.
func (s *Store) GetCursor(chatID string) (*Cursor, error) {
	var ts, id string
	err := s.db.QueryRow(
		`SELECT last_agent_timestamp, last_agent_message_id FROM chat_cursors WHERE chat_id = ?`,
		chatID,
	).Scan(&ts, &id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return &Cursor{ChatID: chatID, LastAgentTimestamp: parseTime(ts), LastAgentMessageID: id}, nil
}

// AdvanceCursor moves the chat cursor forward. The cursor is strictly
// monotonic: an advance to an older (timestamp, id) pair is a no-op.
func (s *Store) AdvanceCursor(chatID string, ts time.Time, messageID string) error {
	tsStr := fmtTime(ts)
	_, err := s.db.Exec(
		`INSERT INTO chat_cursors (chat_id, last_agent_timestamp, last_agent_message_id)
		 VALUES (?, ?, ?)
		 ON CONFLICT (chat_id) DO UPDATE SET
		   last_agent_timestamp = excluded.last_agent_timestamp,
		   last_agent_message_id = excluded.last_agent_message_id
		 WHERE excluded.last_agent_timestamp > chat_cursors.last_agent_timestamp
		    OR (excluded.last_agent_timestamp = chat_cursors.last_agent_timestamp
		        AND excluded.last_agent_message_id > chat_cursors.last_agent_message_id)`,
		chatID, tsStr, messageID,
	)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}
