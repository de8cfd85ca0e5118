package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveTraceLink links an outbound message to the trace that produced it.
func (s *Store) SaveTraceLink(l TraceLink) error {
	_, err := s.db.Exec(
		`INSERT INTO trace_links (sent_message_id, chat_jid, trace_id) VALUES (?, ?, ?)
		 ON CONFLICT (sent_message_id, chat_jid) DO UPDATE SET trace_id = excluded.trace_id`,
		l.SentMessageID, l.ChatJID, l.TraceID,
	)
	if err != nil {
		return fmt.Errorf("save trace link: %w", err)
	}
	return nil
}

// TraceLinkFor resolves the trace behind a sent message, if recorded.
func (s *Store) TraceLinkFor(chatJID, sentMessageID string) (*TraceLink, error) {
	var l TraceLink
	err := s.db.QueryRow(
		`SELECT sent_message_id, chat_jid, trace_id FROM trace_links
		 WHERE chat_jid = ? AND sent_message_id = ?`,
		chatJID, sentMessageID,
	).Scan(&l.SentMessageID, &l.ChatJID, &l.TraceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trace link lookup: %w", err)
	}
	return &l, nil
}

// RecordFeedback stores a reaction-based feedback row, resolved against the
// trace link when one exists.
func (s *Store) RecordFeedback(f Feedback) error {
	_, err := s.db.Exec(
		`INSERT INTO feedback (chat_jid, message_id, user_id, emoji, trace_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.ChatJID, f.MessageID, f.UserID, f.Emoji, f.TraceID, fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	return nil
}
