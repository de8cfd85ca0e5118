package store

import (
	"fmt"
	"strings"
	"time"
)

// EnqueueMessage inserts a pending queue row for an observed message.
// Idempotent by (chat_jid, message_id): redelivered duplicates are absorbed
// and reported as false.
func (s *Store) EnqueueMessage(q QueuedMessage) (inserted bool, err error) {
	var attachments any
	if q.AttachmentsJSON != "" {
		attachments = q.AttachmentsJSON
	}
	res, err := s.db.Exec(
		`INSERT INTO queued_messages
		   (chat_jid, message_id, sender_id, sender_name, content, timestamp,
		    is_group, chat_type, message_thread_id, attachments_json, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		 ON CONFLICT (chat_jid, message_id) DO NOTHING`,
		q.ChatJID, q.MessageID, q.SenderID, q.SenderName, q.Content, fmtTime(q.Timestamp),
		q.IsGroup, q.ChatType, q.MessageThreadID, attachments, fmtTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimBatchForChat atomically claims up to maxSize pending rows for the
// chat. A batch is the contiguous prefix (by auto_id) whose timestamps fall
// within window of the oldest pending row, boundary inclusive. Returns the
// claimed rows ordered by auto_id; the same row is never handed to two
// callers.
func (s *Store) ClaimBatchForChat(chatID string, window time.Duration, maxSize int) ([]QueuedMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT auto_id, chat_jid, message_id, sender_id, sender_name, content, timestamp,
		        is_group, chat_type, message_thread_id, COALESCE(attachments_json, ''),
		        status, attempt_count, created_at
		 FROM queued_messages
		 WHERE chat_jid = ? AND status = 'pending'
		 ORDER BY auto_id
		 LIMIT ?`,
		chatID, maxSize,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	var batch []QueuedMessage
	var oldest time.Time
	for rows.Next() {
		var q QueuedMessage
		var ts, created string
		if err := rows.Scan(&q.AutoID, &q.ChatJID, &q.MessageID, &q.SenderID, &q.SenderName,
			&q.Content, &ts, &q.IsGroup, &q.ChatType, &q.MessageThreadID, &q.AttachmentsJSON,
			&q.Status, &q.AttemptCount, &created); err != nil {
			rows.Close()
			return nil, err
		}
		q.Timestamp = parseTime(ts)
		q.CreatedAt = parseTime(created)

		if len(batch) == 0 {
			oldest = q.Timestamp
		} else if q.Timestamp.Sub(oldest) > window {
			break
		}
		batch = append(batch, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	ids := make([]any, 0, len(batch)+1)
	ids = append(ids, fmtTime(time.Now()))
	for _, q := range batch {
		ids = append(ids, q.AutoID)
	}
	_, err = tx.Exec(
		`UPDATE queued_messages SET status = 'claimed', claimed_at = ?
		 WHERE auto_id IN (`+placeholders(len(batch))+`)`,
		ids...,
	)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}

	for i := range batch {
		batch[i].Status = QueuedClaimed
	}
	return batch, nil
}

// CompleteQueuedMessages marks claimed rows as completed.
func (s *Store) CompleteQueuedMessages(ids []int64) error {
	return s.transitionQueued(ids, QueuedCompleted, "")
}

// FailQueuedMessages marks claimed rows as terminally failed.
func (s *Store) FailQueuedMessages(ids []int64, reason string) error {
	return s.transitionQueued(ids, QueuedFailed, reason)
}

// RequeueQueuedMessages moves claimed rows back to pending for a retry,
// incrementing attempt_count.
func (s *Store) RequeueQueuedMessages(ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, reason)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.Exec(
		`UPDATE queued_messages
		 SET status = 'pending', claimed_at = NULL, attempt_count = attempt_count + 1, last_error = ?
		 WHERE auto_id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("requeue messages: %w", err)
	}
	return nil
}

// DeleteQueuedMessages removes rows outright (used when a cancel phrase
// clears the queued trigger).
func (s *Store) DeleteQueuedMessages(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(
		`DELETE FROM queued_messages WHERE auto_id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("delete queued messages: %w", err)
	}
	return nil
}

// ResetStalledMessages moves claimed rows older than threshold back to
// pending. Returns the number of rows recovered.
func (s *Store) ResetStalledMessages(threshold time.Duration) (int64, error) {
	cutoff := fmtTime(time.Now().Add(-threshold))
	res, err := s.db.Exec(
		`UPDATE queued_messages SET status = 'pending', claimed_at = NULL
		 WHERE status = 'claimed' AND claimed_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stalled messages: %w", err)
	}
	return res.RowsAffected()
}

// ChatsWithPending returns the distinct chats that have pending queue rows.
func (s *Store) ChatsWithPending() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT chat_jid FROM queued_messages WHERE status = 'pending'`,
	)
	if err != nil {
		return nil, fmt.Errorf("chats with pending: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) transitionQueued(ids []int64, status, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, status)
	var errArg any
	if reason != "" {
		errArg = reason
	}
	args = append(args, errArg)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.Exec(
		`UPDATE queued_messages SET status = ?, last_error = ?
		 WHERE auto_id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("transition queued to %s: %w", status, err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
