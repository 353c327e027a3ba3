package archive

import (
	"encoding/json"
	"time"

	"github.com/brunodmt/msgflow/internal/model"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id). Later writes win on mutable columns.
func (db *DB) UpsertMessage(m *model.Message) error {
	reactions, err := json.Marshal(m.Reactions)
	if err != nil {
		return err
	}
	var replyID, replySnippet string
	if m.ReplyTo != nil {
		replyID = m.ReplyTo.MessageID
		replySnippet = m.ReplyTo.Snippet
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, receiver_id, body, image_ref,
			reply_to_id, reply_snippet, reactions, edited, edited_at, original_text,
			is_read, is_delivered, read_at, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			reactions = excluded.reactions,
			edited = excluded.edited,
			edited_at = excluded.edited_at,
			original_text = excluded.original_text,
			is_read = excluded.is_read,
			is_delivered = excluded.is_delivered,
			read_at = excluded.read_at`,
		m.ConversationID, m.ID, m.SenderID, m.ReceiverID, m.Text, m.ImageRef,
		replyID, replySnippet, string(reactions), m.Edited, unixMilli(m.EditedAt), m.OriginalText,
		m.IsRead, m.IsDelivered, unixMilli(m.ReadAt), m.Timestamp.UnixMilli(), now)
	return err
}

// UpsertBatch writes a batch of messages in one transaction.
func (db *DB) UpsertBatch(msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i := range msgs {
		m := &msgs[i]
		reactions, err := json.Marshal(m.Reactions)
		if err != nil {
			return err
		}
		var replyID, replySnippet string
		if m.ReplyTo != nil {
			replyID = m.ReplyTo.MessageID
			replySnippet = m.ReplyTo.Snippet
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, sender_id, receiver_id, body, image_ref,
				reply_to_id, reply_snippet, reactions, edited, edited_at, original_text,
				is_read, is_delivered, read_at, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
				body = excluded.body,
				reactions = excluded.reactions,
				edited = excluded.edited,
				edited_at = excluded.edited_at,
				original_text = excluded.original_text,
				is_read = excluded.is_read,
				is_delivered = excluded.is_delivered,
				read_at = excluded.read_at`,
			m.ConversationID, m.ID, m.SenderID, m.ReceiverID, m.Text, m.ImageRef,
			replyID, replySnippet, string(reactions), m.Edited, unixMilli(m.EditedAt), m.OriginalText,
			m.IsRead, m.IsDelivered, unixMilli(m.ReadAt), m.Timestamp.UnixMilli(), time.Now().UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListMessages returns cached messages for a conversation using keyset
// pagination by timestamp, newest first. A zero before means "from newest".
func (db *DB) ListMessages(conversationID string, before time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeTs := before.UnixMilli()
	if before.IsZero() {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, sender_id, receiver_id, body, image_ref,
			reply_to_id, reply_snippet, reactions, edited, edited_at, original_text,
			is_read, is_delivered, read_at, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var (
			m                      model.Message
			replyID, replySnippet  string
			reactions              string
			editedAt, readAt, ts   int64
		)
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.ImageRef,
			&replyID, &replySnippet, &reactions, &m.Edited, &editedAt, &m.OriginalText,
			&m.IsRead, &m.IsDelivered, &readAt, &ts); err != nil {
			return nil, err
		}
		if replyID != "" {
			m.ReplyTo = &model.ReplyRef{MessageID: replyID, Snippet: replySnippet}
		}
		if reactions != "" && reactions != "[]" {
			if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
				return nil, err
			}
		}
		m.EditedAt = fromUnixMilli(editedAt)
		m.ReadAt = fromUnixMilli(readAt)
		m.Timestamp = time.UnixMilli(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
