package archive

import (
	"database/sql"
	"time"
)

// Conversation is a cached conversation summary row.
type Conversation struct {
	ID              string
	LastMessageText string
	LastSenderID    string
	UnreadCount     int
	LastMessageAt   time.Time
}

// UpdateSummary upserts the conversation's last-message preview and applies
// the unread-count delta.
func (db *DB) UpdateSummary(conversationID, lastText, lastSenderID string, unreadDelta int, at time.Time) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, last_message_text, last_sender_id, unread_count, last_message_at, updated_at)
		VALUES (?, ?, ?, MAX(?, 0), ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_text = excluded.last_message_text,
			last_sender_id = excluded.last_sender_id,
			unread_count = MAX(conversations.unread_count + ?, 0),
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		conversationID, lastText, lastSenderID, unreadDelta, at.UnixMilli(), now, unreadDelta)
	return err
}

// GetConversation returns a single cached conversation, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var (
		c  Conversation
		at int64
	)
	err := db.QueryRow(`
		SELECT id, last_message_text, last_sender_id, unread_count, last_message_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.LastMessageText, &c.LastSenderID, &c.UnreadCount, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastMessageAt = fromUnixMilli(at)
	return &c, nil
}

// ListConversations returns cached conversations, most recent first.
func (db *DB) ListConversations(limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, last_message_text, last_sender_id, unread_count, last_message_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var (
			c  Conversation
			at int64
		)
		if err := rows.Scan(&c.ID, &c.LastMessageText, &c.LastSenderID, &c.UnreadCount, &at); err != nil {
			return nil, err
		}
		c.LastMessageAt = fromUnixMilli(at)
		out = append(out, c)
	}
	return out, rows.Err()
}
