package model

import "time"

// Message is a single transcript entry. The ID is assigned by the backend on
// commit; optimistic copies carry a locally generated UUID until the confirmed
// record arrives through the live subscription and is reconciled.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	ReceiverID     string     `json:"receiver_id"`
	Text           string     `json:"text"`
	ImageRef       string     `json:"image_ref,omitempty"`
	ReplyTo        *ReplyRef  `json:"reply_to,omitempty"`
	Reactions      []Reaction `json:"reactions,omitempty"`
	Edited         bool       `json:"edited,omitempty"`
	EditedAt       time.Time  `json:"edited_at,omitzero"`
	OriginalText   string     `json:"original_text,omitempty"`
	IsRead         bool       `json:"is_read,omitempty"`
	IsDelivered    bool       `json:"is_delivered,omitempty"`
	ReadAt         time.Time  `json:"read_at,omitzero"`
	Timestamp      time.Time  `json:"timestamp"`
}

// ReplyRef points at the message being replied to.
type ReplyRef struct {
	MessageID string `json:"message_id"`
	Snippet   string `json:"snippet"`
}

// Reaction is one emoji reaction on a message.
type Reaction struct {
	Emoji  string    `json:"emoji"`
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// HasReaction reports whether user already placed emoji on this message.
func (m *Message) HasReaction(emoji, userID string) bool {
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			return true
		}
	}
	return false
}

// PendingStatus is the lifecycle state of a queued offline message.
type PendingStatus string

const (
	PendingValidation PendingStatus = "pending_validation"
	Validated         PendingStatus = "validated"
	Sent              PendingStatus = "sent"
	ValidationFailed  PendingStatus = "validation_failed"
	Failed            PendingStatus = "failed"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s PendingStatus) Terminal() bool {
	return s == Sent || s == ValidationFailed || s == Failed
}

// PendingMessage wraps a not-yet-confirmed message held by the offline queue.
// It survives process restarts via the queue's persisted serialization.
type PendingMessage struct {
	QueueID       string        `json:"queue_id"`
	Message       Message       `json:"message"`
	Status        PendingStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	LastAttemptAt time.Time     `json:"last_attempt_at"`
	LastFailure   string        `json:"last_failure,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Expired reports whether the item aged past ttl while still awaiting validation.
func (p *PendingMessage) Expired(now time.Time, ttl time.Duration) bool {
	return p.Status == PendingValidation && now.Sub(p.CreatedAt) > ttl
}
