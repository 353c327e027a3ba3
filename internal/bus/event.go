package bus

import "time"

// Kind identifies an event type. Kinds are dot-namespaced so subscribers can
// match a whole family with a prefix ("queue.", "message.", "session.").
type Kind string

const (
	// Session / transcript events.
	TranscriptUpdated   Kind = "session.transcript_updated"
	PhaseChanged        Kind = "session.phase_changed"
	ConnectivityChanged Kind = "session.connectivity_changed"

	// Pipeline events.
	ValidationDeferred Kind = "message.validation_deferred"

	// Offline queue events.
	QueueEnqueued Kind = "queue.enqueued"
	QueueSent     Kind = "queue.sent"
	QueueRejected Kind = "queue.rejected"
	QueueFailed   Kind = "queue.failed"
	QueueExpired  Kind = "queue.expired"
)

// Event is one occurrence published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// MessageEvent carries the identifier and original text of the affected
// message so the UI can render targeted feedback without re-querying state.
type MessageEvent struct {
	QueueID        string
	MessageID      string
	ConversationID string
	Text           string
	Violations     []string
	Reason         string
}
