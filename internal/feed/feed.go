// Package feed defines the collaborator contracts the engine consumes: the
// durable change-feed backend, the rate-limit and content-validation services,
// the notification dispatcher and the connectivity observer. Implementations
// belong to the caller; the engine only depends on these interfaces.
package feed

import (
	"context"
	"time"

	"github.com/brunodmt/msgflow/internal/model"
)

// Backend is the durable, append-only change-feed store.
type Backend interface {
	// FetchPage returns up to limit messages for the conversation strictly
	// older than before, ascending by timestamp. A zero before means "newest".
	FetchPage(ctx context.Context, conversationID string, limit int, before time.Time) ([]model.Message, error)

	// Subscribe opens an ordered live stream of messages committed at or
	// after the given bound. Batches arrive ascending by timestamp.
	Subscribe(ctx context.Context, conversationID string, after time.Time) (Subscription, error)

	// Commit appends the message and returns the backend-assigned id.
	Commit(ctx context.Context, msg *model.Message) (string, error)

	// UpdateMessage applies an in-place mutation (edit, reactions) to an
	// already committed message.
	UpdateMessage(ctx context.Context, msg *model.Message) error

	// UpdateConversationSummary updates the conversation's last-message
	// preview and unread counter, atomically with commit where possible.
	UpdateConversationSummary(ctx context.Context, conversationID, lastText, lastSenderID string, unreadDelta int) error
}

// Subscription is a handle on one live change-feed stream. Updates delivers
// ascending batches of newly committed messages; the channel is closed when
// the subscription ends. Close is idempotent.
type Subscription interface {
	Updates() <-chan []model.Message
	Close() error
}

// Decision is the rate-limit service's answer for one (user, action) pair.
type Decision struct {
	Allowed   bool
	Remaining int
}

// RateLimiter answers whether a user may perform an action right now.
type RateLimiter interface {
	Check(ctx context.Context, userID, action string) (Decision, error)
}

// Verdict is the content-validation service's answer for one text.
type Verdict struct {
	Appropriate bool
	Violations  []string
}

// Validator screens message text before delivery.
type Validator interface {
	Validate(ctx context.Context, text, contentType string) (Verdict, error)
}

// Notifier dispatches a push notification for a delivered message.
// Fire-and-forget: failures are logged by the caller, never propagated.
type Notifier interface {
	NotifyMessage(ctx context.Context, msg *model.Message, senderDisplayName string) error
}

// Connectivity reports current network reachability. Polled, not pushed.
type Connectivity interface {
	IsConnected() bool
}
