// Package pipeline orchestrates sending, editing and reacting to messages:
// sanitization, optimistic transcript insert, concurrent rate-limit and
// content-validation checks, bounded retry against the backend, and handoff
// to the durable offline queue when the transport is down or exhausted.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brunodmt/msgflow/internal/bus"
	"github.com/brunodmt/msgflow/internal/feed"
	"github.com/brunodmt/msgflow/internal/model"
	"github.com/brunodmt/msgflow/internal/queue"
	"github.com/brunodmt/msgflow/internal/retry"
	"github.com/brunodmt/msgflow/internal/session"
)

// sendAction is the rate-limit action name for outgoing messages.
const sendAction = "send_message"

// Config holds the pipeline tunables.
type Config struct {
	MaxMessageLength int
	EditWindow       time.Duration
	Policy           retry.Policy
	// LocalQuota bounds sends per sender per LocalQuotaWindow when the
	// rate-limit service is unreachable. Fail-soft, never fail-open.
	LocalQuota       int
	LocalQuotaWindow time.Duration
}

// Pipeline drives a single message from composition to commit.
type Pipeline struct {
	backend      feed.Backend
	limiter      feed.RateLimiter
	validator    feed.Validator
	notifier     feed.Notifier
	connectivity feed.Connectivity
	queue        *queue.Queue
	session      *session.Session
	bus          *bus.Bus
	logger       *zap.Logger
	cfg          Config
	quota        *localQuota
}

// New creates a delivery pipeline.
func New(backend feed.Backend, limiter feed.RateLimiter, validator feed.Validator,
	notifier feed.Notifier, connectivity feed.Connectivity,
	q *queue.Queue, sess *session.Session, b *bus.Bus, logger *zap.Logger, cfg Config) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 2000
	}
	if cfg.EditWindow <= 0 {
		cfg.EditWindow = 15 * time.Minute
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.Default
	}
	return &Pipeline{
		backend:      backend,
		limiter:      limiter,
		validator:    validator,
		notifier:     notifier,
		connectivity: connectivity,
		queue:        q,
		session:      sess,
		bus:          b,
		logger:       logger,
		cfg:          cfg,
		quota:        newLocalQuota(cfg.LocalQuota, cfg.LocalQuotaWindow),
	}
}

// SendResult reports how a send resolved. Queued means the message was
// handed to the offline queue for later delivery rather than committed now.
type SendResult struct {
	Message model.Message
	Queued  bool
	QueueID string
}

// Send delivers one text message. The optimistic transcript entry appears
// before any validation completes; the backend's confirmed copy later
// arrives through the live subscription and replaces it.
func (p *Pipeline) Send(ctx context.Context, conversationID, senderID, receiverID, text string) (SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SendResult{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > p.cfg.MaxMessageLength {
		return SendResult{}, ErrMessageTooLong
	}

	msg := model.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Text:           text,
		Timestamp:      time.Now(),
	}

	// The local id stands in as the message id until the backend assigns
	// one, so queue events stay correlatable with the optimistic entry.
	localID := uuid.New().String()
	msg.ID = localID

	// A known-down transport gets no doomed attempt and no optimistic entry;
	// the queue owns the message from here.
	if !p.connectivity.IsConnected() {
		return p.handoff(msg)
	}

	p.session.InsertOptimistic(msg, localID)

	deferred, err := p.screen(ctx, senderID, text)
	if err != nil {
		p.session.RemoveOptimistic(localID)
		return SendResult{}, err
	}

	return p.commit(ctx, msg, localID, deferred)
}

// screen runs the rate-limit and content-validation checks concurrently;
// neither depends on the other. An unreachable rate-limit service degrades
// to the local quota; an unreachable validator degrades to allow with
// deferred re-validation, because blocking on a down moderation dependency
// is worse than temporarily under-moderating.
func (p *Pipeline) screen(ctx context.Context, senderID, text string) (deferred bool, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		dec, err := p.limiter.Check(gctx, senderID, sendAction)
		if err != nil {
			p.logger.Warn("rate-limit service unreachable, using local quota", zap.Error(err))
			if !p.quota.allow(senderID, time.Now()) {
				return ErrRateLimited
			}
			return nil
		}
		if !dec.Allowed {
			return ErrRateLimited
		}
		return nil
	})

	g.Go(func() error {
		verdict, err := p.validator.Validate(gctx, text, "message")
		if err != nil {
			p.logger.Warn("validation service unreachable, deferring validation", zap.Error(err))
			deferred = true
			return nil
		}
		if !verdict.Appropriate {
			return &ContentRejectedError{Violations: verdict.Violations}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return false, err
	}
	return deferred, nil
}

func (p *Pipeline) commit(ctx context.Context, msg model.Message, localID string, deferred bool) (SendResult, error) {
	for attempt := 0; ; attempt++ {
		id, err := p.backend.Commit(ctx, &msg)
		if err == nil {
			msg.ID = id
			p.finish(ctx, &msg, deferred)
			return SendResult{Message: msg}, nil
		}
		if !feed.Retryable(err) {
			p.session.RemoveOptimistic(localID)
			return SendResult{}, fmt.Errorf("commit message: %w", err)
		}
		if attempt+1 >= p.cfg.Policy.MaxAttempts {
			p.logger.Warn("send attempts exhausted, queueing",
				zap.Int("attempts", attempt+1), zap.Error(err))
			return p.handoff(msg)
		}
		select {
		case <-time.After(p.cfg.Policy.Delay(attempt)):
		case <-ctx.Done():
			p.session.RemoveOptimistic(localID)
			return SendResult{}, ctx.Err()
		}
		// Connectivity lost mid-retry: stop hammering a connection that is
		// known to be down and hand off immediately.
		if !p.connectivity.IsConnected() {
			return p.handoff(msg)
		}
	}
}

// finish runs the post-commit steps: conversation summary update, best-effort
// notification, and the deferred-validation flag if the validator was down.
func (p *Pipeline) finish(ctx context.Context, msg *model.Message, deferred bool) {
	if err := p.backend.UpdateConversationSummary(ctx, msg.ConversationID, msg.Text, msg.SenderID, 1); err != nil {
		p.logger.Warn("conversation summary update failed", zap.Error(err), zap.String("msg_id", msg.ID))
	}
	if err := p.notifier.NotifyMessage(ctx, msg, msg.SenderID); err != nil {
		p.logger.Warn("notification dispatch failed", zap.Error(err), zap.String("msg_id", msg.ID))
	}
	if deferred && p.bus != nil {
		p.bus.Publish(bus.Event{
			Kind:      bus.ValidationDeferred,
			Timestamp: time.Now(),
			Payload: bus.MessageEvent{
				MessageID:      msg.ID,
				ConversationID: msg.ConversationID,
				Text:           msg.Text,
				Reason:         "validation service unreachable at send time",
			},
		})
	}
}

func (p *Pipeline) handoff(msg model.Message) (SendResult, error) {
	queueID, err := p.queue.Enqueue(msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("enqueue message: %w", err)
	}
	return SendResult{Message: msg, Queued: true, QueueID: queueID}, nil
}

// Edit rewrites a message's text. Permitted only for the original sender and
// only within the edit window; the first edit preserves the pre-edit text.
// The backend write happens before the transcript is touched, so a failed
// update leaves the local copy unchanged.
func (p *Pipeline) Edit(ctx context.Context, messageID, editorID, text string) (model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > p.cfg.MaxMessageLength {
		return model.Message{}, ErrMessageTooLong
	}

	msg, ok := p.session.Get(messageID)
	if !ok {
		return model.Message{}, ErrMessageNotFound
	}
	if msg.SenderID != editorID {
		return model.Message{}, ErrNotSender
	}
	if time.Since(msg.Timestamp) > p.cfg.EditWindow {
		return model.Message{}, ErrEditWindowExpired
	}

	now := time.Now()
	updated := msg
	if !msg.Edited {
		updated.OriginalText = msg.Text
	}
	updated.Text = text
	updated.Edited = true
	updated.EditedAt = now
	if err := p.backend.UpdateMessage(ctx, &updated); err != nil {
		return model.Message{}, fmt.Errorf("update message: %w", err)
	}
	if applied, ok := p.session.ApplyEdit(messageID, text, now); ok {
		return applied, nil
	}
	return updated, nil
}

// AddReaction places a reaction. Idempotent per (message, user, emoji):
// re-adding an existing reaction changes nothing. The backend write happens
// before the transcript is touched.
func (p *Pipeline) AddReaction(ctx context.Context, messageID, userID, emoji string) (model.Message, error) {
	msg, ok := p.session.Get(messageID)
	if !ok {
		return model.Message{}, ErrMessageNotFound
	}
	if msg.HasReaction(emoji, userID) {
		return msg, nil
	}
	r := model.Reaction{Emoji: emoji, UserID: userID, At: time.Now()}
	updated := msg
	updated.Reactions = append(append([]model.Reaction(nil), msg.Reactions...), r)
	if err := p.backend.UpdateMessage(ctx, &updated); err != nil {
		return model.Message{}, fmt.Errorf("update message: %w", err)
	}
	if applied, ok := p.session.AddReaction(messageID, r); ok {
		return applied, nil
	}
	return updated, nil
}

// RemoveReaction removes the user's reaction, if present. The backend write
// happens before the transcript is touched.
func (p *Pipeline) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (model.Message, error) {
	msg, ok := p.session.Get(messageID)
	if !ok {
		return model.Message{}, ErrMessageNotFound
	}
	if !msg.HasReaction(emoji, userID) {
		return msg, nil
	}
	updated := msg
	updated.Reactions = make([]model.Reaction, 0, len(msg.Reactions)-1)
	for _, r := range msg.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			continue
		}
		updated.Reactions = append(updated.Reactions, r)
	}
	if err := p.backend.UpdateMessage(ctx, &updated); err != nil {
		return model.Message{}, fmt.Errorf("update message: %w", err)
	}
	if applied, ok := p.session.RemoveReaction(messageID, emoji, userID); ok {
		return applied, nil
	}
	return updated, nil
}

// ToggleReaction flips the user's reaction membership for emoji.
func (p *Pipeline) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (model.Message, error) {
	msg, ok := p.session.Get(messageID)
	if !ok {
		return model.Message{}, ErrMessageNotFound
	}
	if msg.HasReaction(emoji, userID) {
		return p.RemoveReaction(ctx, messageID, userID, emoji)
	}
	return p.AddReaction(ctx, messageID, userID, emoji)
}
