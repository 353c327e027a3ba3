package queue

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brunodmt/msgflow/internal/bus"
	"github.com/brunodmt/msgflow/internal/feed"
	"github.com/brunodmt/msgflow/internal/model"
)

// processPass runs one background batch: select eligible items, validate and
// send each, then sweep expired and stale-terminal items. Runs on the queue
// loop goroutine only.
func (q *Queue) processPass(ctx context.Context) {
	if len(q.items) == 0 {
		q.stopTicker()
		return
	}
	if q.connectivity.IsConnected() {
		for _, item := range q.eligible() {
			// Connectivity dropped mid-pass: abort the rest of the batch.
			if !q.connectivity.IsConnected() {
				break
			}
			q.processItem(ctx, item)
		}
	}
	q.cleanupPass()
	if err := q.persist(); err != nil {
		q.logger.Error("persist queue", zap.Error(err))
	}
}

// eligible filters to items awaiting validation that are past their backoff
// window, not expired, and not already scheduled for removal.
func (q *Queue) eligible() []*model.PendingMessage {
	now := q.now()
	var out []*model.PendingMessage
	for _, item := range q.items {
		if item.Status != model.PendingValidation {
			continue
		}
		if item.Expired(now, q.cfg.TTL) {
			continue
		}
		if _, scheduled := q.removing[item.QueueID]; scheduled {
			continue
		}
		if !q.cfg.Policy.ReadyForRetry(item.LastAttemptAt, item.Attempts, now) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func (q *Queue) processItem(ctx context.Context, item *model.PendingMessage) {
	now := q.now()
	verdict, err := q.validator.Validate(ctx, item.Message.Text, "message")
	if err != nil {
		// Validation service unreachable: stay pending, count the attempt.
		item.Attempts++
		item.LastAttemptAt = now
		item.LastFailure = err.Error()
		q.logger.Warn("queued validation unavailable",
			zap.String("queue_id", item.QueueID), zap.Int("attempts", item.Attempts), zap.Error(err))
		if item.Attempts >= q.cfg.MaxAttempts {
			item.Status = model.Failed
			q.publish(bus.QueueFailed, item, nil)
			q.scheduleRemoval(item.QueueID)
		}
		return
	}

	if !verdict.Appropriate {
		item.Status = model.ValidationFailed
		item.LastAttemptAt = now
		item.LastFailure = strings.Join(verdict.Violations, ", ")
		q.publish(bus.QueueRejected, item, verdict.Violations)
		q.scheduleRemoval(item.QueueID)
		return
	}

	item.Status = model.Validated
	item.LastAttemptAt = now
	q.send(ctx, item)
}

// send attempts the backend write for a validated item. The UI copy already
// exists, so there is no optimistic insert here.
func (q *Queue) send(ctx context.Context, item *model.PendingMessage) {
	id, err := q.backend.Commit(ctx, &item.Message)
	if err != nil {
		item.Attempts++
		item.LastFailure = err.Error()
		if feed.Retryable(err) {
			item.Status = model.PendingValidation
			if item.Attempts >= q.cfg.MaxAttempts {
				item.Status = model.Failed
				q.publish(bus.QueueFailed, item, nil)
				q.scheduleRemoval(item.QueueID)
			}
			return
		}
		item.Status = model.Failed
		q.publish(bus.QueueFailed, item, nil)
		q.scheduleRemoval(item.QueueID)
		return
	}

	item.Message.ID = id
	item.Status = model.Sent
	if err := q.backend.UpdateConversationSummary(ctx, item.Message.ConversationID,
		item.Message.Text, item.Message.SenderID, 1); err != nil {
		q.logger.Warn("conversation summary update failed", zap.Error(err), zap.String("queue_id", item.QueueID))
	}
	if err := q.notifier.NotifyMessage(ctx, &item.Message, item.Message.SenderID); err != nil {
		q.logger.Warn("notification dispatch failed", zap.Error(err), zap.String("queue_id", item.QueueID))
	}
	q.publish(bus.QueueSent, item, nil)
	q.remove(item.QueueID)
}

// scheduleRemoval delays removal of a terminal item so the UI has time to
// render the outcome before it disappears. The removing set keeps a
// concurrent pass from re-selecting an item already on its way out; an
// explicit Retry takes the id back out of the set, which voids the timer.
func (q *Queue) scheduleRemoval(queueID string) {
	q.removing[queueID] = struct{}{}
	time.AfterFunc(q.cfg.RemovalDelay, func() {
		q.do(func() {
			if _, scheduled := q.removing[queueID]; !scheduled {
				return
			}
			delete(q.removing, queueID)
			if q.remove(queueID) {
				if err := q.persist(); err != nil {
					q.logger.Error("persist queue", zap.Error(err))
				}
			}
		})
	})
}

// cleanupPass expires items stuck awaiting validation past their TTL
// (reporting each first) and sweeps terminal items older than the grace
// period, covering timers lost to a process restart.
func (q *Queue) cleanupPass() {
	now := q.now()
	kept := q.items[:0]
	for _, item := range q.items {
		if item.Expired(now, q.cfg.TTL) {
			item.LastFailure = "expired before validation"
			q.publish(bus.QueueExpired, item, nil)
			delete(q.removing, item.QueueID)
			continue
		}
		if item.Status.Terminal() && now.Sub(item.LastAttemptAt) > q.cfg.RemovalGrace {
			delete(q.removing, item.QueueID)
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	if len(q.items) == 0 {
		q.stopTicker()
	}
}
