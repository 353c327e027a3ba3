// Package queue is the durable offline queue: messages whose content
// validation could not be confirmed online wait here, persisted to disk on
// every mutation, until a background processor validates and sends them,
// rejects them, or expires them.
//
// Queue state is owned by a single run-loop goroutine; public methods post
// closures to it. The recurring ticker is stopped when the queue drains and
// restarted lazily on the next enqueue, so an idle queue costs no wakeups.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/brunodmt/msgflow/internal/bus"
	"github.com/brunodmt/msgflow/internal/feed"
	"github.com/brunodmt/msgflow/internal/model"
	"github.com/brunodmt/msgflow/internal/retry"
)

// Config holds the queue tunables.
type Config struct {
	// Interval between background processing passes.
	Interval time.Duration
	// TTL is the maximum age of an item still awaiting validation; older
	// items are expired and reported, not silently dropped.
	TTL time.Duration
	// MaxAttempts bounds validation attempts before the item fails.
	MaxAttempts int
	// RemovalDelay is how long a rejected or failed item stays visible
	// before its deferred removal, giving the UI time to render the outcome.
	RemovalDelay time.Duration
	// RemovalGrace is the backstop sweep age for terminal items.
	RemovalGrace time.Duration
	// Policy spaces out validation re-attempts per item.
	Policy retry.Policy
}

// Queue is the durable pending-message store and its background processor.
type Queue struct {
	db           *bolt.DB
	backend      feed.Backend
	validator    feed.Validator
	notifier     feed.Notifier
	connectivity feed.Connectivity
	bus          *bus.Bus
	logger       *zap.Logger
	cfg          Config
	now          func() time.Time

	calls     chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Everything below is owned by the run loop.
	items    []*model.PendingMessage
	removing map[string]struct{}
	ticker   *time.Ticker
	tickC    <-chan time.Time
}

// Open opens (or creates) the queue database at path, reloads persisted
// items and starts the run loop. Items survive process restarts.
func Open(path string, backend feed.Backend, validator feed.Validator,
	notifier feed.Notifier, connectivity feed.Connectivity,
	b *bus.Bus, logger *zap.Logger, cfg Config) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RemovalDelay <= 0 {
		cfg.RemovalDelay = 5 * time.Second
	}
	if cfg.RemovalGrace <= 0 {
		cfg.RemovalGrace = time.Minute
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.Default
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	q := &Queue{
		db:           db,
		backend:      backend,
		validator:    validator,
		notifier:     notifier,
		connectivity: connectivity,
		bus:          b,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
		calls:        make(chan func(), 64),
		done:         make(chan struct{}),
		removing:     make(map[string]struct{}),
	}

	items, err := q.load()
	if err != nil {
		logger.Warn("persisted queue unreadable, starting fresh", zap.Error(err))
		items = nil
	}
	q.items = items
	if len(q.items) > 0 {
		q.startTicker()
	}

	go q.run()
	return q, nil
}

func (q *Queue) run() {
	for {
		select {
		case f := <-q.calls:
			f()
		case <-q.tickC:
			q.processPass(context.Background())
		case <-q.done:
			q.stopTicker()
			return
		}
	}
}

func (q *Queue) do(f func()) {
	select {
	case q.calls <- f:
	case <-q.done:
	}
}

func (q *Queue) doWait(f func()) {
	ran := make(chan struct{})
	q.do(func() {
		f()
		close(ran)
	})
	select {
	case <-ran:
	case <-q.done:
	}
}

// Close stops the run loop and closes the database. Pending items remain
// persisted for the next process start.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return q.db.Close()
}

// Enqueue appends a message awaiting validation, persists the queue and
// triggers an immediate processing pass.
func (q *Queue) Enqueue(msg model.Message) (string, error) {
	item := &model.PendingMessage{
		QueueID:   uuid.New().String(),
		Message:   msg,
		Status:    model.PendingValidation,
		CreatedAt: q.now(),
	}
	var err error
	q.doWait(func() {
		q.items = append(q.items, item)
		err = q.persist()
		q.startTicker()
		q.publish(bus.QueueEnqueued, item, nil)
	})
	if err != nil {
		return "", err
	}
	q.kick()
	return item.QueueID, nil
}

// Retry resets the item's status, attempt counter and failure reason, then
// triggers an immediate processing pass. Any scheduled removal is abandoned.
func (q *Queue) Retry(queueID string) bool {
	var found bool
	q.doWait(func() {
		for _, item := range q.items {
			if item.QueueID == queueID {
				q.reset(item)
				found = true
				break
			}
		}
		if found {
			if err := q.persist(); err != nil {
				q.logger.Error("persist queue", zap.Error(err))
			}
			q.startTicker()
		}
	})
	if found {
		q.kick()
	}
	return found
}

// RetryAll resets every failed or rejected item and triggers a pass.
func (q *Queue) RetryAll() int {
	var n int
	q.doWait(func() {
		for _, item := range q.items {
			if item.Status == model.Failed || item.Status == model.ValidationFailed {
				q.reset(item)
				n++
			}
		}
		if n > 0 {
			if err := q.persist(); err != nil {
				q.logger.Error("persist queue", zap.Error(err))
			}
			q.startTicker()
		}
	})
	if n > 0 {
		q.kick()
	}
	return n
}

func (q *Queue) reset(item *model.PendingMessage) {
	item.Status = model.PendingValidation
	item.Attempts = 0
	item.LastFailure = ""
	item.LastAttemptAt = time.Time{}
	delete(q.removing, item.QueueID)
}

// Cancel removes the item unconditionally.
func (q *Queue) Cancel(queueID string) bool {
	var found bool
	q.doWait(func() {
		found = q.remove(queueID)
		delete(q.removing, queueID)
		if found {
			if err := q.persist(); err != nil {
				q.logger.Error("persist queue", zap.Error(err))
			}
		}
	})
	return found
}

// Items returns a snapshot of the pending items.
func (q *Queue) Items() []model.PendingMessage {
	var out []model.PendingMessage
	q.doWait(func() {
		out = make([]model.PendingMessage, 0, len(q.items))
		for _, item := range q.items {
			out = append(out, *item)
		}
	})
	return out
}

// ProcessNow triggers a processing pass outside the ticker schedule.
func (q *Queue) ProcessNow() {
	q.doWait(func() { q.processPass(context.Background()) })
}

// kick schedules an asynchronous processing pass.
func (q *Queue) kick() {
	go q.do(func() { q.processPass(context.Background()) })
}

func (q *Queue) startTicker() {
	if q.ticker != nil || len(q.items) == 0 {
		return
	}
	q.ticker = time.NewTicker(q.cfg.Interval)
	q.tickC = q.ticker.C
}

func (q *Queue) stopTicker() {
	if q.ticker != nil {
		q.ticker.Stop()
		q.ticker = nil
		q.tickC = nil
	}
}

func (q *Queue) remove(queueID string) bool {
	for i, item := range q.items {
		if item.QueueID == queueID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			if len(q.items) == 0 {
				q.stopTicker()
			}
			return true
		}
	}
	return false
}

func (q *Queue) publish(kind bus.Kind, item *model.PendingMessage, violations []string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: q.now(),
		Payload: bus.MessageEvent{
			QueueID:        item.QueueID,
			MessageID:      item.Message.ID,
			ConversationID: item.Message.ConversationID,
			Text:           item.Message.Text,
			Violations:     violations,
			Reason:         item.LastFailure,
		},
	})
}
