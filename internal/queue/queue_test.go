package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/brunodmt/msgflow/internal/bus"
	"github.com/brunodmt/msgflow/internal/feed"
	"github.com/brunodmt/msgflow/internal/model"
	"github.com/brunodmt/msgflow/internal/retry"
)

type fakeBackend struct {
	mu        sync.Mutex
	commitErr error
	committed []model.Message
	nextID    int
}

func (f *fakeBackend) Commit(_ context.Context, msg *model.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return "", f.commitErr
	}
	f.nextID++
	id := "srv-" + string(rune('0'+f.nextID))
	f.committed = append(f.committed, *msg)
	return id, nil
}

func (f *fakeBackend) FetchPage(context.Context, string, int, time.Time) ([]model.Message, error) {
	return nil, nil
}

func (f *fakeBackend) Subscribe(context.Context, string, time.Time) (feed.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBackend) UpdateMessage(context.Context, *model.Message) error { return nil }

func (f *fakeBackend) UpdateConversationSummary(context.Context, string, string, string, int) error {
	return nil
}

func (f *fakeBackend) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

type fakeValidator struct {
	mu      sync.Mutex
	verdict feed.Verdict
	err     error
	calls   int
}

func (f *fakeValidator) Validate(context.Context, string, string) (feed.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return feed.Verdict{}, f.err
	}
	return f.verdict, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeNotifier) NotifyMessage(context.Context, *model.Message, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

type fakeConn struct {
	mu        sync.Mutex
	connected bool
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) set(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

type fixture struct {
	q         *Queue
	backend   *fakeBackend
	validator *fakeValidator
	notifier  *fakeNotifier
	conn      *fakeConn
	bus       *bus.Bus
	path      string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		backend:   &fakeBackend{},
		validator: &fakeValidator{verdict: feed.Verdict{Appropriate: true}},
		notifier:  &fakeNotifier{},
		conn:      &fakeConn{connected: true},
		bus:       bus.New(),
		path:      filepath.Join(t.TempDir(), "queue.db"),
	}
	f.open(t, cfg)
	return f
}

func (f *fixture) open(t *testing.T, cfg Config) {
	t.Helper()
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour // passes are driven explicitly in tests
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.Policy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3}
	}
	q, err := Open(f.path, f.backend, f.validator, f.notifier, f.conn, f.bus, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	f.q = q
	t.Cleanup(func() { _ = q.Close() })
}

func testMessage(text string) model.Message {
	return model.Message{
		ConversationID: "conv-1", SenderID: "alice", ReceiverID: "bob",
		Text: text, Timestamp: time.Now(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", desc)
}

// Scenario: send while disconnected leaves the item pending; reconnecting
// and running a pass moves it to sent and out of the queue.
func TestOfflineThenReconnect(t *testing.T) {
	f := newFixture(t, Config{})
	f.conn.set(false)

	ch, unsub := f.bus.Subscribe("queue.", 10)
	defer unsub()

	id, err := f.q.Enqueue(testMessage("hello"))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		items := f.q.Items()
		return len(items) == 1 && items[0].Status == model.PendingValidation
	}, "item pending while offline")

	select {
	case evt := <-ch:
		if evt.Kind != bus.QueueEnqueued {
			t.Errorf("first event = %q, want %q", evt.Kind, bus.QueueEnqueued)
		}
	case <-time.After(time.Second):
		t.Fatal("no enqueue event")
	}

	f.conn.set(true)
	f.q.ProcessNow()

	if n := f.backend.commitCount(); n != 1 {
		t.Errorf("commits = %d, want 1", n)
	}
	if items := f.q.Items(); len(items) != 0 {
		t.Errorf("items = %d after send, want 0 (removed on success)", len(items))
	}
	waitFor(t, time.Second, func() bool {
		select {
		case evt := <-ch:
			return evt.Kind == bus.QueueSent && evt.Payload.(bus.MessageEvent).QueueID == id
		default:
			return false
		}
	}, "sent event")
}

// Scenario: the validator rejects with violations; the item reaches
// validationFailed, is reported once, and is removed only after the delay.
func TestRejectedWithDeferredRemoval(t *testing.T) {
	f := newFixture(t, Config{RemovalDelay: 250 * time.Millisecond})
	f.validator.verdict = feed.Verdict{Appropriate: false, Violations: []string{"spam"}}

	ch, unsub := f.bus.Subscribe(string(bus.QueueRejected), 10)
	defer unsub()

	if _, err := f.q.Enqueue(testMessage("buy now")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		items := f.q.Items()
		return len(items) == 1 && items[0].Status == model.ValidationFailed
	}, "validation_failed status")

	// Still present: the UI gets time to render the rejection.
	if items := f.q.Items(); len(items) != 1 {
		t.Fatalf("item removed before the removal delay")
	}
	items := f.q.Items()
	if items[0].LastFailure != "spam" {
		t.Errorf("failure reason = %q, want spam", items[0].LastFailure)
	}

	select {
	case evt := <-ch:
		me := evt.Payload.(bus.MessageEvent)
		if len(me.Violations) != 1 || me.Violations[0] != "spam" {
			t.Errorf("violations = %v, want [spam]", me.Violations)
		}
		if me.Text != "buy now" {
			t.Errorf("event text = %q, want original text", me.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("no rejection event")
	}

	waitFor(t, time.Second, func() bool { return len(f.q.Items()) == 0 }, "deferred removal")

	select {
	case evt := <-ch:
		t.Errorf("rejection reported more than once: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	if n := f.backend.commitCount(); n != 0 {
		t.Errorf("rejected item was sent (%d commits)", n)
	}
}

func TestValidatorUnavailableExhaustsAttempts(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2, RemovalDelay: 50 * time.Millisecond})
	f.validator.err = errors.New("validation service down")

	ch, unsub := f.bus.Subscribe(string(bus.QueueFailed), 10)
	defer unsub()

	if _, err := f.q.Enqueue(testMessage("hi")); err != nil {
		t.Fatal(err)
	}

	// First pass happens on enqueue; drive passes until attempts exhaust.
	waitFor(t, time.Second, func() bool {
		items := f.q.Items()
		return len(items) == 1 && items[0].Attempts >= 1
	}, "first attempt")

	// Item stays pendingValidation between attempts.
	if items := f.q.Items(); items[0].Status != model.PendingValidation {
		t.Fatalf("status = %q between attempts, want pending", items[0].Status)
	}

	waitFor(t, 2*time.Second, func() bool {
		f.q.ProcessNow()
		items := f.q.Items()
		return len(items) == 0 || items[0].Status == model.Failed
	}, "failed after max attempts")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no failed event")
	}
}

func TestExpiryNotifiesAndRemoves(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour})
	f.conn.set(false)

	ch, unsub := f.bus.Subscribe(string(bus.QueueExpired), 10)
	defer unsub()

	if _, err := f.q.Enqueue(testMessage("stale")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return len(f.q.Items()) == 1 }, "item enqueued")

	// Age the item past its TTL and run a pass.
	f.q.doWait(func() {
		f.q.items[0].CreatedAt = time.Now().Add(-2 * time.Hour)
	})
	f.q.ProcessNow()

	if items := f.q.Items(); len(items) != 0 {
		t.Errorf("expired item still present: %+v", items)
	}
	select {
	case evt := <-ch:
		if evt.Payload.(bus.MessageEvent).Text != "stale" {
			t.Errorf("expiry event lost the original text")
		}
	case <-time.After(time.Second):
		t.Fatal("expiry was silent; it must be reported")
	}
}

func TestRetryResetsAndReprocesses(t *testing.T) {
	f := newFixture(t, Config{RemovalDelay: time.Hour}) // removal never fires in-test
	f.validator.verdict = feed.Verdict{Appropriate: false, Violations: []string{"spam"}}

	id, err := f.q.Enqueue(testMessage("hi"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		items := f.q.Items()
		return len(items) == 1 && items[0].Status == model.ValidationFailed
	}, "rejected")

	// User retries after the validator starts accepting.
	f.validator.mu.Lock()
	f.validator.verdict = feed.Verdict{Appropriate: true}
	f.validator.mu.Unlock()

	if !f.q.Retry(id) {
		t.Fatal("Retry returned false for present item")
	}
	waitFor(t, time.Second, func() bool { return len(f.q.Items()) == 0 }, "sent after retry")
	if n := f.backend.commitCount(); n != 1 {
		t.Errorf("commits = %d, want 1", n)
	}
}

func TestRetryAllAndCancel(t *testing.T) {
	f := newFixture(t, Config{RemovalDelay: time.Hour})
	f.validator.verdict = feed.Verdict{Appropriate: false, Violations: []string{"spam"}}

	id1, _ := f.q.Enqueue(testMessage("one"))
	id2, _ := f.q.Enqueue(testMessage("two"))
	waitFor(t, time.Second, func() bool {
		for _, it := range f.q.Items() {
			if it.Status != model.ValidationFailed {
				return false
			}
		}
		return len(f.q.Items()) == 2
	}, "both rejected")

	if !f.q.Cancel(id1) {
		t.Fatal("Cancel returned false for present item")
	}
	if len(f.q.Items()) != 1 {
		t.Fatal("cancel did not remove the item")
	}

	f.validator.mu.Lock()
	f.validator.verdict = feed.Verdict{Appropriate: true}
	f.validator.mu.Unlock()

	if n := f.q.RetryAll(); n != 1 {
		t.Errorf("RetryAll reset %d items, want 1", n)
	}
	waitFor(t, time.Second, func() bool { return len(f.q.Items()) == 0 }, "remaining item sent")
	_ = id2
}

func TestPersistenceAcrossReopen(t *testing.T) {
	f := newFixture(t, Config{})
	f.conn.set(false)

	if _, err := f.q.Enqueue(testMessage("survives")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return len(f.q.Items()) == 1 }, "enqueued")
	if err := f.q.Close(); err != nil {
		t.Fatal(err)
	}

	f.open(t, Config{})
	f.conn.set(false)

	items := f.q.Items()
	if len(items) != 1 {
		t.Fatalf("reloaded %d items, want 1", len(items))
	}
	if items[0].Message.Text != "survives" || items[0].Status != model.PendingValidation {
		t.Errorf("reloaded item = %+v", items[0])
	}
}

func TestRetryableCommitFailureStaysPending(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	f.backend.mu.Lock()
	f.backend.commitErr = feed.ErrUnavailable
	f.backend.mu.Unlock()

	if _, err := f.q.Enqueue(testMessage("hi")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		items := f.q.Items()
		return len(items) == 1 && items[0].Attempts == 1
	}, "commit attempt counted")

	items := f.q.Items()
	if items[0].Status != model.PendingValidation {
		t.Errorf("status = %q after retryable failure, want pending", items[0].Status)
	}

	f.backend.mu.Lock()
	f.backend.commitErr = nil
	f.backend.mu.Unlock()
	f.q.ProcessNow()
	// Backoff may not have elapsed on the first explicit pass.
	waitFor(t, 2*time.Second, func() bool {
		f.q.ProcessNow()
		return len(f.q.Items()) == 0
	}, "sent after backend recovery")
}
