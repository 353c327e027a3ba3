package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("queue.", 10)
	defer unsub()

	b.Publish(Event{Kind: QueueSent, Timestamp: time.Now(), Payload: MessageEvent{QueueID: "q1"}})

	select {
	case evt := <-ch:
		if evt.Kind != QueueSent {
			t.Errorf("got kind %q, want %q", evt.Kind, QueueSent)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("queue.", 10)
	defer unsub()

	b.Publish(Event{Kind: TranscriptUpdated})
	b.Publish(Event{Kind: QueueRejected})

	select {
	case evt := <-ch:
		if evt.Kind != QueueRejected {
			t.Errorf("got kind %q, want %q", evt.Kind, QueueRejected)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()

	b.Publish(Event{Kind: TranscriptUpdated})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("queue.", 1)
	defer unsub()

	b.Publish(Event{Kind: QueueEnqueued})
	// Dropped: subscriber buffer is full and delivery never blocks.
	b.Publish(Event{Kind: QueueSent})

	evt := <-ch
	if evt.Kind != QueueEnqueued {
		t.Errorf("got %q, want %q", evt.Kind, QueueEnqueued)
	}
}
