package connstate

import (
	"testing"

	"github.com/brunodmt/msgflow/internal/bus"
)

func TestInitialState(t *testing.T) {
	tr := New(nil)
	if tr.Current() != Offline {
		t.Errorf("initial state = %s, want OFFLINE", tr.Current())
	}
	if tr.IsConnected() {
		t.Error("IsConnected() = true while OFFLINE")
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Offline, Connecting},
		{Connecting, Online},
		{Connecting, Offline},
		{Online, Degraded},
		{Online, Reconnecting},
		{Degraded, Online},
		{Reconnecting, Connecting},
		{Reconnecting, Online},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			tr := New(nil)
			walkTo(t, tr, tt.from)
			if err := tr.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if tr.Current() != tt.to {
				t.Errorf("state = %s, want %s", tr.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	tr := New(nil)
	if err := tr.Transition(Online); err == nil {
		t.Error("Transition(OFFLINE -> ONLINE) should fail; must go through CONNECTING")
	}
	if tr.Current() != Offline {
		t.Errorf("state = %s after failed transition, want OFFLINE", tr.Current())
	}
}

func TestSelfTransitionIsNoOp(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	tr := New(b)
	if err := tr.Transition(Offline); err != nil {
		t.Fatalf("self transition: %v", err)
	}
	select {
	case evt := <-ch:
		t.Errorf("self transition published %v", evt)
	default:
	}
}

func TestDegradedStillCountsAsConnected(t *testing.T) {
	tr := New(nil)
	walkTo(t, tr, Degraded)
	if !tr.IsConnected() {
		t.Error("IsConnected() = false while DEGRADED; sends should still be attempted")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	tr := New(b)
	if err := tr.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.ConnectivityChanged {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.ConnectivityChanged)
	}
	change, ok := evt.Payload.(Change)
	if !ok {
		t.Fatalf("payload type = %T, want Change", evt.Payload)
	}
	if change.From != Offline || change.To != Connecting {
		t.Errorf("change = %v -> %v, want OFFLINE -> CONNECTING", change.From, change.To)
	}
}

// Drop-and-recover cycle: ONLINE → RECONNECTING → CONNECTING → ONLINE.
func TestReconnectCycle(t *testing.T) {
	tr := New(nil)
	walkTo(t, tr, Online)

	steps := []State{Reconnecting, Connecting, Online}
	for _, s := range steps {
		if err := tr.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, tr.Current())
		}
	}
	if !tr.IsConnected() {
		t.Error("IsConnected() = false after recovery")
	}
}

// walkTo is a helper that transitions the tracker to a target state.
func walkTo(t *testing.T, tr *Tracker, target State) {
	t.Helper()
	paths := map[State][]State{
		Offline:      {},
		Connecting:   {Connecting},
		Online:       {Connecting, Online},
		Degraded:     {Connecting, Online, Degraded},
		Reconnecting: {Connecting, Online, Reconnecting},
	}
	for _, s := range paths[target] {
		if err := tr.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
