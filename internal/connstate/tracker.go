// Package connstate provides a transport connectivity tracker. The embedding
// application reports transitions as its transport connects, degrades and
// drops; the engine's pipeline and offline queue consume the current state
// through the Connectivity interface.
package connstate

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/brunodmt/msgflow/internal/bus"
)

// State represents a transport connectivity state.
type State string

const (
	Offline      State = "OFFLINE"
	Connecting   State = "CONNECTING"
	Online       State = "ONLINE"
	Degraded     State = "DEGRADED"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed connectivity transitions. A drop from any
// connected state routes through Reconnecting or straight to Offline.
var validTransitions = map[State][]State{
	Offline:      {Connecting},
	Connecting:   {Online, Offline},
	Online:       {Degraded, Reconnecting, Offline},
	Degraded:     {Online, Reconnecting, Offline},
	Reconnecting: {Connecting, Online, Offline},
}

// Tracker tracks and enforces connectivity state transitions. It starts
// Offline; the application transitions it as transport events arrive.
type Tracker struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// New creates a tracker starting in Offline state.
func New(b *bus.Bus) *Tracker {
	return &Tracker{
		current: Offline,
		bus:     b,
	}
}

// Current returns the current state.
func (t *Tracker) Current() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// IsConnected reports whether the transport can carry sends right now.
// Degraded still counts: a lossy connection is worth attempting, the retry
// policy absorbs the failures.
func (t *Tracker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current == Online || t.current == Degraded
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; the state is left unchanged.
func (t *Tracker) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == to {
		return nil
	}
	allowed := validTransitions[t.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", t.current, to)
	}
	from := t.current
	t.current = to
	if t.bus != nil {
		t.bus.Publish(bus.Event{
			Kind:      bus.ConnectivityChanged,
			Timestamp: time.Now(),
			Payload: Change{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Change is the payload for connectivity change events.
type Change struct {
	From State
	To   State
}
