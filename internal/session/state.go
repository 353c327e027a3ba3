package session

import (
	"fmt"
	"slices"
)

// Phase is a sync session lifecycle state.
type Phase string

const (
	Detached       Phase = "DETACHED"
	LoadingInitial Phase = "LOADING_INITIAL"
	Streaming      Phase = "STREAMING"
	Paused         Phase = "PAUSED"
)

// validTransitions defines allowed phase transitions. Conversation switches
// route through Detached before re-entering LoadingInitial.
var validTransitions = map[Phase][]Phase{
	Detached:       {LoadingInitial, Paused},
	LoadingInitial: {Streaming, Detached, Paused},
	Streaming:      {Paused, Detached},
	Paused:         {Streaming, LoadingInitial, Detached},
}

func (s *Session) transition(to Phase) error {
	if s.phase == to {
		return nil
	}
	if !slices.Contains(validTransitions[s.phase], to) {
		return fmt.Errorf("invalid transition from %s to %s", s.phase, to)
	}
	s.phase = to
	s.publishPhase(to)
	return nil
}
