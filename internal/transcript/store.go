// Package transcript owns the in-memory ordered transcript for one
// conversation and the dedup set of known message ids.
//
// A Store is not safe for concurrent use: all mutation is confined to the
// owning session's run loop, which is the single writer.
package transcript

import (
	"sort"
	"time"

	"github.com/brunodmt/msgflow/internal/model"
)

// optimisticMatchWindow is the timestamp tolerance when matching an
// optimistic entry against its server-confirmed echo. The live subscription
// window deliberately overlaps the initial load window, so the confirmed
// copy may arrive with a slightly different server-assigned timestamp.
const optimisticMatchWindow = 2 * time.Second

// Store holds the transcript, ascending by timestamp, ties broken by arrival
// order. The seen set is always exactly the set of ids present in entries;
// it is the sole source of truth for duplicate detection.
type Store struct {
	entries    []model.Message
	seen       map[string]struct{}
	optimistic map[string]struct{} // local ids of unconfirmed entries
	oldest     time.Time           // backward-pagination cursor
}

// New creates an empty store.
func New() *Store {
	return &Store{
		seen:       make(map[string]struct{}),
		optimistic: make(map[string]struct{}),
	}
}

// Reset clears the transcript, the dedup set and the cursors. Called only
// when attaching to a different conversation than the one currently loaded.
func (s *Store) Reset() {
	s.entries = nil
	s.seen = make(map[string]struct{})
	s.optimistic = make(map[string]struct{})
	s.oldest = time.Time{}
}

// LoadInitial replaces the transcript with batch sorted ascending by
// timestamp and rebuilds the dedup set.
func (s *Store) LoadInitial(batch []model.Message) {
	s.Reset()
	s.entries = make([]model.Message, 0, len(batch))
	for _, m := range batch {
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		s.entries = append(s.entries, m)
		s.seen[m.ID] = struct{}{}
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].Timestamp.Before(s.entries[j].Timestamp)
	})
	if len(s.entries) > 0 {
		s.oldest = s.entries[0].Timestamp
	}
}

// PrependOlder inserts messages strictly before the current earliest entry,
// filtering ids already present, and returns the count actually inserted.
// Fewer inserted than the page size signals history exhaustion to the caller.
func (s *Store) PrependOlder(batch []model.Message) int {
	older := make([]model.Message, 0, len(batch))
	for _, m := range batch {
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		older = append(older, m)
		s.seen[m.ID] = struct{}{}
	}
	if len(older) == 0 {
		return 0
	}
	sort.SliceStable(older, func(i, j int) bool {
		return older[i].Timestamp.Before(older[j].Timestamp)
	})
	s.entries = append(older, s.entries...)
	s.oldest = s.entries[0].Timestamp
	return len(older)
}

// AppendLive ingests a live-subscription batch. For each message, a matching
// optimistic entry (same sender and text, timestamps within the match window,
// different id) is replaced by the confirmed copy; then the id set decides
// append versus duplicate discard. The subscription window overlaps the
// initial load window on purpose, so duplicates here are expected.
func (s *Store) AppendLive(batch []model.Message) int {
	appended := 0
	for _, m := range batch {
		s.reconcileOptimistic(&m)
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		s.insertSorted(m)
		s.seen[m.ID] = struct{}{}
		appended++
	}
	if len(s.entries) > 0 && (s.oldest.IsZero() || s.entries[0].Timestamp.Before(s.oldest)) {
		s.oldest = s.entries[0].Timestamp
	}
	return appended
}

// reconcileOptimistic scans the transcript in order, so when several
// optimistic entries match the same echo the oldest one is consumed.
func (s *Store) reconcileOptimistic(confirmed *model.Message) {
	for idx := range s.entries {
		e := s.entries[idx]
		if _, ok := s.optimistic[e.ID]; !ok {
			continue
		}
		if e.ID == confirmed.ID || e.SenderID != confirmed.SenderID || e.Text != confirmed.Text {
			continue
		}
		dt := confirmed.Timestamp.Sub(e.Timestamp)
		if dt < 0 {
			dt = -dt
		}
		if dt > optimisticMatchWindow {
			continue
		}
		s.removeAt(idx)
		delete(s.optimistic, e.ID)
		return
	}
}

// InsertOptimistic appends a locally constructed entry under localID so the
// sender sees their message before the backend confirms it.
func (s *Store) InsertOptimistic(msg model.Message, localID string) {
	if _, dup := s.seen[localID]; dup {
		return
	}
	msg.ID = localID
	s.insertSorted(msg)
	s.seen[localID] = struct{}{}
	s.optimistic[localID] = struct{}{}
}

// RemoveOptimistic removes the optimistic entry under localID, if present.
func (s *Store) RemoveOptimistic(localID string) bool {
	if _, ok := s.optimistic[localID]; !ok {
		return false
	}
	delete(s.optimistic, localID)
	if idx := s.indexOf(localID); idx >= 0 {
		s.removeAt(idx)
		return true
	}
	return false
}

// ApplyEdit rewrites the text of the matched entry. The first edit preserves
// the pre-edit text. No-op if the id is absent (the edit may have already
// arrived through the live subscription).
func (s *Store) ApplyEdit(id, text string, at time.Time) bool {
	idx := s.indexOf(id)
	if idx < 0 {
		return false
	}
	m := &s.entries[idx]
	if !m.Edited {
		m.OriginalText = m.Text
	}
	m.Text = text
	m.Edited = true
	m.EditedAt = at
	return true
}

// AddReaction appends a reaction to the matched entry. Idempotent per
// (message, user, emoji): re-adding an existing reaction is a no-op.
func (s *Store) AddReaction(id string, r model.Reaction) bool {
	idx := s.indexOf(id)
	if idx < 0 {
		return false
	}
	m := &s.entries[idx]
	if m.HasReaction(r.Emoji, r.UserID) {
		return true
	}
	m.Reactions = append(m.Reactions, r)
	return true
}

// RemoveReaction removes the (emoji, user) reaction from the matched entry.
func (s *Store) RemoveReaction(id, emoji, userID string) bool {
	idx := s.indexOf(id)
	if idx < 0 {
		return false
	}
	m := &s.entries[idx]
	for i, r := range m.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns a copy of the entry with the given id.
func (s *Store) Get(id string) (model.Message, bool) {
	if idx := s.indexOf(id); idx >= 0 {
		return s.entries[idx], true
	}
	return model.Message{}, false
}

// Has reports whether id is in the dedup set.
func (s *Store) Has(id string) bool {
	_, ok := s.seen[id]
	return ok
}

// Len returns the number of transcript entries.
func (s *Store) Len() int { return len(s.entries) }

// Messages returns a copy of the transcript, ascending by timestamp.
func (s *Store) Messages() []model.Message {
	out := make([]model.Message, len(s.entries))
	copy(out, s.entries)
	return out
}

// OldestTimestamp is the backward-pagination cursor; zero when empty.
func (s *Store) OldestTimestamp() time.Time { return s.oldest }

// NewestTimestamp is the lower bound for the live subscription; zero when empty.
func (s *Store) NewestTimestamp() time.Time {
	if len(s.entries) == 0 {
		return time.Time{}
	}
	return s.entries[len(s.entries)-1].Timestamp
}

// insertSorted places m at the last position that keeps the transcript
// non-decreasing by timestamp, so equal timestamps keep arrival order.
func (s *Store) insertSorted(m model.Message) {
	i := len(s.entries)
	for i > 0 && s.entries[i-1].Timestamp.After(m.Timestamp) {
		i--
	}
	s.entries = append(s.entries, model.Message{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = m
}

func (s *Store) indexOf(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) removeAt(idx int) {
	delete(s.seen, s.entries[idx].ID)
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
}
