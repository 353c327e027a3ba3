// Package session implements the per-conversation sync controller. A session
// owns at most one live change-feed subscription at a time, runs the
// two-phase load (paginated history, then tail-only live stream) and is the
// single writer of its transcript store.
//
// All state mutation happens on one dedicated goroutine: public methods and
// asynchronous completions post closures to the session's run loop. Every
// asynchronous completion re-validates that the conversation id captured at
// call time still matches the session's current one before touching state,
// so a fast conversation switch cannot be corrupted by a slow in-flight
// fetch for the previous conversation.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brunodmt/msgflow/internal/archive"
	"github.com/brunodmt/msgflow/internal/bus"
	"github.com/brunodmt/msgflow/internal/feed"
	"github.com/brunodmt/msgflow/internal/model"
	"github.com/brunodmt/msgflow/internal/transcript"
)

// Config holds the session tunables.
type Config struct {
	// PageSize bounds each historical fetch.
	PageSize int
	// LiveOverlap is the negative buffer ε applied to the live subscription's
	// lower bound so it overlaps the loaded window; the transcript's dedup
	// set absorbs the overlap.
	LiveOverlap time.Duration
}

// Session drives transcript loading and live streaming for one conversation
// at a time.
type Session struct {
	backend feed.Backend
	cache   *archive.DB // optional write-through cache, may be nil
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config

	calls     chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Everything below is owned by the run loop.
	store          *transcript.Store
	phase          Phase
	conversationID string
	hasMore        bool
	fetching       bool
	fetchCancel    context.CancelFunc
	sub            feed.Subscription
}

// New creates a session and starts its run loop.
func New(backend feed.Backend, cache *archive.DB, b *bus.Bus, logger *zap.Logger, cfg Config) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	s := &Session{
		backend: backend,
		cache:   cache,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
		calls:   make(chan func(), 64),
		done:    make(chan struct{}),
		store:   transcript.New(),
		phase:   Detached,
	}
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case f := <-s.calls:
			f()
		case <-s.done:
			s.teardown()
			return
		}
	}
}

// do posts f to the run loop without waiting for it.
func (s *Session) do(f func()) {
	select {
	case s.calls <- f:
	case <-s.done:
	}
}

// doWait posts f to the run loop and blocks until it has executed.
func (s *Session) doWait(f func()) {
	ran := make(chan struct{})
	s.do(func() {
		f()
		close(ran)
	})
	select {
	case <-ran:
	case <-s.done:
	}
}

// Close shuts the session down, closing any live subscription and cancelling
// any in-flight fetch.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Attach points the session at a conversation. Attaching the conversation
// that is already streaming with a loaded transcript only re-opens the live
// subscription from the newest watermark, avoiding a history re-fetch and a
// visible flash of empty state when the UI is briefly remounted.
func (s *Session) Attach(conversationID string) {
	s.do(func() {
		if conversationID == s.conversationID && s.phase == Streaming && s.store.Len() > 0 {
			s.openSubscription(conversationID, s.store.NewestTimestamp())
			return
		}
		if s.phase != Detached {
			s.detachLocked()
		}
		s.conversationID = conversationID
		if err := s.transition(LoadingInitial); err != nil {
			s.logger.Error("attach transition failed", zap.Error(err))
			return
		}
		s.startInitialFetch(conversationID)
	})
}

// Detach cancels any in-flight fetch, closes the subscription and clears the
// transcript and cursors.
func (s *Session) Detach() {
	s.doWait(s.detachLocked)
}

func (s *Session) detachLocked() {
	s.cancelFetch()
	s.closeSub()
	s.store.Reset()
	s.conversationID = ""
	s.hasMore = false
	if err := s.transition(Detached); err != nil {
		s.logger.Error("detach transition failed", zap.Error(err))
	}
}

// Pause tears down the live subscription but preserves the transcript and
// cursors so Resume can re-stream without a reload. Called when the app
// moves to the background.
func (s *Session) Pause() {
	s.do(func() {
		if s.phase == Paused {
			return
		}
		s.cancelFetch()
		s.closeSub()
		if err := s.transition(Paused); err != nil {
			s.logger.Error("pause transition failed", zap.Error(err))
		}
	})
}

// Resume re-opens the live subscription from the last-known watermark. If
// the transcript was never loaded it performs the full attach flow instead.
func (s *Session) Resume() {
	s.do(func() {
		if s.phase != Paused {
			return
		}
		if s.conversationID == "" {
			return
		}
		if s.store.Len() == 0 {
			if err := s.transition(LoadingInitial); err != nil {
				s.logger.Error("resume transition failed", zap.Error(err))
				return
			}
			s.startInitialFetch(s.conversationID)
			return
		}
		if err := s.transition(Streaming); err != nil {
			s.logger.Error("resume transition failed", zap.Error(err))
			return
		}
		s.openSubscription(s.conversationID, s.store.NewestTimestamp().Add(-s.cfg.LiveOverlap))
	})
}

// LoadOlder fetches one page strictly older than the current earliest cursor
// and prepends it. Permitted only while streaming, when more history exists
// and no backward fetch is already in flight.
func (s *Session) LoadOlder() {
	s.do(func() {
		if s.phase != Streaming || !s.hasMore || s.fetching {
			return
		}
		conv := s.conversationID
		before := s.store.OldestTimestamp()
		ctx, cancel := context.WithCancel(context.Background())
		s.fetchCancel = cancel
		s.fetching = true

		go func() {
			msgs, err := s.backend.FetchPage(ctx, conv, s.cfg.PageSize, before)
			s.do(func() {
				if conv != s.conversationID {
					return // stale completion for a switched-away conversation
				}
				s.fetching = false
				if err != nil {
					s.logger.Error("load older failed", zap.Error(err), zap.String("conversation", conv))
					return
				}
				inserted := s.store.PrependOlder(msgs)
				s.hasMore = inserted == s.cfg.PageSize
				s.writeThrough(msgs)
				s.publishTranscript(conv)
			})
		}()
	})
}

func (s *Session) startInitialFetch(conv string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.fetchCancel = cancel
	s.fetching = true

	go func() {
		msgs, err := s.backend.FetchPage(ctx, conv, s.cfg.PageSize, time.Time{})
		s.do(func() {
			if conv != s.conversationID || s.phase != LoadingInitial {
				return // stale completion
			}
			s.fetching = false
			if err != nil {
				s.logger.Error("initial load failed", zap.Error(err), zap.String("conversation", conv))
				s.detachLocked()
				return
			}
			s.store.LoadInitial(msgs)
			s.hasMore = len(msgs) >= s.cfg.PageSize
			if err := s.transition(Streaming); err != nil {
				s.logger.Error("stream transition failed", zap.Error(err))
				return
			}
			after := s.store.NewestTimestamp()
			if after.IsZero() {
				after = time.Now()
			}
			s.openSubscription(conv, after.Add(-s.cfg.LiveOverlap))
			s.writeThrough(msgs)
			s.publishTranscript(conv)
		})
	}()
}

// openSubscription closes any existing subscription before opening a new
// one: a session never holds two live subscriptions concurrently.
func (s *Session) openSubscription(conv string, after time.Time) {
	s.closeSub()
	sub, err := s.backend.Subscribe(context.Background(), conv, after)
	if err != nil {
		s.logger.Error("subscribe failed", zap.Error(err), zap.String("conversation", conv))
		return
	}
	s.sub = sub

	go func() {
		for batch := range sub.Updates() {
			batch := batch
			s.do(func() {
				// A batch buffered by a superseded subscription for the same
				// conversation passes this guard; the dedup set absorbs it.
				if conv != s.conversationID || s.phase != Streaming {
					return
				}
				if n := s.store.AppendLive(batch); n > 0 {
					s.writeThrough(batch)
					s.publishTranscript(conv)
				}
			})
		}
	}()
}

func (s *Session) closeSub() {
	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			s.logger.Warn("close subscription", zap.Error(err))
		}
		s.sub = nil
	}
}

func (s *Session) cancelFetch() {
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	s.fetching = false
}

func (s *Session) teardown() {
	s.cancelFetch()
	s.closeSub()
}

func (s *Session) writeThrough(msgs []model.Message) {
	if s.cache == nil || len(msgs) == 0 {
		return
	}
	if err := s.cache.UpsertBatch(msgs); err != nil {
		s.logger.Warn("archive write-through failed", zap.Error(err), zap.Int("count", len(msgs)))
	}
}

func (s *Session) publishTranscript(conv string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.TranscriptUpdated,
		Timestamp: time.Now(),
		Payload:   bus.MessageEvent{ConversationID: conv},
	})
}

func (s *Session) publishPhase(p Phase) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.PhaseChanged,
		Timestamp: time.Now(),
		Payload:   string(p),
	})
}

// InsertOptimistic places a locally constructed entry in the transcript so
// the sender sees their message before the backend confirms it.
func (s *Session) InsertOptimistic(msg model.Message, localID string) {
	s.doWait(func() {
		s.store.InsertOptimistic(msg, localID)
		s.publishTranscript(msg.ConversationID)
	})
}

// RemoveOptimistic rolls back an optimistic entry.
func (s *Session) RemoveOptimistic(localID string) {
	s.doWait(func() {
		if s.store.RemoveOptimistic(localID) {
			s.publishTranscript(s.conversationID)
		}
	})
}

// ApplyEdit rewrites an entry's text in place and returns the updated copy.
func (s *Session) ApplyEdit(id, text string, at time.Time) (model.Message, bool) {
	var (
		out model.Message
		ok  bool
	)
	s.doWait(func() {
		if s.store.ApplyEdit(id, text, at) {
			out, ok = s.store.Get(id)
			s.publishTranscript(s.conversationID)
		}
	})
	return out, ok
}

// AddReaction adds a reaction in place and returns the updated copy.
func (s *Session) AddReaction(id string, r model.Reaction) (model.Message, bool) {
	var (
		out model.Message
		ok  bool
	)
	s.doWait(func() {
		if s.store.AddReaction(id, r) {
			out, ok = s.store.Get(id)
			s.publishTranscript(s.conversationID)
		}
	})
	return out, ok
}

// RemoveReaction removes a reaction in place and returns the updated copy.
func (s *Session) RemoveReaction(id, emoji, userID string) (model.Message, bool) {
	var (
		out model.Message
		ok  bool
	)
	s.doWait(func() {
		if s.store.RemoveReaction(id, emoji, userID) {
			out, ok = s.store.Get(id)
			s.publishTranscript(s.conversationID)
		}
	})
	return out, ok
}

// Get returns a copy of the transcript entry with the given id.
func (s *Session) Get(id string) (model.Message, bool) {
	var (
		out model.Message
		ok  bool
	)
	s.doWait(func() { out, ok = s.store.Get(id) })
	return out, ok
}

// Messages returns a snapshot of the transcript, ascending by timestamp.
func (s *Session) Messages() []model.Message {
	var out []model.Message
	s.doWait(func() { out = s.store.Messages() })
	return out
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	var p Phase
	s.doWait(func() { p = s.phase })
	return p
}

// ConversationID returns the currently attached conversation, empty if none.
func (s *Session) ConversationID() string {
	var id string
	s.doWait(func() { id = s.conversationID })
	return id
}

// HasMore reports whether older history remains to be paged in.
func (s *Session) HasMore() bool {
	var v bool
	s.doWait(func() { v = s.hasMore })
	return v
}
