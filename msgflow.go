// Package msgflow is a message delivery and synchronization engine: it keeps
// a local conversation transcript consistent with a remote append-only
// change feed while messages are composed, optimistically displayed,
// validated, retried on failure and, when offline, durably queued for later
// delivery.
//
// The engine is a library: callers supply the change-feed backend, the
// rate-limit and content-validation services, the notification dispatcher
// and a connectivity observer, and drive the session and pipeline from
// their UI layer.
package msgflow

import (
	"go.uber.org/fx"

	"github.com/brunodmt/msgflow/internal/bus"
	"github.com/brunodmt/msgflow/internal/config"
	"github.com/brunodmt/msgflow/internal/connstate"
	"github.com/brunodmt/msgflow/internal/engine"
	"github.com/brunodmt/msgflow/internal/feed"
	"github.com/brunodmt/msgflow/internal/model"
	"github.com/brunodmt/msgflow/internal/pipeline"
	"github.com/brunodmt/msgflow/internal/queue"
	"github.com/brunodmt/msgflow/internal/session"
)

// Domain types.
type (
	Message        = model.Message
	Reaction       = model.Reaction
	ReplyRef       = model.ReplyRef
	PendingMessage = model.PendingMessage
	PendingStatus  = model.PendingStatus
)

// Pending message lifecycle states.
const (
	PendingValidation = model.PendingValidation
	Validated         = model.Validated
	Sent              = model.Sent
	ValidationFailed  = model.ValidationFailed
	Failed            = model.Failed
)

// Collaborator contracts the caller implements.
type (
	Backend      = feed.Backend
	Subscription = feed.Subscription
	RateLimiter  = feed.RateLimiter
	Validator    = feed.Validator
	Notifier     = feed.Notifier
	Connectivity = feed.Connectivity
	Decision     = feed.Decision
	Verdict      = feed.Verdict
)

// Engine components.
type (
	Engine     = engine.Engine
	Options    = engine.Options
	Session    = session.Session
	Pipeline   = pipeline.Pipeline
	SendResult = pipeline.SendResult
	Queue      = queue.Queue
	Bus        = bus.Bus
	Event      = bus.Event
	Config     = config.Config
)

// Connectivity tracker, installed by the engine when Options.Connectivity is
// nil. The application reports transport transitions on it.
type (
	ConnTracker = connstate.Tracker
	ConnState   = connstate.State
)

// Connectivity states.
const (
	ConnOffline      = connstate.Offline
	ConnConnecting   = connstate.Connecting
	ConnOnline       = connstate.Online
	ConnDegraded     = connstate.Degraded
	ConnReconnecting = connstate.Reconnecting
)

// Synchronous pipeline errors a caller may branch on.
var (
	ErrEmptyMessage      = pipeline.ErrEmptyMessage
	ErrMessageTooLong    = pipeline.ErrMessageTooLong
	ErrRateLimited       = pipeline.ErrRateLimited
	ErrMessageNotFound   = pipeline.ErrMessageNotFound
	ErrNotSender         = pipeline.ErrNotSender
	ErrEditWindowExpired = pipeline.ErrEditWindowExpired
)

// ContentRejectedError carries the validation service's violation reasons.
type ContentRejectedError = pipeline.ContentRejectedError

// New builds a fully wired engine rooted at opts.DataDir.
func New(opts Options) (*Engine, error) {
	return engine.New(opts)
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return config.Default()
}

// Module returns an fx module wiring the engine into a larger application.
func Module(opts Options) fx.Option {
	return engine.Module(engine.Params{Options: opts})
}
