// Package engine composes the delivery and synchronization components over
// caller-supplied collaborator implementations.
package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/brunodmt/msgflow/internal/archive"
	"github.com/brunodmt/msgflow/internal/bus"
	"github.com/brunodmt/msgflow/internal/config"
	"github.com/brunodmt/msgflow/internal/connstate"
	"github.com/brunodmt/msgflow/internal/feed"
	"github.com/brunodmt/msgflow/internal/lock"
	"github.com/brunodmt/msgflow/internal/logging"
	"github.com/brunodmt/msgflow/internal/pipeline"
	"github.com/brunodmt/msgflow/internal/queue"
	"github.com/brunodmt/msgflow/internal/retry"
	"github.com/brunodmt/msgflow/internal/session"
)

// Options configures an engine instance. Backend, RateLimiter, Validator and
// Notifier are required. Logger is optional (a data-dir file logger is built
// when nil). Connectivity is optional: when nil the engine installs its own
// tracker, exposed as Engine.Connectivity, for the application to drive.
type Options struct {
	DataDir      string
	Backend      feed.Backend
	RateLimiter  feed.RateLimiter
	Validator    feed.Validator
	Notifier     feed.Notifier
	Connectivity feed.Connectivity
	Logger       *zap.Logger
	Config       *config.Config
}

// Engine bundles the composed components and owns their shutdown order.
type Engine struct {
	Session  *session.Session
	Pipeline *pipeline.Pipeline
	Queue    *queue.Queue
	Archive  *archive.DB
	Bus      *bus.Bus
	Config   config.Config

	// Connectivity is the engine-owned tracker, set only when Options did not
	// supply a Connectivity implementation.
	Connectivity *connstate.Tracker

	lk     *lock.Lock
	logger *zap.Logger
}

// New builds a fully wired engine rooted at opts.DataDir: data-dir lock,
// migrated archive, reloaded offline queue, sync session and pipeline.
func New(opts Options) (*Engine, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(filepath.Join(opts.DataDir, "engine.log"), opts.DataDir)
		if err != nil {
			return nil, err
		}
	}

	lk, err := lock.Acquire(opts.DataDir)
	if err != nil {
		return nil, err
	}

	db, err := archive.Open(filepath.Join(opts.DataDir, "archive.db"))
	if err != nil {
		_ = lk.Release()
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		_ = lk.Release()
		return nil, err
	}
	if result.Changed {
		logger.Info("archive migrations applied", zap.Uint("version", result.Version))
	}

	b := bus.New()

	conn := opts.Connectivity
	var tracker *connstate.Tracker
	if conn == nil {
		tracker = connstate.New(b)
		conn = tracker
	}

	policy := retry.Policy{
		Base:        cfg.RetryBase.Std(),
		Max:         cfg.RetryMax.Std(),
		MaxAttempts: cfg.MaxSendAttempts,
	}

	q, err := queue.Open(filepath.Join(opts.DataDir, "queue.db"),
		opts.Backend, opts.Validator, opts.Notifier, conn, b, logger,
		queue.Config{
			Interval:     cfg.QueueInterval.Std(),
			TTL:          cfg.QueueTTL.Std(),
			MaxAttempts:  cfg.QueueMaxAttempts,
			RemovalDelay: cfg.RemovalDelay.Std(),
			RemovalGrace: cfg.RemovalGrace.Std(),
			Policy:       policy,
		})
	if err != nil {
		_ = db.Close()
		_ = lk.Release()
		return nil, err
	}

	sess := session.New(opts.Backend, db, b, logger, session.Config{
		PageSize:    cfg.PageSize,
		LiveOverlap: cfg.LiveOverlap.Std(),
	})

	pipe := pipeline.New(opts.Backend, opts.RateLimiter, opts.Validator,
		opts.Notifier, conn, q, sess, b, logger,
		pipeline.Config{
			MaxMessageLength: cfg.MaxMessageLength,
			EditWindow:       cfg.EditWindow.Std(),
			Policy:           policy,
			LocalQuota:       cfg.LocalQuota,
			LocalQuotaWindow: cfg.LocalQuotaWindow.Std(),
		})

	logger.Info("engine initialized", zap.String("data_dir", opts.DataDir))

	return &Engine{
		Session:      sess,
		Pipeline:     pipe,
		Queue:        q,
		Archive:      db,
		Bus:          b,
		Config:       cfg,
		Connectivity: tracker,
		lk:           lk,
		logger:       logger,
	}, nil
}

// Close shuts the engine down: session first (stops feeding the archive),
// then queue, archive and the data-dir lock.
func (e *Engine) Close() error {
	e.Session.Close()
	err := e.Queue.Close()
	if cerr := e.Archive.Close(); err == nil {
		err = cerr
	}
	if lerr := e.lk.Release(); err == nil {
		err = lerr
	}
	e.logger.Info("engine stopped")
	return err
}

func resolveConfig(opts Options) (config.Config, error) {
	if opts.Config != nil {
		return *opts.Config, nil
	}
	path := filepath.Join(opts.DataDir, "config.toml")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return config.Config{}, fmt.Errorf("stat config: %w", err)
	}
	return config.Load(path)
}
