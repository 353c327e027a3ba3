package engine

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/brunodmt/msgflow/internal/archive"
	"github.com/brunodmt/msgflow/internal/bus"
	"github.com/brunodmt/msgflow/internal/pipeline"
	"github.com/brunodmt/msgflow/internal/queue"
	"github.com/brunodmt/msgflow/internal/session"
)

// Params holds the caller-supplied configuration passed to the fx module.
type Params struct {
	Options
}

// Module returns the fx module for the engine, providing the composed
// components and tying shutdown to the fx lifecycle.
func Module(p Params) fx.Option {
	return fx.Module("msgflow",
		fx.Supply(p),
		fx.Provide(
			provideEngine,
			provideSession,
			providePipeline,
			provideQueue,
			provideArchive,
			provideBus,
			provideLogger,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideEngine(p Params) (*Engine, error) {
	return New(p.Options)
}

func provideSession(e *Engine) *session.Session    { return e.Session }
func providePipeline(e *Engine) *pipeline.Pipeline { return e.Pipeline }
func provideQueue(e *Engine) *queue.Queue          { return e.Queue }
func provideArchive(e *Engine) *archive.DB         { return e.Archive }
func provideBus(e *Engine) *bus.Bus                { return e.Bus }
func provideLogger(e *Engine) *zap.Logger          { return e.logger }

func registerLifecycle(lc fx.Lifecycle, e *Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Reloaded pending items get an immediate pass instead of
			// waiting a full queue interval.
			e.Queue.ProcessNow()
			logger.Info("engine started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			return e.Close()
		},
	})
}
