package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/phrazzld/studio-queue/internal/api"
	"github.com/phrazzld/studio-queue/internal/config"
	"github.com/phrazzld/studio-queue/internal/events"
	"github.com/phrazzld/studio-queue/internal/generation"
	"github.com/phrazzld/studio-queue/internal/media"
	"github.com/phrazzld/studio-queue/internal/platform/gcs"
	"github.com/phrazzld/studio-queue/internal/platform/gemini"
	"github.com/phrazzld/studio-queue/internal/platform/memory"
	"github.com/phrazzld/studio-queue/internal/platform/postgres"
	"github.com/phrazzld/studio-queue/internal/platform/telemetry"
	"github.com/phrazzld/studio-queue/internal/platform/tts"
	"github.com/phrazzld/studio-queue/internal/processor"
	"github.com/phrazzld/studio-queue/internal/storage"
	"github.com/phrazzld/studio-queue/internal/store"
	"github.com/phrazzld/studio-queue/internal/task"
	"go.uber.org/multierr"
)

// application holds the shared dependencies and everything that must be
// released on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	tasks store.TaskStore
	queue store.QueueStore

	registry   *task.Registry
	dispatcher *task.Dispatcher
	service    *task.Service
	sweeper    *task.Sweeper
	listener   *postgres.QueueListener
	telemetry  *telemetry.Providers

	// closers run in reverse order during cleanup
	closers []func(context.Context) error
}

// newApplication wires stores, collaborators, processors and the engine
// from cfg. Nothing is started yet.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *application, err error) {
	app = &application{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, app.cleanup(context.Background()))
			app = nil
		}
	}()

	app.telemetry, err = telemetry.Setup(ctx, telemetry.Options{
		Enabled:        cfg.Telemetry.Enabled,
		Writer:         os.Stdout,
		MetricInterval: time.Minute,
	})
	if err != nil {
		return app, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	app.closers = append(app.closers, app.telemetry.Shutdown)

	if err := app.setupStores(); err != nil {
		return app, err
	}

	deps, err := app.setupCollaborators(ctx)
	if err != nil {
		return app, err
	}

	app.registry = task.NewRegistry()
	if err := processor.RegisterAll(app.registry, deps); err != nil {
		return app, fmt.Errorf("failed to register processors: %w", err)
	}

	emitter := events.NewInMemoryEventEmitter(logger)
	credits := task.UnlimitedCredits{}
	emitter.RegisterHandler(task.NewCreditRefundHandler(credits, app.registry, logger))
	metrics, err := telemetry.NewMetrics(app.telemetry.MeterProvider)
	if err != nil {
		return app, fmt.Errorf("failed to create metrics: %w", err)
	}
	emitter.RegisterHandler(metrics)

	app.dispatcher = task.NewDispatcher(app.tasks, app.queue, app.registry,
		task.DispatcherConfigFrom(cfg.Dispatcher), logger,
		task.WithEmitter(emitter),
		task.WithTracerProvider(app.telemetry.TracerProvider))
	if mq, ok := app.queue.(*memory.QueueStore); ok {
		mq.OnClaimable(func(string) { app.dispatcher.Wake() })
	}

	app.service = task.NewService(app.tasks, app.queue, app.registry, app.dispatcher, logger,
		task.WithCredits(credits),
		task.WithServiceEmitter(emitter))

	app.sweeper, err = task.NewSweeper(app.service, cfg.Dispatcher.StuckSweepSchedule,
		cfg.Dispatcher.StuckThreshold(), logger)
	if err != nil {
		return app, err
	}

	logger.Info("application initialized",
		slog.Any("task_types", app.registry.Types()))
	return app, nil
}

// setupStores selects Postgres when a database URL is configured and the
// in-memory stores otherwise.
func (app *application) setupStores() error {
	if app.config.Database.URL == "" {
		app.logger.Warn("no database configured, tasks will not survive a restart")
		app.tasks = memory.NewTaskStore(app.logger)
		app.queue = memory.NewQueueStore(app.logger)
		return nil
	}

	db, err := openDatabase(app.config.Database, app.logger)
	if err != nil {
		return err
	}
	app.db = db
	app.closers = append(app.closers, func(context.Context) error { return db.Close() })

	if err := postgres.Migrate(db, "up", app.logger); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	app.tasks = postgres.NewPostgresTaskStore(db, app.logger)
	app.queue = postgres.NewPostgresQueueStore(db, app.logger)
	return nil
}

// setupCollaborators builds the generators, media runner and artifact
// storage. Unconfigured generators fail the tasks that need them.
func (app *application) setupCollaborators(ctx context.Context) (processor.Deps, error) {
	cfg := app.config
	deps := processor.Deps{
		WorkDir: cfg.Dispatcher.WorkDir,
		Logger:  app.logger,
	}

	if cfg.LLM.GeminiAPIKey != "" {
		gen, err := gemini.NewGenerator(ctx, app.logger, cfg.LLM)
		if err != nil {
			return deps, fmt.Errorf("failed to initialize gemini generator: %w", err)
		}
		deps.Text, deps.Images = gen, gen
	} else {
		app.logger.Warn("gemini api key not set, text and image generation are unavailable")
		deps.Text, deps.Images = generation.Unavailable{}, generation.Unavailable{}
	}

	if cfg.TTS.Endpoint != "" {
		client, err := tts.NewClient(cfg.TTS, app.logger)
		if err != nil {
			return deps, fmt.Errorf("failed to initialize tts client: %w", err)
		}
		deps.Speech = client
	} else {
		app.logger.Warn("tts endpoint not set, speech synthesis is unavailable")
		deps.Speech = generation.Unavailable{}
	}

	var runner media.Runner = media.ExecRunner{}
	if cfg.Media.Runner == "docker" {
		dr, err := media.NewDockerRunner(cfg.Media.DockerImage, cfg.Dispatcher.WorkDir, app.logger)
		if err != nil {
			return deps, err
		}
		app.closers = append(app.closers, func(context.Context) error { return dr.Close() })
		runner = dr
	}
	deps.Media = media.NewFFmpeg(runner, media.Options{
		FFmpegPath:  cfg.Media.FFmpegPath,
		FFprobePath: cfg.Media.FFprobePath,
		Width:       cfg.Media.Width,
		Height:      cfg.Media.Height,
		FPS:         cfg.Media.FPS,
	})

	var bucket storage.Bucket
	switch cfg.Storage.Backend {
	case "gcs":
		b, err := gcs.NewBucket(ctx, cfg.Storage, app.logger)
		if err != nil {
			return deps, err
		}
		app.closers = append(app.closers, func(context.Context) error { return b.Close() })
		bucket = b
	default:
		b, err := storage.NewLocalBucket(cfg.Storage.LocalDir, cfg.Storage.PublicBaseURL)
		if err != nil {
			return deps, err
		}
		bucket = b
	}
	deps.Uploader = storage.NewUploader(bucket, cfg.Storage.UploadConcurrency, app.logger)

	return deps, nil
}

// Run starts background work and serves HTTP until ctx is cancelled.
func (app *application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", app.config.Server.Port))
	if err != nil {
		_ = app.cleanup(context.Background())
		return fmt.Errorf("failed to listen: %w", err)
	}
	return app.runWith(ctx, ln)
}

func (app *application) runWith(ctx context.Context, ln net.Listener) error {
	if err := app.start(ctx); err != nil {
		_ = ln.Close()
		return multierr.Append(err, app.cleanup(context.Background()))
	}

	serveErr := app.serve(ctx, ln, api.NewRouter(app.service, app.logger))
	cleanupErr := app.cleanup(context.Background())
	app.logger.Info("server shutdown completed")
	return multierr.Append(serveErr, cleanupErr)
}

// start launches the listener, the sweeper and the dispatch loop.
func (app *application) start(ctx context.Context) error {
	if app.db != nil && app.config.Database.Listen {
		l, err := postgres.NewQueueListener(app.config.Database.URL, app.logger,
			func(string) { app.dispatcher.Wake() })
		if err != nil {
			return err
		}
		app.listener = l
		go l.Run(ctx)
	}

	app.sweeper.Start()

	if !app.config.Dispatcher.AutoStart {
		app.dispatcher.Pause()
		app.logger.Info("dispatcher paused until started through the admin api")
		return nil
	}
	if err := app.service.StartDispatcher(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	return nil
}

// cleanup stops background work and releases resources. It is safe to
// call on a partially built application.
func (app *application) cleanup(ctx context.Context) error {
	var err error
	if app.sweeper != nil {
		err = multierr.Append(err, app.sweeper.Stop(ctx))
	}
	if app.dispatcher != nil {
		app.dispatcher.Close()
	}
	for i := len(app.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, app.closers[i](ctx))
	}
	app.closers = nil
	if err != nil {
		app.logger.Error("cleanup failed", slog.String("error", err.Error()))
	}
	return err
}
