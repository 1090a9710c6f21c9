package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/phrazzld/mediagen/internal/api"
	"github.com/phrazzld/mediagen/internal/config"
	"github.com/phrazzld/mediagen/internal/events"
	"github.com/phrazzld/mediagen/internal/platform/gemini"
	"github.com/phrazzld/mediagen/internal/platform/postgres"
	"github.com/phrazzld/mediagen/internal/platform/redisq"
	"github.com/phrazzld/mediagen/internal/platform/tracing"
	"github.com/phrazzld/mediagen/internal/platform/webhook"
	"github.com/phrazzld/mediagen/internal/task"
)

// application holds the process-wide dependencies and releases them on
// shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	db            *sql.DB
	redis         *redis.Client
	broker        task.Broker
	webhook       *webhook.Sink
	notifications *events.AsyncHandler

	service *task.Service
	runner  *task.TaskRunner
	handler http.Handler

	shutdownTracing tracing.ShutdownFunc
}

// newApplication builds every component from cfg. Nothing runs until Run.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *application, err error) {
	app = &application{
		config:          cfg,
		logger:          logger,
		shutdownTracing: func(context.Context) error { return nil },
	}
	defer func() {
		if err != nil {
			app.cleanup()
			app = nil
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		return app, fmt.Errorf("failed to set up tracing: %w", err)
	}
	app.shutdownTracing = shutdownTracing

	router, err := task.NewQueueRouter(profilesFromConfig(cfg.Types))
	if err != nil {
		return app, fmt.Errorf("failed to build queue router: %w", err)
	}

	var (
		store task.Store
		tx    task.Transactor
	)
	if cfg.Database.URL != "" {
		app.db, err = openDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return app, err
		}
		store = postgres.NewPostgresTaskStore(app.db, logger)
		tx = postgres.NewTransactor(app.db, logger)
	} else {
		logger.Warn("database.url not set, tasks are kept in memory and lost on restart")
		memory := task.NewMemoryStore()
		store, tx = memory, memory
	}

	app.broker, err = app.newBroker(ctx)
	if err != nil {
		return app, err
	}

	providers, err := newProviders(ctx, cfg.Gemini, logger)
	if err != nil {
		return app, err
	}

	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(events.NewLogSink(logger))
	if cfg.Notify.WebhookURL != "" {
		app.webhook, err = webhook.NewSink(cfg.Notify, logger)
		if err != nil {
			return app, fmt.Errorf("failed to create webhook sink: %w", err)
		}
		app.notifications = events.NewAsyncHandler(app.webhook,
			cfg.Notify.QueueSize, cfg.Notify.DrainTimeout, logger)
		emitter.RegisterHandler(app.notifications)
	}
	notifier := task.NewNotifier(emitter, logger)

	reconciler := task.NewReconciler(store, tx, router, providers, notifier,
		reconcilerConfig(cfg.Reconciler), logger)
	executor := task.NewExecutor(store, tx, router, app.broker, providers, reconciler, notifier,
		task.ExecutorConfig{
			SubmitTimeout: cfg.Runner.SubmitTimeout,
			CancelTimeout: cfg.Runner.CancelTimeout,
		}, logger)
	gateway := task.NewGateway(store, providers, reconciler, notifier, cfg.Runner.CancelTimeout, logger)

	app.service = task.NewService(store, router, app.broker, gateway,
		task.ServiceConfig{StatusCacheTTL: cfg.Runner.StatusCacheTTL}, logger)
	app.runner = task.NewTaskRunner(store, app.broker, router, executor, reconciler,
		task.TaskRunnerConfig{
			StuckTaskAge:      cfg.Runner.StuckTaskAge,
			RequeueGrace:      cfg.Runner.RequeueGrace,
			SweepSchedule:     cfg.Runner.SweepSchedule,
			SweepBatch:        cfg.Runner.SweepBatch,
			ReceiveErrorDelay: cfg.Runner.ReceiveErrorDelay,
		}, logger)

	app.handler = api.NewRouter(api.NewTaskHandler(app.service, logger), app.healthCheck, logger)

	logger.Info("application initialized", "task_types", len(router.Types()), "providers", len(providers))
	return app, nil
}

func (app *application) newBroker(ctx context.Context) (task.Broker, error) {
	cfg := app.config
	if cfg.Broker.Backend != "redis" {
		return task.NewMemoryBroker(cfg.Broker.Capacity, app.logger), nil
	}

	app.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := app.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
	}

	return redisq.NewBroker(app.redis, redisq.Config{
		KeyPrefix:         cfg.Redis.KeyPrefix,
		VisibilityTimeout: cfg.Redis.VisibilityTimeout,
		Capacity:          cfg.Broker.Capacity,
	}, app.logger), nil
}

// newProviders registers the Gemini adapters when credentials are present.
// Task types without an adapter fail with a validation reason when executed.
func newProviders(ctx context.Context, cfg config.GeminiConfig, logger *slog.Logger) (task.Providers, error) {
	providers := task.Providers{}
	if !cfg.Enabled() {
		logger.Warn("gemini is not configured, no generation providers registered")
		return providers, nil
	}

	gp, err := gemini.NewProviders(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gemini providers: %w", err)
	}
	providers[task.TypeImage] = gp.Image
	providers[task.TypeScene] = gp.Scene
	providers[task.TypeVideo] = gp.Video
	providers[task.TypeAudio] = gp.Speech
	return providers, nil
}

func (app *application) healthCheck(ctx context.Context) error {
	if app.db != nil {
		if err := app.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if app.redis != nil {
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Run starts the task runner and the HTTP server and blocks until ctx is
// cancelled or the server fails, then shuts everything down.
func (app *application) Run(ctx context.Context) error {
	defer app.cleanup()

	defer app.runner.Stop()
	if err := app.runner.Start(); err != nil {
		return fmt.Errorf("failed to start task runner: %w", err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serve(ctx, server, app.config.Server.ShutdownTimeout, app.logger)
}

// serve runs server until ctx is done, then shuts it down within timeout.
func serve(ctx context.Context, server *http.Server, timeout time.Duration, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// cleanup releases resources in reverse order of acquisition.
func (app *application) cleanup() {
	if app.notifications != nil {
		if err := app.notifications.Close(); err != nil {
			app.logger.Error("error draining notifications", "error", err)
		}
	}
	if app.webhook != nil {
		if err := app.webhook.Close(); err != nil {
			app.logger.Error("error closing webhook sink", "error", err)
		}
	}
	if app.broker != nil {
		if err := app.broker.Close(); err != nil {
			app.logger.Error("error closing broker", "error", err)
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.shutdownTracing(ctx); err != nil {
		app.logger.Error("error flushing traces", "error", err)
	}
	app.logger.Info("application shutdown completed")
}
