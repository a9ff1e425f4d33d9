package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/storyloom/storyloom-api/internal/api"
	apimiddleware "github.com/storyloom/storyloom-api/internal/api/middleware"
	"github.com/storyloom/storyloom-api/internal/config"
	"github.com/storyloom/storyloom-api/internal/platform/gemini"
	"github.com/storyloom/storyloom-api/internal/platform/postgres"
	"github.com/storyloom/storyloom-api/internal/progress"
	"github.com/storyloom/storyloom-api/internal/ratelimit"
	"github.com/storyloom/storyloom-api/internal/retry"
	"github.com/storyloom/storyloom-api/internal/service"
	"github.com/storyloom/storyloom-api/internal/service/auth"
	"github.com/storyloom/storyloom-api/internal/task"
)

// streamSweepInterval is how often finished event streams past their
// grace period are dropped from the progress bus.
const (
	streamSweepInterval = time.Minute
	streamSweepGrace    = 5 * time.Minute
	shutdownTimeout     = 15 * time.Second
)

// application holds the wired dependencies of one server process. The
// HTTP surface and the worker pool run in the same process so the
// in-memory progress bus can feed the WebSocket stream directly.
type application struct {
	config  *config.Config
	logger  *slog.Logger
	db      *sql.DB
	redis   *redis.Client
	bus     *progress.Bus
	runner  *task.Runner
	limiter *ratelimit.Limiter
	server  *http.Server
}

// newApplication wires every component from configuration. It fails
// fast: any unreachable dependency or invalid setting aborts startup.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	db, err := openDatabase(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	jobStore := postgres.NewPostgresJobStore(db)
	pageStore := postgres.NewPostgresPageStore(db)

	generator, err := gemini.NewGenerator(logger, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation client: %w", err)
	}

	bus := progress.NewBus(logger)

	retryCfg := retry.Config{
		MaxAttempts:       cfg.LLM.MaxAttempts,
		BaseDelay:         cfg.LLM.RetryBaseDelay,
		BackoffFactor:     2,
		MaxDelay:          cfg.LLM.RetryMaxDelay,
		PerAttemptTimeout: cfg.LLM.PerAttemptTimeout,
		Endpoint:          cfg.LLM.Endpoint,
		FallbackEndpoint:  cfg.LLM.BackupEndpoint,
	}
	pipeline, err := task.NewBookGenerationTask(
		jobStore, pageStore, generator, generator, bus, retryCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation pipeline: %w", err)
	}

	runner := task.NewRunner(jobStore, pipeline, task.RunnerConfig{
		WorkerCount:       cfg.Worker.Count,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StaleAfter:        cfg.Worker.StaleAfter,
		ReclaimInterval:   cfg.Worker.ReclaimInterval,
		JobTimeout:        cfg.Worker.JobTimeout,
		Retention:         cfg.Worker.Retention,
		SweepInterval:     cfg.Worker.SweepInterval,
	}, logger)

	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
		bus:    bus,
		runner: runner,
	}

	// The shared Redis store is optional; without it admission control
	// is correct per instance but not across instances.
	var primary ratelimit.Store
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		app.redis = redis.NewClient(opts)
		primary = ratelimit.NewRedisStore(app.redis)
	}
	app.limiter = ratelimit.NewLimiter(primary, ratelimit.NewMemoryStore(), logger)

	jwtService, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT service: %w", err)
	}

	bookService, err := service.NewBookService(jobStore, pageStore, db, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create book service: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           app.setupRouter(bookService, jwtService),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app, nil
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return db, nil
}

// setupRouter configures the application router with all routes and
// middleware.
func (app *application) setupRouter(books *service.BookService, jwtService auth.JWTService) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.TraceMiddleware)

	bookHandler := api.NewBookHandler(books, app.logger)
	eventsHandler := api.NewEventsHandler(app.bus, books, app.logger)
	healthHandler := api.NewHealthHandler(app.db, app.limiter, app.logger)

	authMiddleware := apimiddleware.NewAuthMiddleware(jwtService)
	rateLimitMiddleware := apimiddleware.NewRateLimitMiddleware(
		app.limiter, app.config.RateLimit.Limit, app.config.RateLimit.Window)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			// Enqueueing burns provider quota; it alone sits behind the
			// admission limiter.
			r.With(rateLimitMiddleware.Limit).Post("/books", bookHandler.CreateBook)

			r.Get("/jobs/{jobID}", bookHandler.GetJob)
			r.Post("/jobs/{jobID}/cancel", bookHandler.CancelJob)
			r.Get("/jobs/{jobID}/book", bookHandler.GetBook)
			r.Get("/jobs/{jobID}/events", eventsHandler.StreamEvents)
		})
	})

	r.Get("/healthz", healthHandler.Check)

	return r
}

// run starts the worker pool and the HTTP server and blocks until the
// context is cancelled or a component fails.
func (app *application) run(ctx context.Context) error {
	if err := app.runner.Start(); err != nil {
		return fmt.Errorf("failed to start job runner: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info("http server listening", "addr", app.server.Addr)
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(streamSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := app.bus.SweepTerminal(streamSweepGrace); n > 0 {
					app.logger.Debug("swept finished event streams", "count", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		app.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.server.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("http shutdown failed", "error", err)
		}

		// Workers stop at the next stage boundary; unfinished jobs stay
		// claimed and are reclaimed after the stale age.
		app.runner.Stop()
		return nil
	})

	return g.Wait()
}

// close releases connections. Safe to call after run returns.
func (app *application) close() {
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if app.db != nil {
		_ = app.db.Close()
	}
}
