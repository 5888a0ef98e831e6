// Package app wires the Store, Queue Service, Worker, and API Facade into
// a single running process: one constructor that builds every collaborator
// in dependency order (Store; Queue Service over the Store; Worker and API
// Facade over the Queue Service), plus Start/Shutdown lifecycle methods the
// entry point calls.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pdfjobs/internal/api"
	"github.com/ternarybob/pdfjobs/internal/config"
	"github.com/ternarybob/pdfjobs/internal/queue"
	"github.com/ternarybob/pdfjobs/internal/renderer"
	"github.com/ternarybob/pdfjobs/internal/store"
	"github.com/ternarybob/pdfjobs/internal/store/sqlite"
	"github.com/ternarybob/pdfjobs/internal/worker"
)

// App holds every component of the job coordination core plus the API
// Facade for a single process.
type App struct {
	cfg    *config.Config
	logger arbor.ILogger

	db     *sqlite.DB
	store  store.Store
	queue  *queue.Service
	worker *worker.Pool
	api    *api.Server
}

// New constructs every component in dependency order but does not start
// any background loop or listener; call Start for that.
func New(cfg *config.Config, logger arbor.ILogger) (*App, error) {
	db, err := sqlite.Open(logger, sqlite.Config{
		Path:          cfg.Storage.SQLitePath,
		BusyTimeoutMS: cfg.Storage.BusyTimeoutMS,
		CacheSizeMB:   cfg.Storage.CacheSizeMB,
		WALMode:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	jobStore := sqlite.NewJobStore(db, logger)
	queueSvc := queue.NewWithDefaults(jobStore, logger, cfg.Queue.Bounds(), cfg.Queue.DefaultRenderMode)

	renderRateLimit, err := time.ParseDuration(cfg.Worker.RenderRateLimit)
	if err != nil {
		renderRateLimit = 0
	}
	pollInterval, err := time.ParseDuration(cfg.Worker.PollInterval)
	if err != nil || pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	chromeRenderer := renderer.NewChromeRenderer(renderer.ChromeConfig{
		ExecPath:     cfg.Renderer.ChromeExecPath,
		WindowWidth:  cfg.Renderer.WindowWidth,
		WindowHeight: cfg.Renderer.WindowHeight,
		UserAgent:    cfg.Renderer.UserAgent,
		DisableGPU:   cfg.Renderer.DisableGPU,
	}, logger)

	pool := worker.New(worker.Config{
		PollInterval:    pollInterval,
		RenderRateLimit: renderRateLimit,
		ArtifactsDir:    cfg.Storage.ArtifactsDir,
		CleanupInterval: time.Duration(cfg.Cleanup.IntervalSeconds) * time.Second,
		CleanupFileAge:  time.Duration(cfg.Cleanup.FileAgeSeconds) * time.Second,
	}, queueSvc, chromeRenderer, logger)

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	apiServer := api.New(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), queueSvc, logger, metricsPath)

	return &App{
		cfg: cfg, logger: logger,
		db: db, store: jobStore, queue: queueSvc, worker: pool, api: apiServer,
	}, nil
}

// Start launches the Worker pool (which first runs startup recovery) and
// the API Facade's HTTP listener. The HTTP listener runs in its own
// goroutine; Start returns once both are underway.
func (a *App) Start(ctx context.Context) error {
	if err := a.worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	go func() {
		if err := a.api.ListenAndServe(); err != nil {
			a.logger.Error().Err(err).Msg("API server stopped unexpectedly")
		}
	}()

	a.logger.Info().
		Str("addr", fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)).
		Msg("pdfjobsd ready")
	return nil
}

// Shutdown stops the API listener and the Worker pool, then closes the
// Store. The HTTP server is given ctx's deadline to drain in-flight
// requests before the Worker pool is stopped.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.api.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("API server shutdown reported an error")
	}
	a.worker.Stop()
	return a.store.Close()
}
