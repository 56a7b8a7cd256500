package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/scriba/internal/blobstore"
	"github.com/ternarybob/scriba/internal/common"
	"github.com/ternarybob/scriba/internal/engine"
	"github.com/ternarybob/scriba/internal/handlers"
	"github.com/ternarybob/scriba/internal/queue"
	"github.com/ternarybob/scriba/internal/ratelimit"
	"github.com/ternarybob/scriba/internal/services/janitor"
	"github.com/ternarybob/scriba/internal/services/polling"
	"github.com/ternarybob/scriba/internal/services/submit"
	storage "github.com/ternarybob/scriba/internal/storage/badger"
	"github.com/ternarybob/scriba/internal/telemetry"
	"github.com/ternarybob/scriba/internal/worker"
)

// Options selects which roles this process runs. The default deployment
// runs both; separating them lets API nodes scale independently of the
// CPU-bound workers as long as they share the same data directory.
type Options struct {
	RunAPI    bool
	RunWorker bool
}

// App holds all application components and dependencies
type App struct {
	Config  *common.Config
	Logger  arbor.ILogger
	Metrics *telemetry.Metrics

	ctx       context.Context
	cancelCtx context.CancelFunc

	// Storage
	DB          *storage.BadgerDB
	Registry    *storage.JobRegistry
	ResultCache *storage.ResultCache
	Heartbeats  *storage.HeartbeatStore
	BlobStore   *blobstore.Store
	WorkQueue   *queue.WorkQueue

	// Services
	Limiter        *ratelimit.Limiter
	SubmitService  *submit.Service
	PollingService *polling.Service
	JanitorService *janitor.Service
	Engine         engine.Transcriber
	WorkerPool     *worker.Pool

	// HTTP handlers
	TranscribeHandler *handlers.TranscribeHandler
	JobHandler        *handlers.JobHandler
	SystemHandler     *handlers.SystemHandler
}

// New creates and wires the application components.
func New(config *common.Config, logger arbor.ILogger, opts Options) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		Config:    config,
		Logger:    logger,
		Metrics:   telemetry.New(),
		ctx:       ctx,
		cancelCtx: cancel,
	}

	db, err := storage.NewBadgerDB(logger, &config.Storage)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.DB = db

	a.Registry = storage.NewJobRegistry(db, logger)
	a.ResultCache = storage.NewResultCache(db, config.CacheTTL(), logger)
	a.Heartbeats = storage.NewHeartbeatStore(db, common.Duration(config.Worker.HeartbeatMaxAge, 90*time.Second))

	blobs, err := blobstore.New(config.Uploads.Dir, logger)
	if err != nil {
		db.Close()
		cancel()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	a.BlobStore = blobs

	workQueue, err := queue.NewWorkQueue(db.Badger(), config.Queue.Name,
		common.Duration(config.Queue.VisibilityTimeout, 5*time.Minute))
	if err != nil {
		db.Close()
		cancel()
		return nil, fmt.Errorf("failed to open work queue: %w", err)
	}
	a.WorkQueue = workQueue

	a.Limiter = ratelimit.New(config.RateLimit.SubmitPerMin, config.RateLimit.PollPerMin)

	a.SubmitService = submit.NewService(a.Registry, a.ResultCache, blobs, workQueue,
		a.Metrics, logger, config.MaxFileSizeBytes(), config.Uploads.AllowedTypes)
	a.PollingService = polling.NewService(a.Registry, a.ResultCache, logger)
	a.JanitorService = janitor.NewService(a.Registry, blobs, workQueue, a.Heartbeats,
		a.Limiter, a.Metrics, logger, config)

	if opts.RunWorker {
		transcriber, err := engine.New(config.Engine)
		if err != nil {
			db.Close()
			cancel()
			return nil, fmt.Errorf("failed to create engine: %w", err)
		}
		a.Engine = transcriber
		a.WorkerPool = worker.NewPool(a.Registry, a.ResultCache, blobs, workQueue,
			a.Heartbeats, transcriber, a.Metrics, logger, config)
	}

	if opts.RunAPI {
		a.TranscribeHandler = handlers.NewTranscribeHandler(a.SubmitService, a.Limiter,
			a.Metrics, logger, common.Duration(config.Uploads.BodyReadTimeout, 5*time.Minute),
			config.MaxFileSizeBytes())
		a.JobHandler = handlers.NewJobHandler(a.PollingService, a.Limiter, logger)
		a.SystemHandler = handlers.NewSystemHandler(a.Registry, a.Heartbeats, workQueue,
			config.Engine, common.Duration(config.Worker.HeartbeatMaxAge, 90*time.Second), logger)
	}

	return a, nil
}

// Start launches the background components: the janitor and, when
// enabled, the worker pool.
func (a *App) Start() error {
	if err := a.JanitorService.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}
	if a.WorkerPool != nil {
		a.WorkerPool.Start(a.ctx)
	}
	return nil
}

// Shutdown stops background work and closes storage.
func (a *App) Shutdown() {
	a.Logger.Info().Msg("Shutting down application")

	a.cancelCtx()
	if a.WorkerPool != nil {
		a.WorkerPool.Wait()
	}
	a.JanitorService.Stop()

	if err := a.DB.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close storage cleanly")
	}
	a.Logger.Info().Msg("Application stopped")
}
