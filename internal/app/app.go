package app

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/handlers"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/jobs/indexing"
	"github.com/ternarybob/corpus/internal/jobs/lock"
	"github.com/ternarybob/corpus/internal/jobs/pipeline"
	"github.com/ternarybob/corpus/internal/plugins"
	"github.com/ternarybob/corpus/internal/plugins/enhancers"
	"github.com/ternarybob/corpus/internal/plugins/parsers"
	"github.com/ternarybob/corpus/internal/plugins/providers/github"
	"github.com/ternarybob/corpus/internal/plugins/providers/imap"
	"github.com/ternarybob/corpus/internal/plugins/providers/localdir"
	"github.com/ternarybob/corpus/internal/plugins/providers/web"
	"github.com/ternarybob/corpus/internal/queue"
	"github.com/ternarybob/corpus/internal/services/events"
	"github.com/ternarybob/corpus/internal/services/kv"
	"github.com/ternarybob/corpus/internal/services/llm"
	"github.com/ternarybob/corpus/internal/services/pipelines"
	"github.com/ternarybob/corpus/internal/services/scheduler"
	"github.com/ternarybob/corpus/internal/services/sources"
	"github.com/ternarybob/corpus/internal/storage"
	"github.com/ternarybob/corpus/internal/storage/badger"
	"github.com/ternarybob/corpus/internal/storage/files"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	StorageManager *badger.Manager
	FileStorage    *files.LocalStorage

	// Job runtime
	EventService interfaces.EventService
	QueueManager *queue.Manager
	WorkerPool   *queue.WorkerPool
	Engine       *engine.Engine
	LockService  *lock.Service

	// Plugins and pipelines
	Registry        *plugins.Registry
	WebProvider     *web.Provider
	PipelineService *pipelines.Service

	// Indexing and source administration
	IndexingService  *indexing.Service
	SourceService    *sources.Service
	SchedulerService interfaces.SchedulerService

	LLMService interfaces.LLMService
	KVService  *kv.Service

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	SourcesHandler   *handlers.SourcesHandler
	JobHandler       *handlers.JobHandler
	KVHandler        *handlers.KVHandler
	SchedulerHandler *handlers.SchedulerHandler
	FilesHandler     *handlers.FilesHandler
	WebhookHandler   *handlers.WebhookHandler
	WSHandler        *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := app.initDatabase(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.EventService = events.NewService(app.Logger)

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	// Workers start last so no delivery runs against a half-built registry
	if err := app.WorkerPool.Start(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	if cfg.Scheduler.Enabled {
		if err := app.SchedulerService.Start(app.ctx); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	logger.Info().
		Strs("providers", app.Registry.Names()["providers"]).
		Int("pipelines", len(app.PipelineService.All())).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens Badger and the local file store
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.ctx, a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager

	fileStorage, err := files.NewLocalStorage(storageManager.BadgerDB().Store(), a.Config.Storage.Files, a.Logger)
	if err != nil {
		storageManager.Close()
		return fmt.Errorf("failed to create file storage: %w", err)
	}
	a.FileStorage = fileStorage

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Str("files", a.Config.Storage.Files.Dir).
		Msg("Storage layer initialized")
	return nil
}

// initServices builds the job runtime in dependency order:
//
//  1. queue manager and job engine
//  2. scheduler lock, using the engine to reap closed holders
//  3. plugin registry (providers, parsers, enhancers)
//  4. pipeline definitions and runner
//  5. indexing service, registered on the engine before any worker polls
//  6. source administration and the cron scheduler
func (a *App) initServices() error {
	cfg := a.Config

	queueConfig := queue.ConfigFrom(cfg.Queue)
	queueMgr, err := queue.NewManager(
		a.StorageManager.BadgerDB().Badger(),
		queueConfig.QueueName,
		queueConfig.VisibilityTimeout,
		queueConfig.MaxReceive,
	)
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}
	a.QueueManager = queueMgr

	engineDefaults := engine.NewDefaultConfig()
	a.Engine = engine.NewEngine(
		a.StorageManager.JobStorage(),
		a.StorageManager.CheckpointStorage(),
		queueMgr,
		a.EventService,
		engine.Config{
			Concurrency:           cfg.Queue.Concurrency,
			ActivityMaxAttempts:   cfg.Indexing.ActivityMaxAttempts,
			ActivityRetryInterval: common.Duration(cfg.Indexing.ActivityRetryInterval, engineDefaults.ActivityRetryInterval),
			AwaitPollInterval:     engineDefaults.AwaitPollInterval,
			HeartbeatInterval:     engineDefaults.HeartbeatInterval,
		},
		a.Logger,
	)

	eng := a.Engine
	a.LockService = lock.NewService(
		a.StorageManager.LockStorage(),
		common.Duration(cfg.Indexing.LockPollInterval, time.Second),
		common.Duration(cfg.Indexing.LockCompactAfter, 24*time.Hour),
		func(ctx context.Context, requestID string) (bool, error) {
			return indexing.JobOpen(ctx, eng, requestID)
		},
		a.Logger,
	)

	a.KVService = kv.NewService(a.StorageManager.KeyValueStorage(), a.Logger)
	llmService := llm.NewService(cfg, a.StorageManager.KeyValueStorage(), a.Logger)
	a.LLMService = llmService

	if err := a.initRegistry(); err != nil {
		return err
	}

	evaluator := pipeline.NewEvaluator(common.Duration(cfg.Indexing.ExpressionTimeout, time.Second))
	a.PipelineService = pipelines.NewService(cfg.Pipelines.Dir, evaluator, a.Logger)
	if err := a.PipelineService.Load(); err != nil {
		return fmt.Errorf("failed to load pipelines: %w", err)
	}
	runner := pipeline.NewRunner(a.Registry, evaluator, a.Logger)

	a.IndexingService = indexing.NewService(
		a.Engine,
		a.LockService,
		a.StorageManager,
		a.Registry,
		a.PipelineService,
		runner,
		indexing.ConfigFrom(cfg.Indexing),
		a.Logger,
	)
	a.IndexingService.Register()
	a.WorkerPool = queue.NewWorkerPool(queueMgr, queueConfig, a.Engine.HandleDelivery, a.Logger)

	a.SourceService = sources.NewService(
		a.StorageManager.SourceStorage(),
		a.Registry,
		a.IndexingService,
		a.EventService,
		a.Logger,
	)

	a.SchedulerService = scheduler.NewService(
		a.StorageManager.SourceStorage(),
		a.IndexingService,
		a.EventService,
		cfg.Scheduler.DefaultSchedule,
		a.Logger,
	)

	return nil
}

// initRegistry registers every built-in provider, parser and enhancer
func (a *App) initRegistry() error {
	cfg := a.Config
	a.Registry = plugins.NewRegistry(a.StorageManager.Database(), a.FileStorage, a.Logger)

	a.WebProvider = web.NewProvider(cfg.Crawler, a.Logger)
	a.Registry.RegisterProvider(localdir.NewProvider(cfg.LocalDir.MaxFileSize, a.Logger))
	a.Registry.RegisterProvider(github.NewProvider(cfg.GitHub, a.Logger))
	a.Registry.RegisterProvider(a.WebProvider)
	a.Registry.RegisterProvider(imap.NewProvider(cfg.IMAP, a.Logger))

	tempDir := filepath.Join(cfg.Storage.Files.Dir, "tmp")
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return fmt.Errorf("failed to create parser temp dir: %w", err)
	}
	a.Registry.RegisterParser(parsers.NewMarkdownParser())
	a.Registry.RegisterParser(parsers.NewHTMLParser(a.Logger))
	a.Registry.RegisterParser(parsers.NewPDFParser(tempDir, a.Logger))
	// Text accepts any text/* type, so it goes last
	a.Registry.RegisterParser(parsers.NewTextParser())

	a.Registry.RegisterEnhancer(enhancers.NewSummaryEnhancer(
		a.LLMService,
		a.StorageManager.KeyValueStorage(),
		enhancers.SummaryConfig{
			Model:       cfg.Summary.Model,
			Async:       cfg.Summary.Async,
			TaskTimeout: common.Duration(cfg.Summary.TaskTimeout, 2*time.Minute),
			MaxChars:    cfg.Summary.MaxChars,
		},
		a.Logger,
	))
	a.Registry.RegisterEnhancer(enhancers.NewKeywordsEnhancer())

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler(a.Registry, a.Logger)
	a.SourcesHandler = handlers.NewSourcesHandler(a.SourceService, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.IndexingService, a.LockService, a.Logger)
	a.KVHandler = handlers.NewKVHandler(a.KVService, a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService)
	a.FilesHandler = handlers.NewFilesHandler(a.FileStorage, filesPrefix(a.Config.Storage.Files.PublicBaseURL), a.Logger)
	a.WebhookHandler = handlers.NewWebhookHandler(a.EventService, a.Config.GitHub.WebhookSecret, a.Logger)

	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Config.WebSocket, a.Logger)
	a.WSHandler.Start(a.ctx)

	a.Logger.Debug().Msg("HTTP handlers initialized")
	return nil
}

// filesPrefix is the route path of published files. The public base URL may
// be absolute when files sit behind a proxy.
func filesPrefix(publicBaseURL string) string {
	prefix := publicBaseURL
	if parsed, err := url.Parse(publicBaseURL); err == nil && parsed.Path != "" {
		prefix = parsed.Path
	}
	return "/" + strings.Trim(prefix, "/") + "/"
}

// Close closes all application resources
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
	}

	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	// Running deliveries are cancelled; their messages are redelivered and
	// replay from checkpoints on the next start
	if a.WorkerPool != nil {
		if err := a.WorkerPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop worker pool")
		}
	}

	if a.WebProvider != nil {
		a.WebProvider.Close()
	}

	if a.LLMService != nil {
		if err := a.LLMService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close LLM service")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
