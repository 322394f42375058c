// -----------------------------------------------------------------------
// Application wiring for the execution service
// -----------------------------------------------------------------------

package app

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/catalog"
	"github.com/ternarybob/mcpdash/internal/common"
	"github.com/ternarybob/mcpdash/internal/demotools"
	"github.com/ternarybob/mcpdash/internal/handlers"
	"github.com/ternarybob/mcpdash/internal/interfaces"
	"github.com/ternarybob/mcpdash/internal/models"
	"github.com/ternarybob/mcpdash/internal/services/events"
	"github.com/ternarybob/mcpdash/internal/storage/badger"
	"github.com/ternarybob/mcpdash/internal/worker"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB       *badger.BadgerDB
	JobStore *badger.JobStore

	EventService interfaces.EventService
	Catalog      *catalog.Catalog
	ToolRunner   *worker.ToolRunner
	ScanRunner   *worker.ScanRunner
	WorkerPool   *worker.WorkerPool

	// HTTP handlers
	WSHandler  *handlers.WebSocketHandler
	JobHandler *handlers.JobHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Strs("servers", app.Catalog.Names()).
		Msg("Application initialization complete")

	return app, nil
}

func (a *App) initDatabase() error {
	db, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}
	a.DB = db
	a.JobStore = badger.NewJobStore(db, a.Logger)

	retention := common.ParseDuration(a.Config.Storage.Badger.Retention, time.Hour)
	if err := a.JobStore.StartPruning(a.Config.Storage.Badger.PruneSchedule, retention); err != nil {
		a.JobStore.Close()
		db.Close()
		return fmt.Errorf("failed to schedule snapshot pruning: %w", err)
	}

	a.Logger.Debug().
		Str("storage", "badger").
		Bool("in_memory", a.Config.Storage.Badger.InMemory).
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initServices builds the execution side in dependency order:
// event bus, catalog, runners, then the worker pool that drives them.
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)

	cat, err := a.loadCatalog()
	if err != nil {
		return err
	}
	a.Catalog = cat

	toolTimeout := common.ParseDuration(a.Config.Worker.ToolTimeout, 5*time.Minute)
	a.ToolRunner = worker.NewToolRunner(cat, toolTimeout, a.Logger)
	a.ToolRunner.RegisterInProcess(demotools.ServerName, demotools.NewServer(a.Logger))

	a.ScanRunner = worker.NewScanRunner(a.Config.Worker.ScanRoot, worker.BasicGrader{}, a.Logger)

	throttle := common.ParseDuration(a.Config.Worker.ProgressThrottle, 0)
	a.WorkerPool = worker.NewWorkerPool(a.JobStore, a.EventService, a.Logger, a.Config.Worker.Concurrency, throttle)
	a.WorkerPool.RegisterRunner(models.JobKindToolExecution, a.ToolRunner)
	a.WorkerPool.RegisterRunner(models.JobKindScan, a.ScanRunner)

	return nil
}

// loadCatalog reads the configured catalog. A missing file is not an error:
// the built-in demo server is always available.
func (a *App) loadCatalog() (*catalog.Catalog, error) {
	path := a.Config.Catalog.Path
	if path == "" {
		return &catalog.Catalog{}, nil
	}

	cat, err := catalog.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		a.Logger.Warn().Str("path", path).Msg("Catalog file not found, only built-in servers are available")
		return &catalog.Catalog{}, nil
	}
	if err != nil {
		return nil, err
	}

	a.Logger.Info().
		Str("path", path).
		Int("servers", len(cat.Servers)).
		Msg("Catalog loaded")
	return cat, nil
}

func (a *App) initHandlers() error {
	ws, err := handlers.NewWebSocketHandler(a.WorkerPool, a.JobStore, a.EventService, a.Logger)
	if err != nil {
		return err
	}
	a.WSHandler = ws
	a.JobHandler = handlers.NewJobHandler(a.WorkerPool, a.JobStore, a.Logger)
	return nil
}

// Close stops the pool first so every running job reports a terminal state,
// then disconnects clients and releases storage.
func (a *App) Close() error {
	if a.WorkerPool != nil {
		a.WorkerPool.Stop()
	}

	if a.WSHandler != nil {
		a.WSHandler.Close()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.JobStore != nil {
		a.JobStore.Close()
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close database")
			return err
		}
		a.Logger.Info().Msg("Database closed")
	}

	return nil
}
