// -----------------------------------------------------------------------
// App - Component construction order and teardown
// -----------------------------------------------------------------------

// Package app wires the service binary together: storage, bus, registry,
// queue, batches, monitor, workers, scheduler and the HTTP handlers, in
// dependency order, with a teardown that unwinds them in reverse.
package app

import (
	"fmt"

	"github.com/ternarybob/agenda/internal/batch"
	"github.com/ternarybob/agenda/internal/bus"
	"github.com/ternarybob/agenda/internal/common"
	"github.com/ternarybob/agenda/internal/handlers"
	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/agenda/internal/models"
	"github.com/ternarybob/agenda/internal/monitor"
	"github.com/ternarybob/agenda/internal/queue"
	"github.com/ternarybob/agenda/internal/services/scheduler"
	"github.com/ternarybob/agenda/internal/storage/sqlite"
	"github.com/ternarybob/agenda/internal/worker"
	"github.com/ternarybob/arbor"
)

// App holds every component of the service binary.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	MessageBus     interfaces.MessageBus
	Registry       *queue.Registry
	QueueService   interfaces.QueueService
	BatchManager   interfaces.BatchManager
	Monitor        *monitor.Monitor
	WorkerPool     *worker.Pool
	Scheduler      interfaces.SchedulerService

	// HTTP handlers
	JobHandler    *handlers.JobHandler
	BatchHandler  *handlers.BatchHandler
	StatusHandler *handlers.StatusHandler
	WSHandler     *handlers.WebSocketHandler
}

// New constructs the application. Construction order matters: storage
// first, then bus, registry, queue, batches, monitor, workers, scheduler
// and finally the handlers over all of them.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: config,
		Logger: logger,
	}

	storageManager, err := sqlite.NewManager(logger, &config.Storage.SQLite)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.StorageManager = storageManager

	messageBus, err := newMessageBus(config, logger)
	if err != nil {
		storageManager.Close()
		return nil, err
	}
	a.MessageBus = messageBus

	a.Registry = queue.NewRegistry(logger)
	a.QueueService = queue.NewService(storageManager.JobStorage(), a.Registry, config.Queue.DefaultMaxRetries, logger)
	a.BatchManager = batch.NewManager(a.QueueService, logger)

	a.Monitor = monitor.NewMonitor(a.QueueService, a.BatchManager, messageBus, logger)

	workerConfig := models.WorkerConfig{
		Concurrency:  config.Workers.Concurrency,
		PollInterval: config.Workers.PollIntervalDuration(),
		MaxJobs:      config.Workers.MaxJobs,
		AutoStart:    config.Workers.AutoStart,
	}
	a.WorkerPool = worker.NewPool(a.QueueService, a.Registry, a.Monitor, workerConfig, logger)

	a.Scheduler = scheduler.NewService(a.QueueService, a.BatchManager, config.Queue, config.Scheduler.CleanupSchedule, logger)
	if config.Scheduler.Enabled {
		if err := a.Scheduler.Start(); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	a.JobHandler = handlers.NewJobHandler(a.QueueService, a.WorkerPool, logger)
	a.BatchHandler = handlers.NewBatchHandler(a.BatchManager, logger)
	a.StatusHandler = handlers.NewStatusHandler(a.Scheduler, logger)

	wsHandler, err := handlers.NewWebSocketHandler(messageBus, &config.WebSocket, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize websocket handler: %w", err)
	}
	a.WSHandler = wsHandler

	logger.Info().
		Str("bus_mode", config.Bus.Mode).
		Str("db_path", config.Storage.SQLite.Path).
		Msg("Application initialized")

	return a, nil
}

// newMessageBus selects the bus adapter from config.
func newMessageBus(config *common.Config, logger arbor.ILogger) (interfaces.MessageBus, error) {
	switch config.Bus.Mode {
	case "", "memory":
		return bus.NewMemoryBus(logger), nil
	case "nats":
		return bus.NewNATSBus(config.Bus.URL, logger)
	default:
		return nil, fmt.Errorf("unknown bus mode: %s", config.Bus.Mode)
	}
}

// Close drains the workers, stops the scheduler and releases every
// resource in reverse construction order.
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application")
	a.close()
	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}

func (a *App) close() {
	if a.WorkerPool != nil {
		if err := a.WorkerPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Worker pool stop failed")
		}
	}
	if a.Scheduler != nil && a.Scheduler.IsRunning() {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Scheduler stop failed")
		}
	}
	if a.WSHandler != nil {
		a.WSHandler.Close()
	}
	if a.MessageBus != nil {
		if err := a.MessageBus.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Message bus close failed")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage close failed")
		}
	}
}
