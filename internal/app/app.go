package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/handlers"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/ternarybob/reqflow/internal/services/events"
	"github.com/ternarybob/reqflow/internal/services/llm"
	"github.com/ternarybob/reqflow/internal/services/pipeline"
	"github.com/ternarybob/reqflow/internal/services/poller"
	"github.com/ternarybob/reqflow/internal/services/scheduler"
	"github.com/ternarybob/reqflow/internal/services/scraper"
	"github.com/ternarybob/reqflow/internal/services/search"
	"github.com/ternarybob/reqflow/internal/services/stages"
	"github.com/ternarybob/reqflow/internal/services/workflow"
	"github.com/ternarybob/reqflow/internal/storage"
)

// reconcileTimeout bounds one reconciliation sweep
const reconcileTimeout = 30 * time.Second

const compactJobName = "compact-progress"

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	StorageManager *storage.Manager

	// Services
	EventService     interfaces.EventService
	StageInvoker     interfaces.StageInvoker
	Orchestrator     *pipeline.Orchestrator
	Poller           *poller.Poller
	WorkflowService  *workflow.Service
	SchedulerService *scheduler.Service

	// HTTP handlers
	APIHandler         *handlers.APIHandler
	RequirementHandler *handlers.RequirementHandler
	WorkflowHandler    *handlers.WorkflowHandler
	ReportHandler      *handlers.ReportHandler
	WSHandler          *handlers.WebSocketHandler
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

	app.EventService = events.NewService(app.Logger)

	if err := app.initServices(); err != nil {
		app.StorageManager.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("stages_mode", cfg.Stages.Mode).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens the progress store (Badger) and the requirement store (SQLite)
func (a *App) initDatabase() error {
	manager, err := storage.NewManager(a.Logger, a.Config)
	if err != nil {
		return err
	}
	a.StorageManager = manager
	return nil
}

// initServices initializes business services in dependency order:
// stage invoker -> orchestrator + poller -> workflow service -> scheduler
func (a *App) initServices() error {
	invoker, err := a.newStageInvoker()
	if err != nil {
		return err
	}
	a.StageInvoker = invoker

	requirements := a.StorageManager.RequirementStorage()

	a.Orchestrator = pipeline.NewOrchestrator(invoker, requirements, a.Logger, pipeline.ConfigFrom(&a.Config.Pipeline))
	a.Poller = poller.NewPoller(requirements, a.Logger, poller.ConfigFrom(&a.Config.Pipeline))

	a.WorkflowService = workflow.NewService(
		requirements,
		a.StorageManager.ProgressStore(),
		a.EventService,
		a.Orchestrator,
		a.Poller,
		a.Logger,
	)

	a.SchedulerService = scheduler.NewService(a.Logger)
	if a.Config.Scheduler.Enabled {
		if err := scheduler.RegisterReconcileJob(
			a.SchedulerService,
			a.WorkflowService,
			a.Config.Scheduler.ReconcileSchedule,
			reconcileTimeout,
			a.Logger,
		); err != nil {
			return fmt.Errorf("failed to register reconcile job: %w", err)
		}
		if schedule := a.Config.Scheduler.CompactSchedule; schedule != "" {
			if err := a.SchedulerService.RegisterJob(
				compactJobName,
				schedule,
				"Reclaim progress store space",
				func(ctx context.Context) error { return a.StorageManager.CompactProgress() },
			); err != nil {
				return fmt.Errorf("failed to register compact job: %w", err)
			}
		}
	}

	return nil
}

// newStageInvoker builds the in-process stage service, or the hosted-function
// client when stages run remotely
func (a *App) newStageInvoker() (interfaces.StageInvoker, error) {
	if a.Config.Stages.Mode == "http" {
		a.Logger.Info().Str("base_url", a.Config.Stages.BaseURL).Msg("Stages run as hosted functions")
		return stages.NewHTTPInvoker(a.Config.Stages.BaseURL, a.Config.Stages.APIKey, a.Logger), nil
	}

	llmService, err := llm.NewLLMService(context.Background(), &a.Config.LLM, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM service: %w", err)
	}

	searchProvider, err := search.NewDuckDuckGoProvider(&a.Config.Search, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize search provider: %w", err)
	}

	prompts := stages.DefaultPrompts()
	if a.Config.Prompts.File != "" {
		prompts, err = stages.LoadPrompts(a.Config.Prompts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load prompts: %w", err)
		}
		a.Logger.Info().Str("file", a.Config.Prompts.File).Msg("Prompt overrides loaded")
	}

	return stages.NewService(
		a.StorageManager.RequirementStorage(),
		llmService,
		searchProvider,
		scraper.NewFetcher(&a.Config.Scraper, a.Logger),
		prompts,
		stages.ConfigFrom(a.Config),
		a.Logger,
	), nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger, a.SchedulerService, a.WorkflowService)
	a.RequirementHandler = handlers.NewRequirementHandler(a.StorageManager.RequirementStorage(), a.WorkflowService, a.Logger)
	a.WorkflowHandler = handlers.NewWorkflowHandler(a.WorkflowService, a.Logger)
	a.ReportHandler = handlers.NewReportHandler(a.WorkflowService, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Logger, &a.Config.WebSocket)
}

// Start reconciles progress left by a previous process and starts the scheduler
func (a *App) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	reconciled, err := a.WorkflowService.ReconcileAll(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Startup reconciliation failed")
	} else {
		a.Logger.Info().Int("reconciled", reconciled).Msg("Startup reconciliation complete")
	}

	if a.Config.Scheduler.Enabled {
		if err := a.SchedulerService.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	a.Logger.Info().Msg("Closing application resources")

	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
	}

	// Abandon in-flight runs before the stores go away; their persisted
	// progress is restored on next start
	if a.WorkflowService != nil {
		a.WorkflowService.Close()
	}

	if a.EventService != nil {
		a.EventService.Close()
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}

	a.Logger.Info().Msg("All resources closed")
	return nil
}
