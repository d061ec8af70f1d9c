// Package app wires the trawler components into one process: the
// embedded broker, the state store, the content store, the crawl
// engine and the worker fleet. Every role the binary can run builds
// its workers from an App.
package app

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/contentstore"
	"github.com/ternarybob/trawler/internal/dispatch"
	"github.com/ternarybob/trawler/internal/engine"
	"github.com/ternarybob/trawler/internal/fanout"
	"github.com/ternarybob/trawler/internal/ingest"
	"github.com/ternarybob/trawler/internal/parser"
	"github.com/ternarybob/trawler/internal/parser/tasks"
	"github.com/ternarybob/trawler/internal/queue"
	"github.com/ternarybob/trawler/internal/scheduler"
	storage "github.com/ternarybob/trawler/internal/storage/badger"
	"github.com/ternarybob/trawler/internal/supervisor"
)

// App holds the shared infrastructure and the services built on it.
// One App backs one process regardless of role.
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	Store     *storage.Manager
	Broker    *queue.Broker
	Manager   *queue.Manager
	Content   *contentstore.Store
	Registry  *parser.Registry
	Fanout    *fanout.Dispatcher
	Renderer  *engine.ChromeRenderer
	Engine    engine.Engine
	Submitter *ingest.Submitter

	// taskConfigs is the effective per-task tuning after defaults are
	// applied and disabled tasks are dropped.
	taskConfigs map[string]common.ParserTaskConfig
}

// New builds the application from configuration. Opening either
// database fails startup; nothing is left half-initialized.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: config,
		Logger: logger,
	}

	store, err := storage.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	a.Store = store

	broker, err := queue.OpenBroker(config.Queue.Path, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open broker: %w", err)
	}
	a.Broker = broker

	crawlTube := config.Queue.CrawlTube
	if crawlTube == "" {
		crawlTube = "crawler_crawl_jobs"
	}
	defaultTTR := common.Duration(config.Queue.DefaultTTR, 300*time.Second)
	a.Manager = queue.NewManager(broker, crawlTube, config.Queue.MaxAttempts, defaultTTR, logger)

	content, err := contentstore.NewStore(&config.Content, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}
	a.Content = content

	a.Registry = tasks.NewRegistry()
	a.taskConfigs = effectiveTaskConfigs(a.Registry, config.Parser.Tasks)
	a.Fanout = fanout.NewDispatcher(store.Documents(), a.Manager, a.taskConfigs, logger)

	var renderer engine.Renderer
	if config.Engine.EnableJavaScript {
		a.Renderer = engine.NewChromeRenderer(&config.Engine, logger)
		renderer = a.Renderer
	}
	a.Engine = engine.NewCrawler(&config.Engine, store.CrawlJobs(), store.KV(), content, a.Fanout, renderer, logger)

	a.Submitter = ingest.NewSubmitter(store.CrawlJobs(), a.Manager, logger)

	logger.Info().
		Str("broker_path", config.Queue.Path).
		Str("state_path", config.Storage.Badger.Path).
		Str("content_root", content.Root()).
		Int("parser_tasks", len(a.taskConfigs)).
		Bool("javascript", config.Engine.EnableJavaScript).
		Msg("Application initialized")
	return a, nil
}

// effectiveTaskConfigs merges the configured task tuning over the
// registered handlers. Task types absent from the config run with
// defaults; instances = 0 disables a task. Configured types without a
// registered handler are ignored.
func effectiveTaskConfigs(registry *parser.Registry, configured map[string]common.ParserTaskConfig) map[string]common.ParserTaskConfig {
	effective := make(map[string]common.ParserTaskConfig)
	for _, taskType := range registry.TaskTypes() {
		cfg, ok := configured[taskType]
		if ok && cfg.Instances <= 0 {
			continue
		}
		if cfg.Priority == "" {
			cfg.Priority = "normal"
		}
		if cfg.TTR == "" {
			cfg.TTR = "300s"
		}
		if cfg.Instances <= 0 {
			cfg.Instances = 1
		}
		effective[taskType] = cfg
	}
	return effective
}

// NewListener builds one crawl dispatcher loop. Each fleet instance
// gets its own Listener.
func (a *App) NewListener() *dispatch.Listener {
	reserveWait := common.Duration(a.Config.Queue.ReserveWait, 5*time.Second)
	return dispatch.NewListener(a.Manager, a.Store.CrawlJobs(), a.Engine, &a.Config.Dispatcher, reserveWait, a.Logger)
}

// NewScheduler builds the bulk admitter.
func (a *App) NewScheduler() *scheduler.Scheduler {
	return scheduler.NewScheduler(&a.Config.Scheduler, a.Store.Sources(), a.Store.CrawlJobs(), a.Manager, a.Logger)
}

// ParserWorkers builds one worker loop per enabled task instance, so
// a task configured with N instances gets N independent loops on its
// tube.
func (a *App) ParserWorkers() []*parser.Worker {
	workers := make([]*parser.Worker, 0, len(a.taskConfigs))
	for _, taskType := range a.Fanout.TaskTypes() {
		handler, ok := a.Registry.Get(taskType)
		if !ok {
			continue
		}
		for i := 0; i < a.taskConfigs[taskType].Instances; i++ {
			workers = append(workers, parser.NewWorker(handler, a.Manager, a.Store.Documents(), a.Content, a.Logger))
		}
	}
	return workers
}

// BuildSupervisor assembles the full fleet: dispatchers, parser
// workers and optionally the scheduler, all under one supervisor.
func (a *App) BuildSupervisor() *supervisor.Supervisor {
	s := supervisor.New(&a.Config.Supervisor, a.Manager, a.Store, a.Logger)

	for i := 0; i < a.Config.Supervisor.DispatcherInstances; i++ {
		listener := a.NewListener()
		s.Register(fmt.Sprintf("dispatcher-%d", i+1), listener.Run)
	}

	instance := make(map[string]int)
	for _, worker := range a.ParserWorkers() {
		taskType := worker.TaskType()
		instance[taskType]++
		s.Register(fmt.Sprintf("parser-%s-%d", taskType, instance[taskType]), worker.Run)
	}

	if a.Config.Supervisor.SchedulerEnabled {
		s.Register("scheduler", a.NewScheduler().Run)
	}
	return s
}

// Close releases everything New opened, in reverse order. Safe on a
// partially built App.
func (a *App) Close() {
	if a.Renderer != nil {
		a.Renderer.Close()
	}
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close broker")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close state store")
		}
	}
	a.Logger.Info().Msg("Application shut down")
}
