package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/app"
	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/ingest"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	// Command-line flags
	configFiles  configPaths // Multiple -config flags supported
	role         = flag.String("role", "supervisor", "Process role: supervisor, dispatcher, parser, scheduler or submit")
	domain       = flag.String("domain", "", "Domain to crawl (submit role)")
	pageURL      = flag.String("url", "", "Single page URL to crawl (submit role)")
	maxPages     = flag.Int("max-pages", 0, "Page cap for the submitted crawl (submit role)")
	useSitemap   = flag.Bool("sitemap", false, "Seed the submitted crawl from /sitemap.xml (submit role)")
	once         = flag.Bool("once", false, "Run a single admission cycle and exit (scheduler role)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	// Global state
	config *common.Config
	logger arbor.ILogger
)

func init() {
	// Register custom flag for multiple config files
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Trawler version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Initialize logger
	// 3. Print banner

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("trawler.toml"); err == nil {
			configFiles = append(configFiles, "trawler.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		// Use temporary logger for startup errors
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("role", *role).
		Str("environment", config.Environment).
		Msg("Application configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}
	defer application.Close()

	// One-shot roles run to completion without signal plumbing.
	switch *role {
	case "submit":
		code := runSubmit(application)
		application.Close()
		os.Exit(code)
	case "scheduler":
		if *once {
			code := runSchedulerOnce(application)
			application.Close()
			os.Exit(code)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for interrupt signal, then cancel the worker context.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	if err := runRole(ctx, application, *role); err != nil {
		logger.Error().Str("role", *role).Err(err).Msg("Process failed")
		application.Close()
		os.Exit(1)
	}
	logger.Info().Str("role", *role).Msg("Process stopped")
}

// runRole blocks running the selected role until the context is
// canceled.
func runRole(ctx context.Context, application *app.App, role string) error {
	switch role {
	case "supervisor":
		return application.BuildSupervisor().Run(ctx)
	case "dispatcher":
		return application.NewListener().Run(ctx)
	case "parser":
		return runParsers(ctx, application)
	case "scheduler":
		return application.NewScheduler().Run(ctx)
	default:
		return fmt.Errorf("unknown role %q", role)
	}
}

// runParsers runs one worker loop per enabled task type and waits for
// all of them to drain.
func runParsers(ctx context.Context, application *app.App) error {
	workers := application.ParserWorkers()
	if len(workers) == 0 {
		return fmt.Errorf("no parser tasks enabled")
	}

	var wg sync.WaitGroup
	for _, worker := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil {
				logger.Error().Str("task_type", worker.TaskType()).Err(err).Msg("Parser worker failed")
			}
		}()
	}
	wg.Wait()
	return nil
}

// runSubmit enqueues one crawl from the command line and prints the
// identifiers needed to follow it.
func runSubmit(application *app.App) int {
	if *domain == "" && *pageURL == "" {
		logger.Error().Msg("Submit needs -domain or -url")
		return 1
	}

	result, err := application.Submitter.Submit(ingest.Submission{
		Domain:     *domain,
		URL:        *pageURL,
		MaxPages:   *maxPages,
		UseSitemap: *useSitemap,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to submit crawl")
		return 1
	}

	fmt.Printf("crawl_id=%s job_id=%d\n", result.CrawlID, result.JobID)
	return 0
}

// runSchedulerOnce runs a single admission cycle, for cron-driven
// deployments that schedule outside the process.
func runSchedulerOnce(application *app.App) int {
	admitted, err := application.NewScheduler().RunCycle()
	if err != nil {
		logger.Error().Err(err).Msg("Admission cycle failed")
		return 1
	}
	fmt.Printf("admitted=%d\n", admitted)
	return 0
}
