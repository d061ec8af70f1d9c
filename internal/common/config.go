package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration.
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Queue       QueueConfig      `toml:"queue"`
	Storage     StorageConfig    `toml:"storage"`
	Content     ContentConfig    `toml:"content"`
	Scheduler   SchedulerConfig  `toml:"scheduler"`
	Dispatcher  DispatcherConfig `toml:"dispatcher"`
	Engine      EngineConfig     `toml:"engine"`
	Parser      ParserConfig     `toml:"parser"`
	Supervisor  SupervisorConfig `toml:"supervisor"`
	Logging     LoggingConfig    `toml:"logging"`
}

// QueueConfig configures the embedded tube broker and the queue manager.
type QueueConfig struct {
	Path        string `toml:"path"`                          // Broker database directory
	CrawlTube   string `toml:"crawl_tube"`                    // Tube name for crawl jobs
	MaxAttempts int    `toml:"max_attempts" validate:"min=1"` // Bounded retry before bury
	DefaultTTR  string `toml:"default_ttr"`                   // e.g. "300s" - time-to-run for crawl jobs
	ReserveWait string `toml:"reserve_wait"`                  // e.g. "5s" - reserve blocking timeout
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents the state store database configuration.
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// ContentConfig configures the content-addressed HTML file store.
type ContentConfig struct {
	Root string `toml:"root"` // Root directory for fetched pages
}

// SchedulerConfig configures the ingestion scheduler (bulk admitter).
type SchedulerConfig struct {
	Interval         string  `toml:"interval"`          // Cycle interval, e.g. "60s"
	CronSchedule     string  `toml:"cron_schedule"`     // Optional cron expression; overrides interval when set
	CrawlerInstances int     `toml:"crawler_instances"` // Declared dispatcher fleet size
	BufferFactor     float64 `toml:"buffer_factor"`     // Capacity target = floor(instances * factor) - occupied
	Limit            int     `toml:"limit"`             // Hard cap per cycle (0 = unlimited)
	SourceStatus     string  `toml:"source_status"`     // Admission status filter (default "new")
}

// DispatcherConfig configures the crawl dispatcher lease loop.
type DispatcherConfig struct {
	MaxAttempts  int    `toml:"max_attempts" validate:"min=1"` // Broker releases before bury
	ReleaseDelay string `toml:"release_delay"`                 // Delay before a failed job is retried
}

// EngineConfig configures the crawl engine. Durations are strings
// parsed with Duration, like every other section.
type EngineConfig struct {
	UserAgent          string `toml:"user_agent"`
	RequestTimeout     string `toml:"request_timeout"`      // e.g. "30s"
	RequestDelay       string `toml:"request_delay"`        // Per-domain politeness delay
	MaxBodySize        int    `toml:"max_body_size"`        // Maximum response body size in bytes
	EnableJavaScript   bool   `toml:"enable_javascript"`    // Enable chromedp fallback for JS-heavy domains
	JavaScriptWaitTime string `toml:"javascript_wait_time"` // Render wait after navigation
	MinHTMLBytes       int    `toml:"min_html_bytes"`       // Below this, a page is considered empty/protected
}

// ParserTaskConfig is the per-task-type tuning: priority, TTR and the
// number of worker instances consuming the task's tube.
type ParserTaskConfig struct {
	Priority  string `toml:"priority"` // "high", "normal" or "low"
	TTR       string `toml:"ttr"`
	Instances int    `toml:"instances"`
}

// ParserConfig configures the parser worker runtime.
type ParserConfig struct {
	// Tasks maps task type to its tuning. Task types absent from the
	// map run with defaults; set instances = 0 to disable a task.
	Tasks map[string]ParserTaskConfig `toml:"tasks"`
}

// SupervisorConfig configures the worker fleet and health loop.
type SupervisorConfig struct {
	HealthInterval      string `toml:"health_interval"`
	DispatcherInstances int    `toml:"dispatcher_instances" validate:"min=0"`
	SchedulerEnabled    bool   `toml:"scheduler_enabled"`
	ShutdownGrace       string `toml:"shutdown_grace"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability;
// only user-facing settings belong in trawler.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Queue: QueueConfig{
			Path:        "./data/broker",
			CrawlTube:   "crawler_crawl_jobs",
			MaxAttempts: 3,
			DefaultTTR:  "300s",
			ReserveWait: "5s",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/state",
			},
		},
		Content: ContentConfig{
			Root: "./data/pages",
		},
		Scheduler: SchedulerConfig{
			Interval:         "60s",
			CrawlerInstances: 2,
			BufferFactor:     1.5,
			SourceStatus:     "new",
		},
		Dispatcher: DispatcherConfig{
			MaxAttempts:  3,
			ReleaseDelay: "60s",
		},
		Engine: EngineConfig{
			UserAgent:          "trawler/1.0 (+https://github.com/ternarybob/trawler)",
			RequestTimeout:     "30s",
			RequestDelay:       "500ms",
			MaxBodySize:        10 * 1024 * 1024,
			EnableJavaScript:   true,
			JavaScriptWaitTime: "3s",
			MinHTMLBytes:       512,
		},
		Parser: ParserConfig{
			Tasks: map[string]ParserTaskConfig{},
		},
		Supervisor: SupervisorConfig{
			HealthInterval:      "60s",
			DispatcherInstances: 2,
			SchedulerEnabled:    true,
			ShutdownGrace:       "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env. Later files override
// earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("TRAWLER_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if path := os.Getenv("TRAWLER_QUEUE_PATH"); path != "" {
		config.Queue.Path = path
	}
	if attempts := os.Getenv("TRAWLER_QUEUE_MAX_ATTEMPTS"); attempts != "" {
		if a, err := strconv.Atoi(attempts); err == nil {
			config.Queue.MaxAttempts = a
		}
	}
	if ttr := os.Getenv("TRAWLER_QUEUE_DEFAULT_TTR"); ttr != "" {
		config.Queue.DefaultTTR = ttr
	}

	if badgerPath := os.Getenv("TRAWLER_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if contentRoot := os.Getenv("TRAWLER_CONTENT_ROOT"); contentRoot != "" {
		config.Content.Root = contentRoot
	}

	if interval := os.Getenv("TRAWLER_SCHEDULER_INTERVAL"); interval != "" {
		config.Scheduler.Interval = interval
	}
	if instances := os.Getenv("TRAWLER_SCHEDULER_CRAWLER_INSTANCES"); instances != "" {
		if n, err := strconv.Atoi(instances); err == nil {
			config.Scheduler.CrawlerInstances = n
		}
	}

	if level := os.Getenv("TRAWLER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("TRAWLER_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// Duration parses a duration config string with a fallback.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
