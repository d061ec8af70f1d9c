package scheduler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/models"
	"github.com/ternarybob/trawler/internal/queue"
	storage "github.com/ternarybob/trawler/internal/storage/badger"
)

// Scheduler is the bulk admitter: each cycle it measures free crawler
// capacity from the crawl tube and promotes that many SourceDomain
// records into crawl jobs. Admission is a two-phase conditional
// transition so concurrent schedulers never double-submit a source.
type Scheduler struct {
	config    *common.SchedulerConfig
	sources   *storage.SourceDomainStorage
	crawlJobs *storage.CrawlJobStorage
	manager   *queue.Manager
	logger    arbor.ILogger
}

// NewScheduler creates a new Scheduler instance.
func NewScheduler(config *common.SchedulerConfig, sources *storage.SourceDomainStorage, crawlJobs *storage.CrawlJobStorage, manager *queue.Manager, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		config:    config,
		sources:   sources,
		crawlJobs: crawlJobs,
		manager:   manager,
		logger:    logger,
	}
}

// sourceStatus is the admission filter, default new.
func (s *Scheduler) sourceStatus() models.SourceStatus {
	if s.config.SourceStatus != "" {
		return models.SourceStatus(s.config.SourceStatus)
	}
	return models.SourceStatusNew
}

// target computes how many sources this cycle may admit: the declared
// crawler capacity times the buffer factor, minus jobs already sitting
// in the tube.
func (s *Scheduler) target() (int, error) {
	stats, err := s.manager.StatsTube(s.manager.CrawlTube())
	if err != nil {
		return 0, fmt.Errorf("failed to read crawl tube stats: %w", err)
	}
	capacity := int(math.Floor(float64(s.config.CrawlerInstances) * s.config.BufferFactor))
	target := capacity - stats.Occupied()
	if s.config.Limit > 0 && target > s.config.Limit {
		target = s.config.Limit
	}
	return target, nil
}

// RunCycle performs one admission pass and returns how many sources it
// submitted.
func (s *Scheduler) RunCycle() (int, error) {
	target, err := s.target()
	if err != nil {
		return 0, err
	}
	if target <= 0 {
		s.logger.Debug().Int("target", target).Msg("Crawl tube at capacity, nothing to admit")
		return 0, nil
	}

	candidates, err := s.sources.ListByStatus(s.sourceStatus(), target)
	if err != nil {
		return 0, fmt.Errorf("failed to list admission candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	admitted := 0
	for _, source := range candidates {
		ok, err := s.submitSource(source)
		if err != nil {
			s.logger.Error().
				Str("source_id", source.ID).
				Str("domain", source.Domain).
				Err(err).
				Msg("Failed to submit source domain")
			continue
		}
		if ok {
			admitted++
		}
	}

	s.logger.Info().
		Int("target", target).
		Int("candidates", len(candidates)).
		Int("admitted", admitted).
		Msg("Scheduler cycle finished")
	return admitted, nil
}

// submitSource runs the two-phase admission for one source: claim it
// with a conditional transition, enqueue the crawl, insert the
// CrawlJob, then mark it submitted. Any failure reverts the source so
// a later cycle reconsiders it. Returns false when another scheduler
// instance claimed the source first.
func (s *Scheduler) submitSource(source *models.SourceDomain) (bool, error) {
	originalStatus := source.Status
	claimed, err := s.sources.Transition(source.ID, originalStatus, models.SourceStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim source: %w", err)
	}
	if !claimed {
		s.logger.Debug().
			Str("source_id", source.ID).
			Msg("Source claimed by another scheduler pass, skipping")
		return false, nil
	}

	crawlID := common.NewCrawlID()
	data := models.CrawlJobData{
		Domain:     source.Domain,
		URL:        source.URL,
		MaxPages:   source.MaxPages,
		SingleURL:  source.SingleURL,
		UseSitemap: source.UseSitemap,
		CycleID:    source.CycleID,
		ProjectID:  source.ProjectID,
		Custom:     source.Custom,
	}
	if data.URL != "" {
		data.SingleURL = true
		data.MaxPages = 1
		data.UseSitemap = false
	}
	if data.MaxPages <= 0 {
		data.MaxPages = 10
	}

	record := &models.JobRecord{
		Kind:       models.JobKindCrawl,
		CrawlID:    crawlID,
		Domain:     data.Domain,
		URL:        data.URL,
		MaxPages:   data.MaxPages,
		SingleURL:  data.SingleURL,
		UseSitemap: data.UseSitemap,
		CycleID:    data.CycleID,
		ProjectID:  data.ProjectID,
		// Colliding keys are filtered by the codec on encode.
		Extra: data.Custom,
	}

	jobID, err := s.manager.Enqueue(record, queue.EnqueueOptions{Priority: queue.PriorityHigh})
	if err != nil {
		s.revert(source.ID, originalStatus, err.Error())
		return false, fmt.Errorf("failed to enqueue crawl: %w", err)
	}

	err = s.crawlJobs.Save(&models.CrawlJob{
		CrawlID: crawlID,
		JobID:   jobID,
		JobData: data,
		Status:  models.CrawlStatusFresh,
	})
	if err != nil {
		// The broker job exists but the state store record does not.
		// These orphans are the only records needing an operator.
		s.logger.Error().
			Str("source_id", source.ID).
			Str("crawl_id", crawlID).
			Int64("job_id", int64(jobID)).
			Err(err).
			Msg("CRITICAL: orphaned crawl job, enqueued without a state store record")
		s.revert(source.ID, originalStatus, err.Error())
		return false, fmt.Errorf("failed to insert crawl job record: %w", err)
	}

	if _, err := s.sources.Transition(source.ID, models.SourceStatusPending, models.SourceStatusSubmitted); err != nil {
		s.revert(source.ID, originalStatus, err.Error())
		return false, fmt.Errorf("failed to mark source submitted: %w", err)
	}
	if err := s.sources.AttachCrawl(source.ID, crawlID); err != nil {
		s.logger.Warn().
			Str("source_id", source.ID).
			Str("crawl_id", crawlID).
			Err(err).
			Msg("Failed to attach crawl reference to source")
	}

	s.logger.Info().
		Str("source_id", source.ID).
		Str("domain", source.Domain).
		Str("crawl_id", crawlID).
		Int64("job_id", int64(jobID)).
		Msg("Source admitted to crawl tube")
	return true, nil
}

// revert puts a source back in its pre-claim status with the failure
// noted.
func (s *Scheduler) revert(sourceID string, status models.SourceStatus, message string) {
	if err := s.sources.RecordError(sourceID, status, message); err != nil {
		s.logger.Error().
			Str("source_id", sourceID).
			Err(err).
			Msg("Failed to revert source after submission failure")
	}
}

// errorBackoff is the sleep after a failed cycle: a minute, or the
// configured interval when that is shorter.
func errorBackoff(interval time.Duration) time.Duration {
	if interval < 60*time.Second {
		return interval
	}
	return 60 * time.Second
}

// Run drives admission cycles until the context is canceled. A cron
// schedule takes precedence over the plain interval when configured.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.config.CronSchedule != "" {
		return s.runCron(ctx)
	}

	interval := common.Duration(s.config.Interval, 60*time.Second)
	s.logger.Info().Str("interval", interval.String()).Msg("Scheduler started")
	for {
		wait := interval
		if _, err := s.RunCycle(); err != nil {
			wait = errorBackoff(interval)
			s.logger.Error().Err(err).Str("backoff", wait.String()).Msg("Scheduler cycle failed")
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopping")
			return nil
		case <-time.After(wait):
		}
	}
}

// runCron runs cycles on a cron schedule, finishing an in-flight cycle
// before shutdown.
func (s *Scheduler) runCron(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.config.CronSchedule, func() {
		if _, err := s.RunCycle(); err != nil {
			s.logger.Error().Err(err).Msg("Scheduler cycle failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.config.CronSchedule, err)
	}

	s.logger.Info().Str("cron", s.config.CronSchedule).Msg("Scheduler started on cron schedule")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info().Msg("Scheduler stopping")
	return nil
}
