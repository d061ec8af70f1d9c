package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/engine"
	"github.com/ternarybob/trawler/internal/models"
	"github.com/ternarybob/trawler/internal/queue"
	storage "github.com/ternarybob/trawler/internal/storage/badger"
)

// Listener is the crawl dispatcher: a single-threaded lease loop that
// reserves crawl jobs, runs the engine against them, and settles the
// lease by the outcome. Long crawls are kept alive with a parallel
// lease-touch task.
type Listener struct {
	manager      *queue.Manager
	crawlJobs    *storage.CrawlJobStorage
	engine       engine.Engine
	reserveWait  time.Duration
	maxAttempts  int
	releaseDelay time.Duration
	logger       arbor.ILogger
}

// NewListener creates a new Listener instance.
func NewListener(manager *queue.Manager, crawlJobs *storage.CrawlJobStorage, eng engine.Engine, config *common.DispatcherConfig, reserveWait time.Duration, logger arbor.ILogger) *Listener {
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if reserveWait <= 0 {
		reserveWait = 5 * time.Second
	}
	return &Listener{
		manager:      manager,
		crawlJobs:    crawlJobs,
		engine:       eng,
		reserveWait:  reserveWait,
		maxAttempts:  maxAttempts,
		releaseDelay: common.Duration(config.ReleaseDelay, 60*time.Second),
		logger:       logger,
	}
}

// Run reserves and processes crawl jobs until the context is canceled.
// The in-flight job is always finalized before the loop exits.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().Str("tube", l.manager.CrawlTube()).Msg("Crawl dispatcher started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Crawl dispatcher stopping")
			return nil
		default:
		}

		record, handle, err := l.manager.Dequeue([]string{l.manager.CrawlTube()}, l.reserveWait)
		if err != nil {
			l.logger.Warn().Err(err).Msg("Reserve failed, backing off")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if record == nil {
			continue
		}

		l.process(ctx, record, handle)
	}
}

// process runs one reserved crawl job end to end.
func (l *Listener) process(ctx context.Context, record *models.JobRecord, handle *queue.Handle) {
	if record.Kind != models.JobKindCrawl {
		l.logger.Warn().
			Int64("job_id", int64(handle.ID())).
			Str("kind", string(record.Kind)).
			Msg("Non-crawl job on the crawl tube, burying")
		l.fail(handle)
		return
	}

	crawlID := record.CrawlID
	if crawlID == "" {
		crawlID = common.NewCrawlID()
		l.logger.Warn().
			Int64("job_id", int64(handle.ID())).
			Str("crawl_id", crawlID).
			Msg("Crawl job arrived without crawl_id, synthesized one")
	}
	log := l.logger.WithCorrelationId(crawlID)

	params, err := l.resolveParams(crawlID, record)
	if err != nil {
		log.Error().Int64("job_id", int64(handle.ID())).Err(err).Msg("Cannot resolve crawl parameters, burying")
		l.fail(handle)
		return
	}

	var ka *keepAlive
	if ttr := handle.TTR(); ttr >= minTTRForTouching {
		ka = startKeepAlive(l.manager, handle, keepAliveInterval(ttr), log)
	}

	if err := l.markCrawling(crawlID, handle.ID(), params); err != nil {
		log.Warn().Err(err).Msg("Failed to mark crawl job crawling")
	}

	started := time.Now()
	stats, runErr, panicked := l.runEngine(ctx, params, log)
	duration := time.Since(started)

	if ka != nil {
		ka.stop()
	}

	if runErr == nil {
		l.finishSuccess(crawlID, record, handle, stats, duration, log)
		return
	}
	l.finishFailure(crawlID, handle, stats, runErr, duration, panicked, log)
}

// resolveParams builds engine parameters from the job body, falling
// back to the stored CrawlJob for lookup-only submissions.
func (l *Listener) resolveParams(crawlID string, record *models.JobRecord) (engine.Params, error) {
	if record.LookupOnly() {
		job, err := l.crawlJobs.Get(crawlID)
		if err != nil {
			return engine.Params{}, fmt.Errorf("lookup-only submission for unknown crawl %s: %w", crawlID, err)
		}
		return engine.Params{
			CrawlID:    crawlID,
			Domain:     job.JobData.Domain,
			URL:        job.JobData.URL,
			MaxPages:   job.JobData.MaxPages,
			SingleURL:  job.JobData.SingleURL,
			UseSitemap: job.JobData.UseSitemap,
			Custom:     job.JobData.Custom,
		}, nil
	}

	domain := record.Domain
	if domain == "" {
		return engine.Params{}, fmt.Errorf("crawl record for %s carries no domain", crawlID)
	}
	return engine.Params{
		CrawlID:    crawlID,
		Domain:     domain,
		URL:        record.URL,
		MaxPages:   record.MaxPages,
		SingleURL:  record.SingleURL,
		UseSitemap: record.UseSitemap,
		Custom:     record.Extra,
	}, nil
}

// markCrawling upserts the CrawlJob to crawling with the current
// broker job id, creating the record when the submission bypassed the
// state store.
func (l *Listener) markCrawling(crawlID string, jobID uint64, params engine.Params) error {
	job, err := l.crawlJobs.Get(crawlID)
	if errors.Is(err, storage.ErrNotFound) {
		job = &models.CrawlJob{
			CrawlID: crawlID,
			JobData: models.CrawlJobData{
				Domain:     params.Domain,
				URL:        params.URL,
				MaxPages:   params.MaxPages,
				SingleURL:  params.SingleURL,
				UseSitemap: params.UseSitemap,
				Custom:     params.Custom,
			},
		}
	} else if err != nil {
		return err
	}
	job.JobID = jobID
	job.Status = models.CrawlStatusCrawling
	return l.crawlJobs.Save(job)
}

// runEngine invokes the engine with a panic guard so a crashing crawl
// never takes the dispatcher loop down with it.
func (l *Listener) runEngine(ctx context.Context, params engine.Params, log arbor.ILogger) (stats *models.CrawlStats, err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("crawl engine panic: %v", r)
			log.Error().Str("panic", fmt.Sprint(r)).Msg("Crawl engine panicked")
		}
	}()
	stats, err = l.engine.Run(ctx, params)
	return stats, err, false
}

func (l *Listener) finishSuccess(crawlID string, record *models.JobRecord, handle *queue.Handle, stats *models.CrawlStats, duration time.Duration, log arbor.ILogger) {
	if err := l.manager.Complete(handle, record); err != nil {
		log.Error().Int64("job_id", int64(handle.ID())).Err(err).Msg("Failed to complete crawl job lease")
	}

	output := fmt.Sprintf("crawled %d pages, skipped %d urls in %s",
		stats.PagesCrawled, stats.SkippedURLs, duration.Round(time.Millisecond))
	if err := l.crawlJobs.RecordResult(crawlID, *stats, output, duration); err != nil {
		log.Warn().Err(err).Msg("Failed to record crawl result")
	}
	if err := l.crawlJobs.UpdateStatus(crawlID, models.CrawlStatusCompleted, ""); err != nil {
		log.Warn().Err(err).Msg("Failed to mark crawl completed")
	}

	log.Info().
		Int64("job_id", int64(handle.ID())).
		Int("pages_crawled", stats.PagesCrawled).
		Str("duration", duration.Round(time.Millisecond).String()).
		Msg("Crawl completed")
}

func (l *Listener) finishFailure(crawlID string, handle *queue.Handle, stats *models.CrawlStats, runErr error, duration time.Duration, panicked bool, log arbor.ILogger) {
	status := models.CrawlStatusFailed
	if panicked {
		status = models.CrawlStatusFailedException
	}
	if stats != nil {
		if err := l.crawlJobs.RecordResult(crawlID, *stats, "", duration); err != nil {
			log.Warn().Err(err).Msg("Failed to record crawl result")
		}
	}
	if err := l.crawlJobs.UpdateStatus(crawlID, status, runErr.Error()); err != nil {
		log.Warn().Err(err).Msg("Failed to mark crawl failed")
	}

	// The broker's release counter is the attempt count; the payload
	// counter stays untouched on this path.
	releases := int(handle.Releases())
	if releases < l.maxAttempts {
		log.Warn().
			Int64("job_id", int64(handle.ID())).
			Int("releases", releases).
			Str("delay", l.releaseDelay.String()).
			Err(runErr).
			Msg("Crawl failed, releasing for retry")
		if err := l.manager.Release(handle, l.releaseDelay); err != nil {
			log.Error().Int64("job_id", int64(handle.ID())).Err(err).Msg("Failed to release crawl job")
		}
		return
	}

	log.Error().
		Int64("job_id", int64(handle.ID())).
		Int("releases", releases).
		Err(runErr).
		Msg("Crawl failed with retries exhausted, burying")
	l.fail(handle)
}

func (l *Listener) fail(handle *queue.Handle) {
	if err := l.manager.Fail(handle); err != nil {
		l.logger.Error().Int64("job_id", int64(handle.ID())).Err(err).Msg("Failed to bury job")
	}
}
