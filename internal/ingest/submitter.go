package ingest

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/models"
	"github.com/ternarybob/trawler/internal/queue"
	storage "github.com/ternarybob/trawler/internal/storage/badger"
)

// Submission is a request to crawl a domain or a single page.
type Submission struct {
	Domain     string
	URL        string
	MaxPages   int
	SingleURL  bool
	UseSitemap bool
	CycleID    string
	ProjectID  string
	Priority   string
	Custom     map[string]interface{}
}

// Result reports what a submission became.
type Result struct {
	CrawlID string
	JobID   uint64
	// Created is false when an active crawl for the same target
	// already existed and the submission folded onto it.
	Created bool
}

// Submitter turns external submissions into crawl jobs. A submission
// for a (domain, url) pair that already has an active crawl reuses
// the existing crawl instead of starting a second one.
type Submitter struct {
	crawlJobs *storage.CrawlJobStorage
	manager   *queue.Manager
	logger    arbor.ILogger
}

// NewSubmitter creates a new Submitter instance
func NewSubmitter(crawlJobs *storage.CrawlJobStorage, manager *queue.Manager, logger arbor.ILogger) *Submitter {
	return &Submitter{
		crawlJobs: crawlJobs,
		manager:   manager,
		logger:    logger,
	}
}

// normalize fills derived fields and applies the single-page rule: a
// URL submission always crawls exactly that page.
func normalize(sub *Submission) error {
	sub.Domain = strings.ToLower(strings.TrimSpace(sub.Domain))
	sub.URL = strings.TrimSpace(sub.URL)

	if sub.URL != "" {
		parsed, err := url.Parse(sub.URL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("invalid submission url %q", sub.URL)
		}
		if sub.Domain == "" {
			sub.Domain = strings.ToLower(parsed.Host)
		}
		sub.SingleURL = true
		sub.MaxPages = 1
		sub.UseSitemap = false
	}
	if sub.Domain == "" {
		return fmt.Errorf("submission needs a domain or url")
	}
	if sub.MaxPages <= 0 {
		sub.MaxPages = 10
	}
	return nil
}

// Submit admits one submission, returning the crawl it became. The
// crawl record is durable before the queue job exists, so a consumer
// can always resolve the crawl_id it dequeues.
func (s *Submitter) Submit(sub Submission) (*Result, error) {
	if err := normalize(&sub); err != nil {
		return nil, err
	}

	existing, err := s.crawlJobs.FindActiveByTarget(sub.Domain, sub.URL)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for active crawl: %w", err)
	}
	if existing != nil {
		s.logger.Info().
			Str("crawl_id", existing.CrawlID).
			Str("domain", sub.Domain).
			Msg("Submission folded onto active crawl")
		return &Result{CrawlID: existing.CrawlID, JobID: existing.JobID, Created: false}, nil
	}

	crawlID := common.NewCrawlID()
	job := &models.CrawlJob{
		CrawlID: crawlID,
		JobData: models.CrawlJobData{
			Domain:     sub.Domain,
			URL:        sub.URL,
			MaxPages:   sub.MaxPages,
			SingleURL:  sub.SingleURL,
			UseSitemap: sub.UseSitemap,
			CycleID:    sub.CycleID,
			ProjectID:  sub.ProjectID,
			Custom:     sub.Custom,
		},
		Status: models.CrawlStatusFresh,
	}
	if err := s.crawlJobs.Save(job); err != nil {
		return nil, fmt.Errorf("failed to create crawl record: %w", err)
	}

	record := &models.JobRecord{
		Kind:       models.JobKindCrawl,
		CrawlID:    crawlID,
		Domain:     sub.Domain,
		URL:        sub.URL,
		MaxPages:   sub.MaxPages,
		SingleURL:  sub.SingleURL,
		UseSitemap: sub.UseSitemap,
		CycleID:    sub.CycleID,
		ProjectID:  sub.ProjectID,
	}
	jobID, err := s.manager.Enqueue(record, queue.EnqueueOptions{
		Priority: queue.PriorityFromName(sub.Priority),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue crawl job: %w", err)
	}

	if err := s.crawlJobs.SetJobID(crawlID, jobID); err != nil {
		s.logger.Warn().
			Str("crawl_id", crawlID).
			Int64("job_id", int64(jobID)).
			Err(err).
			Msg("Failed to record broker job id on crawl")
	}

	s.logger.Info().
		Str("crawl_id", crawlID).
		Int64("job_id", int64(jobID)).
		Str("domain", sub.Domain).
		Int("max_pages", sub.MaxPages).
		Msg("Crawl submitted")
	return &Result{CrawlID: crawlID, JobID: jobID, Created: true}, nil
}

// Resubmit enqueues a fresh queue job for an existing crawl record, a
// crawl_id-only submission. The crawl's stored parameters drive the
// new job.
func (s *Submitter) Resubmit(crawlID string) (*Result, error) {
	job, err := s.crawlJobs.Get(crawlID)
	if err != nil {
		return nil, fmt.Errorf("unknown crawl %s: %w", crawlID, err)
	}

	record := &models.JobRecord{
		Kind:       models.JobKindCrawl,
		CrawlID:    job.CrawlID,
		Domain:     job.JobData.Domain,
		URL:        job.JobData.URL,
		MaxPages:   job.JobData.MaxPages,
		SingleURL:  job.JobData.SingleURL,
		UseSitemap: job.JobData.UseSitemap,
		CycleID:    job.JobData.CycleID,
		ProjectID:  job.JobData.ProjectID,
	}
	jobID, err := s.manager.Enqueue(record, queue.EnqueueOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue crawl job: %w", err)
	}

	if err := s.crawlJobs.SetJobID(crawlID, jobID); err != nil {
		s.logger.Warn().Str("crawl_id", crawlID).Err(err).Msg("Failed to record broker job id on crawl")
	}
	return &Result{CrawlID: crawlID, JobID: jobID, Created: false}, nil
}
