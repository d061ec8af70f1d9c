package badger

import (
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/trawler/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// CrawlJobStorage persists crawl lifecycle records keyed by crawl_id.
type CrawlJobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCrawlJobStorage creates a new CrawlJobStorage instance
func NewCrawlJobStorage(db *BadgerDB, logger arbor.ILogger) *CrawlJobStorage {
	return &CrawlJobStorage{
		db:     db,
		logger: logger,
	}
}

// Save upserts a crawl job record, stamping UpdatedAt.
func (s *CrawlJobStorage) Save(job *models.CrawlJob) error {
	if job.CrawlID == "" {
		return fmt.Errorf("crawl ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = time.Now().UTC()

	return withRetry(s.logger, "crawl_job.save", func() error {
		if err := s.db.Store().Upsert(job.CrawlID, job); err != nil {
			return fmt.Errorf("failed to save crawl job: %w", err)
		}
		return nil
	})
}

// Get returns the crawl job for a crawl_id.
func (s *CrawlJobStorage) Get(crawlID string) (*models.CrawlJob, error) {
	var job models.CrawlJob
	err := withRetry(s.logger, "crawl_job.get", func() error {
		return s.db.Store().Get(crawlID, &job)
	})
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get crawl job: %w", err)
	}
	return &job, nil
}

// FindActiveByTarget returns the active (fresh or crawling) crawl job
// for a (domain, url) pair, or ErrNotFound. Submitters use it to fold
// duplicate submissions onto the existing crawl.
func (s *CrawlJobStorage) FindActiveByTarget(domain, url string) (*models.CrawlJob, error) {
	var jobs []models.CrawlJob
	query := badgerhold.Where("Status").In(
		models.CrawlStatusFresh, models.CrawlStatusCrawling)
	err := withRetry(s.logger, "crawl_job.find_active", func() error {
		return s.db.Store().Find(&jobs, query)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query active crawl jobs: %w", err)
	}
	for i := range jobs {
		if jobs[i].JobData.Domain == domain && jobs[i].JobData.URL == url {
			return &jobs[i], nil
		}
	}
	return nil, ErrNotFound
}

// SetJobID rewrites the broker job id after a re-enqueue.
func (s *CrawlJobStorage) SetJobID(crawlID string, jobID uint64) error {
	job, err := s.Get(crawlID)
	if err != nil {
		return err
	}
	job.JobID = jobID
	return s.Save(job)
}

// UpdateStatus transitions a crawl job's status, appending any error
// message to the crawl error list.
func (s *CrawlJobStorage) UpdateStatus(crawlID string, status models.CrawlStatus, errorMsg string) error {
	job, err := s.Get(crawlID)
	if err != nil {
		return err
	}
	job.Status = status
	if errorMsg != "" {
		job.CrawlErrors = append(job.CrawlErrors, errorMsg)
	}
	return s.Save(job)
}

// RecordStats merges the engine's rolling counters into the record
// while a crawl runs.
func (s *CrawlJobStorage) RecordStats(crawlID string, stats models.CrawlStats) error {
	job, err := s.Get(crawlID)
	if err != nil {
		return err
	}
	job.Stats = stats
	return s.Save(job)
}

// RecordResult stores the terminal output of a finished crawl.
func (s *CrawlJobStorage) RecordResult(crawlID string, stats models.CrawlStats, output string, duration time.Duration) error {
	job, err := s.Get(crawlID)
	if err != nil {
		return err
	}
	job.Stats = stats
	job.Output = output
	job.DurationSeconds = duration.Seconds()
	return s.Save(job)
}

// ListByStatus returns crawl jobs in a status, newest first.
func (s *CrawlJobStorage) ListByStatus(status models.CrawlStatus, limit int) ([]*models.CrawlJob, error) {
	query := badgerhold.Where("Status").Eq(status).SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	var jobs []models.CrawlJob
	err := withRetry(s.logger, "crawl_job.list", func() error {
		return s.db.Store().Find(&jobs, query)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list crawl jobs: %w", err)
	}
	result := make([]*models.CrawlJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// Count returns the number of crawl jobs in a status.
func (s *CrawlJobStorage) Count(status models.CrawlStatus) (int, error) {
	count, err := s.db.Store().Count(&models.CrawlJob{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count crawl jobs: %w", err)
	}
	return int(count), nil
}
