package models

import (
	"time"
)

// CrawlStatus represents the lifecycle state of a crawl job.
type CrawlStatus string

const (
	CrawlStatusFresh           CrawlStatus = "fresh"
	CrawlStatusCrawling        CrawlStatus = "crawling"
	CrawlStatusCompleted       CrawlStatus = "completed"
	CrawlStatusFailed          CrawlStatus = "failed"
	CrawlStatusFailedException CrawlStatus = "failed_exception"
)

// Active reports whether the status still owns the (domain, url) pair.
// A second submission for the same pair while active reuses the
// existing crawl_id instead of creating a second record.
func (s CrawlStatus) Active() bool {
	return s == CrawlStatusFresh || s == CrawlStatusCrawling
}

// CrawlJobData is the original submission payload, snapshot at
// submission time so the job is self-contained across retries.
type CrawlJobData struct {
	Domain     string                 `json:"domain"`
	URL        string                 `json:"url,omitempty"`
	MaxPages   int                    `json:"max_pages"`
	SingleURL  bool                   `json:"single_url"`
	UseSitemap bool                   `json:"use_sitemap"`
	CycleID    string                 `json:"cycle_id,omitempty"`
	ProjectID  string                 `json:"project_id,omitempty"`
	Custom     map[string]interface{} `json:"custom,omitempty"`
}

// CrawlStats are the rolling counters the crawl engine pushes into the
// job record while it runs.
type CrawlStats struct {
	PagesCrawled      int            `json:"pages_crawled"`
	SkippedURLs       int            `json:"skipped_urls"`
	StatusCodes       map[string]int `json:"status_codes,omitempty"`
	JSRenderedDomains []string       `json:"js_rendered_domains,omitempty"`
	StartedAt         time.Time      `json:"started_at,omitempty"`
	EndedAt           time.Time      `json:"ended_at,omitempty"`
}

// CrawlJob is the authoritative lifecycle record for one logical crawl.
// CrawlID is stable across retries; JobID is the broker-assigned id and
// is rewritten on every re-enqueue.
type CrawlJob struct {
	CrawlID     string       `json:"crawl_id" badgerhold:"unique"`
	JobID       uint64       `json:"job_id"`
	JobData     CrawlJobData `json:"job_data"`
	Status      CrawlStatus  `json:"crawl_status" badgerhold:"index"`
	Stats       CrawlStats   `json:"crawl_stats"`
	CrawlErrors []string     `json:"crawl_errors,omitempty"`
	// Output captures the engine's summarized stdout/stderr for
	// operator inspection.
	Output          string    `json:"output,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at" badgerhold:"index"`
	UpdatedAt       time.Time `json:"updated_at"`
}
