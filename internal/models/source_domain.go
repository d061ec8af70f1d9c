package models

import (
	"time"
)

// SourceStatus is the admission state of a source domain.
type SourceStatus string

const (
	SourceStatusNew       SourceStatus = "new"
	SourceStatusPending   SourceStatus = "pending_submission"
	SourceStatusSubmitted SourceStatus = "submitted_to_crawler"
)

// SourceDomain is a record in the upstream admission collection.
// The scheduler transitions new -> pending_submission ->
// submitted_to_crawler; transitions are conditional on the current
// status so concurrent schedulers admit each domain at most once.
type SourceDomain struct {
	ID         string       `json:"_id"`
	Domain     string       `json:"domain"`
	URL        string       `json:"url,omitempty"`
	Status     SourceStatus `json:"status" badgerhold:"index"`
	MaxPages   int          `json:"max_pages,omitempty"`
	SingleURL  bool         `json:"single_url,omitempty"`
	UseSitemap bool         `json:"use_sitemap,omitempty"`
	CycleID    string       `json:"cycle_id,omitempty"`
	ProjectID  string       `json:"project_id,omitempty"`
	// Custom parameters inherited by the crawl payload when they do
	// not collide with the standard keys.
	Custom map[string]interface{} `json:"custom,omitempty"`

	// CrawlID references the submitted crawl once status reaches
	// submitted_to_crawler.
	CrawlID   string    `json:"crawl_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
