package models

import (
	"time"
)

// JobKind identifies the logical kind of a queue job.
type JobKind string

const (
	JobKindCrawl JobKind = "crawl"
	JobKindParse JobKind = "parse"
)

// RecordFormat tags the serialization format of a job body so future
// migrations can dispatch on it.
const RecordFormat = "trawler/json"

// RecordVersion is the current codec version.
const RecordVersion = 1

// RecordMeta is the self-describing envelope carried in every job body.
type RecordMeta struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Format    string    `json:"format"`
}

// JobRecord is the decoded body of a queue job. It is a tagged union:
// Kind selects which fields are required (see queue.Codec validation).
// Fields the codec does not know about survive a decode/encode round
// trip in Extra.
type JobRecord struct {
	Kind JobKind `json:"kind" validate:"required,oneof=crawl parse"`

	// Crawl jobs. CrawlID is stable across retries; a record carrying
	// only a CrawlID is a lookup-only submission and skips field
	// validation.
	CrawlID string `json:"crawl_id,omitempty"`
	Domain  string `json:"domain,omitempty"`
	URL     string `json:"url,omitempty"`
	// The three crawl knobs serialize without omitempty: their keys
	// must be present even at zero values for the codec's
	// field-presence validation to hold across a round trip.
	MaxPages   int    `json:"max_pages"`
	SingleURL  bool   `json:"single_url"`
	UseSitemap bool   `json:"use_sitemap"`
	CycleID    string `json:"cycle_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`

	// Parse jobs.
	DocumentID      string    `json:"document_id,omitempty"`
	TaskType        string    `json:"task_type,omitempty"`
	HTMLFilePath    string    `json:"html_file_path,omitempty"`
	HeadersFilePath string    `json:"headers_file_path,omitempty"`
	EnqueuedAt      time.Time `json:"enqueued_at,omitempty"`

	// Retries is the attempt counter incremented by the queue manager
	// each time the job is re-queued after a failure.
	Retries int `json:"retries"`

	Meta RecordMeta `json:"_meta"`

	// Extra carries unknown fields for forward compatibility.
	Extra map[string]interface{} `json:"-"`
}

// LookupOnly reports whether the record is a crawl_id-only submission,
// which bypasses kind-specific field validation.
func (r *JobRecord) LookupOnly() bool {
	return r.Kind == JobKindCrawl && r.CrawlID != "" &&
		r.Domain == "" && r.URL == ""
}
