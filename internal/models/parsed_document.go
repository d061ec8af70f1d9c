package models

import (
	"time"
)

// ProcessingStatus tracks the fan-out state of a parsed document.
type ProcessingStatus string

const (
	ProcessingPendingDispatch  ProcessingStatus = "pending_dispatch"
	ProcessingDispatchComplete ProcessingStatus = "dispatch_complete"
	ProcessingPartial          ProcessingStatus = "partial"
	ProcessingComplete         ProcessingStatus = "complete"
)

// ParsedDocument is the per-page record shared by all parser workers
// of one fan-out. Concurrent parser updates are partitioned by field:
// each task type writes only its own entry in Fields and
// CompletionTimes, so updates commute.
type ParsedDocument struct {
	ID              string           `json:"_id"`
	CrawlID         string           `json:"crawl_id" badgerhold:"index"`
	URL             string           `json:"url"`
	Domain          string           `json:"domain"`
	HTMLFilePath    string           `json:"html_file_path"`
	HeadersFilePath string           `json:"headers_file_path,omitempty"`
	Status          ProcessingStatus `json:"processing_status" badgerhold:"index"`

	InitialInsertAt        time.Time `json:"initial_insert_at"`
	ParserJobsDispatchedAt time.Time `json:"parser_jobs_dispatched_at,omitempty"`
	JobsDispatchedTotal    int       `json:"jobs_dispatched_total"`
	JobsFailedDispatch     int       `json:"jobs_failed_dispatch"`
	// ParserJobIDs holds the broker job id of every parser job
	// dispatched for this document, in task-type order.
	ParserJobIDs []uint64 `json:"parser_job_ids,omitempty"`

	// Fields holds the typed extraction result per task, keyed by the
	// handler's field name (page_title, headings_data, ...).
	Fields map[string]interface{} `json:"fields,omitempty"`
	// CompletionTimes records when each task type finished.
	CompletionTimes map[string]time.Time `json:"worker_completion_timestamps,omitempty"`
	LastUpdatedAt   time.Time            `json:"last_updated_at"`

	// Extra carries sanitized custom fields from the crawl engine.
	Extra map[string]interface{} `json:"extra,omitempty"`
}
