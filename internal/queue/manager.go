package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/models"
)

// Job priorities. Lower numbers are served first.
const (
	PriorityHigh   uint32 = 0
	PriorityNormal uint32 = 100
	PriorityLow    uint32 = 1000
)

// PriorityFromName maps a config-level priority name to its numeric
// value. Unknown names fall back to normal.
func PriorityFromName(name string) uint32 {
	switch name {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// TubeForTask returns the tube name a parser task type consumes from.
func TubeForTask(taskType string) string {
	return fmt.Sprintf("crawler_htmlparser_%s_tube", taskType)
}

// Handle is the opaque lease token returned by Dequeue. It pins the
// broker job so the caller can complete, retry, or fail it without
// touching broker internals.
type Handle struct {
	job *Job
}

// ID returns the broker job id.
func (h *Handle) ID() uint64 { return h.job.ID }

// Tube returns the tube the job was reserved from.
func (h *Handle) Tube() string { return h.job.Tube }

// Releases returns how many times the broker has released this job
// back to ready. Dispatchers use it as the authoritative attempt count.
func (h *Handle) Releases() uint32 { return h.job.Releases }

// TimeLeft returns the remaining lease time.
func (h *Handle) TimeLeft() time.Duration { return h.job.TimeLeft(time.Now().UTC()) }

// TTR returns the job's full time-to-run.
func (h *Handle) TTR() time.Duration { return h.job.TTR }

// EnqueueOptions tune a single Enqueue call.
type EnqueueOptions struct {
	Priority uint32
	Delay    time.Duration
	TTR      time.Duration
}

// Manager is the job-level layer over the broker: it owns encoding,
// tube routing, attempt accounting, and the retry/bury policy. One
// Manager is shared by every producer and consumer in the process.
type Manager struct {
	client      *Client
	codec       *Codec
	crawlTube   string
	maxAttempts int
	defaultTTR  time.Duration
	logger      arbor.ILogger
}

// NewManager creates a manager over an open broker.
func NewManager(broker *Broker, crawlTube string, maxAttempts int, defaultTTR time.Duration, logger arbor.ILogger) *Manager {
	if crawlTube == "" {
		crawlTube = "crawler_crawl_jobs"
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if defaultTTR <= 0 {
		defaultTTR = 5 * time.Minute
	}
	return &Manager{
		client:      NewClient(broker, logger),
		codec:       NewCodec(),
		crawlTube:   crawlTube,
		maxAttempts: maxAttempts,
		defaultTTR:  defaultTTR,
		logger:      logger,
	}
}

// CrawlTube returns the tube crawl jobs are routed to.
func (m *Manager) CrawlTube() string { return m.crawlTube }

// MaxAttempts returns the bounded attempt count for failed jobs.
func (m *Manager) MaxAttempts() int { return m.maxAttempts }

// Client returns a fresh client over the same broker for worker loops
// that need their own watch set.
func (m *Manager) Client() *Client {
	return NewClient(m.client.broker, m.logger)
}

// tubeFor routes a record to its tube by kind.
func (m *Manager) tubeFor(record *models.JobRecord) (string, error) {
	switch record.Kind {
	case models.JobKindCrawl:
		return m.crawlTube, nil
	case models.JobKindParse:
		if record.TaskType == "" {
			return "", fmt.Errorf("parse record has no task_type")
		}
		return TubeForTask(record.TaskType), nil
	default:
		return "", fmt.Errorf("unknown job kind %q", record.Kind)
	}
}

// Enqueue encodes a record and puts it on the tube its kind maps to.
// Missing option fields take defaults (normal priority, no delay, the
// manager's TTR).
func (m *Manager) Enqueue(record *models.JobRecord, opts EnqueueOptions) (uint64, error) {
	tube, err := m.tubeFor(record)
	if err != nil {
		return 0, err
	}
	if record.Kind == models.JobKindParse && record.EnqueuedAt.IsZero() {
		record.EnqueuedAt = time.Now().UTC()
	}

	body, err := m.codec.Encode(record)
	if err != nil {
		return 0, err
	}

	ttr := opts.TTR
	if ttr <= 0 {
		ttr = m.defaultTTR
	}

	m.client.Use(tube)
	id, err := m.client.Put(body, opts.Priority, opts.Delay, ttr)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s job: %w", record.Kind, err)
	}

	m.logger.Debug().
		Int64("job_id", int64(id)).
		Str("tube", tube).
		Str("kind", string(record.Kind)).
		Msg("Job enqueued")
	return id, nil
}

// Dequeue reserves the next job across the given tubes. A nil record
// with nil error means the wait timed out. Bodies that fail decoding
// are buried immediately and reported as a timeout so the caller's
// loop just continues.
func (m *Manager) Dequeue(tubes []string, timeout time.Duration) (*models.JobRecord, *Handle, error) {
	client := m.Client()
	for _, tube := range tubes {
		client.Watch(tube)
	}
	client.Ignore("default")

	job, err := client.Reserve(timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reserve job: %w", err)
	}
	if job == nil {
		return nil, nil, nil
	}

	record, err := m.codec.Decode(job.Body)
	if err != nil {
		m.logger.Warn().
			Int64("job_id", int64(job.ID)).
			Str("tube", job.Tube).
			Err(err).
			Msg("Burying malformed job body")
		if buryErr := client.Bury(job, PriorityLow); buryErr != nil {
			m.logger.Error().
				Int64("job_id", int64(job.ID)).
				Err(buryErr).
				Msg("Failed to bury malformed job")
		}
		return nil, nil, nil
	}
	return record, &Handle{job: job}, nil
}

// Touch extends the lease on a reserved job.
func (m *Manager) Touch(h *Handle) error {
	return m.client.Touch(h.job)
}

// Complete deletes a finished job. For crawl jobs it also purges
// duplicate ready submissions carrying the same crawl_id, so a crawl
// that was double-submitted only ever runs once.
func (m *Manager) Complete(h *Handle, record *models.JobRecord) error {
	if err := m.client.Delete(h.job); err != nil {
		return fmt.Errorf("failed to delete job %d: %w", h.job.ID, err)
	}
	if record != nil && record.Kind == models.JobKindCrawl && record.CrawlID != "" {
		m.purgeDuplicates(h.job.Tube, record.CrawlID, h.job.ID)
	}
	return nil
}

// purgeDuplicates removes ready jobs in the tube that reference an
// already-finished crawl. Scan failures are logged, never propagated.
func (m *Manager) purgeDuplicates(tube, crawlID string, completedID uint64) {
	jobs, err := m.client.broker.ListReady(tube, 200)
	if err != nil {
		m.logger.Warn().Str("tube", tube).Err(err).Msg("Duplicate purge scan failed")
		return
	}
	for _, job := range jobs {
		if job.ID == completedID {
			continue
		}
		dup, err := m.codec.Decode(job.Body)
		if err != nil || dup.Kind != models.JobKindCrawl || dup.CrawlID != crawlID {
			continue
		}
		if err := m.client.broker.Delete(tube, job.ID); err != nil {
			if !errors.Is(err, ErrNotFound) {
				m.logger.Warn().
					Int64("job_id", int64(job.ID)).
					Str("crawl_id", crawlID).
					Err(err).
					Msg("Failed to purge duplicate job")
			}
			continue
		}
		m.logger.Info().
			Int64("job_id", int64(job.ID)).
			Str("crawl_id", crawlID).
			Msg("Purged duplicate job for completed crawl")
	}
}

// RetryBackoff computes the delay before attempt n runs again:
// 5 * 2^n seconds, capped at 30 minutes.
func RetryBackoff(attempts int) time.Duration {
	delay := 5 * time.Second
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= 30*time.Minute {
			return 30 * time.Minute
		}
	}
	return delay
}

// Retry re-queues a reserved job after a transient failure. The
// record's retry counter is advanced and written back to the body so
// the count survives the release; once attempts exceed the bound the
// job is buried instead.
func (m *Manager) Retry(h *Handle, record *models.JobRecord) error {
	attempts := record.Retries + 1
	if attempts > m.maxAttempts {
		m.logger.Warn().
			Int64("job_id", int64(h.job.ID)).
			Str("tube", h.job.Tube).
			Int("attempts", attempts).
			Msg("Retry budget exhausted, burying job")
		return m.client.Bury(h.job, PriorityLow)
	}

	record.Retries = attempts
	body, err := m.codec.Encode(record)
	if err != nil {
		return fmt.Errorf("failed to encode retry body: %w", err)
	}
	if err := m.client.broker.UpdateBody(h.job.Tube, h.job.ID, body); err != nil {
		return fmt.Errorf("failed to persist retry count: %w", err)
	}

	delay := RetryBackoff(attempts)
	m.logger.Info().
		Int64("job_id", int64(h.job.ID)).
		Str("tube", h.job.Tube).
		Int("attempt", attempts).
		Str("delay", delay.String()).
		Msg("Releasing job for retry")
	return m.client.Release(h.job, h.job.Priority, delay)
}

// Fail disposes of a reserved job after a failure that retrying cannot
// fix, or after the retry budget ran out. The job is buried for
// operator inspection.
func (m *Manager) Fail(h *Handle) error {
	m.logger.Warn().
		Int64("job_id", int64(h.job.ID)).
		Str("tube", h.job.Tube).
		Msg("Burying failed job")
	return m.client.Bury(h.job, PriorityLow)
}

// Release puts a reserved job back on the ready queue without touching
// the retry counter. Dispatchers use it with the broker's release
// counter as the attempt count.
func (m *Manager) Release(h *Handle, delay time.Duration) error {
	return m.client.Release(h.job, h.job.Priority, delay)
}

// Stats returns per-tube counters from the broker.
func (m *Manager) Stats() (map[string]TubeStats, error) {
	return m.client.Stats()
}

// StatsTube returns counters for one tube.
func (m *Manager) StatsTube(tube string) (TubeStats, error) {
	return m.client.StatsTube(tube)
}

// Kick returns up to bound buried jobs in a tube to ready.
func (m *Manager) Kick(tube string, bound int) (int, error) {
	return m.client.broker.Kick(tube, bound)
}
