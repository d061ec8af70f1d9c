package parser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/contentstore"
	"github.com/ternarybob/trawler/internal/models"
	"github.com/ternarybob/trawler/internal/queue"
	storage "github.com/ternarybob/trawler/internal/storage/badger"
)

const reserveTimeout = 5 * time.Second

// Worker is one single-threaded parser loop bound to a task type.
// Concurrency comes from running N independent workers per type, each
// watching the same tube.
type Worker struct {
	taskType  string
	tube      string
	handler   TaskHandler
	manager   *queue.Manager
	documents *storage.DocumentStorage
	content   *contentstore.Store
	logger    arbor.ILogger
}

// NewWorker creates a worker for one task type.
func NewWorker(handler TaskHandler, manager *queue.Manager, documents *storage.DocumentStorage, content *contentstore.Store, logger arbor.ILogger) *Worker {
	return &Worker{
		taskType:  handler.TaskType(),
		tube:      queue.TubeForTask(handler.TaskType()),
		handler:   handler,
		manager:   manager,
		documents: documents,
		content:   content,
		logger:    logger,
	}
}

// TaskType returns the task type this worker consumes.
func (w *Worker) TaskType() string {
	return w.taskType
}

// Run consumes the worker's tube until the context is cancelled. The
// in-flight job is always finalized before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Str("task_type", w.taskType).
		Str("tube", w.tube).
		Msg("Parser worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Str("task_type", w.taskType).Msg("Parser worker stopping")
			return nil
		default:
		}

		record, handle, err := w.manager.Dequeue([]string{w.tube}, reserveTimeout)
		if err != nil {
			w.logger.Error().Str("task_type", w.taskType).Err(err).Msg("Reserve failed")
			time.Sleep(time.Second)
			continue
		}
		if record == nil {
			continue
		}
		w.process(record, handle)
	}
}

// validate checks the payload against this worker's identity. A
// mismatch is a routing defect, never worth a retry.
func (w *Worker) validate(record *models.JobRecord) error {
	if record.Kind != models.JobKindParse {
		return fmt.Errorf("kind %q on parser tube", record.Kind)
	}
	if record.DocumentID == "" {
		return fmt.Errorf("missing document_id")
	}
	if record.HTMLFilePath == "" {
		return fmt.Errorf("missing html_file_path")
	}
	if record.TaskType != w.taskType {
		return fmt.Errorf("task_type %q on %q worker", record.TaskType, w.taskType)
	}
	return nil
}

func (w *Worker) process(record *models.JobRecord, handle *queue.Handle) {
	log := w.logger.WithCorrelationId(record.CrawlID)

	if err := w.validate(record); err != nil {
		log.Warn().
			Int64("job_id", int64(handle.ID())).
			Err(err).
			Msg("Burying mismatched parser job")
		w.finalize(handle, w.manager.Fail(handle))
		return
	}

	// The seed document must exist; a missing one means the fan-out
	// never finished and retrying cannot fix it.
	if _, err := w.documents.Get(record.DocumentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().
				Str("document_id", record.DocumentID).
				Msg("Burying parser job with unknown document")
			w.finalize(handle, w.manager.Fail(handle))
			return
		}
		log.Warn().Str("document_id", record.DocumentID).Err(err).Msg("Document lookup failed, retrying")
		w.finalize(handle, w.manager.Retry(handle, record))
		return
	}

	exists, err := w.content.Exists(record.HTMLFilePath)
	if err != nil {
		log.Warn().Str("path", record.HTMLFilePath).Err(err).Msg("Content stat failed, retrying")
		w.finalize(handle, w.manager.Retry(handle, record))
		return
	}
	if !exists {
		log.Warn().
			Str("document_id", record.DocumentID).
			Str("path", record.HTMLFilePath).
			Msg("Burying parser job with missing page file")
		w.finalize(handle, w.manager.Fail(handle))
		return
	}

	html, err := w.content.Read(record.HTMLFilePath)
	if err != nil {
		log.Warn().Str("path", record.HTMLFilePath).Err(err).Msg("Content read failed, retrying")
		w.finalize(handle, w.manager.Retry(handle, record))
		return
	}

	value, err := w.handler.Extract(html, Context{
		CrawlID:    record.CrawlID,
		DocumentID: record.DocumentID,
		URL:        record.URL,
		Domain:     record.Domain,
	})

	switch {
	case err == nil:
		if err := w.documents.ApplyTaskResult(record.DocumentID, w.taskType, w.handler.FieldName(), value); err != nil {
			log.Warn().Str("document_id", record.DocumentID).Err(err).Msg("Result write failed, retrying")
			w.finalize(handle, w.manager.Retry(handle, record))
			return
		}
		log.Debug().
			Str("document_id", record.DocumentID).
			Str("field", w.handler.FieldName()).
			Msg("Task result stored")
		w.finalize(handle, w.manager.Complete(handle, record))

	case IsSkip(err):
		log.Debug().
			Str("document_id", record.DocumentID).
			Str("reason", err.Error()).
			Msg("Task skipped page")
		if err := w.documents.MarkTaskSkipped(record.DocumentID, w.taskType); err != nil {
			log.Warn().Str("document_id", record.DocumentID).Err(err).Msg("Skip marker write failed")
		}
		w.finalize(handle, w.manager.Complete(handle, record))

	case IsRetryable(err):
		log.Warn().
			Str("document_id", record.DocumentID).
			Int("retries", record.Retries).
			Err(err).
			Msg("Task failed, retrying")
		w.finalize(handle, w.manager.Retry(handle, record))

	default:
		log.Error().
			Str("document_id", record.DocumentID).
			Err(err).
			Msg("Task failed permanently, burying")
		w.finalize(handle, w.manager.Fail(handle))
	}
}

// finalize logs queue disposition failures; the job will resurface via
// TTR expiry, so the loop keeps going.
func (w *Worker) finalize(handle *queue.Handle, err error) {
	if err != nil {
		w.logger.Error().
			Int64("job_id", int64(handle.ID())).
			Err(err).
			Msg("Failed to finalize parser job")
	}
}
