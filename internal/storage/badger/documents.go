package badger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/trawler/internal/models"
)

// DocumentStorage persists per-page parse documents. Concurrent parser
// workers update disjoint field entries of the same document, so all
// read-modify-write paths serialize on mu.
type DocumentStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewDocumentStorage creates a new DocumentStorage instance
func NewDocumentStorage(db *BadgerDB, logger arbor.ILogger) *DocumentStorage {
	return &DocumentStorage{
		db:     db,
		logger: logger,
	}
}

// Insert stores the seed document created at fan-out time. The seed
// must exist before any parser job for it is enqueued.
func (s *DocumentStorage) Insert(doc *models.ParsedDocument) error {
	if doc.ID == "" {
		return fmt.Errorf("document ID is required")
	}
	if doc.InitialInsertAt.IsZero() {
		doc.InitialInsertAt = time.Now().UTC()
	}
	doc.LastUpdatedAt = time.Now().UTC()

	return withRetry(s.logger, "document.insert", func() error {
		if err := s.db.Store().Upsert(doc.ID, doc); err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
		return nil
	})
}

// Get returns a document by id.
func (s *DocumentStorage) Get(documentID string) (*models.ParsedDocument, error) {
	var doc models.ParsedDocument
	err := withRetry(s.logger, "document.get", func() error {
		return s.db.Store().Get(documentID, &doc)
	})
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// MarkDispatched records the fan-out outcome on the seed document:
// how many parser jobs went out, how many failed to enqueue, and the
// broker ids of the dispatched jobs. This update always runs, even
// when some enqueues failed, so the document never sticks in
// pending_dispatch.
func (s *DocumentStorage) MarkDispatched(documentID string, jobIDs []uint64, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.Get(documentID)
	if err != nil {
		return err
	}
	doc.Status = models.ProcessingDispatchComplete
	doc.ParserJobsDispatchedAt = time.Now().UTC()
	doc.JobsDispatchedTotal = len(jobIDs)
	doc.JobsFailedDispatch = failed
	doc.ParserJobIDs = jobIDs
	doc.LastUpdatedAt = time.Now().UTC()

	return withRetry(s.logger, "document.mark_dispatched", func() error {
		return s.db.Store().Upsert(doc.ID, doc)
	})
}

// ApplyTaskResult writes one parser task's extraction into the
// document. Each task owns exactly one entry in Fields and one in
// CompletionTimes, so updates from different tasks commute. The
// document transitions to complete once every dispatched job has a
// completion timestamp.
func (s *DocumentStorage) ApplyTaskResult(documentID, taskType, fieldName string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.Get(documentID)
	if err != nil {
		return err
	}

	if doc.Fields == nil {
		doc.Fields = make(map[string]interface{})
	}
	if doc.CompletionTimes == nil {
		doc.CompletionTimes = make(map[string]time.Time)
	}
	doc.Fields[fieldName] = value
	doc.CompletionTimes[taskType] = time.Now().UTC()
	doc.LastUpdatedAt = time.Now().UTC()

	if doc.JobsDispatchedTotal > 0 && len(doc.CompletionTimes) >= doc.JobsDispatchedTotal {
		doc.Status = models.ProcessingComplete
	} else if len(doc.CompletionTimes) > 0 {
		doc.Status = models.ProcessingPartial
	}

	return withRetry(s.logger, "document.apply_task_result", func() error {
		return s.db.Store().Upsert(doc.ID, doc)
	})
}

// MarkTaskSkipped records a task completion without a field value,
// for handlers that decided the page has nothing to extract.
func (s *DocumentStorage) MarkTaskSkipped(documentID, taskType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.Get(documentID)
	if err != nil {
		return err
	}
	if doc.CompletionTimes == nil {
		doc.CompletionTimes = make(map[string]time.Time)
	}
	doc.CompletionTimes[taskType] = time.Now().UTC()
	doc.LastUpdatedAt = time.Now().UTC()

	if doc.JobsDispatchedTotal > 0 && len(doc.CompletionTimes) >= doc.JobsDispatchedTotal {
		doc.Status = models.ProcessingComplete
	} else if len(doc.CompletionTimes) > 0 {
		doc.Status = models.ProcessingPartial
	}

	return withRetry(s.logger, "document.mark_task_skipped", func() error {
		return s.db.Store().Upsert(doc.ID, doc)
	})
}

// ListByCrawl returns every document of a crawl.
func (s *DocumentStorage) ListByCrawl(crawlID string) ([]*models.ParsedDocument, error) {
	var docs []models.ParsedDocument
	err := withRetry(s.logger, "document.list_by_crawl", func() error {
		return s.db.Store().Find(&docs, badgerhold.Where("CrawlID").Eq(crawlID))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	result := make([]*models.ParsedDocument, len(docs))
	for i := range docs {
		result[i] = &docs[i]
	}
	return result, nil
}

// CountByStatus returns the number of documents in a processing status.
func (s *DocumentStorage) CountByStatus(status models.ProcessingStatus) (int, error) {
	count, err := s.db.Store().Count(&models.ParsedDocument{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return int(count), nil
}
