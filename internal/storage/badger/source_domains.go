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

// SourceDomainStorage persists the upstream admission collection the
// scheduler drains. Status transitions are conditional on the current
// status so two scheduler passes never admit the same source twice.
type SourceDomainStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewSourceDomainStorage creates a new SourceDomainStorage instance
func NewSourceDomainStorage(db *BadgerDB, logger arbor.ILogger) *SourceDomainStorage {
	return &SourceDomainStorage{
		db:     db,
		logger: logger,
	}
}

// Save upserts a source domain record.
func (s *SourceDomainStorage) Save(source *models.SourceDomain) error {
	if source.ID == "" {
		return fmt.Errorf("source ID is required")
	}
	if source.CreatedAt.IsZero() {
		source.CreatedAt = time.Now().UTC()
	}
	source.UpdatedAt = time.Now().UTC()

	return withRetry(s.logger, "source.save", func() error {
		if err := s.db.Store().Upsert(source.ID, source); err != nil {
			return fmt.Errorf("failed to save source domain: %w", err)
		}
		return nil
	})
}

// Get returns a source domain by id.
func (s *SourceDomainStorage) Get(id string) (*models.SourceDomain, error) {
	var source models.SourceDomain
	err := withRetry(s.logger, "source.get", func() error {
		return s.db.Store().Get(id, &source)
	})
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get source domain: %w", err)
	}
	return &source, nil
}

// ListByStatus returns up to limit sources in a status, oldest first,
// so admission is fair across scheduler passes.
func (s *SourceDomainStorage) ListByStatus(status models.SourceStatus, limit int) ([]*models.SourceDomain, error) {
	query := badgerhold.Where("Status").Eq(status).SortBy("CreatedAt")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var sources []models.SourceDomain
	err := withRetry(s.logger, "source.list", func() error {
		return s.db.Store().Find(&sources, query)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list source domains: %w", err)
	}
	result := make([]*models.SourceDomain, len(sources))
	for i := range sources {
		result[i] = &sources[i]
	}
	return result, nil
}

// Transition moves a source from one status to another only when it
// still holds the expected status. Returns false without error when
// another pass won the transition.
func (s *SourceDomainStorage) Transition(id string, from, to models.SourceStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, err := s.Get(id)
	if err != nil {
		return false, err
	}
	if source.Status != from {
		return false, nil
	}
	source.Status = to
	return true, s.Save(source)
}

// AttachCrawl records the crawl a submitted source became.
func (s *SourceDomainStorage) AttachCrawl(id, crawlID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, err := s.Get(id)
	if err != nil {
		return err
	}
	source.CrawlID = crawlID
	return s.Save(source)
}

// RecordError reverts a source to its prior status with the failure
// message, so the next scheduler pass reconsiders it.
func (s *SourceDomainStorage) RecordError(id string, revertTo models.SourceStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, err := s.Get(id)
	if err != nil {
		return err
	}
	source.Status = revertTo
	source.LastError = message
	return s.Save(source)
}

// Count returns the number of sources in a status.
func (s *SourceDomainStorage) Count(status models.SourceStatus) (int, error) {
	count, err := s.db.Store().Count(&models.SourceDomain{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count source domains: %w", err)
	}
	return int(count), nil
}
