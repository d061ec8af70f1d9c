package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/common"
)

// Manager bundles the typed storages over one Badger connection.
type Manager struct {
	db        *BadgerDB
	crawlJobs *CrawlJobStorage
	documents *DocumentStorage
	sources   *SourceDomainStorage
	kv        *KVStorage
	logger    arbor.ILogger
}

// NewManager opens the state database and wires the typed storages.
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:        db,
		crawlJobs: NewCrawlJobStorage(db, logger),
		documents: NewDocumentStorage(db, logger),
		sources:   NewSourceDomainStorage(db, logger),
		kv:        NewKVStorage(db, logger),
		logger:    logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// CrawlJobs returns the crawl job storage.
func (m *Manager) CrawlJobs() *CrawlJobStorage {
	return m.crawlJobs
}

// Documents returns the parsed document storage.
func (m *Manager) Documents() *DocumentStorage {
	return m.documents
}

// Sources returns the source domain storage.
func (m *Manager) Sources() *SourceDomainStorage {
	return m.sources
}

// KV returns the key/value storage.
func (m *Manager) KV() *KVStorage {
	return m.kv
}

// Ping verifies the underlying database is responsive.
func (m *Manager) Ping() error {
	return m.db.Ping()
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
