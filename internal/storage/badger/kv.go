package badger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// ErrKeyNotFound is returned when a key/value lookup misses.
var ErrKeyNotFound = errors.New("key not found")

// KeyValuePair is a stored key/value entry.
type KeyValuePair struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// KVStorage is a small case-insensitive key/value store. The crawl
// engine uses it to remember which domains needed JavaScript
// rendering so later crawls skip the plain-fetch attempt.
type KVStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewKVStorage creates a new KVStorage instance
func NewKVStorage(db *BadgerDB, logger arbor.ILogger) *KVStorage {
	return &KVStorage{
		db:     db,
		logger: logger,
	}
}

// normalizeKey converts a key to lowercase for case-insensitive storage
func (s *KVStorage) normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Get retrieves a value by key (case-insensitive)
func (s *KVStorage) Get(key string) (string, error) {
	normalizedKey := s.normalizeKey(key)
	var pair KeyValuePair
	err := s.db.Store().Get(normalizedKey, &pair)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	return pair.Value, nil
}

// Set inserts or updates a key/value pair (case-insensitive)
func (s *KVStorage) Set(key, value, description string) error {
	normalizedKey := s.normalizeKey(key)
	now := time.Now().UTC()

	pair := KeyValuePair{
		Key:         normalizedKey,
		Value:       value,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Preserve CreatedAt on overwrite.
	var existing KeyValuePair
	if err := s.db.Store().Get(normalizedKey, &existing); err == nil {
		pair.CreatedAt = existing.CreatedAt
	}

	return withRetry(s.logger, "kv.set", func() error {
		if err := s.db.Store().Upsert(normalizedKey, &pair); err != nil {
			return fmt.Errorf("failed to set key/value: %w", err)
		}
		return nil
	})
}

// Has reports whether a key exists.
func (s *KVStorage) Has(key string) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a key/value pair (case-insensitive)
func (s *KVStorage) Delete(key string) error {
	normalizedKey := s.normalizeKey(key)
	err := s.db.Store().Delete(normalizedKey, &KeyValuePair{})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// ListPrefix returns the keys under a prefix, values included.
func (s *KVStorage) ListPrefix(prefix string) (map[string]string, error) {
	var pairs []KeyValuePair
	err := s.db.Store().Find(&pairs, badgerhold.Where("Key").Ne(""))
	if err != nil {
		return nil, fmt.Errorf("failed to list key/value pairs: %w", err)
	}
	normalized := s.normalizeKey(prefix)
	result := make(map[string]string)
	for _, pair := range pairs {
		if strings.HasPrefix(pair.Key, normalized) {
			result[pair.Key] = pair.Value
		}
	}
	return result, nil
}
