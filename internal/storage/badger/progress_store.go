package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/timshannon/badgerhold/v4"
)

// progressEntry is one persisted progress key
type progressEntry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// ProgressStore implements interfaces.ProgressStore on badgerhold
type ProgressStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewProgressStore creates a new ProgressStore instance
func NewProgressStore(db *BadgerDB, logger arbor.ILogger) *ProgressStore {
	return &ProgressStore{
		db:     db,
		logger: logger,
	}
}

// Keys are case-sensitive: workflow ids are opaque
func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// Get returns the stored value or interfaces.ErrKeyNotFound
func (s *ProgressStore) Get(ctx context.Context, key string) (string, error) {
	var entry progressEntry
	err := s.db.Store().Get(normalizeKey(key), &entry)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	return entry.Value, nil
}

// Set inserts or replaces the value for key
func (s *ProgressStore) Set(ctx context.Context, key string, value string) error {
	k := normalizeKey(key)
	entry := progressEntry{
		Key:       k,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	if err := s.db.Store().Upsert(k, &entry); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Remove deletes key; an absent key is not an error
func (s *ProgressStore) Remove(ctx context.Context, key string) error {
	err := s.db.Store().Delete(normalizeKey(key), &progressEntry{})
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to remove key: %w", err)
	}
	return nil
}

// Keys returns every key starting with prefix, most recently updated first
func (s *ProgressStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var entries []progressEntry
	err := s.db.Store().Find(&entries, badgerhold.Where("Key").Ne("").SortBy("UpdatedAt").Reverse())
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Key, prefix) {
			keys = append(keys, entry.Key)
		}
	}
	return keys, nil
}
