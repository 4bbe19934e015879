// Package memory provides an in-process ProgressStore for tests and ephemeral runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/reqflow/internal/interfaces"
)

// ProgressStore is a map-backed interfaces.ProgressStore
type ProgressStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewProgressStore creates an empty store
func NewProgressStore() *ProgressStore {
	return &ProgressStore{data: make(map[string]string)}
}

func (s *ProgressStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", interfaces.ErrKeyNotFound
	}
	return v, nil
}

func (s *ProgressStore) Set(ctx context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *ProgressStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *ProgressStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored keys
func (s *ProgressStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
