// -----------------------------------------------------------------------
// Progress persistence port
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned when a key is not present in the progress store
var ErrKeyNotFound = errors.New("key not found")

// ProgressStore is a durable string key/value store used to persist workflow progress
// across restarts. Keys are logical (prefix + workflow id); values are opaque strings.
type ProgressStore interface {
	// Get returns the value for key, or ErrKeyNotFound
	Get(ctx context.Context, key string) (string, error)

	// Set inserts or replaces the value for key
	Set(ctx context.Context, key string, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys returns every stored key starting with prefix
	Keys(ctx context.Context, prefix string) ([]string, error)
}
