package badger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerDB manages the Badger database connection
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.BadgerConfig
}

// NewBadgerDB opens the progress database. With InMemory set nothing touches disk.
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	options := badgerhold.DefaultOptions
	options.Logger = nil // badger's own logger is noisy; arbor covers it

	if config.InMemory {
		options.InMemory = true
		options.Dir = ""
		options.ValueDir = ""
	} else {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		options.Dir = config.Path
		options.ValueDir = config.Path
	}

	logger.Debug().
		Str("path", config.Path).
		Bool("in_memory", config.InMemory).
		Msg("Opening Badger database connection")

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &BadgerDB{
		store:  store,
		logger: logger,
		config: config,
	}, nil
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Close closes the database connection
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

// RunValueLogGC rewrites value log files until badger reports nothing left to reclaim
func (b *BadgerDB) RunValueLogGC(discardRatio float64) error {
	if b.config.InMemory {
		return nil
	}

	rewrites := 0
	for {
		err := b.store.Badger().RunValueLogGC(discardRatio)
		switch {
		case err == nil:
			rewrites++
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected):
			b.logger.Debug().Int("rewrites", rewrites).Msg("Badger value log GC finished")
			return nil
		default:
			return fmt.Errorf("badger value log gc: %w", err)
		}
	}
}
