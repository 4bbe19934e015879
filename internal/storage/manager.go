package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/ternarybob/reqflow/internal/storage/badger"
	"github.com/ternarybob/reqflow/internal/storage/sqlite"
)

// Manager owns both stores: badger for workflow progress, SQLite for requirements
type Manager struct {
	badgerDB     *badger.BadgerDB
	progress     *badger.ProgressStore
	requirements *sqlite.RequirementStorage
	logger       arbor.ILogger
}

// NewManager opens both stores from config
func NewManager(logger arbor.ILogger, config *common.Config) (*Manager, error) {
	badgerDB, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to open progress store: %w", err)
	}

	sqliteDB, err := sqlite.NewSQLiteDB(logger, &config.Storage.SQLite)
	if err != nil {
		badgerDB.Close()
		return nil, fmt.Errorf("failed to open requirement store: %w", err)
	}

	logger.Info().
		Str("progress_path", config.Storage.Badger.Path).
		Str("sqlite_path", config.Storage.SQLite.Path).
		Msg("Storage manager initialized")

	return &Manager{
		badgerDB:     badgerDB,
		progress:     badger.NewProgressStore(badgerDB, logger),
		requirements: sqlite.NewRequirementStorage(sqliteDB, logger),
		logger:       logger,
	}, nil
}

// ProgressStore returns the durable progress store
func (m *Manager) ProgressStore() interfaces.ProgressStore {
	return m.progress
}

// RequirementStorage returns the requirement store
func (m *Manager) RequirementStorage() interfaces.RequirementStorage {
	return m.requirements
}

// CompactProgress reclaims space left by removed progress keys
func (m *Manager) CompactProgress() error {
	return m.badgerDB.RunValueLogGC(0.5)
}

// Close closes both stores
func (m *Manager) Close() error {
	var firstErr error
	if err := m.requirements.Close(); err != nil {
		firstErr = err
	}
	if err := m.badgerDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
