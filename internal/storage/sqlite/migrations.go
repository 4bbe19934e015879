package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate runs database migrations
func (s *SQLiteDB) migrate() error {
	ctx := context.Background()

	if err := s.createMigrationsTable(ctx); err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "requirements", up: migrateV1},
		{version: 2, name: "stage_rows", up: migrateV2},
	}

	for _, m := range migrations {
		if err := s.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}

	return nil
}

type migration struct {
	version int
	name    string
	up      func(context.Context, *sql.Tx) error
}

func (s *SQLiteDB) createMigrationsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLiteDB) runMigration(ctx context.Context, m migration) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
	if err != nil {
		return err
	}

	if count > 0 {
		return nil // Already applied
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.up(ctx, tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, strftime('%s', 'now'))",
		m.version, m.name)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func execAll(ctx context.Context, tx *sql.Tx, queries []string) error {
	for _, q := range queries {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// migrateV1 creates the requirements table
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS requirements (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			problem_statement TEXT NOT NULL,
			industry_type TEXT NOT NULL DEFAULT '',
			target_audience TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'Draft',
			analysis_status TEXT NOT NULL DEFAULT '',
			market_analysis TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requirements_status ON requirements(status)`,
	})
}

// migrateV2 creates the per-stage row tables
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS search_queries (
			id TEXT PRIMARY KEY,
			requirement_id TEXT NOT NULL REFERENCES requirements(id) ON DELETE CASCADE,
			query TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_search_queries_req ON search_queries(requirement_id, status)`,

		`CREATE TABLE IF NOT EXISTS search_results (
			id TEXT PRIMARY KEY,
			requirement_id TEXT NOT NULL REFERENCES requirements(id) ON DELETE CASCADE,
			query_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL,
			snippet TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_search_results_req ON search_results(requirement_id)`,

		`CREATE TABLE IF NOT EXISTS scraped_sources (
			id TEXT PRIMARY KEY,
			requirement_id TEXT NOT NULL REFERENCES requirements(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			UNIQUE(requirement_id, url)
		)`,

		`CREATE TABLE IF NOT EXISTS source_summaries (
			id TEXT PRIMARY KEY,
			requirement_id TEXT NOT NULL REFERENCES requirements(id) ON DELETE CASCADE,
			source_id TEXT NOT NULL UNIQUE REFERENCES scraped_sources(id) ON DELETE CASCADE,
			summary TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_source_summaries_req ON source_summaries(requirement_id)`,
	})
}
