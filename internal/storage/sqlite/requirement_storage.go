package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/models"
)

// countQueries whitelists the tables CountRows may touch. Scraped sources only
// count once extracted, since failed pages never reach summarisation.
var countQueries = map[string]string{
	models.TableSearchQueries:   `SELECT COUNT(*) FROM search_queries WHERE requirement_id = ?`,
	models.TableSearchResults:   `SELECT COUNT(DISTINCT url) FROM search_results WHERE requirement_id = ?`,
	models.TableScrapedSources:  `SELECT COUNT(*) FROM scraped_sources WHERE requirement_id = ? AND status = 'completed'`,
	models.TableSourceSummaries: `SELECT COUNT(*) FROM source_summaries WHERE requirement_id = ?`,
}

const requirementColumns = `id, title, problem_statement, industry_type, target_audience, status,
	analysis_status, market_analysis, created_at, updated_at`

// RequirementStorage implements interfaces.RequirementStorage for SQLite
type RequirementStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex // serialises writes to avoid SQLITE_BUSY
}

// NewRequirementStorage creates a new RequirementStorage instance
func NewRequirementStorage(db *SQLiteDB, logger arbor.ILogger) *RequirementStorage {
	return &RequirementStorage{
		db:     db,
		logger: logger,
	}
}

// CountRows returns the number of rows in table scoped to workflowID
func (s *RequirementStorage) CountRows(ctx context.Context, table string, workflowID string) (int, error) {
	query, ok := countQueries[table]
	if !ok {
		return 0, fmt.Errorf("unknown table: %s", table)
	}

	var count int
	if err := s.db.db.QueryRowContext(ctx, query, workflowID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// FetchRecord returns the requirement for workflowID
func (s *RequirementStorage) FetchRecord(ctx context.Context, workflowID string) (*models.Requirement, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+requirementColumns+` FROM requirements WHERE id = ?`, workflowID)

	req, err := scanRequirement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("requirement %s: %w", workflowID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch requirement: %w", err)
	}
	return req, nil
}

// CreateRequirement inserts a new requirement, assigning ID and timestamps when unset
func (s *RequirementStorage) CreateRequirement(ctx context.Context, req *models.Requirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if req.ID == "" {
		req.ID = common.NewRequirementID()
	}
	if req.Status == "" {
		req.Status = models.RequirementStatusDraft
	}
	req.CreatedAt = now
	req.UpdatedAt = now

	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO requirements (`+requirementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Title, req.ProblemStatement, req.IndustryType, req.TargetAudience,
		string(req.Status), req.AnalysisStatus, req.MarketAnalysis, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to create requirement: %w", err)
	}
	return nil
}

// ListRequirements returns all requirements, newest first
func (s *RequirementStorage) ListRequirements(ctx context.Context) ([]*models.Requirement, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+requirementColumns+` FROM requirements ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list requirements: %w", err)
	}
	defer rows.Close()

	var out []*models.Requirement
	for rows.Next() {
		req, err := scanRequirement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan requirement: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// UpdateStatus sets the requirement status. A fresh analysis clears the previous payload.
func (s *RequirementStorage) UpdateStatus(ctx context.Context, workflowID string, status models.RequirementStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid requirement status: %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE requirements SET status = ?, analysis_status = ?, updated_at = ? WHERE id = ?`
	if status == models.RequirementStatusAnalyzing {
		query = `UPDATE requirements SET status = ?, analysis_status = ?, market_analysis = '', updated_at = ? WHERE id = ?`
	}

	result, err := s.db.db.ExecContext(ctx, query, string(status), string(status), time.Now().Unix(), workflowID)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return requireAffected(result, workflowID)
}

// SaveAnalysis stores the market analysis and marks the requirement completed
func (s *RequirementStorage) SaveAnalysis(ctx context.Context, workflowID string, analysis string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx, `
		UPDATE requirements
		SET market_analysis = ?, status = ?, analysis_status = ?, updated_at = ?
		WHERE id = ?`,
		analysis, string(models.RequirementStatusCompleted), string(models.RequirementStatusCompleted),
		time.Now().Unix(), workflowID)
	if err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}
	return requireAffected(result, workflowID)
}

// ReplaceSearchQueries swaps the query rows for workflowID in one transaction
func (s *RequirementStorage) ReplaceSearchQueries(ctx context.Context, workflowID string, queries []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM search_queries WHERE requirement_id = ?`, workflowID); err != nil {
		return fmt.Errorf("failed to clear search queries: %w", err)
	}

	now := time.Now().Unix()
	for _, q := range queries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO search_queries (id, requirement_id, query, status, created_at) VALUES (?, ?, ?, ?, ?)`,
			common.NewRowID(), workflowID, q, models.RowStatusPending, now); err != nil {
			return fmt.Errorf("failed to insert search query: %w", err)
		}
	}

	return tx.Commit()
}

// ListSearchQueries returns queries for workflowID, filtered by status when non-empty
func (s *RequirementStorage) ListSearchQueries(ctx context.Context, workflowID string, status string) ([]*models.SearchQuery, error) {
	query := `SELECT id, requirement_id, query, status, created_at FROM search_queries WHERE requirement_id = ?`
	args := []interface{}{workflowID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list search queries: %w", err)
	}
	defer rows.Close()

	var out []*models.SearchQuery
	for rows.Next() {
		var q models.SearchQuery
		var created int64
		if err := rows.Scan(&q.ID, &q.RequirementID, &q.Query, &q.Status, &created); err != nil {
			return nil, err
		}
		q.CreatedAt = time.Unix(created, 0)
		out = append(out, &q)
	}
	return out, rows.Err()
}

// MarkQueryStatus updates one query row
func (s *RequirementStorage) MarkQueryStatus(ctx context.Context, queryID string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.db.ExecContext(ctx, `UPDATE search_queries SET status = ? WHERE id = ?`, status, queryID)
	if err != nil {
		return fmt.Errorf("failed to mark query: %w", err)
	}
	return nil
}

// SaveSearchResults inserts result rows, replacing earlier results for the same query
func (s *RequirementStorage) SaveSearchResults(ctx context.Context, results []*models.SearchResult) error {
	if len(results) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cleared := make(map[string]bool)
	now := time.Now()
	for _, r := range results {
		if !cleared[r.QueryID] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM search_results WHERE query_id = ?`, r.QueryID); err != nil {
				return fmt.Errorf("failed to clear results: %w", err)
			}
			cleared[r.QueryID] = true
		}
		if r.ID == "" {
			r.ID = common.NewRowID()
		}
		r.CreatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO search_results (id, requirement_id, query_id, title, url, snippet, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.RequirementID, r.QueryID, r.Title, r.URL, r.Snippet, now.Unix()); err != nil {
			return fmt.Errorf("failed to insert search result: %w", err)
		}
	}

	return tx.Commit()
}

// ListSearchResults returns results for workflowID in insertion order
func (s *RequirementStorage) ListSearchResults(ctx context.Context, workflowID string) ([]*models.SearchResult, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, requirement_id, query_id, title, url, snippet, created_at
		FROM search_results WHERE requirement_id = ? ORDER BY created_at, rowid`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list search results: %w", err)
	}
	defer rows.Close()

	var out []*models.SearchResult
	for rows.Next() {
		var r models.SearchResult
		var created int64
		if err := rows.Scan(&r.ID, &r.RequirementID, &r.QueryID, &r.Title, &r.URL, &r.Snippet, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveScrapedSource upserts a source keyed by (requirement, url)
func (s *RequirementStorage) SaveScrapedSource(ctx context.Context, source *models.ScrapedSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if source.ID == "" {
		source.ID = common.NewRowID()
	}
	source.CreatedAt = time.Now()

	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO scraped_sources (id, requirement_id, url, title, content, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(requirement_id, url) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			status = excluded.status,
			error = excluded.error`,
		source.ID, source.RequirementID, source.URL, source.Title, source.Content,
		source.Status, source.Error, source.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save scraped source: %w", err)
	}
	return nil
}

// ListScrapedSources returns all sources for workflowID
func (s *RequirementStorage) ListScrapedSources(ctx context.Context, workflowID string) ([]*models.ScrapedSource, error) {
	return s.querySources(ctx, `
		SELECT id, requirement_id, url, title, content, status, error, created_at
		FROM scraped_sources WHERE requirement_id = ? ORDER BY created_at, rowid`, workflowID)
}

// ListUnsummarizedSources returns up to limit completed sources with no summary yet
func (s *RequirementStorage) ListUnsummarizedSources(ctx context.Context, workflowID string, limit int) ([]*models.ScrapedSource, error) {
	return s.querySources(ctx, `
		SELECT s.id, s.requirement_id, s.url, s.title, s.content, s.status, s.error, s.created_at
		FROM scraped_sources s
		LEFT JOIN source_summaries m ON m.source_id = s.id
		WHERE s.requirement_id = ? AND s.status = 'completed' AND m.id IS NULL
		ORDER BY s.created_at, s.rowid
		LIMIT ?`, workflowID, limit)
}

// CountUnsummarizedSources returns how many completed sources still lack a summary
func (s *RequirementStorage) CountUnsummarizedSources(ctx context.Context, workflowID string) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM scraped_sources s
		LEFT JOIN source_summaries m ON m.source_id = s.id
		WHERE s.requirement_id = ? AND s.status = 'completed' AND m.id IS NULL`, workflowID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsummarized sources: %w", err)
	}
	return count, nil
}

// SaveSummary upserts the summary for one source
func (s *RequirementStorage) SaveSummary(ctx context.Context, summary *models.SourceSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if summary.ID == "" {
		summary.ID = common.NewRowID()
	}
	summary.CreatedAt = time.Now()

	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO source_summaries (id, requirement_id, source_id, summary, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET summary = excluded.summary`,
		summary.ID, summary.RequirementID, summary.SourceID, summary.Summary, summary.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

// ListSummaries returns all summaries for workflowID
func (s *RequirementStorage) ListSummaries(ctx context.Context, workflowID string) ([]*models.SourceSummary, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, requirement_id, source_id, summary, created_at
		FROM source_summaries WHERE requirement_id = ? ORDER BY created_at, rowid`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	defer rows.Close()

	var out []*models.SourceSummary
	for rows.Next() {
		var m models.SourceSummary
		var created int64
		if err := rows.Scan(&m.ID, &m.RequirementID, &m.SourceID, &m.Summary, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(created, 0)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ClearStageRows deletes all stage rows for workflowID
func (s *RequirementStorage) ClearStageRows(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Children first
	for _, table := range []string{"source_summaries", "scraped_sources", "search_results", "search_queries"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE requirement_id = ?`, workflowID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database
func (s *RequirementStorage) Close() error {
	return s.db.Close()
}

func (s *RequirementStorage) querySources(ctx context.Context, query string, args ...interface{}) ([]*models.ScrapedSource, error) {
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scraped sources: %w", err)
	}
	defer rows.Close()

	var out []*models.ScrapedSource
	for rows.Next() {
		var src models.ScrapedSource
		var created int64
		if err := rows.Scan(&src.ID, &src.RequirementID, &src.URL, &src.Title, &src.Content,
			&src.Status, &src.Error, &created); err != nil {
			return nil, err
		}
		src.CreatedAt = time.Unix(created, 0)
		out = append(out, &src)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequirement(row rowScanner) (*models.Requirement, error) {
	var req models.Requirement
	var status string
	var created, updated int64
	err := row.Scan(&req.ID, &req.Title, &req.ProblemStatement, &req.IndustryType, &req.TargetAudience,
		&status, &req.AnalysisStatus, &req.MarketAnalysis, &created, &updated)
	if err != nil {
		return nil, err
	}
	req.Status = models.RequirementStatus(status)
	req.CreatedAt = time.Unix(created, 0)
	req.UpdatedAt = time.Unix(updated, 0)
	return &req, nil
}

func requireAffected(result sql.Result, workflowID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("requirement %s: %w", workflowID, models.ErrNotFound)
	}
	return nil
}
