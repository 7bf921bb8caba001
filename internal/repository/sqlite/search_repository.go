package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/refpipe/backend/internal/domain"
)

// SearchRepository records keyword-search runs and their raw hits before
// deduplication seeds them into no_metadata.
type SearchRepository struct {
	db *sql.DB
}

func NewSearchRepository(s *Store) *SearchRepository {
	return &SearchRepository{db: s.db}
}

func (r *SearchRepository) CreateRun(ctx context.Context, run *domain.SearchRun) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO search_runs (id, query, year_from, year_to, max_results, hits, seeded, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, 0, ?)`,
		run.ID, run.Query, run.YearFrom, run.YearTo, run.MaxResults, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating search run: %w", err)
	}
	return nil
}

func (r *SearchRepository) AddResult(ctx context.Context, runID, openalexID, doi, title string, year int, seeded bool) error {
	seededInt := 0
	if seeded {
		seededInt = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO search_results (run_id, openalex_id, doi, title, year, seeded) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, nullStr(openalexID), nullStr(doi), nullStr(title), year, seededInt)
	if err != nil {
		return fmt.Errorf("recording search result: %w", err)
	}
	return nil
}

// FinishRun stores the final hit and seed counters for the run.
func (r *SearchRepository) FinishRun(ctx context.Context, runID string, hits, seeded int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE search_runs SET hits = ?, seeded = ? WHERE id = ?`, hits, seeded, runID)
	if err != nil {
		return fmt.Errorf("finishing search run: %w", err)
	}
	return nil
}
