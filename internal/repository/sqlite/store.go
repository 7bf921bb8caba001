// Package sqlite implements the staged reference tables on a single SQLite
// file. The file is the source of truth; deleting it resets the system.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Import for register side-effects.
	log "github.com/sirupsen/logrus"

	"github.com/refpipe/backend/internal/domain"
)

// referenceColumns is the shared column block of every stage table: the full
// reference record plus the three normalized shadow columns.
const referenceColumns = `
	title TEXT NOT NULL,
	authors TEXT,
	year INTEGER,
	editors TEXT,
	doi TEXT,
	openalex_id TEXT,
	pmid TEXT,
	arxiv_id TEXT,
	abstract TEXT,
	keywords TEXT,
	journal TEXT,
	volume TEXT,
	issue TEXT,
	pages TEXT,
	publisher TEXT,
	ref_type TEXT,
	url_source TEXT,
	direct_url TEXT,
	file_path TEXT,
	checksum_pdf TEXT,
	metadata_source_type TEXT,
	bibtex_entry_json TEXT,
	status_notes TEXT,
	date_added DATETIME NOT NULL,
	date_processed DATETIME,
	normalized_doi TEXT,
	normalized_title TEXT,
	normalized_authors TEXT`

// Store wraps the SQLite handle shared by all repositories.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database file with foreign keys enabled and a
// busy timeout so concurrent writers queue instead of failing.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database %q: %w", path, err)
	}
	log.WithField("path", path).Debug("opened database")
	return &Store{db: db}, nil
}

// OpenMemory opens a private in-memory database. Used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	// Each connection would get its own private :memory: database; pin the
	// pool to a single connection so every query sees the same one.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// InitSchema creates every table and index. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	stageTables := []domain.Stage{
		domain.StageNoMetadata,
		domain.StageWithMetadata,
		domain.StageToDownload,
		domain.StageDownloaded,
		domain.StageFailedEnrichments,
		domain.StageFailedDownloads,
	}

	for _, table := range stageTables {
		create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,%s
		)`, table, referenceColumns)
		if _, err := s.db.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("creating table %s: %w", table, err)
		}
	}

	// Identity indices on the four tables a reference lives in while moving
	// forward. Failed tables are scanned rarely and stay unindexed.
	for _, table := range []domain.Stage{
		domain.StageNoMetadata,
		domain.StageWithMetadata,
		domain.StageToDownload,
		domain.StageDownloaded,
	} {
		// The DOI index is UNIQUE so a concurrent insert racing past the
		// duplicate pre-check is rejected by the database itself. Empty DOIs
		// are stored as NULL and stay outside the constraint.
		indices := []string{
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_norm_doi ON %s(normalized_doi) WHERE normalized_doi IS NOT NULL`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_norm_title_authors ON %s(normalized_title, normalized_authors)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_openalex ON %s(openalex_id)`, table, table),
		}
		for _, idx := range indices {
			if _, err := s.db.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("creating index on %s: %w", table, err)
			}
		}
	}

	aux := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,%s,
			existing_entry_id INTEGER NOT NULL,
			existing_entry_table TEXT NOT NULL,
			matched_on_field TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`, domain.StageDuplicates, referenceColumns),
		`CREATE TABLE IF NOT EXISTS merge_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			canonical_table TEXT NOT NULL,
			canonical_id INTEGER NOT NULL,
			duplicate_table TEXT NOT NULL,
			duplicate_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			match_field TEXT NOT NULL,
			notes TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS search_runs (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			year_from INTEGER,
			year_to INTEGER,
			max_results INTEGER,
			hits INTEGER,
			seeded INTEGER,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS search_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES search_runs(id),
			openalex_id TEXT,
			doi TEXT,
			title TEXT,
			year INTEGER,
			seeded INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS citation_edges (
			source_work_id TEXT NOT NULL,
			target_work_id TEXT NOT NULL,
			PRIMARY KEY (source_work_id, target_work_id)
		)`,
	}
	for _, stmt := range aux {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating auxiliary table: %w", err)
		}
	}
	return nil
}

// Counts returns the row count of every pipeline table, for inspect-tables.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	tables := []string{
		string(domain.StageNoMetadata),
		string(domain.StageWithMetadata),
		string(domain.StageToDownload),
		string(domain.StageDownloaded),
		string(domain.StageFailedEnrichments),
		string(domain.StageFailedDownloads),
		string(domain.StageDuplicates),
		"merge_log",
		"search_runs",
		"citation_edges",
	}
	out := make(map[string]int, len(tables))
	for _, t := range tables {
		var n int
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", t)).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", t, err)
		}
		out[t] = n
	}
	return out, nil
}
