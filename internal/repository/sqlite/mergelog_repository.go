package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/refpipe/backend/internal/domain"
)

// MergeLogRepository reads the append-only dedupe audit trail. Writes happen
// inside ReferenceRepository transactions so a duplicate row and its audit
// entry commit together.
type MergeLogRepository struct {
	db *sql.DB
}

func NewMergeLogRepository(s *Store) *MergeLogRepository {
	return &MergeLogRepository{db: s.db}
}

// List returns merge-log entries, most recent first.
func (r *MergeLogRepository) List(ctx context.Context, limit int) ([]*domain.MergeLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, canonical_table, canonical_id, duplicate_table, duplicate_id, action, match_field, COALESCE(notes, ''), created_at
		 FROM merge_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing merge log: %w", err)
	}
	defer rows.Close()

	var out []*domain.MergeLogEntry
	for rows.Next() {
		e := &domain.MergeLogEntry{}
		var canonicalTable, duplicateTable, matchField string
		if err := rows.Scan(&e.ID, &canonicalTable, &e.CanonicalID, &duplicateTable, &e.DuplicateID, &e.Action, &matchField, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CanonicalTable = domain.Stage(canonicalTable)
		e.DuplicateTable = domain.Stage(duplicateTable)
		e.MatchField = domain.MatchField(matchField)
		out = append(out, e)
	}
	return out, rows.Err()
}
