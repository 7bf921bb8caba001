package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/refpipe/backend/internal/domain"
	"github.com/refpipe/backend/internal/identity"
)

// refColumnList is the insert/select order of every stage table's reference
// columns. It must match referenceColumns in store.go.
const refColumnList = "title, authors, year, editors, doi, openalex_id, pmid, arxiv_id, abstract, keywords, " +
	"journal, volume, issue, pages, publisher, ref_type, url_source, direct_url, file_path, checksum_pdf, " +
	"metadata_source_type, bibtex_entry_json, status_notes, date_added, date_processed, " +
	"normalized_doi, normalized_title, normalized_authors"

const refPlaceholders = "?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?"

// ReferenceRepository moves reference records through the stage tables.
type ReferenceRepository struct {
	db *sql.DB
}

func NewReferenceRepository(s *Store) *ReferenceRepository {
	return &ReferenceRepository{db: s.db}
}

var _ domain.ReferenceStore = (*ReferenceRepository)(nil)

// normalize fills the shadow fields and canonicalizes the OpenAlex ID.
func normalize(ref *domain.Reference) {
	ref.NormalizedDOI, ref.NormalizedTitle, ref.NormalizedAuthors = identity.Apply(ref.DOI, ref.Title, ref.Authors)
	if ref.OpenAlexID != "" {
		ref.OpenAlexID = identity.NormalizeOpenAlexID(ref.OpenAlexID)
	}
}

// InsertSeed inserts a new reference into stage after a duplicate check.
// A duplicate hit records the payload in duplicate_references and returns a
// *domain.DuplicateError; callers treat that as a successful skip.
func (r *ReferenceRepository) InsertSeed(ctx context.Context, ref *domain.Reference, stage domain.Stage) (int64, error) {
	if strings.TrimSpace(ref.Title) == "" {
		return 0, domain.ErrMissingTitle
	}
	normalize(ref)
	if ref.DateAdded.IsZero() {
		ref.DateAdded = time.Now().UTC()
	}

	table, id, field, err := r.CheckIfExists(ctx, ref.DOI, ref.OpenAlexID, ref.Title, ref.Authors, "", 0)
	if err != nil {
		return 0, err
	}
	if table != "" {
		if err := r.RecordDuplicate(ctx, ref, table, id, field); err != nil {
			return 0, err
		}
		return 0, &domain.DuplicateError{Table: table, ID: id, Field: field}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", stage, refColumnList, refPlaceholders)
	res, err := r.db.ExecContext(ctx, query, refArgs(ref)...)
	if err != nil {
		// A concurrent insert racing past the pre-check surfaces here; treat
		// it as the duplicate path.
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint") {
			return 0, &domain.DuplicateError{Table: stage, ID: 0, Field: domain.MatchDOI}
		}
		return 0, fmt.Errorf("inserting into %s: %w", stage, err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading insert id: %w", err)
	}
	ref.ID = rowID
	return rowID, nil
}

// CheckIfExists looks the identity up across stage tables, in order: DOI
// exact on the normalized form, then OpenAlex ID, then title+authors. The
// title+authors check is scoped to live stages only so completed downloads do
// not block re-parses, while the ID checks cover every table. The exclude
// pair skips the row being re-checked.
func (r *ReferenceRepository) CheckIfExists(ctx context.Context, doi, openalexID, title string, authors []string, excludeTable domain.Stage, excludeID int64) (domain.Stage, int64, domain.MatchField, error) {
	if normDOI := identity.NormalizeDOI(doi); normDOI != "" {
		for _, table := range domain.AllStages {
			id, err := r.lookup(ctx, table, "normalized_doi = ?", []interface{}{normDOI}, excludeTable, excludeID)
			if err != nil {
				return "", 0, "", err
			}
			if id != 0 {
				return table, id, domain.MatchDOI, nil
			}
		}
	}

	if normID := identity.NormalizeOpenAlexID(openalexID); normID != "" {
		for _, table := range domain.AllStages {
			id, err := r.lookup(ctx, table, "openalex_id = ?", []interface{}{normID}, excludeTable, excludeID)
			if err != nil {
				return "", 0, "", err
			}
			if id != 0 {
				return table, id, domain.MatchOpenAlexID, nil
			}
		}
	}

	normTitle := identity.NormalizeTitle(title)
	normAuthors := identity.NormalizeAuthors(authors)
	if normTitle != "" && normAuthors != "" {
		for _, table := range domain.LiveStages {
			id, err := r.lookup(ctx, table, "normalized_title = ? AND normalized_authors = ?", []interface{}{normTitle, normAuthors}, excludeTable, excludeID)
			if err != nil {
				return "", 0, "", err
			}
			if id != 0 {
				return table, id, domain.MatchTitleAuthors, nil
			}
		}
	}

	return "", 0, "", nil
}

func (r *ReferenceRepository) lookup(ctx context.Context, table domain.Stage, where string, args []interface{}, excludeTable domain.Stage, excludeID int64) (int64, error) {
	query := fmt.Sprintf("SELECT id FROM %s WHERE %s", table, where)
	if table == excludeTable && excludeID != 0 {
		query += " AND id != ?"
		args = append(args, excludeID)
	}
	query += " LIMIT 1"

	var id int64
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("looking up %s: %w", table, err)
	}
	return id, nil
}

// FetchBatch returns up to limit references from stage, oldest first.
func (r *ReferenceRepository) FetchBatch(ctx context.Context, stage domain.Stage, limit int) ([]*domain.Reference, error) {
	query := fmt.Sprintf("SELECT id, %s FROM %s ORDER BY id ASC LIMIT ?", refColumnList, stage)
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching batch from %s: %w", stage, err)
	}
	defer rows.Close()

	var out []*domain.Reference
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// Get returns a single reference by stage and id, or nil when absent.
func (r *ReferenceRepository) Get(ctx context.Context, stage domain.Stage, id int64) (*domain.Reference, error) {
	query := fmt.Sprintf("SELECT id, %s FROM %s WHERE id = ?", refColumnList, stage)
	ref, err := scanReference(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ref, err
}

// Promote atomically moves a reference from one stage to another. When
// updated is non-nil its fields replace the stored ones, with empty fields
// filled back from the current row, so enrichment never erases data.
func (r *ReferenceRepository) Promote(ctx context.Context, id int64, from, to domain.Stage, updated *domain.Reference) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning promote transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("SELECT id, %s FROM %s WHERE id = ?", refColumnList, from)
	cur, err := scanReference(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("promote: no row %d in %s", id, from)
	}
	if err != nil {
		return 0, err
	}

	merged := cur
	if updated != nil {
		merged = fillMissing(updated, cur)
	}
	normalize(merged)

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", from), id); err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", from, err)
	}
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", to, refColumnList, refPlaceholders),
		refArgs(merged)...)
	if err != nil {
		return 0, fmt.Errorf("inserting into %s: %w", to, err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing promote: %w", err)
	}

	log.WithFields(log.Fields{"id": id, "from": from, "to": to, "new_id": newID}).Debug("promoted reference")
	return newID, nil
}

// RecordFailure moves a reference into a failed_* table, preserving every
// column and setting status_notes to the failure reason.
func (r *ReferenceRepository) RecordFailure(ctx context.Context, id int64, from, failedStage domain.Stage, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning failure transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("SELECT id, %s FROM %s WHERE id = ?", refColumnList, from)
	cur, err := scanReference(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return fmt.Errorf("record failure: no row %d in %s", id, from)
	}
	if err != nil {
		return err
	}

	cur.StatusNotes = reason
	now := time.Now().UTC()
	cur.DateDone = &now

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", from), id); err != nil {
		return fmt.Errorf("deleting from %s: %w", from, err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", failedStage, refColumnList, refPlaceholders),
		refArgs(cur)...); err != nil {
		return fmt.Errorf("inserting into %s: %w", failedStage, err)
	}
	return tx.Commit()
}

// RecordDuplicate stores the incoming payload in duplicate_references and
// appends the dedupe decision to merge_log. An exact ID match records a
// merged action; a title+authors match is only flagged possible_duplicate.
func (r *ReferenceRepository) RecordDuplicate(ctx context.Context, payload *domain.Reference, existingTable domain.Stage, existingID int64, field domain.MatchField) error {
	normalize(payload)
	if payload.DateAdded.IsZero() {
		payload.DateAdded = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning duplicate transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertDuplicateTx(ctx, tx, payload, existingTable, existingID, field); err != nil {
		return err
	}
	return tx.Commit()
}

// MoveToDuplicates atomically demotes a staged row into duplicate_references,
// used when a later pipeline pass discovers the row now collides with an
// existing reference.
func (r *ReferenceRepository) MoveToDuplicates(ctx context.Context, id int64, from domain.Stage, existingTable domain.Stage, existingID int64, field domain.MatchField) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning demote transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("SELECT id, %s FROM %s WHERE id = ?", refColumnList, from)
	cur, err := scanReference(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return fmt.Errorf("demote: no row %d in %s", id, from)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", from), id); err != nil {
		return fmt.Errorf("deleting from %s: %w", from, err)
	}
	if err := insertDuplicateTx(ctx, tx, cur, existingTable, existingID, field); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing demote: %w", err)
	}

	log.WithFields(log.Fields{"id": id, "from": from, "matched": existingTable, "field": field}).Debug("demoted to duplicates")
	return nil
}

// insertDuplicateTx writes the duplicate row and its merge_log entry inside
// the caller's transaction.
func insertDuplicateTx(ctx context.Context, tx *sql.Tx, payload *domain.Reference, existingTable domain.Stage, existingID int64, field domain.MatchField) error {
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s, existing_entry_id, existing_entry_table, matched_on_field, created_at) VALUES (%s, ?, ?, ?, ?)",
			domain.StageDuplicates, refColumnList, refPlaceholders),
		append(refArgs(payload), existingID, string(existingTable), string(field), now)...)
	if err != nil {
		return fmt.Errorf("inserting duplicate: %w", err)
	}
	dupID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading duplicate id: %w", err)
	}

	action := domain.ActionMerged
	if field == domain.MatchTitleAuthors {
		action = domain.ActionPossibleDuplicate
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merge_log (canonical_table, canonical_id, duplicate_table, duplicate_id, action, match_field, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(existingTable), existingID, string(domain.StageDuplicates), dupID, action, string(field),
		fmt.Sprintf("incoming %q matched existing row", payload.Title), now); err != nil {
		return fmt.Errorf("appending merge log: %w", err)
	}
	return nil
}

// RetryFailed moves every row of a failed_* table back to no_metadata with
// cleared status notes, returning the number of rows requeued.
func (r *ReferenceRepository) RetryFailed(ctx context.Context, failedStage domain.Stage) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning retry transaction: %w", err)
	}
	defer tx.Rollback()

	// OR IGNORE: a failed row whose DOI meanwhile landed in no_metadata via
	// another path is a duplicate and gets dropped rather than requeued.
	selectList := strings.Replace(refColumnList, "status_notes", "NULL", 1)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT OR IGNORE INTO %s (%s) SELECT %s FROM %s",
		domain.StageNoMetadata, refColumnList, selectList, failedStage))
	if err != nil {
		return 0, fmt.Errorf("requeueing from %s: %w", failedStage, err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading requeue count: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", failedStage)); err != nil {
		return 0, fmt.Errorf("clearing %s: %w", failedStage, err)
	}
	return moved, tx.Commit()
}

// AddCitationEdges records source→target work edges, ignoring repeats.
func (r *ReferenceRepository) AddCitationEdges(ctx context.Context, edges []domain.CitationEdge) error {
	if len(edges) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning edges transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO citation_edges (source_work_id, target_work_id) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("preparing edge insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range edges {
		if e.SourceWorkID == "" || e.TargetWorkID == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, e.SourceWorkID, e.TargetWorkID); err != nil {
			return fmt.Errorf("inserting edge: %w", err)
		}
	}
	return tx.Commit()
}

// ─── Row marshalling ────────────────────────────────────────────────────────

// refArgs flattens a reference into the refColumnList order.
func refArgs(ref *domain.Reference) []interface{} {
	return []interface{}{
		ref.Title,
		jsonOrNil(ref.Authors),
		nullInt(ref.Year),
		jsonOrNil(ref.Editors),
		nullStr(ref.DOI),
		nullStr(ref.OpenAlexID),
		nullStr(ref.PMID),
		nullStr(ref.ArxivID),
		nullStr(ref.Abstract),
		jsonOrNil(ref.Keywords),
		nullStr(ref.Journal),
		nullStr(ref.Volume),
		nullStr(ref.Issue),
		nullStr(ref.Pages),
		nullStr(ref.Publisher),
		nullStr(ref.Type),
		nullStr(ref.URLSource),
		nullStr(ref.DirectURL),
		nullStr(ref.FilePath),
		nullStr(ref.ChecksumPDF),
		nullStr(ref.SourceType),
		nullRaw(ref.BibtexEntry),
		nullStr(ref.StatusNotes),
		ref.DateAdded,
		nullTime(ref.DateDone),
		nullStr(ref.NormalizedDOI),
		nullStr(ref.NormalizedTitle),
		nullStr(ref.NormalizedAuthors),
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReference(row rowScanner) (*domain.Reference, error) {
	var (
		ref          domain.Reference
		authors      sql.NullString
		year         sql.NullInt64
		editors      sql.NullString
		keywords     sql.NullString
		bibtexEntry  sql.NullString
		dateDone     sql.NullTime
		optionalText = make([]sql.NullString, 18)
		normTitle    sql.NullString
		normAuthors  sql.NullString
	)

	err := row.Scan(
		&ref.ID,
		&ref.Title,
		&authors,
		&year,
		&editors,
		&optionalText[0],  // doi
		&optionalText[1],  // openalex_id
		&optionalText[2],  // pmid
		&optionalText[3],  // arxiv_id
		&optionalText[4],  // abstract
		&keywords,
		&optionalText[5],  // journal
		&optionalText[6],  // volume
		&optionalText[7],  // issue
		&optionalText[8],  // pages
		&optionalText[9],  // publisher
		&optionalText[10], // ref_type
		&optionalText[11], // url_source
		&optionalText[12], // direct_url
		&optionalText[13], // file_path
		&optionalText[14], // checksum_pdf
		&optionalText[15], // metadata_source_type
		&bibtexEntry,
		&optionalText[16], // status_notes
		&ref.DateAdded,
		&dateDone,
		&optionalText[17], // normalized_doi
		&normTitle,
		&normAuthors,
	)
	if err != nil {
		return nil, err
	}

	ref.Authors = jsonList(authors)
	ref.Editors = jsonList(editors)
	ref.Keywords = jsonList(keywords)
	if year.Valid {
		y := int(year.Int64)
		ref.Year = &y
	}
	if bibtexEntry.Valid {
		ref.BibtexEntry = json.RawMessage(bibtexEntry.String)
	}
	if dateDone.Valid {
		t := dateDone.Time
		ref.DateDone = &t
	}

	ref.DOI = optionalText[0].String
	ref.OpenAlexID = optionalText[1].String
	ref.PMID = optionalText[2].String
	ref.ArxivID = optionalText[3].String
	ref.Abstract = optionalText[4].String
	ref.Journal = optionalText[5].String
	ref.Volume = optionalText[6].String
	ref.Issue = optionalText[7].String
	ref.Pages = optionalText[8].String
	ref.Publisher = optionalText[9].String
	ref.Type = optionalText[10].String
	ref.URLSource = optionalText[11].String
	ref.DirectURL = optionalText[12].String
	ref.FilePath = optionalText[13].String
	ref.ChecksumPDF = optionalText[14].String
	ref.SourceType = optionalText[15].String
	ref.StatusNotes = optionalText[16].String
	ref.NormalizedDOI = optionalText[17].String
	ref.NormalizedTitle = normTitle.String
	ref.NormalizedAuthors = normAuthors.String
	return &ref, nil
}

// fillMissing overlays updated on top of cur: any zero field in updated is
// taken from cur, and provenance fields never regress.
func fillMissing(updated, cur *domain.Reference) *domain.Reference {
	out := *updated
	out.ID = cur.ID
	out.DateAdded = cur.DateAdded
	if out.Title == "" {
		out.Title = cur.Title
	}
	if len(out.Authors) == 0 {
		out.Authors = cur.Authors
	}
	if out.Year == nil {
		out.Year = cur.Year
	}
	if len(out.Editors) == 0 {
		out.Editors = cur.Editors
	}
	if out.DOI == "" {
		out.DOI = cur.DOI
	}
	if out.OpenAlexID == "" {
		out.OpenAlexID = cur.OpenAlexID
	}
	if out.PMID == "" {
		out.PMID = cur.PMID
	}
	if out.ArxivID == "" {
		out.ArxivID = cur.ArxivID
	}
	if out.Abstract == "" {
		out.Abstract = cur.Abstract
	}
	if len(out.Keywords) == 0 {
		out.Keywords = cur.Keywords
	}
	if out.Journal == "" {
		out.Journal = cur.Journal
	}
	if out.Volume == "" {
		out.Volume = cur.Volume
	}
	if out.Issue == "" {
		out.Issue = cur.Issue
	}
	if out.Pages == "" {
		out.Pages = cur.Pages
	}
	if out.Publisher == "" {
		out.Publisher = cur.Publisher
	}
	if out.Type == "" {
		out.Type = cur.Type
	}
	if out.URLSource == "" {
		out.URLSource = cur.URLSource
	}
	if out.DirectURL == "" {
		out.DirectURL = cur.DirectURL
	}
	if out.FilePath == "" {
		out.FilePath = cur.FilePath
	}
	if out.ChecksumPDF == "" {
		out.ChecksumPDF = cur.ChecksumPDF
	}
	if out.SourceType == "" {
		out.SourceType = cur.SourceType
	}
	if len(out.BibtexEntry) == 0 {
		out.BibtexEntry = cur.BibtexEntry
	}
	if out.StatusNotes == "" {
		out.StatusNotes = cur.StatusNotes
	}
	if out.DateDone == nil {
		out.DateDone = cur.DateDone
	}
	return &out
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func jsonOrNil(list []string) interface{} {
	if len(list) == 0 {
		return nil
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func jsonList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return out
}
