package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Stage names the table a reference currently lives in. A reference is a row
// in exactly one stage table at any instant.
type Stage string

const (
	StageNoMetadata        Stage = "no_metadata"
	StageWithMetadata      Stage = "with_metadata"
	StageToDownload        Stage = "to_download_references"
	StageDownloaded        Stage = "downloaded_references"
	StageFailedEnrichments Stage = "failed_enrichments"
	StageFailedDownloads   Stage = "failed_downloads"
	StageDuplicates        Stage = "duplicate_references"
)

// LiveStages are the stages a reference moves through while still being
// worked on. Title+author duplicate checks are scoped to these.
var LiveStages = []Stage{StageNoMetadata, StageWithMetadata, StageToDownload, StageFailedEnrichments, StageFailedDownloads}

// AllStages includes the terminal downloaded stage; DOI and OpenAlex ID
// duplicate checks run across all of them.
var AllStages = []Stage{StageNoMetadata, StageWithMetadata, StageToDownload, StageDownloaded, StageFailedEnrichments, StageFailedDownloads}

// MatchField records which identity field a duplicate was detected on.
type MatchField string

const (
	MatchDOI          MatchField = "doi"
	MatchOpenAlexID   MatchField = "openalex_id"
	MatchTitleAuthors MatchField = "title_authors"
)

// Source provenance of a reference's metadata.
const (
	SourcePDFExtraction = "pdf_extraction"
	SourceBibTeX        = "bibtex"
	SourceKeywordSearch = "keyword_search"
	SourceOpenAlex      = "openalex"
	SourceCrossref      = "crossref"
)

// Reference is the unit moved through the pipeline.
type Reference struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Authors     []string        `json:"authors,omitempty"`
	Year        *int            `json:"year,omitempty"`
	Editors     []string        `json:"editors,omitempty"`
	DOI         string          `json:"doi,omitempty"`
	OpenAlexID  string          `json:"openalex_id,omitempty"`
	PMID        string          `json:"pmid,omitempty"`
	ArxivID     string          `json:"arxiv_id,omitempty"`
	Abstract    string          `json:"abstract,omitempty"`
	Keywords    []string        `json:"keywords,omitempty"`
	Journal     string          `json:"journal,omitempty"`
	Volume      string          `json:"volume,omitempty"`
	Issue       string          `json:"issue,omitempty"`
	Pages       string          `json:"pages,omitempty"`
	Publisher   string          `json:"publisher,omitempty"`
	Type        string          `json:"type,omitempty"`
	URLSource   string          `json:"url_source,omitempty"`
	DirectURL   string          `json:"direct_url,omitempty"`
	FilePath    string          `json:"file_path,omitempty"`
	ChecksumPDF string          `json:"checksum_pdf,omitempty"`
	SourceType  string          `json:"metadata_source_type,omitempty"`
	BibtexEntry json.RawMessage `json:"bibtex_entry_json,omitempty"`
	StatusNotes string          `json:"status_notes,omitempty"`
	DateAdded   time.Time       `json:"date_added"`
	DateDone    *time.Time      `json:"date_processed,omitempty"`

	// Normalized shadow fields, used only for identity comparison.
	NormalizedDOI     string `json:"-"`
	NormalizedTitle   string `json:"-"`
	NormalizedAuthors string `json:"-"`
}

// Duplicate captures an incoming reference that matched an existing row.
type Duplicate struct {
	ID            int64
	Payload       *Reference
	ExistingTable Stage
	ExistingID    int64
	MatchedOn     MatchField
	CreatedAt     time.Time
}

// Dedupe audit actions.
const (
	ActionMerged            = "merged"
	ActionConflict          = "conflict"
	ActionPossibleDuplicate = "possible_duplicate"
)

// MergeLogEntry is an append-only audit row written whenever the dedupe
// engine resolves a conflict.
type MergeLogEntry struct {
	ID             int64
	CanonicalTable Stage
	CanonicalID    int64
	DuplicateTable Stage
	DuplicateID    int64
	Action         string
	MatchField     MatchField
	Notes          string
	CreatedAt      time.Time
}

// SearchRun records a keyword-search ingestion request.
type SearchRun struct {
	ID         string // uuid
	Query      string
	YearFrom   int
	YearTo     int
	MaxResults int
	Hits       int
	Seeded     int
	CreatedAt  time.Time
}

// CitationEdge links a work to one it references.
type CitationEdge struct {
	SourceWorkID string
	TargetWorkID string
}

// ErrMissingTitle rejects seeding a reference without a title.
var ErrMissingTitle = errors.New("missing required title")

// DuplicateError reports a pre-insert duplicate hit. Callers treat it as a
// successful duplicate-detection outcome, not a failure.
type DuplicateError struct {
	Table Stage
	ID    int64
	Field MatchField
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate in %s (id=%d, matched on %s)", e.Table, e.ID, e.Field)
}

// ReferenceStore is the storage contract the pipeline drives.
type ReferenceStore interface {
	InsertSeed(ctx context.Context, ref *Reference, stage Stage) (int64, error)
	CheckIfExists(ctx context.Context, doi, openalexID, title string, authors []string, excludeTable Stage, excludeID int64) (Stage, int64, MatchField, error)
	FetchBatch(ctx context.Context, stage Stage, limit int) ([]*Reference, error)
	Promote(ctx context.Context, id int64, from, to Stage, updated *Reference) (int64, error)
	RecordFailure(ctx context.Context, id int64, from, failedStage Stage, reason string) error
	RecordDuplicate(ctx context.Context, payload *Reference, existingTable Stage, existingID int64, field MatchField) error
	MoveToDuplicates(ctx context.Context, id int64, from Stage, existingTable Stage, existingID int64, field MatchField) error
	RetryFailed(ctx context.Context, failedStage Stage) (int64, error)
	AddCitationEdges(ctx context.Context, edges []CitationEdge) error
}
