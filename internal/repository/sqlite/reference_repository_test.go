package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refpipe/backend/internal/domain"
)

func newTestRepo(t *testing.T) (*Store, *ReferenceRepository) {
	t.Helper()
	store, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema(context.Background()))
	return store, NewReferenceRepository(store)
}

func intPtr(n int) *int { return &n }

func TestInsertSeedRequiresTitle(t *testing.T) {
	_, repo := newTestRepo(t)
	_, err := repo.InsertSeed(context.Background(), &domain.Reference{DOI: "10.1000/xyz"}, domain.StageNoMetadata)
	assert.ErrorIs(t, err, domain.ErrMissingTitle)
}

func TestInsertSeedNormalizes(t *testing.T) {
	_, repo := newTestRepo(t)
	ctx := context.Background()

	ref := &domain.Reference{
		Title:      "Attention Is All You Need",
		Authors:    []string{"Vaswani, Ashish"},
		DOI:        "https://doi.org/10.48550/ARXIV.1706.03762",
		OpenAlexID: "https://openalex.org/w2963403868",
	}
	id, err := repo.InsertSeed(ctx, ref, domain.StageNoMetadata)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := repo.Get(ctx, domain.StageNoMetadata, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "10.48550/arxiv.1706.03762", got.NormalizedDOI)
	assert.Equal(t, "W2963403868", got.OpenAlexID)
	assert.Equal(t, "attentionisallyouneed", got.NormalizedTitle)
	assert.Equal(t, "vaswani", got.NormalizedAuthors)
}

func TestIdempotentIngestion(t *testing.T) {
	store, repo := newTestRepo(t)
	ctx := context.Background()

	ref := func() *domain.Reference {
		return &domain.Reference{Title: "Some Paper", Authors: []string{"Doe, Jane"}, DOI: "10.1000/xyz"}
	}

	_, err := repo.InsertSeed(ctx, ref(), domain.StageNoMetadata)
	require.NoError(t, err)

	// Same logical reference, different DOI spelling.
	dup := ref()
	dup.DOI = "doi:10.1000/xyz."
	_, err = repo.InsertSeed(ctx, dup, domain.StageNoMetadata)
	var dupErr *domain.DuplicateError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, domain.StageNoMetadata, dupErr.Table)
	assert.Equal(t, domain.MatchDOI, dupErr.Field)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[string(domain.StageNoMetadata)], "exactly one non-duplicate row")
	assert.Equal(t, 1, counts[string(domain.StageDuplicates)], "exactly one duplicate row")
	assert.Equal(t, 1, counts["merge_log"], "one audit entry")
}

func TestCheckIfExistsOrdering(t *testing.T) {
	_, repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.InsertSeed(ctx, &domain.Reference{
		Title:      "Shared Title",
		Authors:    []string{"Smith, John"},
		DOI:        "10.1000/abc",
		OpenAlexID: "W111",
	}, domain.StageWithMetadata)
	require.NoError(t, err)

	// DOI wins over everything else.
	table, _, field, err := repo.CheckIfExists(ctx, "10.1000/abc", "W999", "Other Title", nil, "", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StageWithMetadata, table)
	assert.Equal(t, domain.MatchDOI, field)

	// OpenAlex ID next.
	table, _, field, err = repo.CheckIfExists(ctx, "", "https://openalex.org/W111", "", nil, "", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StageWithMetadata, table)
	assert.Equal(t, domain.MatchOpenAlexID, field)

	// Title+authors last.
	table, _, field, err = repo.CheckIfExists(ctx, "", "", "shared title!", []string{"John Smith"}, "", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StageWithMetadata, table)
	assert.Equal(t, domain.MatchTitleAuthors, field)

	// No match at all.
	table, _, _, err = repo.CheckIfExists(ctx, "10.9999/nope", "", "", nil, "", 0)
	require.NoError(t, err)
	assert.Empty(t, table)
}

func TestTitleAuthorsCheckSkipsDownloaded(t *testing.T) {
	_, repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.InsertSeed(ctx, &domain.Reference{
		Title:   "Completed Work",
		Authors: []string{"Jones, Ann"},
	}, domain.StageDownloaded)
	require.NoError(t, err)

	// Title+authors alone must not match against downloaded_references.
	table, _, _, err := repo.CheckIfExists(ctx, "", "", "Completed Work", []string{"Jones, Ann"}, "", 0)
	require.NoError(t, err)
	assert.Empty(t, table)
}

func TestDOICheckCoversDownloaded(t *testing.T) {
	_, repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.InsertSeed(ctx, &domain.Reference{Title: "Done", DOI: "10.1/foo"}, domain.StageDownloaded)
	require.NoError(t, err)

	table, _, field, err := repo.CheckIfExists(ctx, "10.1/foo", "", "", nil, "", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StageDownloaded, table)
	assert.Equal(t, domain.MatchDOI, field)
}

func TestPromoteMovesAtomically(t *testing.T) {
	store, repo := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.InsertSeed(ctx, &domain.Reference{
		Title:   "Sparse Ref",
		Authors: []string{"One, A."},
	}, domain.StageNoMetadata)
	require.NoError(t, err)

	enriched := &domain.Reference{
		Title:      "Sparse Ref: The Full Title",
		Authors:    []string{"One, Alice", "Two, Bob"},
		Year:       intPtr(2019),
		DOI:        "10.1234/full",
		OpenAlexID: "W42",
		Abstract:   "An abstract.",
	}
	newID, err := repo.Promote(ctx, id, domain.StageNoMetadata, domain.StageWithMetadata, enriched)
	require.NoError(t, err)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[string(domain.StageNoMetadata)])
	assert.Equal(t, 1, counts[string(domain.StageWithMetadata)])

	got, err := repo.Get(ctx, domain.StageWithMetadata, newID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "10.1234/full", got.DOI)
	assert.Equal(t, "10.1234/full", got.NormalizedDOI)
	require.NotNil(t, got.Year)
	assert.Equal(t, 2019, *got.Year)
}

func TestPromoteFillsMissingFromCurrent(t *testing.T) {
	_, repo := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.InsertSeed(ctx, &domain.Reference{
		Title:    "Keep My Abstract",
		Authors:  []string{"Author, Some"},
		Abstract: "original abstract",
		DOI:      "10.5/keep",
	}, domain.StageWithMetadata)
	require.NoError(t, err)

	newID, err := repo.Promote(ctx, id, domain.StageWithMetadata, domain.StageToDownload, &domain.Reference{
		Title: "Keep My Abstract",
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, domain.StageToDownload, newID)
	require.NoError(t, err)
	assert.Equal(t, "original abstract", got.Abstract)
	assert.Equal(t, "10.5/keep", got.DOI)
}

func TestPromoteMissingRow(t *testing.T) {
	_, repo := newTestRepo(t)
	_, err := repo.Promote(context.Background(), 12345, domain.StageNoMetadata, domain.StageWithMetadata, nil)
	assert.Error(t, err)
}

func TestRecordFailureSetsNotes(t *testing.T) {
	store, repo := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.InsertSeed(ctx, &domain.Reference{Title: "Doomed", Authors: []string{"X, Y"}}, domain.StageNoMetadata)
	require.NoError(t, err)

	require.NoError(t, repo.RecordFailure(ctx, id, domain.StageNoMetadata, domain.StageFailedEnrichments, "metadata_fetch_failed"))

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[string(domain.StageNoMetadata)])
	assert.Equal(t, 1, counts[string(domain.StageFailedEnrichments)])

	refs, err := repo.FetchBatch(ctx, domain.StageFailedEnrichments, 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "metadata_fetch_failed", refs[0].StatusNotes)
	assert.NotNil(t, refs[0].DateDone)
}

func TestRetryFailedClearsNotes(t *testing.T) {
	store, repo := newTestRepo(t)
	ctx := context.Background()

	for _, title := range []string{"First Failure", "Second Failure"} {
		id, err := repo.InsertSeed(ctx, &domain.Reference{Title: title, Authors: []string{"A, B"}}, domain.StageNoMetadata)
		require.NoError(t, err)
		require.NoError(t, repo.RecordFailure(ctx, id, domain.StageNoMetadata, domain.StageFailedDownloads, "download_failed"))
	}

	moved, err := repo.RetryFailed(ctx, domain.StageFailedDownloads)
	require.NoError(t, err)
	assert.EqualValues(t, 2, moved)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[string(domain.StageFailedDownloads)])
	assert.Equal(t, 2, counts[string(domain.StageNoMetadata)])

	refs, err := repo.FetchBatch(ctx, domain.StageNoMetadata, 10)
	require.NoError(t, err)
	for _, ref := range refs {
		assert.Empty(t, ref.StatusNotes)
	}
}

func TestFetchBatchOrdersByID(t *testing.T) {
	_, repo := newTestRepo(t)
	ctx := context.Background()

	for _, title := range []string{"Paper A", "Paper B", "Paper C"} {
		_, err := repo.InsertSeed(ctx, &domain.Reference{Title: title, Authors: []string{title}}, domain.StageNoMetadata)
		require.NoError(t, err)
	}

	refs, err := repo.FetchBatch(ctx, domain.StageNoMetadata, 2)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "Paper A", refs[0].Title)
	assert.Equal(t, "Paper B", refs[1].Title)
}

func TestAddCitationEdgesIgnoresRepeats(t *testing.T) {
	store, repo := newTestRepo(t)
	ctx := context.Background()

	edges := []domain.CitationEdge{
		{SourceWorkID: "W1", TargetWorkID: "W2"},
		{SourceWorkID: "W1", TargetWorkID: "W2"},
		{SourceWorkID: "W1", TargetWorkID: "W3"},
		{SourceWorkID: "", TargetWorkID: "W9"},
	}
	require.NoError(t, repo.AddCitationEdges(ctx, edges))

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["citation_edges"])
}

func TestMergeLogListing(t *testing.T) {
	store, repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.InsertSeed(ctx, &domain.Reference{Title: "Canonical", DOI: "10.2/dup"}, domain.StageDownloaded)
	require.NoError(t, err)
	_, err = repo.InsertSeed(ctx, &domain.Reference{Title: "Canonical", DOI: "10.2/dup"}, domain.StageNoMetadata)
	var dupErr *domain.DuplicateError
	require.ErrorAs(t, err, &dupErr)

	entries, err := NewMergeLogRepository(store).List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.StageDownloaded, entries[0].CanonicalTable)
	assert.Equal(t, domain.ActionMerged, entries[0].Action)
	assert.Equal(t, domain.MatchDOI, entries[0].MatchField)
}

func TestMoveToDuplicatesIsAtomic(t *testing.T) {
	store, repo := newTestRepo(t)
	ctx := context.Background()

	keepID, err := repo.InsertSeed(ctx, &domain.Reference{
		Title: "Canonical Row", Authors: []string{"Doe, Jane"}, OpenAlexID: "W42",
	}, domain.StageWithMetadata)
	require.NoError(t, err)

	staleID, err := repo.InsertSeed(ctx, &domain.Reference{
		Title: "Stale Copy", Authors: []string{"Doe, Jane"},
	}, domain.StageWithMetadata)
	require.NoError(t, err)

	err = repo.MoveToDuplicates(ctx, staleID, domain.StageWithMetadata, domain.StageWithMetadata, keepID, domain.MatchOpenAlexID)
	require.NoError(t, err)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[string(domain.StageWithMetadata)])
	assert.Equal(t, 1, counts[string(domain.StageDuplicates)])

	entries, err := NewMergeLogRepository(store).List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, keepID, entries[0].CanonicalID)
	assert.Equal(t, domain.ActionMerged, entries[0].Action)

	// Moving a row that is no longer there fails without touching anything.
	err = repo.MoveToDuplicates(ctx, staleID, domain.StageWithMetadata, domain.StageWithMetadata, keepID, domain.MatchOpenAlexID)
	assert.Error(t, err)
}

func TestNormalizedDOIUniqueWithinStage(t *testing.T) {
	store, repo := newTestRepo(t)
	ctx := context.Background()

	ref := &domain.Reference{Title: "Consensus", Authors: []string{"Lamport, Leslie"}, DOI: "10.1/zz"}
	_, err := repo.InsertSeed(ctx, ref, domain.StageNoMetadata)
	require.NoError(t, err)

	// A writer that skipped the duplicate pre-check is stopped by the index
	// itself.
	clone := *ref
	clone.ID = 0
	_, err = store.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", domain.StageNoMetadata, refColumnList, refPlaceholders),
		refArgs(&clone)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNIQUE")

	// The same DOI in another stage is fine; uniqueness is per table.
	_, err = store.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", domain.StageWithMetadata, refColumnList, refPlaceholders),
		refArgs(&clone)...)
	require.NoError(t, err)

	// Rows without a DOI store NULL and stay outside the constraint.
	for _, title := range []string{"No DOI One", "No DOI Two"} {
		_, err = repo.InsertSeed(ctx, &domain.Reference{Title: title, Authors: []string{"Roe, Richard"}}, domain.StageNoMetadata)
		require.NoError(t, err)
	}
}

func TestConcurrentSeedsSameDOIKeepOneRow(t *testing.T) {
	store, repo := newTestRepo(t)
	ctx := context.Background()

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.InsertSeed(ctx, &domain.Reference{
				Title: fmt.Sprintf("Racing Copy %d", i),
				DOI:   "10.1/race",
			}, domain.StageNoMetadata)
		}(i)
	}
	wg.Wait()

	var inserted int
	for _, err := range errs {
		var dup *domain.DuplicateError
		switch {
		case err == nil:
			inserted++
		case errors.As(err, &dup):
		default:
			t.Fatalf("unexpected insert error: %v", err)
		}
	}
	assert.Equal(t, 1, inserted)

	var n int
	err := store.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE normalized_doi = ?", domain.StageNoMetadata), "10.1/race").Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
