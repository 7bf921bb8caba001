// keyword-search runs a query against OpenAlex and seeds the hits into
// no_metadata. Every run is recorded in search_runs with its raw hits in
// search_results, so reruns are auditable and duplicates are just skips.
//
// Usage:
//
//	go run ./cmd/search --db refpipe.db --query "reference matching" --max-results 50
//	go run ./cmd/search --query "x" --year-from 2015 --year-to 2020
package main

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/refpipe/backend/internal/config"
	"github.com/refpipe/backend/internal/domain"
	"github.com/refpipe/backend/internal/identity"
	"github.com/refpipe/backend/internal/ratelimit"
	"github.com/refpipe/backend/internal/repository/sqlite"
	"github.com/refpipe/backend/pkg/openalex"
)

func main() {
	cfg := config.Load()
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	query := flag.String("query", "", "Search query (required)")
	maxResults := flag.Int("max-results", 25, "Max hits to seed (per-page capped at 100)")
	yearFrom := flag.Int("year-from", 0, "Only works published in or after this year")
	yearTo := flag.Int("year-to", 0, "Only works published in or before this year")
	mailto := flag.String("mailto", cfg.Matcher.Mailto, "Contact email for the OpenAlex polite pool")
	flag.Parse()

	if *query == "" {
		log.Fatal("Missing required --query")
	}

	ctx := context.Background()
	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()
	repo := sqlite.NewReferenceRepository(store)
	searches := sqlite.NewSearchRepository(store)

	run := &domain.SearchRun{
		ID:         uuid.NewString(),
		Query:      *query,
		YearFrom:   *yearFrom,
		YearTo:     *yearTo,
		MaxResults: *maxResults,
		CreatedAt:  time.Now().UTC(),
	}
	if err := searches.CreateRun(ctx, run); err != nil {
		log.Fatalf("Failed to record search run: %v", err)
	}

	limiter := ratelimit.New(cfg.RateLimit)
	oa := openalex.NewClient(limiter, *mailto)

	works, totalHits, err := oa.KeywordSearch(ctx, *query, *yearFrom, *yearTo, *maxResults)
	if err != nil {
		log.Fatalf("Search failed: %v", err)
	}
	log.Infof("Query %q matched %d works, seeding up to %d", *query, totalHits, len(works))

	var seeded, duplicates int
	for _, w := range works {
		ref := &domain.Reference{
			Title:      w.BestTitle(),
			Authors:    w.AuthorNames(),
			DOI:        identity.NormalizeDOI(w.DOI),
			OpenAlexID: identity.NormalizeOpenAlexID(w.ID),
			SourceType: domain.SourceKeywordSearch,
		}
		if w.PublicationYear > 0 {
			y := w.PublicationYear
			ref.Year = &y
		}

		_, err := repo.InsertSeed(ctx, ref, domain.StageNoMetadata)
		var dup *domain.DuplicateError
		inserted := false
		switch {
		case err == nil:
			seeded++
			inserted = true
		case errors.As(err, &dup):
			duplicates++
		case errors.Is(err, domain.ErrMissingTitle):
			// Untitled works exist in OpenAlex; not worth seeding.
		default:
			log.Fatalf("Failed to seed %q: %v", ref.Title, err)
		}

		year := 0
		if ref.Year != nil {
			year = *ref.Year
		}
		if err := searches.AddResult(ctx, run.ID, ref.OpenAlexID, ref.DOI, ref.Title, year, inserted); err != nil {
			log.Fatalf("Failed to record search result: %v", err)
		}
	}

	if err := searches.FinishRun(ctx, run.ID, totalHits, seeded); err != nil {
		log.Fatalf("Failed to finish search run: %v", err)
	}

	log.Info("=== Search summary ===")
	log.Infof("  run:        %s", run.ID)
	log.Infof("  total hits: %d", totalHits)
	log.Infof("  seeded:     %d", seeded)
	log.Infof("  duplicates: %d", duplicates)
}
