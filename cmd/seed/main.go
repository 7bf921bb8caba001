// add-to-no-metadata seeds sparse references from a JSON file into the
// pipeline's entry stage. The file holds an array of reference objects
// ({"title": ..., "authors": [...], "year": ..., "doi": ...}); duplicates are
// recorded and skipped, rows without a title are rejected.
//
// Usage:
//
//	go run ./cmd/seed --db refpipe.db refs.json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/refpipe/backend/internal/config"
	"github.com/refpipe/backend/internal/domain"
	"github.com/refpipe/backend/internal/repository/sqlite"
)

func main() {
	cfg := config.Load()
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatal("Usage: seed [--db path] <refs.json>")
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to read %s: %v", flag.Arg(0), err)
	}
	var refs []*domain.Reference
	if err := json.Unmarshal(data, &refs); err != nil {
		log.Fatalf("Failed to parse %s: %v", flag.Arg(0), err)
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()
	repo := sqlite.NewReferenceRepository(store)

	ctx := context.Background()
	var inserted, duplicates, invalid int
	for _, ref := range refs {
		ref.SourceType = domain.SourcePDFExtraction
		_, err := repo.InsertSeed(ctx, ref, domain.StageNoMetadata)
		var dup *domain.DuplicateError
		switch {
		case err == nil:
			inserted++
		case errors.As(err, &dup):
			duplicates++
			log.WithFields(log.Fields{"title": ref.Title, "matched_table": dup.Table, "matched_on": dup.Field}).Info("skipped duplicate")
		case errors.Is(err, domain.ErrMissingTitle):
			invalid++
			log.WithField("doi", ref.DOI).Warn("skipped reference without title")
		default:
			log.Fatalf("Failed to insert %q: %v", ref.Title, err)
		}
	}

	log.Infof("=== Seed summary ===")
	log.Infof("  inserted:   %d", inserted)
	log.Infof("  duplicates: %d", duplicates)
	log.Infof("  invalid:    %d", invalid)
}
