// retry-failed moves failed rows back to no_metadata with cleared status
// notes, so the next enrich/download run picks them up again.
//
// Usage:
//
//	go run ./cmd/retry --db refpipe.db --stage enrichments
//	go run ./cmd/retry --db refpipe.db --stage downloads
package main

import (
	"context"
	"flag"

	log "github.com/sirupsen/logrus"

	"github.com/refpipe/backend/internal/config"
	"github.com/refpipe/backend/internal/domain"
	"github.com/refpipe/backend/internal/repository/sqlite"
)

func main() {
	cfg := config.Load()
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	stage := flag.String("stage", "enrichments", "Which failed table to requeue: enrichments or downloads")
	flag.Parse()

	var failedStage domain.Stage
	switch *stage {
	case "enrichments":
		failedStage = domain.StageFailedEnrichments
	case "downloads":
		failedStage = domain.StageFailedDownloads
	default:
		log.Fatalf("Unknown stage %q (want enrichments or downloads)", *stage)
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	moved, err := sqlite.NewReferenceRepository(store).RetryFailed(context.Background(), failedStage)
	if err != nil {
		log.Fatalf("Failed to requeue %s: %v", failedStage, err)
	}
	log.Infof("Requeued %d rows from %s into %s", moved, failedStage, domain.StageNoMetadata)
}
