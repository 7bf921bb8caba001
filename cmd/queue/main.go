// process-downloads drains with_metadata into to_download_references. Each
// row gets a fresh duplicate check first, since another batch may have landed
// the same work while this one sat staged.
//
// Usage:
//
//	go run ./cmd/queue --db refpipe.db --batch-size 100
package main

import (
	"context"
	"flag"

	log "github.com/sirupsen/logrus"

	"github.com/refpipe/backend/internal/config"
	"github.com/refpipe/backend/internal/matcher"
	"github.com/refpipe/backend/internal/pipeline"
	"github.com/refpipe/backend/internal/repository/sqlite"
)

func main() {
	cfg := config.Load()
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	batchSize := flag.Int("batch-size", 100, "Rows to queue per run")
	flag.Parse()

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	sched := pipeline.NewScheduler(sqlite.NewReferenceRepository(store), nil, nil, matcher.Options{})
	c, err := sched.QueueBatch(context.Background(), *batchSize)
	if err != nil {
		log.Fatalf("Queueing failed: %v", err)
	}
	log.Infof("Queued %d of %d rows for download (%d duplicates demoted)",
		c.Promoted, c.Processed, c.SkippedDuplicate)
}
