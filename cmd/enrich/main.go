// enrich-openalex-db drains the no_metadata table: each row is matched
// against OpenAlex (with a Crossref fallback), promoted to with_metadata on a
// confident match, or moved to failed_enrichments otherwise.
//
// Usage:
//
//	go run ./cmd/enrich --db refpipe.db --batch-size 50 --loop
//	go run ./cmd/enrich --db refpipe.db --citations   # also record the citation graph
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/refpipe/backend/internal/config"
	"github.com/refpipe/backend/internal/matcher"
	"github.com/refpipe/backend/internal/pipeline"
	"github.com/refpipe/backend/internal/ratelimit"
	"github.com/refpipe/backend/internal/repository/sqlite"
	"github.com/refpipe/backend/pkg/crossref"
	"github.com/refpipe/backend/pkg/openalex"
)

func main() {
	cfg := config.Load()
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	batchSize := flag.Int("batch-size", 50, "Rows to process per batch")
	mailto := flag.String("mailto", cfg.Matcher.Mailto, "Contact email for the OpenAlex/Crossref polite pools")
	citations := flag.Bool("citations", false, "Also fetch referenced and citing works into citation_edges")
	maxCitations := flag.Int("max-citations", cfg.Matcher.MaxCitations, "Max citing works fetched per reference")
	loop := flag.Bool("loop", false, "Keep running batches until no_metadata is empty")
	flag.Parse()

	log.Info("=== OpenAlex enrichment ===")
	if *mailto == "" {
		log.Warn("No --mailto set; requests go to the common pool (slower)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Received shutdown signal, finishing current row...")
		cancel()
	}()

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()
	repo := sqlite.NewReferenceRepository(store)

	limiter := ratelimit.New(cfg.RateLimit)
	m := matcher.New(openalex.NewClient(limiter, *mailto), crossref.NewClient(limiter, *mailto))
	sched := pipeline.NewScheduler(repo, m, nil, matcher.Options{
		FetchReferences: *citations,
		FetchCitations:  *citations,
		MaxCitations:    *maxCitations,
	})

	var total pipeline.Counters
	start := time.Now()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := sched.Processed()
				log.Infof("Progress: %d rows processed (%.1f/s)", n, float64(n)/time.Since(start).Seconds())
			}
		}
	}()
	for {
		c, err := sched.EnrichBatch(ctx, *batchSize)
		total.Processed += c.Processed
		total.Promoted += c.Promoted
		total.Failed += c.Failed
		total.SkippedDuplicate += c.SkippedDuplicate
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("Enrichment interrupted")
				break
			}
			log.Fatalf("Enrichment batch failed: %v", err)
		}
		log.Infof("Batch done: processed=%d promoted=%d failed=%d duplicates=%d",
			c.Processed, c.Promoted, c.Failed, c.SkippedDuplicate)
		if !*loop || c.Processed == 0 {
			break
		}
	}

	log.Info("=== Enrichment summary ===")
	log.Infof("  processed:  %d", total.Processed)
	log.Infof("  promoted:   %d", total.Promoted)
	log.Infof("  failed:     %d", total.Failed)
	log.Infof("  duplicates: %d", total.SkippedDuplicate)
	log.Infof("  elapsed:    %s", time.Since(start).Round(time.Second))
}
