// download-pdfs works through to_download_references with a pool of fetch
// workers. Each row runs the source cascade (direct URL, doi.org, Unpaywall,
// Sci-Hub, LibGen); a validated PDF moves the row to downloaded_references,
// anything else to failed_downloads.
//
// Usage:
//
//	go run ./cmd/download --db refpipe.db --limit 100 --download-dir pdfs --concurrency 4
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
	"github.com/refpipe/backend/internal/download"
	"github.com/refpipe/backend/internal/matcher"
	"github.com/refpipe/backend/internal/pipeline"
	"github.com/refpipe/backend/internal/ratelimit"
	"github.com/refpipe/backend/internal/repository/sqlite"
	"github.com/refpipe/backend/pkg/libgen"
	"github.com/refpipe/backend/pkg/scihub"
	"github.com/refpipe/backend/pkg/unpaywall"
)

func main() {
	cfg := config.Load()
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	limit := flag.Int("limit", 100, "Max rows to download this run")
	downloadDir := flag.String("download-dir", cfg.Download.Dir, "Directory for saved PDFs")
	concurrency := flag.Int("concurrency", 4, "Parallel fetch workers")
	mailto := flag.String("mailto", cfg.Matcher.Mailto, "Contact email for the Unpaywall API")
	flag.Parse()

	log.Info("=== PDF download ===")
	log.Infof("Limit: %d | Dir: %s | Workers: %d", *limit, *downloadDir, *concurrency)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Received shutdown signal, letting workers drain...")
		cancel()
	}()

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	limiter := ratelimit.New(cfg.RateLimit)
	resolver := download.NewResolver(
		unpaywall.NewClient(limiter, *mailto),
		scihub.NewClient(limiter, cfg.Download.SciHubMirrors),
		libgen.NewClient(limiter, cfg.Download.LibGenBaseURL),
		*downloadDir,
	)
	resolver.SetTimeout(cfg.Download.Timeout)
	sched := pipeline.NewScheduler(sqlite.NewReferenceRepository(store), nil, resolver, matcher.Options{})

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
	c, err := sched.DownloadBatch(ctx, *limit, *concurrency)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Download batch failed: %v", err)
	}

	log.Info("=== Download summary ===")
	log.Infof("  processed:  %d", c.Processed)
	log.Infof("  downloaded: %d", c.Promoted)
	log.Infof("  failed:     %d", c.Failed)
	log.Infof("  elapsed:    %s", time.Since(start).Round(time.Second))
}
