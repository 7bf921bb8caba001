// init-db creates the reference pipeline schema. Safe to run repeatedly:
// every table and index is created IF NOT EXISTS.
//
// Usage:
//
//	go run ./cmd/initdb --db refpipe.db
package main

import (
	"context"
	"flag"

	log "github.com/sirupsen/logrus"

	"github.com/refpipe/backend/internal/config"
	"github.com/refpipe/backend/internal/repository/sqlite"
)

func main() {
	cfg := config.Load()
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	flag.Parse()

	ctx := context.Background()
	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	if err := store.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to create schema: %v", err)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		log.Fatalf("Failed to read table counts: %v", err)
	}
	log.Infof("Schema ready at %s", *dbPath)
	for table, n := range counts {
		log.Infof("  %-24s %d rows", table, n)
	}
}
