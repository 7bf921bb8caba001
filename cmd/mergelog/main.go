// merge-log prints the dedupe audit trail, newest first.
//
// Usage:
//
//	go run ./cmd/mergelog --db refpipe.db --limit 50
package main

import (
	"context"
	"flag"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/refpipe/backend/internal/config"
	"github.com/refpipe/backend/internal/repository/sqlite"
)

func main() {
	cfg := config.Load()
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	limit := flag.Int("limit", 100, "Max entries to print")
	flag.Parse()

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	entries, err := sqlite.NewMergeLogRepository(store).List(context.Background(), *limit)
	if err != nil {
		log.Fatalf("Failed to list merge log: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("merge log is empty")
		return
	}

	for _, e := range entries {
		fmt.Printf("%s  #%-6d %-18s %s(%d) <- %s(%d) on %s  %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.ID, e.Action,
			e.CanonicalTable, e.CanonicalID, e.DuplicateTable, e.DuplicateID,
			e.MatchField, e.Notes)
	}
}
