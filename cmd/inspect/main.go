// inspect-tables prints the row count of every pipeline table.
//
// Usage:
//
//	go run ./cmd/inspect --db refpipe.db
package main

import (
	"context"
	"flag"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/refpipe/backend/internal/config"
	"github.com/refpipe/backend/internal/repository/sqlite"
)

func main() {
	cfg := config.Load()
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	flag.Parse()

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	counts, err := store.Counts(context.Background())
	if err != nil {
		log.Fatalf("Failed to read table counts: %v", err)
	}

	tables := make([]string, 0, len(counts))
	total := 0
	for table, n := range counts {
		tables = append(tables, table)
		total += n
	}
	sort.Strings(tables)

	fmt.Println("=== Pipeline tables ===")
	for _, table := range tables {
		fmt.Printf("%-26s %8d\n", table, counts[table])
	}
	fmt.Printf("%-26s %8d\n", "total", total)
}
