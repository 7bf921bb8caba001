// import-bib seeds the downloaded_references table from a BibTeX file, for
// libraries whose PDFs already exist on disk. Each entry keeps its raw BibTeX
// fields in bibtex_entry_json for round-tripping.
//
// Usage:
//
//	go run ./cmd/importbib --db refpipe.db library.bib
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nickng/bibtex"
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
		log.Fatal("Usage: importbib [--db path] <library.bib>")
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to open %s: %v", flag.Arg(0), err)
	}
	bib, err := bibtex.Parse(f)
	f.Close()
	if err != nil {
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
	for _, entry := range bib.Entries {
		ref := fromBibEntry(entry)
		if ref.FilePath != "" {
			if sum, err := checksumFile(ref.FilePath); err == nil {
				ref.ChecksumPDF = sum
			} else {
				log.WithFields(log.Fields{"cite": entry.CiteName, "file": ref.FilePath}).Warn("linked file not readable, skipping checksum")
			}
		}
		_, err := repo.InsertSeed(ctx, ref, domain.StageDownloaded)
		var dup *domain.DuplicateError
		switch {
		case err == nil:
			inserted++
		case errors.As(err, &dup):
			duplicates++
			log.WithFields(log.Fields{"cite": entry.CiteName, "matched_table": dup.Table}).Info("skipped duplicate entry")
		case errors.Is(err, domain.ErrMissingTitle):
			invalid++
			log.WithField("cite", entry.CiteName).Warn("skipped entry without title")
		default:
			log.Fatalf("Failed to insert %q: %v", entry.CiteName, err)
		}
	}

	log.Infof("=== Import summary ===")
	log.Infof("  entries:    %d", len(bib.Entries))
	log.Infof("  inserted:   %d", inserted)
	log.Infof("  duplicates: %d", duplicates)
	log.Infof("  invalid:    %d", invalid)
}

// fromBibEntry maps a BibTeX entry onto the reference columns. The raw field
// map is preserved as JSON.
func fromBibEntry(entry *bibtex.BibEntry) *domain.Reference {
	fields := make(map[string]string, len(entry.Fields))
	for k, v := range entry.Fields {
		fields[strings.ToLower(k)] = strings.TrimSpace(v.String())
	}
	raw, _ := json.Marshal(fields)

	ref := &domain.Reference{
		Title:       fields["title"],
		Authors:     splitNames(fields["author"]),
		Editors:     splitNames(fields["editor"]),
		DOI:         fields["doi"],
		Journal:     firstNonEmpty(fields["journal"], fields["booktitle"]),
		Volume:      fields["volume"],
		Issue:       fields["number"],
		Pages:       fields["pages"],
		Publisher:   fields["publisher"],
		Abstract:    fields["abstract"],
		Type:        strings.ToLower(entry.Type),
		FilePath:    fields["file"],
		SourceType:  domain.SourceBibTeX,
		BibtexEntry: raw,
	}
	if y, err := strconv.Atoi(fields["year"]); err == nil {
		ref.Year = &y
	}
	if kw := fields["keywords"]; kw != "" {
		for _, k := range strings.Split(kw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				ref.Keywords = append(ref.Keywords, k)
			}
		}
	}
	return ref
}

// splitNames breaks a BibTeX name list on its "and" separators.
func splitNames(names string) []string {
	if names == "" {
		return nil
	}
	var out []string
	for _, n := range strings.Split(names, " and ") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
