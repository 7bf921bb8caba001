// Package download resolves a reference to a saved, validated PDF by trying
// sources in decreasing order of reliability.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/refpipe/backend/internal/domain"
	"github.com/refpipe/backend/internal/identity"
	"github.com/refpipe/backend/internal/ratelimit"
	"github.com/refpipe/backend/pkg/libgen"
	"github.com/refpipe/backend/pkg/scihub"
	"github.com/refpipe/backend/pkg/unpaywall"
)

// ErrNoPDF means every source in the cascade was tried and none produced a
// valid PDF.
var ErrNoPDF = errors.New("no source produced a valid pdf")

const maxTitleInFilename = 50

// Result describes a saved PDF.
type Result struct {
	FilePath string
	Checksum string
	Source   string
	Pages    int
}

// Resolver tries each acquisition source in order: the record's own direct
// URL, the doi.org redirect chain, Unpaywall's best open-access location,
// Sci-Hub mirrors, then LibGen.
type Resolver struct {
	httpClient *http.Client
	unpaywall  *unpaywall.Client
	scihub     *scihub.Client
	libgen     *libgen.Client
	dir        string
	doiBase    string
}

func NewResolver(up *unpaywall.Client, sh *scihub.Client, lg *libgen.Client, dir string) *Resolver {
	return &Resolver{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		unpaywall:  up,
		scihub:     sh,
		libgen:     lg,
		dir:        dir,
		doiBase:    "https://doi.org",
	}
}

// SetDOIBaseURL overrides the DOI resolver endpoint. Used by tests.
func (r *Resolver) SetDOIBaseURL(u string) { r.doiBase = strings.TrimRight(u, "/") }

// SetTimeout bounds each single-source fetch.
func (r *Resolver) SetTimeout(d time.Duration) {
	if d > 0 {
		r.httpClient.Timeout = d
	}
}

type source struct {
	name  string
	fetch func(ctx context.Context, ref *domain.Reference) ([]byte, error)
}

// Resolve runs the cascade for ref and saves the first PDF that passes
// validation. When every source fails it returns ErrNoPDF, unless the only
// thing standing in the way was a spent quota, which is surfaced so the row
// can be deferred instead of failed.
func (r *Resolver) Resolve(ctx context.Context, ref *domain.Reference) (*Result, error) {
	sources := []source{
		{"direct", r.fromDirectURL},
		{"doi", r.fromDOI},
		{"unpaywall", r.fromUnpaywall},
		{"scihub", r.fromSciHub},
		{"libgen", r.fromLibGen},
	}

	isBook := strings.Contains(strings.ToLower(ref.Type), "book")
	var quotaErr error
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := src.fetch(ctx, ref)
		if err != nil {
			if ratelimit.IsQuotaError(err) {
				quotaErr = err
			}
			log.WithFields(log.Fields{"id": ref.ID, "source": src.name}).WithError(err).Debug("source failed")
			continue
		}
		if data == nil {
			continue
		}

		pages, err := ValidatePDF(data, isBook)
		if err != nil {
			log.WithFields(log.Fields{"id": ref.ID, "source": src.name}).WithError(err).Debug("pdf rejected")
			continue
		}

		res, err := r.save(ref, data)
		if err != nil {
			return nil, err
		}
		res.Source = src.name
		res.Pages = pages
		return res, nil
	}

	if quotaErr != nil {
		return nil, quotaErr
	}
	return nil, ErrNoPDF
}

func (r *Resolver) fromDirectURL(ctx context.Context, ref *domain.Reference) ([]byte, error) {
	if ref.DirectURL == "" {
		return nil, nil
	}
	return r.fetchPDF(ctx, ref.DirectURL, map[string]bool{})
}

func (r *Resolver) fromDOI(ctx context.Context, ref *domain.Reference) ([]byte, error) {
	if ref.DOI == "" {
		return nil, nil
	}
	return r.fetchPDF(ctx, r.doiBase+"/"+ref.DOI, map[string]bool{})
}

func (r *Resolver) fromUnpaywall(ctx context.Context, ref *domain.Reference) ([]byte, error) {
	if ref.DOI == "" || r.unpaywall == nil {
		return nil, nil
	}
	pdfURL, err := r.unpaywall.BestPDFURL(ctx, ref.DOI)
	if err != nil {
		return nil, err
	}
	if pdfURL == "" {
		return nil, nil
	}
	return r.fetchPDF(ctx, pdfURL, map[string]bool{})
}

func (r *Resolver) fromSciHub(ctx context.Context, ref *domain.Reference) ([]byte, error) {
	if ref.DOI == "" || r.scihub == nil {
		return nil, nil
	}
	data, mirror, err := r.scihub.FetchPDF(ctx, ref.DOI)
	if err != nil {
		if errors.Is(err, scihub.ErrNotFound) || errors.Is(err, scihub.ErrNoMirrors) {
			return nil, nil
		}
		return nil, err
	}
	log.WithFields(log.Fields{"id": ref.ID, "mirror": mirror}).Debug("scihub hit")
	return data, nil
}

func (r *Resolver) fromLibGen(ctx context.Context, ref *domain.Reference) ([]byte, error) {
	if ref.Title == "" || r.libgen == nil {
		return nil, nil
	}
	results, err := r.libgen.Search(ctx, libgenQuery(ref))
	if err != nil {
		if errors.Is(err, libgen.ErrUnavailable) {
			return nil, nil
		}
		return nil, err
	}
	for _, res := range results {
		if !res.Usable() {
			continue
		}
		for _, mirrorURL := range res.MirrorURLs {
			data, err := r.fetchPDF(ctx, mirrorURL, map[string]bool{})
			if err != nil {
				log.WithError(err).WithField("mirror", mirrorURL).Debug("libgen mirror failed")
				continue
			}
			return data, nil
		}
	}
	return nil, nil
}

// libgenQuery appends the first author's surname to the title so a common
// title does not drown in review rows.
func libgenQuery(ref *domain.Reference) string {
	if len(ref.Authors) == 0 {
		return ref.Title
	}
	s := identity.Surname(ref.Authors[0])
	if s == "" {
		return ref.Title
	}
	return ref.Title + " " + s
}

// save writes the PDF under the download directory and returns its path and
// checksum. A file that cannot be fully written is removed.
func (r *Resolver) save(ref *domain.Reference, data []byte) (*Result, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	path := filepath.Join(r.dir, FileName(ref))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	sum := sha256.Sum256(data)
	return &Result{FilePath: path, Checksum: hex.EncodeToString(sum[:])}, nil
}

// FileName builds the stable on-disk name `<year>_<title>.pdf`, with the
// title lowercased, reduced to alphanumerics plus space, dash, and
// underscore, and capped at 50 characters.
func FileName(ref *domain.Reference) string {
	year := "0000"
	if ref.Year != nil {
		year = fmt.Sprintf("%d", *ref.Year)
	}
	return fmt.Sprintf("%s_%s.pdf", year, safeTitle(ref.Title))
}

func safeTitle(title string) string {
	var b strings.Builder
	lastSep := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '-', r == '_':
			b.WriteRune(r)
			lastSep = false
		default:
			if !lastSep && b.Len() > 0 {
				b.WriteByte('_')
				lastSep = true
			}
		}
		if b.Len() >= maxTitleInFilename {
			break
		}
	}
	out := strings.Trim(b.String(), " _")
	if out == "" {
		out = "untitled"
	}
	return out
}
