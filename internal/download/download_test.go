package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refpipe/backend/internal/domain"
	"github.com/refpipe/backend/internal/ratelimit"
	"github.com/refpipe/backend/pkg/libgen"
	"github.com/refpipe/backend/pkg/scihub"
	"github.com/refpipe/backend/pkg/unpaywall"
)

// makePDF builds a minimal but well-formed PDF with the given page count.
func makePDF(t *testing.T, pages int) []byte {
	t.Helper()
	var buf bytes.Buffer
	var offsets []int
	buf.WriteString("%PDF-1.4\n")
	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(body)
	}

	kids := make([]string, pages)
	for i := 0; i < pages; i++ {
		kids[i] = fmt.Sprintf("%d 0 R", 3+i)
	}
	writeObj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	writeObj(fmt.Sprintf("2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n",
		strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		writeObj(fmt.Sprintf("%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>\nendobj\n", 3+i))
	}

	xrefPos := buf.Len()
	size := len(offsets) + 1
	fmt.Fprintf(&buf, "xref\n0 %d\n", size)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", size, xrefPos)
	return buf.Bytes()
}

func TestValidatePDF(t *testing.T) {
	pages, err := ValidatePDF(makePDF(t, 5), false)
	require.NoError(t, err)
	assert.Equal(t, 5, pages)

	_, err = ValidatePDF(makePDF(t, 4), false)
	assert.ErrorContains(t, err, "pages")

	_, err = ValidatePDF(makePDF(t, 20), true)
	assert.ErrorContains(t, err, "pages")

	pages, err = ValidatePDF(makePDF(t, 50), true)
	require.NoError(t, err)
	assert.Equal(t, 50, pages)

	_, err = ValidatePDF([]byte("<html>not a pdf</html>"), false)
	assert.ErrorContains(t, err, "header")
}

func TestExtractDocumentLink(t *testing.T) {
	base := "https://pub.example.org/article/42"

	cases := []struct {
		name string
		page string
		want string
	}{
		{
			"pdf extension",
			`<html><a href="/files/paper.pdf">Full text</a></html>`,
			"https://pub.example.org/files/paper.pdf",
		},
		{
			"pdf extension with query",
			`<html><a href="https://cdn.example.org/x.pdf?token=1">here</a></html>`,
			"https://cdn.example.org/x.pdf?token=1",
		},
		{
			"pdf path segment",
			`<html><a href="/content/pdf/10.1/42">view article</a></html>`,
			"https://pub.example.org/content/pdf/10.1/42",
		},
		{
			"labelled download link",
			`<html><a href="/article/42/download">Download PDF</a></html>`,
			"https://pub.example.org/article/42/download",
		},
		{
			"get button",
			`<html><td><a href="https://mirror.example.org/main/x">GET</a></td></html>`,
			"https://mirror.example.org/main/x",
		},
		{
			"nothing useful",
			`<html><a href="/about">About</a><a href="#top">Top</a></html>`,
			"",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractDocumentLink([]byte(tc.page), base))
		})
	}
}

func TestExtractDocumentLinkPrefersPDFExtension(t *testing.T) {
	page := `<html>
		<a href="/article/42/download">Download PDF</a>
		<a href="/files/real.pdf">alt</a>
	</html>`
	got := ExtractDocumentLink([]byte(page), "https://pub.example.org")
	assert.Equal(t, "https://pub.example.org/files/real.pdf", got)
}

func TestFileName(t *testing.T) {
	year := 2021
	ref := &domain.Reference{
		Title: "A Very Long Title: The Quick Brown Fox Jumps Over The Lazy Dog Again",
		Year:  &year,
	}
	name := FileName(ref)
	assert.True(t, strings.HasPrefix(name, "2021_a very long title_ the quick brown fox"), name)
	assert.True(t, strings.HasSuffix(name, ".pdf"))
	assert.LessOrEqual(t, len(name), 4+1+maxTitleInFilename+4)

	// Spaces, dashes, and underscores survive; everything else folds to one
	// underscore.
	y := 1998
	assert.Equal(t, "1998_self-stabilizing systems_ part 2.pdf",
		FileName(&domain.Reference{Title: "Self-Stabilizing Systems, Part 2", Year: &y}))

	assert.Equal(t, "0000_untitled.pdf", FileName(&domain.Reference{}))
}

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New(map[string]ratelimit.Limits{
		unpaywall.Service: {RPS: 1000},
		scihub.Service:    {RPS: 1000},
		libgen.Service:    {RPS: 1000},
	})
}

func TestResolveDirectURL(t *testing.T) {
	pdfData := makePDF(t, 6)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdfData)
	}))
	defer srv.Close()

	dir := t.TempDir()
	res := NewResolver(nil, nil, nil, dir)
	year := 2020
	ref := &domain.Reference{ID: 1, Title: "Direct Hit", Year: &year, DirectURL: srv.URL + "/paper"}

	got, err := res.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "direct", got.Source)
	assert.Equal(t, 6, got.Pages)

	saved, err := os.ReadFile(got.FilePath)
	require.NoError(t, err)
	assert.Equal(t, pdfData, saved)
	sum := sha256.Sum256(pdfData)
	assert.Equal(t, hex.EncodeToString(sum[:]), got.Checksum)
}

func TestResolveUnwrapsLandingPage(t *testing.T) {
	pdfData := makePDF(t, 7)
	mux := http.NewServeMux()
	mux.HandleFunc("/landing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/files/full.pdf">Full text PDF</a></body></html>`)
	})
	mux.HandleFunc("/files/full.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write(pdfData)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res := NewResolver(nil, nil, nil, t.TempDir())
	ref := &domain.Reference{ID: 2, Title: "Wrapped", DirectURL: srv.URL + "/landing"}

	got, err := res.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "direct", got.Source)
	assert.Equal(t, 7, got.Pages)
}

func TestResolveFallsBackToUnpaywall(t *testing.T) {
	pdfData := makePDF(t, 5)
	mux := http.NewServeMux()
	// Direct URL serves a too-short PDF; doi.org knows nothing.
	mux.HandleFunc("/short", func(w http.ResponseWriter, r *http.Request) {
		w.Write(makePDF(t, 2))
	})
	mux.HandleFunc("/10.1234/x", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/oa.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write(pdfData)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	upSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"best_oa_location":{"url_for_pdf":"%s/oa.pdf"}}`, srv.URL)
	}))
	defer upSrv.Close()

	up := unpaywall.NewClient(testLimiter(), "test@example.org")
	up.SetBaseURL(upSrv.URL)

	res := NewResolver(up, nil, nil, t.TempDir())
	res.SetDOIBaseURL(srv.URL)
	ref := &domain.Reference{ID: 3, Title: "Fallback", DOI: "10.1234/x", DirectURL: srv.URL + "/short"}

	got, err := res.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "unpaywall", got.Source)
}

func TestResolveSciHub(t *testing.T) {
	pdfData := makePDF(t, 9)
	var mirror *httptest.Server
	mirror = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".pdf") {
			w.Write(pdfData)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><embed type="application/pdf" src="%s/dl/paper.pdf#view=FitH"></html>`, mirror.URL)
	}))
	defer mirror.Close()

	doiSrv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer doiSrv.Close()
	upSrv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer upSrv.Close()

	lim := testLimiter()
	up := unpaywall.NewClient(lim, "test@example.org")
	up.SetBaseURL(upSrv.URL)
	sh := scihub.NewClient(lim, []string{mirror.URL})

	res := NewResolver(up, sh, nil, t.TempDir())
	res.SetDOIBaseURL(doiSrv.URL)
	ref := &domain.Reference{ID: 4, Title: "Shadowed", DOI: "10.9999/y"}

	got, err := res.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "scihub", got.Source)
	assert.Equal(t, 9, got.Pages)
}

func TestResolveLibGenQueryIncludesSurname(t *testing.T) {
	pdfData := makePDF(t, 12)
	var query string
	var lgSrv *httptest.Server
	lgSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".pdf") {
			w.Write(pdfData)
			return
		}
		query = r.URL.Query().Get("req")
		fmt.Fprintf(w, `<table><tr>
			<td>1</td><td>Kuhn, Thomas</td><td>Structure of Scientific Revolutions</td>
			<td>UCP</td><td>1962</td><td>264</td><td>English</td><td>2 Mb</td><td>pdf</td>
			<td><a href="%s/get/book.pdf">[1]</a></td></tr></table>`, lgSrv.URL)
	}))
	defer lgSrv.Close()

	lg := libgen.NewClient(testLimiter(), lgSrv.URL)
	res := NewResolver(nil, nil, lg, t.TempDir())
	ref := &domain.Reference{
		ID:      6,
		Title:   "Structure of Scientific Revolutions",
		Authors: []string{"Kuhn, Thomas"},
	}

	got, err := res.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "libgen", got.Source)
	assert.Equal(t, "Structure of Scientific Revolutions kuhn", query)
}

func TestLibGenQuery(t *testing.T) {
	assert.Equal(t, "Deep Work newport",
		libgenQuery(&domain.Reference{Title: "Deep Work", Authors: []string{"Cal Newport"}}))
	assert.Equal(t, "Deep Work",
		libgenQuery(&domain.Reference{Title: "Deep Work"}))
}

func TestResolveNoSourceSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	res := NewResolver(nil, nil, nil, t.TempDir())
	res.SetDOIBaseURL(srv.URL)
	ref := &domain.Reference{ID: 5, Title: "Unfindable", DOI: "10.0/none", DirectURL: srv.URL + "/gone"}

	_, err := res.Resolve(context.Background(), ref)
	assert.ErrorIs(t, err, ErrNoPDF)
}
