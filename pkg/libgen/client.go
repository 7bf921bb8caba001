// Package libgen searches a Library Genesis instance and extracts candidate
// mirror links from the results table. The instance is treated as optional
// gray-literature fallback; callers skip it silently when unavailable.
package libgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/refpipe/backend/internal/ratelimit"
)

// Service is the rate-limiter key for LibGen calls.
const Service = "libgen"

// ErrUnavailable reports that the instance did not answer; the download
// cascade skips LibGen without recording a source error.
var ErrUnavailable = errors.New("libgen: instance unavailable")

// DefaultBaseURL is the classic LibGen search endpoint.
const DefaultBaseURL = "https://libgen.is"

// reviewMarkers flag rows that are book reviews rather than the work itself.
var reviewMarkers = []string{"vol.", "iss.", "pp.", "pages", "review of", "book review"}

type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	base       string
}

func NewClient(limiter *ratelimit.Limiter, base string) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
		base:       strings.TrimRight(base, "/"),
	}
}

// Result is one row of the LibGen search table.
type Result struct {
	Authors    string
	Title      string
	Extension  string
	MirrorURLs []string
}

// Usable reports whether the row is a plain PDF of the work itself: the
// extension column must be pdf and the row must not look like a book review.
func (r *Result) Usable() bool {
	if !strings.EqualFold(strings.TrimSpace(r.Extension), "pdf") {
		return false
	}
	if strings.Contains(strings.ToLower(r.Authors), "review by:") {
		return false
	}
	title := strings.ToLower(r.Title)
	for _, marker := range reviewMarkers {
		if strings.Contains(title, marker) {
			return false
		}
	}
	return true
}

// Search queries the instance's search page and parses the results table.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	ok, err := c.limiter.Acquire(ctx, Service, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnavailable
	}

	params := url.Values{}
	params.Set("req", query)
	params.Set("res", "25")
	reqURL := c.base + "/search.php?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; refpipe/1.0)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ErrUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrUnavailable
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.limiter.ReportSuccess(Service)
	return ParseResults(body), nil
}

// ParseResults extracts rows from the search results table. The layout is the
// classic LibGen column order: id, authors, title, publisher, year, pages,
// language, size, extension, then mirror links.
func ParseResults(page []byte) []Result {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil
	}

	var results []Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			if r, ok := parseRow(n); ok {
				results = append(results, r)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return results
}

func parseRow(tr *html.Node) (Result, bool) {
	var cells []*html.Node
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "td" {
			cells = append(cells, c)
		}
	}
	// Header rows use <th>; data rows carry at least ten columns.
	if len(cells) < 10 {
		return Result{}, false
	}

	r := Result{
		Authors:   nodeText(cells[1]),
		Title:     nodeText(cells[2]),
		Extension: nodeText(cells[8]),
	}
	for _, cell := range cells[9:] {
		for _, href := range nodeLinks(cell) {
			if href != "" && !strings.HasPrefix(href, "#") {
				r.MirrorURLs = append(r.MirrorURLs, href)
			}
		}
	}
	if r.Title == "" || len(r.MirrorURLs) == 0 {
		return Result{}, false
	}
	return r, true
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func nodeLinks(n *html.Node) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, a := range n.Attr {
				if a.Key == "href" {
					out = append(out, a.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}
