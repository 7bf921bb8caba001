// Package openalex is an OpenAlex API client for bibliographic lookup.
// OpenAlex is free and, with a mailto in the polite pool, fast enough to
// drive batch enrichment.
package openalex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/refpipe/backend/internal/ratelimit"
)

const baseURL = "https://api.openalex.org"

// Service is the rate-limiter key for OpenAlex calls.
const Service = "openalex"

// ErrQuotaExhausted signals the daily quota is spent; callers short-circuit
// the current source instead of retrying.
var ErrQuotaExhausted = fmt.Errorf("openalex: daily quota exhausted")

// Client is an OpenAlex works client. All requests are gated by the shared
// rate limiter and carry the polite-pool mailto.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	email      string
	base       string
}

// NewClient creates an OpenAlex client. email is optional but recommended —
// it puts requests in the polite pool.
func NewClient(limiter *ratelimit.Limiter, email string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
		email:      email,
		base:       baseURL,
	}
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (c *Client) SetBaseURL(u string) { c.base = strings.TrimRight(u, "/") }

// Work is the subset of an OpenAlex work record the pipeline consumes.
type Work struct {
	ID                    string                 `json:"id"`
	DOI                   string                 `json:"doi"`
	Title                 string                 `json:"title"`
	DisplayName           string                 `json:"display_name"`
	PublicationYear       int                    `json:"publication_year"`
	Type                  string                 `json:"type"`
	Authorships           []Authorship           `json:"authorships"`
	PrimaryLocation       *Location              `json:"primary_location"`
	OpenAccess            *OpenAccess            `json:"open_access"`
	Biblio                *Biblio                `json:"biblio"`
	IDs                   map[string]interface{} `json:"ids"`
	Keywords              []Keyword              `json:"keywords"`
	AbstractInvertedIndex map[string][]int       `json:"abstract_inverted_index"`
	ReferencedWorks       []string               `json:"referenced_works"`
	CitedByAPIURL         string                 `json:"cited_by_api_url"`
}

type Authorship struct {
	Author struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"author"`
}

type Location struct {
	LandingPageURL string  `json:"landing_page_url"`
	PDFURL         string  `json:"pdf_url"`
	Source         *Source `json:"source"`
}

type Source struct {
	DisplayName          string `json:"display_name"`
	HostOrganizationName string `json:"host_organization_name"`
}

type OpenAccess struct {
	IsOA  bool   `json:"is_oa"`
	OAURL string `json:"oa_url"`
}

type Biblio struct {
	Volume    string `json:"volume"`
	Issue     string `json:"issue"`
	FirstPage string `json:"first_page"`
	LastPage  string `json:"last_page"`
}

type Keyword struct {
	DisplayName string `json:"display_name"`
}

type listResponse struct {
	Meta struct {
		Count   int `json:"count"`
		Page    int `json:"page"`
		PerPage int `json:"per_page"`
	} `json:"meta"`
	Results []Work `json:"results"`
}

// AuthorNames returns the ordered display names of the work's authors.
func (w *Work) AuthorNames() []string {
	names := make([]string, 0, len(w.Authorships))
	for _, a := range w.Authorships {
		if a.Author.DisplayName != "" {
			names = append(names, strings.TrimSpace(a.Author.DisplayName))
		}
	}
	return names
}

// BestTitle prefers title over display_name; both can be empty.
func (w *Work) BestTitle() string {
	if w.Title != "" {
		return w.Title
	}
	return w.DisplayName
}

// PMID extracts a bare PubMed ID from the work's ids map, if present.
func (w *Work) PMID() string {
	v, ok := w.IDs["pmid"]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.Trim(strings.TrimPrefix(s, "https://pubmed.ncbi.nlm.nih.gov/"), "/")
}

// FilterWorks queries /works with an OpenAlex filter expression.
func (c *Client) FilterWorks(ctx context.Context, filter string, perPage int) ([]Work, error) {
	params := url.Values{}
	params.Set("filter", filter)
	return c.listWorks(ctx, params, perPage)
}

// SearchWorks queries /works with the free-text search operator.
func (c *Client) SearchWorks(ctx context.Context, search string, perPage int) ([]Work, error) {
	params := url.Values{}
	params.Set("search", search)
	return c.listWorks(ctx, params, perPage)
}

// WorksBatch fetches details for up to 50 work IDs in one filter call.
func (c *Client) WorksBatch(ctx context.Context, ids []string) ([]Work, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > 50 {
		return nil, fmt.Errorf("openalex: batch of %d exceeds the 50-ID filter limit", len(ids))
	}
	params := url.Values{}
	params.Set("filter", "openalex_id:"+strings.Join(ids, "|"))
	return c.listWorks(ctx, params, len(ids))
}

// CitedBy paginates a work's cited_by_api_url until max works are collected
// or pages are exhausted.
func (c *Client) CitedBy(ctx context.Context, citedByURL string, max int) ([]Work, error) {
	if citedByURL == "" || max <= 0 {
		return nil, nil
	}
	var out []Work
	for page := 1; len(out) < max; page++ {
		u, err := url.Parse(citedByURL)
		if err != nil {
			return out, fmt.Errorf("openalex: bad cited_by url: %w", err)
		}
		q := u.Query()
		q.Set("per-page", "100")
		q.Set("page", fmt.Sprintf("%d", page))
		if c.email != "" {
			q.Set("mailto", c.email)
		}
		u.RawQuery = q.Encode()

		var resp listResponse
		if err := c.get(ctx, u.String(), &resp); err != nil {
			return out, err
		}
		if len(resp.Results) == 0 {
			break
		}
		out = append(out, resp.Results...)
	}
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// KeywordSearch runs a user query against /works with optional year bounds,
// used by keyword-search ingestion. Returns the page of works and the total
// hit count.
func (c *Client) KeywordSearch(ctx context.Context, query string, yearFrom, yearTo, perPage int) ([]Work, int, error) {
	params := url.Values{}
	params.Set("search", query)
	var filters []string
	if yearFrom > 0 {
		filters = append(filters, fmt.Sprintf("from_publication_date:%d-01-01", yearFrom))
	}
	if yearTo > 0 {
		filters = append(filters, fmt.Sprintf("to_publication_date:%d-12-31", yearTo))
	}
	if len(filters) > 0 {
		params.Set("filter", strings.Join(filters, ","))
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 25
	}
	params.Set("per-page", fmt.Sprintf("%d", perPage))
	if c.email != "" {
		params.Set("mailto", c.email)
	}

	var resp listResponse
	if err := c.get(ctx, c.base+"/works?"+params.Encode(), &resp); err != nil {
		return nil, 0, err
	}
	return resp.Results, resp.Meta.Count, nil
}

func (c *Client) listWorks(ctx context.Context, params url.Values, perPage int) ([]Work, error) {
	if perPage <= 0 || perPage > 100 {
		perPage = 25
	}
	params.Set("per-page", fmt.Sprintf("%d", perPage))
	if c.email != "" {
		params.Set("mailto", c.email)
	}
	var resp listResponse
	if err := c.get(ctx, c.base+"/works?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// get performs a gated, retried GET and decodes the JSON response. Transient
// failures (timeouts, 5xx) are retried with exponential backoff; a 429 feeds
// the limiter's quota state and is not retried here.
func (c *Client) get(ctx context.Context, reqURL string, out interface{}) error {
	ok, err := c.limiter.Acquire(ctx, Service, 0)
	if err != nil {
		return err
	}
	if !ok {
		return ErrQuotaExhausted
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		ua := "refpipe/1.0"
		if c.email != "" {
			ua = fmt.Sprintf("refpipe/1.0 (mailto:%s)", c.email)
		}
		req.Header.Set("User-Agent", ua)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("openalex request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests:
			err := fmt.Errorf("openalex returned 429")
			c.limiter.ReportError(Service, err)
			return backoff.Permanent(err)
		case resp.StatusCode >= 500:
			return fmt.Errorf("openalex returned status %d", resp.StatusCode)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("openalex returned status %d: %s", resp.StatusCode, string(body)))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("parse response: %w", err))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return err
	}
	c.limiter.ReportSuccess(Service)
	return nil
}

// ReconstructAbstract rebuilds plain text from OpenAlex's inverted index
// format, {"word": [position, ...], ...}. Empty input yields "".
func ReconstructAbstract(invertedIndex map[string][]int) string {
	if len(invertedIndex) == 0 {
		return ""
	}

	maxPos := 0
	for _, positions := range invertedIndex {
		for _, pos := range positions {
			if pos > maxPos {
				maxPos = pos
			}
		}
	}

	words := make([]string, maxPos+1)
	for word, positions := range invertedIndex {
		for _, pos := range positions {
			if pos >= 0 && pos <= maxPos {
				words[pos] = word
			}
		}
	}

	var sb strings.Builder
	for _, word := range words {
		if word != "" {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(word)
		}
	}
	return sb.String()
}
