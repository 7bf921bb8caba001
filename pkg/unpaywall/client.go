// Package unpaywall looks up open-access locations for a DOI.
package unpaywall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/refpipe/backend/internal/ratelimit"
)

const baseURL = "https://api.unpaywall.org"

// Service is the rate-limiter key for Unpaywall calls.
const Service = "unpaywall"

// ErrQuotaExhausted signals the daily quota is spent.
var ErrQuotaExhausted = fmt.Errorf("unpaywall: daily quota exhausted")

type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	email      string
	base       string
}

// NewClient creates an Unpaywall client. The API requires an email.
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

// Location is an OA copy of a work.
type Location struct {
	URLForPDF string `json:"url_for_pdf"`
	URL       string `json:"url"`
	HostType  string `json:"host_type"`
}

type record struct {
	DOI            string    `json:"doi"`
	IsOA           bool      `json:"is_oa"`
	BestOALocation *Location `json:"best_oa_location"`
}

// BestPDFURL returns the url_for_pdf of the best OA location for doi, or ""
// when the work has no known open copy or the DOI is unknown to Unpaywall.
func (c *Client) BestPDFURL(ctx context.Context, doi string) (string, error) {
	ok, err := c.limiter.Acquire(ctx, Service, 0)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrQuotaExhausted
	}

	reqURL := fmt.Sprintf("%s/v2/%s?email=%s", c.base, url.PathEscape(doi), url.QueryEscape(c.email))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "refpipe/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("unpaywall request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		// DOI unknown to Unpaywall; not an error, just no OA copy.
		return "", nil
	case http.StatusTooManyRequests:
		err := fmt.Errorf("unpaywall returned 429")
		c.limiter.ReportError(Service, err)
		return "", err
	default:
		return "", fmt.Errorf("unpaywall returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var rec record
	if err := json.Unmarshal(body, &rec); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	c.limiter.ReportSuccess(Service)

	if rec.BestOALocation == nil {
		return "", nil
	}
	return rec.BestOALocation.URLForPDF, nil
}
