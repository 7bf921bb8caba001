// Package crossref queries the Crossref works API as the matcher's fallback
// when OpenAlex filter and search steps come up empty.
package crossref

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

const baseURL = "https://api.crossref.org"

// Service is the rate-limiter key for Crossref calls.
const Service = "crossref"

// ErrQuotaExhausted signals the daily quota is spent.
var ErrQuotaExhausted = fmt.Errorf("crossref: daily quota exhausted")

type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	email      string
	base       string
}

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

// Work is a Crossref works item mapped to the fields the matcher uses.
type Work struct {
	DOI            string     `json:"DOI"`
	Title          []string   `json:"title"`
	Author         []Author   `json:"author"`
	Type           string     `json:"type"`
	ContainerTitle []string   `json:"container-title"`
	Publisher      string     `json:"publisher"`
	Volume         string     `json:"volume"`
	Issue          string     `json:"issue"`
	Page           string     `json:"page"`
	PublishedPrint *DateParts `json:"published-print"`
	PublishedOnln  *DateParts `json:"published-online"`
	Published      *DateParts `json:"published"`
}

type Author struct {
	Given  string `json:"given"`
	Family string `json:"family"`
}

type DateParts struct {
	DateParts [][]int `json:"date-parts"`
}

type queryResponse struct {
	Message struct {
		Items []Work `json:"items"`
	} `json:"message"`
}

// BestTitle returns the first title, or "".
func (w *Work) BestTitle() string {
	if len(w.Title) > 0 {
		return w.Title[0]
	}
	return ""
}

// Container returns the first container-title, or "".
func (w *Work) Container() string {
	if len(w.ContainerTitle) > 0 {
		return w.ContainerTitle[0]
	}
	return ""
}

// Year picks the publication year, preferring print, then online, then the
// generic published field.
func (w *Work) Year() int {
	for _, dp := range []*DateParts{w.PublishedPrint, w.PublishedOnln, w.Published} {
		if dp != nil && len(dp.DateParts) > 0 && len(dp.DateParts[0]) > 0 {
			return dp.DateParts[0][0]
		}
	}
	return 0
}

// AuthorNames formats authors as "Given Family" display names, in order.
func (w *Work) AuthorNames() []string {
	names := make([]string, 0, len(w.Author))
	for _, a := range w.Author {
		name := strings.TrimSpace(strings.TrimSpace(a.Given) + " " + strings.TrimSpace(a.Family))
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Query searches Crossref works with a free-text query, returning up to rows
// results.
func (c *Client) Query(ctx context.Context, query string, rows int) ([]Work, error) {
	if rows <= 0 || rows > 20 {
		rows = 10
	}
	params := url.Values{}
	params.Set("query", query)
	params.Set("rows", fmt.Sprintf("%d", rows))
	if c.email != "" {
		params.Set("mailto", c.email)
	}

	ok, err := c.limiter.Acquire(ctx, Service, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQuotaExhausted
	}

	var out queryResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/works?"+params.Encode(), nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("User-Agent", "refpipe/1.0")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("crossref request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests:
			err := fmt.Errorf("crossref returned 429")
			c.limiter.ReportError(Service, err)
			return backoff.Permanent(err)
		case resp.StatusCode >= 500:
			return fmt.Errorf("crossref returned status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("crossref returned status %d", resp.StatusCode))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("parse response: %w", err))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	c.limiter.ReportSuccess(Service)
	return out.Message.Items, nil
}
