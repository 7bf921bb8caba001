// Package scihub resolves DOIs against a rotating list of Sci-Hub mirrors and
// extracts the embedded PDF from the result page.
package scihub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/refpipe/backend/internal/ratelimit"
)

// Service is the rate-limiter key for Sci-Hub calls.
const Service = "scihub"

// ErrNotFound reports that a mirror answered 404 for the DOI. Content is
// identical across mirrors, so one 404 is authoritative and the scan stops.
var ErrNotFound = errors.New("scihub: work not found")

// ErrNoMirrors reports that every mirror failed for transient reasons.
var ErrNoMirrors = errors.New("scihub: no mirror responded")

// DefaultMirrors is the built-in mirror list; deployments override it via
// configuration because mirrors go stale frequently.
var DefaultMirrors = []string{
	"https://sci-hub.se",
	"https://sci-hub.st",
	"https://sci-hub.ru",
}

var onclickHref = regexp.MustCompile(`location\.href\s*=\s*'([^']+)'`)

type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	mirrors    []string

	mu   sync.Mutex
	next int // rotating start pointer, advances every invocation
}

func NewClient(limiter *ratelimit.Limiter, mirrors []string) *Client {
	if len(mirrors) == 0 {
		mirrors = DefaultMirrors
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
		mirrors:    mirrors,
	}
}

// FetchPDF looks doi up on the mirror list, starting at the rotating pointer,
// and returns the raw PDF bytes plus the mirror that served it.
func (c *Client) FetchPDF(ctx context.Context, doi string) ([]byte, string, error) {
	c.mu.Lock()
	start := c.next
	c.next = (c.next + 1) % len(c.mirrors)
	c.mu.Unlock()

	for i := 0; i < len(c.mirrors); i++ {
		mirror := c.mirrors[(start+i)%len(c.mirrors)]

		page, status, err := c.get(ctx, mirror+"/"+doi)
		if err != nil {
			if errors.Is(err, ctx.Err()) {
				return nil, "", err
			}
			continue
		}
		if status == http.StatusNotFound {
			return nil, "", ErrNotFound
		}
		if status != http.StatusOK {
			continue
		}

		pdfURL := ExtractPDFLink(page, mirror)
		if pdfURL == "" {
			continue
		}

		data, status, err := c.get(ctx, pdfURL)
		if err != nil || status != http.StatusOK {
			continue
		}
		return data, mirror, nil
	}
	return nil, "", ErrNoMirrors
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, int, error) {
	ok, err := c.limiter.Acquire(ctx, Service, 0)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("scihub: daily quota exhausted")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; refpipe/1.0)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("scihub request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// ExtractPDFLink scans a Sci-Hub result page for the PDF location: an
// <embed type="application/pdf" src>, then an <iframe id="pdf" src>, then a
// save button with onclick=location.href='...'. Relative URLs are resolved
// against base. Returns "" when nothing matches.
func ExtractPDFLink(page []byte, base string) string {
	var embedSrc, iframeSrc, onclickSrc string

	z := html.NewTokenizer(strings.NewReader(string(page)))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		t := z.Token()
		switch t.Data {
		case "embed":
			if attr(t, "type") == "application/pdf" && embedSrc == "" {
				embedSrc = attr(t, "src")
			}
		case "iframe":
			if attr(t, "id") == "pdf" && iframeSrc == "" {
				iframeSrc = attr(t, "src")
			}
		case "button", "a":
			if onclickSrc == "" {
				if m := onclickHref.FindStringSubmatch(attr(t, "onclick")); m != nil {
					onclickSrc = m[1]
				}
			}
		}
	}

	for _, src := range []string{embedSrc, iframeSrc, onclickSrc} {
		if src != "" {
			return resolveURL(src, base)
		}
	}
	return ""
}

func attr(t html.Token, key string) string {
	for _, a := range t.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// resolveURL makes src absolute against the mirror base. Sci-Hub pages use
// schemeless (//host/path) and root-relative (/path) forms.
func resolveURL(src, base string) string {
	src = strings.TrimSpace(src)
	if src == "" {
		return ""
	}
	if strings.HasPrefix(src, "//") {
		return "https:" + src
	}
	u, err := url.Parse(src)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return src
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return b.ResolveReference(u).String()
}
