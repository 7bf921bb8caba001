package download

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// maxBodySize bounds a single download; anything larger is not a paper.
const maxBodySize = 200 << 20

// fetchPDF GETs a URL expected to yield a PDF. Publisher and mirror pages
// often serve an HTML landing page instead; in that case the page is scanned
// for a document link and followed once. seen guards against redirect loops.
func (r *Resolver) fetchPDF(ctx context.Context, rawURL string, seen map[string]bool) ([]byte, error) {
	if seen[rawURL] {
		return nil, fmt.Errorf("already visited %s", rawURL)
	}
	seen[rawURL] = true

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) refpipe/1.0")
	req.Header.Set("Accept", "application/pdf,text/html;q=0.9,*/*;q=0.8")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if bytes.HasPrefix(body, pdfMagic) {
		return body, nil
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !looksLikeHTML(body) {
		return nil, fmt.Errorf("get %s: got %q, not a pdf", rawURL, ct)
	}

	// One level of unwrap only; a link found on an unwrapped page that again
	// serves HTML is a dead end.
	if len(seen) > 2 {
		return nil, fmt.Errorf("no pdf behind %s", rawURL)
	}
	next := ExtractDocumentLink(body, resp.Request.URL.String())
	if next == "" {
		return nil, fmt.Errorf("no pdf link on landing page %s", rawURL)
	}
	return r.fetchPDF(ctx, next, seen)
}

func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body))
	if len(head) > 256 {
		head = head[:256]
	}
	return bytes.Contains(head, []byte("<!doctype html")) || bytes.Contains(head, []byte("<html"))
}

type anchorInfo struct {
	href string
	text string
}

// ExtractDocumentLink scans an HTML landing page for the most likely
// full-text link: an href ending in .pdf, an href routed through a /pdf/
// path, an anchor labelled with "pdf" whose href looks like a download or
// view route, or a bare GET button (LibGen mirrors).
func ExtractDocumentLink(page []byte, base string) string {
	var anchors []anchorInfo

	z := html.NewTokenizer(bytes.NewReader(page))
	open := -1
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return pickAnchor(anchors, base)
		case html.StartTagToken:
			t := z.Token()
			if t.Data == "a" {
				for _, a := range t.Attr {
					if a.Key == "href" && a.Val != "" {
						anchors = append(anchors, anchorInfo{href: a.Val})
						open = len(anchors) - 1
					}
				}
			}
		case html.TextToken:
			if open >= 0 {
				anchors[open].text += string(z.Text())
			}
		case html.EndTagToken:
			if t := z.Token(); t.Data == "a" {
				open = -1
			}
		}
	}
}

func pickAnchor(anchors []anchorInfo, base string) string {
	match := func(ok func(href, text string) bool) string {
		for _, a := range anchors {
			href := strings.ToLower(a.href)
			text := strings.ToLower(strings.TrimSpace(a.text))
			if strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
				continue
			}
			if ok(href, text) {
				return absoluteURL(a.href, base)
			}
		}
		return ""
	}

	if u := match(func(href, _ string) bool {
		return strings.HasSuffix(strings.SplitN(href, "?", 2)[0], ".pdf")
	}); u != "" {
		return u
	}
	if u := match(func(href, _ string) bool {
		return strings.Contains(href, "/pdf/")
	}); u != "" {
		return u
	}
	if u := match(func(href, text string) bool {
		return strings.Contains(text, "pdf") &&
			(strings.Contains(href, "/download") || strings.Contains(href, "/view"))
	}); u != "" {
		return u
	}
	return match(func(_, text string) bool { return text == "get" })
}

func absoluteURL(href, base string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return b.ResolveReference(u).String()
}
