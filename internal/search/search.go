// Package search is a best-effort client for an HTML web-search endpoint.
// Parsing is deliberately narrow regex extraction: a markup miss yields
// fewer (or zero) results, never an error the caller must handle beyond
// an empty response.
package search

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"chatrelay/internal/models"
	"chatrelay/internal/sanitize"
)

const (
	maxResults     = 5
	requestTimeout = 10 * time.Second
	maxBodyBytes   = 2 << 20
	userAgent      = "Mozilla/5.0 (compatible; chatrelay/0.1)"
)

var (
	resultLinkRe    = regexp.MustCompile(`(?is)<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
	resultSnippetRe = regexp.MustCompile(`(?is)<a[^>]*class="[^"]*result__snippet[^"]*"[^>]*>(.*?)</a>`)
	tagRe           = regexp.MustCompile(`(?s)<[^>]*>`)
)

// Client queries the configured search endpoint and shapes the response
// for prompt injection.
type Client struct {
	baseURL   string
	provider  string
	client    *http.Client
	sanitizer *sanitize.Sanitizer
	group     singleflight.Group
}

// New constructs a search client. The sanitizer cleans snippets before
// they are summarized.
func New(baseURL, provider string, sanitizer *sanitize.Sanitizer) *Client {
	if provider == "" {
		provider = "duckduckgo"
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		provider:  provider,
		client:    &http.Client{Timeout: requestTimeout},
		sanitizer: sanitizer,
	}
}

// Search fetches ranked results for query. Identical concurrent queries
// share one upstream call. The shared fetch runs on its own deadline so
// one caller cancelling does not fail the waiters.
func (c *Client) Search(ctx context.Context, query string) (*models.SearchResponse, error) {
	ch := c.group.DoChan(query, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return c.fetch(fetchCtx, query)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.SearchResponse), nil
	}
}

func (c *Client) fetch(ctx context.Context, query string) (*models.SearchResponse, error) {
	endpoint := c.baseURL + "/html/?q=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("construct search request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	results := parseResults(string(body))
	return &models.SearchResponse{
		Results:  results,
		Summary:  c.summarize(results),
		Provider: c.provider,
	}, nil
}

// parseResults extracts ranked results from the HTML page. Best effort.
func parseResults(page string) []models.SearchResult {
	links := resultLinkRe.FindAllStringSubmatch(page, -1)
	snippets := resultSnippetRe.FindAllStringSubmatch(page, -1)

	results := make([]models.SearchResult, 0, maxResults)
	for i, link := range links {
		if len(results) == maxResults {
			break
		}

		target := resolveRedirect(html.UnescapeString(link[1]))
		title := cleanFragment(link[2])
		if target == "" || title == "" {
			continue
		}

		snippet := ""
		if i < len(snippets) {
			snippet = cleanFragment(snippets[i][1])
		}

		results = append(results, models.SearchResult{
			Title:       title,
			URL:         target,
			Description: snippet,
			Snippet:     snippet,
			Host:        hostOf(target),
		})
	}
	return results
}

// resolveRedirect unwraps tracker links whose real target hides in the
// uddg query parameter.
func resolveRedirect(raw string) string {
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if target := u.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
		return target
	}
	return raw
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func cleanFragment(fragment string) string {
	text := tagRe.ReplaceAllString(fragment, "")
	return strings.TrimSpace(html.UnescapeString(text))
}

// summarize joins sanitized result snippets into the prompt context block.
func (c *Client) summarize(results []models.SearchResult) string {
	var lines []string
	for _, r := range results {
		line := r.Title
		if r.Snippet != "" {
			line += ": " + r.Snippet
		}
		if cleaned := c.sanitizer.Snippet(line); cleaned != "" {
			lines = append(lines, "- "+cleaned)
		}
	}
	return strings.Join(lines, "\n")
}
