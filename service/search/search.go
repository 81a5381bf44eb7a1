// Package search implements an example taskfabric.Endpoint: it fetches
// a URL and returns its readable text content, falling back to a crude
// tag stripper for pages readability can't parse.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
)

// Endpoint fetches URLs and extracts readable text, exposed to task
// code under the "search" service name.
type Endpoint struct {
	client  *http.Client
	baseURL string
}

// New creates a search Endpoint. baseURL, if non-empty, is prefixed to
// relative query paths; an empty baseURL means callers always pass
// absolute URLs.
func New(baseURL string) *Endpoint {
	return &Endpoint{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
	}
}

type fetchArgs struct {
	URL string `json:"url"`
}

type fetchResult struct {
	Content string `json:"content"`
}

// Invoke implements taskfabric.Endpoint. The only supported
// methodPath is "fetch".
func (e *Endpoint) Invoke(ctx context.Context, methodPath string, args json.RawMessage) (json.RawMessage, error) {
	if methodPath != "fetch" {
		return nil, fmt.Errorf("search: unknown method %q", methodPath)
	}

	var params fetchArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("search: invalid args: %w", err)
	}

	content, err := e.fetch(ctx, e.resolve(params.URL))
	if err != nil {
		return nil, err
	}
	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}

	return json.Marshal(fetchResult{Content: content})
}

func (e *Endpoint) resolve(raw string) string {
	if e.baseURL == "" || strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return strings.TrimRight(e.baseURL, "/") + "/" + strings.TrimLeft(raw, "/")
}

func (e *Endpoint) fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("search: invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; TaskFabricBot/1.0)")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search: fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("search: HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("search: read error: %w", err)
	}

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	return stripHTML(string(body)), nil
}

// stripHTML is a last-resort fallback for pages readability can't
// parse into an article: collapse everything between angle brackets.
func stripHTML(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
