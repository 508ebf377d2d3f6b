// Package webfetch lets agents read web pages. Pages are fetched over HTTP
// GET and reduced to readable text through the knowledge-base extractors, so
// HTML comes back as article text and PDFs as plain text.
package webfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	atoll "github.com/nevindra/atoll"
	"github.com/nevindra/atoll/kb"
)

const (
	maxBodyBytes    = 1 << 20 // 1MB
	maxContentChars = 8000
	userAgent       = "Mozilla/5.0 (compatible; AtollBot/1.0)"
)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

// Compile-time interface check.
var _ atoll.Tool = (*Tool)(nil)

// Option configures the fetch tool.
type Option func(*Tool)

// WithHTTPClient replaces the default 15-second-timeout client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// New creates the web fetch tool.
func New(opts ...Option) *Tool {
	t := &Tool{}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: 15 * time.Second}
	}
	return t
}

func (t *Tool) Definitions() []atoll.ToolDefinition {
	return []atoll.ToolDefinition{{
		Name:        "web_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, and documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (atoll.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return atoll.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	content, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return atoll.ToolResult{Error: err.Error()}, nil
	}
	if len(content) > maxContentChars {
		content = content[:maxContentChars] + "\n... (truncated)"
	}
	return atoll.ToolResult{Content: content}, nil
}

// Fetch downloads a URL and extracts readable text. The knowledge ingester
// uses it for /kb add <url>.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return "", fmt.Errorf("unsupported URL %q: only http and https", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "text/html"
	}
	text, err := kb.ExtractText(mime, rawURL, body)
	if err != nil {
		return "", fmt.Errorf("extract: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("no readable text at %s", rawURL)
	}
	return text, nil
}
