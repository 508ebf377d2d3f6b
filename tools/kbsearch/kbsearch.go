// Package kbsearch exposes the knowledge base to the model: hybrid search
// over indexed documents plus full retrieval of a single document by id.
package kbsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	atoll "github.com/nevindra/atoll"
)

// Tool searches the knowledge base on behalf of the model.
type Tool struct {
	kb   atoll.Knowledge
	topK int
}

// Compile-time interface check.
var _ atoll.Tool = (*Tool)(nil)

// Option configures the tool.
type Option func(*Tool)

// WithTopK sets the number of search hits. Default is 5.
func WithTopK(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.topK = n
		}
	}
}

// New creates the kb search tool.
func New(kb atoll.Knowledge, opts ...Option) *Tool {
	t := &Tool{kb: kb, topK: 5}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definitions() []atoll.ToolDefinition {
	return []atoll.ToolDefinition{
		{
			Name:        "kb_search",
			Description: "Search the knowledge base for saved documents and notes. Returns the most relevant passages with their document titles.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`),
		},
		{
			Name:        "kb_get",
			Description: "Fetch a knowledge base document in full by its id, as returned by kb_search.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"id":{"type":"string","description":"Document id"}},"required":["id"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (atoll.ToolResult, error) {
	if t.kb == nil {
		return atoll.ToolResult{Error: "knowledge base is not available"}, nil
	}
	switch name {
	case "kb_search":
		return t.search(ctx, args)
	case "kb_get":
		return t.get(ctx, args)
	default:
		return atoll.ToolResult{Error: "unknown kb tool: " + name}, nil
	}
}

func (t *Tool) search(ctx context.Context, args json.RawMessage) (atoll.ToolResult, error) {
	var p struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return atoll.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	p.Query = strings.TrimSpace(p.Query)
	if p.Query == "" {
		return atoll.ToolResult{Error: "query is required"}, nil
	}

	hits, err := t.kb.Search(ctx, p.Query, t.topK)
	if err != nil {
		return atoll.ToolResult{Error: "search error: " + err.Error()}, nil
	}
	if len(hits) == 0 {
		return atoll.ToolResult{Content: fmt.Sprintf("no results for %q", p.Query)}, nil
	}

	var out strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&out, "%d. [%s] %s (doc %s)\n%s\n\n",
			i+1, h.Title, scoreLabel(h.Score), h.Chunk.DocumentID, h.Chunk.Content)
	}
	return atoll.ToolResult{Content: strings.TrimRight(out.String(), "\n")}, nil
}

func (t *Tool) get(ctx context.Context, args json.RawMessage) (atoll.ToolResult, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return atoll.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if p.ID == "" {
		return atoll.ToolResult{Error: "id is required"}, nil
	}

	doc, chunks, err := t.kb.Get(ctx, p.ID)
	if err != nil {
		return atoll.ToolResult{Error: "get error: " + err.Error()}, nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "# %s\n", doc.Title)
	if doc.Source != "" {
		fmt.Fprintf(&out, "source: %s\n", doc.Source)
	}
	out.WriteString("\n")
	for _, c := range chunks {
		out.WriteString(c.Content)
		out.WriteString("\n\n")
	}
	return atoll.ToolResult{Content: strings.TrimRight(out.String(), "\n")}, nil
}

func scoreLabel(score float64) string {
	switch {
	case score >= 0.03:
		return "strong match"
	case score >= 0.015:
		return "match"
	default:
		return "weak match"
	}
}
