package kb

import (
	"strings"
	"testing"
)

func TestExtractTextPlainPassthrough(t *testing.T) {
	got, err := ExtractText("text/plain; charset=utf-8", "", []byte("hello\nworld"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello\nworld" {
		t.Errorf("got %q", got)
	}
}

func TestExtractTextMarkdownPassthrough(t *testing.T) {
	md := "# Title\n\nbody"
	got, err := ExtractText("text/markdown", "notes.md", []byte(md))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != md {
		t.Errorf("got %q", got)
	}
}

func TestExtractTextUnknownMimeDefaultsToPlain(t *testing.T) {
	got, err := ExtractText("application/x-whatever", "", []byte("raw bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "raw bytes" {
		t.Errorf("got %q", got)
	}
}

func TestExtractTextEmptyPDF(t *testing.T) {
	if _, err := ExtractText("application/pdf", "", nil); err == nil {
		t.Error("expected error for empty pdf")
	}
}

func TestExtractTextHTML(t *testing.T) {
	page := `<html><head><title>T</title><style>body{color:red}</style></head>` +
		`<body><p>Hello &amp; welcome to the island.</p>` +
		`<script>var x = 1;</script><p>Second paragraph here.</p></body></html>`
	got, err := ExtractText("text/html; charset=utf-8", "https://example.com/a", []byte(page))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(got, "Hello & welcome") {
		t.Errorf("body text missing: %q", got)
	}
	if strings.Contains(got, "<p>") || strings.Contains(got, "var x") || strings.Contains(got, "color:red") {
		t.Errorf("markup leaked into text: %q", got)
	}
}

func TestStripTags(t *testing.T) {
	in := `<div><p>First &lt;line&gt;</p><script>alert(1)</script><p>Second   line</p></div>`
	got := stripTags(in)
	want := "First <line>\nSecond line"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCollapseWhitespace(t *testing.T) {
	in := "  a   b  \n\n\n\nc\n   \nd  "
	got := collapseWhitespace(in)
	want := "a b\n\nc\n\nd"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
