package kb

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// Default chunking geometry: chunks of at most DefaultChunkChars bytes with
// DefaultOverlapChars of trailing context carried into the next chunk.
const (
	DefaultChunkChars   = 1200
	DefaultOverlapChars = 150
)

// Chunker splits extracted text into indexable pieces. Markdown is cut at
// heading boundaries first and small sections are packed together; any
// section over the size cap is re-split on paragraph boundaries and merged
// back up with a trailing overlap so context carries across chunk borders.
type Chunker struct {
	maxChars     int
	overlapChars int
}

// NewChunker creates a Chunker. Non-positive maxChars uses
// DefaultChunkChars; an overlap at or above maxChars is clamped to a
// quarter of it.
func NewChunker(maxChars, overlapChars int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultChunkChars
	}
	if overlapChars < 0 {
		overlapChars = DefaultOverlapChars
	}
	if overlapChars >= maxChars {
		overlapChars = maxChars / 4
	}
	return &Chunker{maxChars: maxChars, overlapChars: overlapChars}
}

// Chunk splits text for the given mime type. Markdown gets heading-aware
// treatment, everything else is chunked on paragraph boundaries.
func (c *Chunker) Chunk(text, mimeType string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if isMarkdown(mimeType) {
		return c.chunkMarkdown(text)
	}
	return c.chunkText(text)
}

func isMarkdown(mimeType string) bool {
	mt := strings.ToLower(mimeType)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt == "text/markdown" || mt == "text/x-markdown"
}

// chunkMarkdown packs heading sections into chunks up to the size cap. A
// heading never lands mid-chunk: sections merge whole or start a new chunk,
// and an oversized section falls back to paragraph chunking.
func (c *Chunker) chunkMarkdown(text string) []string {
	var chunks []string
	var buf []string
	var size int
	flush := func() {
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n\n"))
			buf, size = nil, 0
		}
	}
	for _, sec := range splitHeadingSections([]byte(text)) {
		if len(sec) > c.maxChars {
			flush()
			chunks = append(chunks, c.chunkText(sec)...)
			continue
		}
		add := len(sec)
		if size > 0 {
			add += 2
		}
		if size+add > c.maxChars {
			flush()
			add = len(sec)
		}
		buf = append(buf, sec)
		size += add
	}
	flush()
	return chunks
}

// splitHeadingSections splits markdown at top-level heading boundaries using
// the parsed AST, so a "#" inside a fenced code block never starts a
// section. Text without headings comes back as a single section.
func splitHeadingSections(src []byte) []string {
	root := goldmark.New().Parser().Parse(gmtext.NewReader(src))
	var cuts []int
	for node := root.FirstChild(); node != nil; node = node.NextSibling() {
		if node.Kind() != ast.KindHeading {
			continue
		}
		lines := node.Lines()
		if lines.Len() == 0 {
			continue
		}
		// Lines() starts after the "#" marker; back up to the line start.
		start := lines.At(0).Start
		for start > 0 && src[start-1] != '\n' {
			start--
		}
		cuts = append(cuts, start)
	}
	sort.Ints(cuts)

	var sections []string
	prev := 0
	for _, cut := range cuts {
		if cut <= prev {
			continue
		}
		if s := strings.TrimSpace(string(src[prev:cut])); s != "" {
			sections = append(sections, s)
		}
		prev = cut
	}
	if s := strings.TrimSpace(string(src[prev:])); s != "" {
		sections = append(sections, s)
	}
	return sections
}

// chunkText splits plain text into chunks of at most maxChars, preferring
// paragraph boundaries and falling back to word splits for oversized
// paragraphs.
func (c *Chunker) chunkText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.maxChars {
		return []string{text}
	}
	return c.mergeUnits(c.splitUnits(text))
}

func (c *Chunker) splitUnits(text string) []string {
	var units []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) <= c.maxChars {
			units = append(units, p)
			continue
		}
		units = append(units, splitWords(p, c.maxChars)...)
	}
	return units
}

// mergeUnits packs units into chunks up to maxChars, seeding each new chunk
// with the overlap tail of the previous one.
func (c *Chunker) mergeUnits(units []string) []string {
	var chunks []string
	var cur string
	for _, u := range units {
		if cur == "" {
			cur = u
			continue
		}
		if len(cur)+2+len(u) <= c.maxChars {
			cur = cur + "\n\n" + u
			continue
		}
		chunks = append(chunks, cur)
		if tail := overlapSuffix(cur, c.overlapChars); tail != "" && len(tail)+2+len(u) <= c.maxChars {
			cur = tail + "\n\n" + u
		} else {
			cur = u
		}
	}
	if cur != "" {
		chunks = append(chunks, cur)
	}
	return chunks
}

// overlapSuffix returns at most n trailing bytes of s, advanced to a word
// boundary. Strings no longer than n yield nothing so a short chunk is
// never duplicated wholesale into its successor.
func overlapSuffix(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return ""
	}
	tail := s[len(s)-n:]
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	if i := strings.IndexAny(tail, " \n\t"); i >= 0 {
		tail = tail[i+1:]
	}
	return strings.TrimSpace(tail)
}

// splitWords cuts an oversized paragraph into maxChars pieces on word
// boundaries, hard-splitting only pathological single tokens.
func splitWords(text string, maxChars int) []string {
	var parts []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			parts = append(parts, b.String())
			b.Reset()
		}
	}
	for _, w := range strings.Fields(text) {
		for len(w) > maxChars {
			flush()
			cut := maxChars
			for cut > 0 && !utf8.RuneStart(w[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxChars
			}
			parts = append(parts, w[:cut])
			w = w[cut:]
		}
		if w == "" {
			continue
		}
		if b.Len() > 0 && b.Len()+1+len(w) > maxChars {
			flush()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	flush()
	return parts
}
