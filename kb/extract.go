package kb

import (
	"bytes"
	"fmt"
	"html"
	"mime"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
)

// ExtractText converts raw document bytes into plain text by mime type.
// PDF goes through the pdf reader page by page, HTML through readability
// with a tag-strip fallback, everything else (markdown, plain text, code)
// passes through unchanged. source is the document origin (URL or file
// name) and only informs HTML extraction.
func ExtractText(mimeType, source string, data []byte) (string, error) {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mt = parsed
	}
	switch mt {
	case "application/pdf":
		return extractPDF(data)
	case "text/html", "application/xhtml+xml":
		return extractHTML(data, source), nil
	default:
		return string(data), nil
	}
}

func extractPDF(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("kb: empty pdf content")
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("kb: open pdf: %w", err)
	}
	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

// extractHTML pulls the article body out of an HTML page. When readability
// finds nothing usable the raw markup is tag-stripped instead, so ingestion
// never fails on ugly HTML.
func extractHTML(data []byte, source string) string {
	u, _ := url.Parse(source)
	article, err := readability.FromReader(bytes.NewReader(data), u)
	if err == nil {
		if text := strings.TrimSpace(article.TextContent); text != "" {
			return text
		}
	}
	return stripTags(string(data))
}

var (
	reScriptStyle = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	reBlockEnd    = regexp.MustCompile(`(?i)</(p|div|li|h[1-6]|tr|blockquote|pre)>|<br\s*/?>`)
	reTag         = regexp.MustCompile(`<[^>]*>`)
)

// stripTags is the fallback HTML-to-text path. Block-level closers become
// newlines so paragraph structure survives for the chunker.
func stripTags(src string) string {
	s := reScriptStyle.ReplaceAllString(src, " ")
	s = reBlockEnd.ReplaceAllString(s, "\n")
	s = reTag.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return collapseWhitespace(s)
}

// collapseWhitespace squeezes runs of spaces inside lines and runs of blank
// lines down to a single paragraph break.
func collapseWhitespace(s string) string {
	var out []string
	blank := true
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
