package webfetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func fetch(t *testing.T, tool *Tool, url string) (string, string) {
	t.Helper()
	args, _ := json.Marshal(map[string]string{"url": url})
	res, err := tool.Execute(context.Background(), "web_fetch", args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res.Content, res.Error
}

func TestFetchExtractsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>T</title><script>var x=1;</script></head>` +
			`<body><p>Reef fish feed at dawn.</p></body></html>`))
	}))
	defer srv.Close()

	content, errMsg := fetch(t, New(), srv.URL)
	if errMsg != "" {
		t.Fatalf("error: %s", errMsg)
	}
	if !strings.Contains(content, "Reef fish feed at dawn.") {
		t.Errorf("content = %q", content)
	}
	if strings.Contains(content, "var x=1") || strings.Contains(content, "<p>") {
		t.Errorf("markup leaked: %q", content)
	}
}

func TestFetchPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("just words"))
	}))
	defer srv.Close()

	content, errMsg := fetch(t, New(), srv.URL)
	if errMsg != "" || content != "just words" {
		t.Fatalf("content = %q, err = %q", content, errMsg)
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, errMsg := fetch(t, New(), srv.URL)
	if !strings.Contains(errMsg, "HTTP 404") {
		t.Errorf("error = %q", errMsg)
	}
}

func TestFetchSchemeRestricted(t *testing.T) {
	_, errMsg := fetch(t, New(), "file:///etc/passwd")
	if errMsg == "" {
		t.Error("expected scheme error")
	}
}

func TestFetchTruncation(t *testing.T) {
	big := strings.Repeat("lorem ipsum dolor sit amet ", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(big))
	}))
	defer srv.Close()

	content, errMsg := fetch(t, New(), srv.URL)
	if errMsg != "" {
		t.Fatalf("error: %s", errMsg)
	}
	if len(content) > maxContentChars+100 {
		t.Errorf("content not truncated: %d chars", len(content))
	}
	if !strings.HasSuffix(content, "... (truncated)") {
		t.Error("expected truncation marker")
	}
}
