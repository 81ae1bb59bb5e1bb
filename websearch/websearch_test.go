package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/finrag/finrag/document"
)

func TestTavilySearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[
			{"title":"Apple Q3 results","url":"https://example.com/apple-q3","content":"Apple reported revenue of 81.8 billion dollars.","score":0.91},
			{"title":"Empty","url":"https://example.com/empty","content":"  ","score":0.2}
		]}`))
	}))
	defer srv.Close()

	provider := NewTavily(TavilyConfig{APIKey: "test-key", Endpoint: srv.URL})
	chunks, err := provider.Search(context.Background(), "apple q3 revenue")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 non-empty chunk, got %d", len(chunks))
	}
	chunk := chunks[0]
	if chunk.Source != document.SourceWeb {
		t.Errorf("expected web source, got %q", chunk.Source)
	}
	if chunk.SourceFile != "https://example.com/apple-q3" {
		t.Errorf("source file should carry the URL, got %q", chunk.SourceFile)
	}
	if !strings.HasPrefix(chunk.DocumentID, "web-") {
		t.Errorf("expected synthetic web document id, got %q", chunk.DocumentID)
	}
	if chunk.ContentHash == "" {
		t.Error("content hash must be set")
	}
}

func TestTavilySearchAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	provider := NewTavily(TavilyConfig{APIKey: "test-key", Endpoint: srv.URL})
	if _, err := provider.Search(context.Background(), "anything"); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestNormalizeStripsHTML(t *testing.T) {
	chunks := Normalize([]Result{{
		URL:     "https://example.com/page",
		Content: "<html><body><h2>Guidance</h2><p>Margins expected to improve.</p></body></html>",
		Score:   0.5,
	}})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	content := chunks[0].Content
	if strings.Contains(content, "<") {
		t.Errorf("markup not stripped: %q", content)
	}
	if !strings.Contains(content, "Margins expected to improve.") {
		t.Errorf("text lost during normalization: %q", content)
	}
}

func TestNormalizeSameURLSameID(t *testing.T) {
	a := Normalize([]Result{{URL: "https://example.com/x", Content: "first snippet"}})
	b := Normalize([]Result{{URL: "https://example.com/x", Content: "second snippet"}})
	if a[0].DocumentID != b[0].DocumentID {
		t.Error("document id must be stable per URL")
	}
}
