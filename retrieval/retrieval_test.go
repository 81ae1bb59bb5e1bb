package retrieval

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/finrag/finrag/document"
	"github.com/finrag/finrag/store"
)

// hashEmbedder maps known phrases to fixed unit vectors so tests control the
// geometry of the corpus.
type hashEmbedder struct {
	vectors map[string][]float32
}

func (e *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (e *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *hashEmbedder) Dimension() int { return 3 }
func (e *hashEmbedder) Model() string  { return "test-embed" }

func seedStore(t *testing.T, pages []document.Chunk) *store.InMemoryStore {
	t.Helper()
	st := store.NewInMemoryStore("test-embed")
	if err := st.InsertPages(context.Background(), pages); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return st
}

func page(file string, n int, content string, emb []float32) document.Chunk {
	return document.Chunk{
		DocumentID: "hash-" + file,
		SourceFile: file,
		Page:       n,
		Content:    content,
		Embedding:  emb,
	}
}

func TestSearchReturnsAtMostTopK(t *testing.T) {
	pages := make([]document.Chunk, 0, 12)
	for i := 0; i < 12; i++ {
		pages = append(pages, page("apple 10-K 2023.pdf", i+1,
			fmt.Sprintf("revenue figures section %d", i), []float32{1, float32(i) * 0.01, 0}))
	}
	st := seedStore(t, pages)
	r := New(st, &hashEmbedder{}, WithTopK(5))

	got, err := r.Search(context.Background(), "revenue", 0, nil, document.Metadata{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 results, got %d", len(got))
	}
}

func TestSearchPerRequestKOverridesDefault(t *testing.T) {
	pages := make([]document.Chunk, 0, 12)
	for i := 0; i < 12; i++ {
		pages = append(pages, page("apple 10-K 2023.pdf", i+1,
			fmt.Sprintf("revenue figures section %d", i), []float32{1, float32(i) * 0.01, 0}))
	}
	st := seedStore(t, pages)
	r := New(st, &hashEmbedder{}, WithTopK(5))

	got, err := r.Search(context.Background(), "revenue", 2, nil, document.Metadata{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected per-request k to win, got %d results", len(got))
	}
}

func TestSearchEmptyCorpus(t *testing.T) {
	st := store.NewInMemoryStore("test-embed")
	r := New(st, &hashEmbedder{})

	got, err := r.Search(context.Background(), "anything", 0, nil, document.Metadata{})
	if err != nil {
		t.Fatalf("search on empty corpus should not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no results, got %d", len(got))
	}
}

func TestSearchNoDuplicateHashes(t *testing.T) {
	// The same content reachable from both channels must appear once.
	pages := []document.Chunk{
		page("a.pdf", 1, "net income grew twelve percent", []float32{1, 0, 0}),
		page("a.pdf", 2, "operating margin held steady", []float32{0.9, 0.1, 0}),
		page("a.pdf", 3, "cash flow from operations", []float32{0.8, 0.2, 0}),
	}
	st := seedStore(t, pages)
	r := New(st, &hashEmbedder{}, WithTopK(3))

	got, err := r.Search(context.Background(), "net income", 0, []string{"net income", "operating income"}, document.Metadata{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	seen := make(map[string]bool)
	for _, chunk := range got {
		if seen[chunk.ContentHash] {
			t.Fatalf("duplicate content hash %s in results", chunk.ContentHash)
		}
		seen[chunk.ContentHash] = true
	}
}

func TestSearchDeterministic(t *testing.T) {
	pages := make([]document.Chunk, 0, 10)
	for i := 0; i < 10; i++ {
		pages = append(pages, page("b.pdf", i+1,
			fmt.Sprintf("segment results for quarter %d", i), []float32{1, 0, float32(i) * 0.02}))
	}
	st := seedStore(t, pages)
	r := New(st, &hashEmbedder{}, WithTopK(4))

	first, err := r.Search(context.Background(), "segment results", 0, nil, document.Metadata{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.Search(context.Background(), "segment results", 0, nil, document.Metadata{})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if !reflect.DeepEqual(chunkHashes(first), chunkHashes(again)) {
			t.Fatalf("run %d returned a different selection", i)
		}
	}
}

func TestSearchHonorsFilters(t *testing.T) {
	pages := []document.Chunk{
		{DocumentID: "f1", SourceFile: "apple 10-K 2023.pdf", Page: 1,
			Content:  "apple annual revenue was 383 billion",
			Metadata: document.Metadata{CompanyName: "apple", FiscalYear: 2023},
			Embedding: []float32{1, 0, 0}},
		{DocumentID: "f2", SourceFile: "tesla 10-K 2023.pdf", Page: 1,
			Content:  "tesla annual revenue was 97 billion",
			Metadata: document.Metadata{CompanyName: "tesla", FiscalYear: 2023},
			Embedding: []float32{1, 0, 0}},
	}
	st := seedStore(t, pages)
	r := New(st, &hashEmbedder{}, WithTopK(5))

	got, err := r.Search(context.Background(), "annual revenue", 0, nil,
		document.Metadata{CompanyName: "tesla"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 filtered result, got %d", len(got))
	}
	if got[0].Metadata.CompanyName != "tesla" {
		t.Fatalf("filter leaked: got company %q", got[0].Metadata.CompanyName)
	}
}

func TestMergePoolsKeepsHigherChannelScore(t *testing.T) {
	shared := document.Chunk{Content: "same page", VectorScore: 0.4}
	shared.EnsureHash()
	lexical := document.Chunk{Content: "same page", LexicalScore: 0.9}
	lexical.EnsureHash()

	merged := mergePools([]document.Chunk{shared}, []document.Chunk{lexical})
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged chunk, got %d", len(merged))
	}
	if merged[0].VectorScore != 0.4 || merged[0].LexicalScore != 0.9 {
		t.Fatalf("channel scores not combined: vector=%v lexical=%v",
			merged[0].VectorScore, merged[0].LexicalScore)
	}
	if merged[0].Score() != 0.9 {
		t.Fatalf("expected combined score 0.9, got %v", merged[0].Score())
	}
}

func TestSelectMMRPrefersDiversity(t *testing.T) {
	query := []float32{1, 0, 0}
	near1 := document.Chunk{Content: "duplicate view a", Embedding: []float32{1, 0.01, 0}}
	near2 := document.Chunk{Content: "duplicate view b", Embedding: []float32{1, 0.02, 0}}
	distinct := document.Chunk{Content: "a different angle", Embedding: []float32{0.3, 1, 0}}
	for _, c := range []*document.Chunk{&near1, &near2, &distinct} {
		c.EnsureHash()
	}

	got := SelectMMR(query, []document.Chunk{near1, near2, distinct}, 2, 0.5)
	if len(got) != 2 {
		t.Fatalf("expected 2 selections, got %d", len(got))
	}
	if got[0].ContentHash != near1.ContentHash {
		t.Fatalf("first pick should be the most relevant chunk")
	}
	if got[1].ContentHash != distinct.ContentHash {
		t.Fatalf("second pick should favor the diverse chunk, got %q", got[1].Content)
	}
}

func TestSelectMMRSmallPoolReturnsAll(t *testing.T) {
	a := document.Chunk{Content: "only one", Embedding: []float32{1, 0, 0}}
	a.EnsureHash()
	got := SelectMMR([]float32{1, 0, 0}, []document.Chunk{a}, 5, 0.7)
	if len(got) != 1 {
		t.Fatalf("expected the whole pool back, got %d", len(got))
	}
}

func chunkHashes(chunks []document.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ContentHash
	}
	return out
}
