package store

import (
	"context"
	"sort"
	"sync"

	"github.com/finrag/finrag/document"
	"github.com/finrag/finrag/vector"
)

// InMemoryStore keeps the corpus in process memory. It backs tests and small
// deployments; search results are fully deterministic.
type InMemoryStore struct {
	mu          sync.RWMutex
	chunks      []document.Chunk
	byHash      map[string]int
	fileHashes  map[string]struct{}
	keyword     *bm25Index
	embedModel  string
	storedModel string
}

var _ DocumentStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store bound to the given embedding model.
func NewInMemoryStore(embedModel string) *InMemoryStore {
	return &InMemoryStore{
		byHash:     make(map[string]int),
		fileHashes: make(map[string]struct{}),
		keyword:    newBM25(),
		embedModel: embedModel,
	}
}

// VectorSearch implements DocumentStore.
func (s *InMemoryStore) VectorSearch(ctx context.Context, embedding []float32, topN int, filters document.Metadata) ([]document.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		chunk document.Chunk
		score float32
	}
	candidates := make([]scored, 0, len(s.chunks))
	for _, chunk := range s.chunks {
		if !matchesFilters(chunk, filters) {
			continue
		}
		candidates = append(candidates, scored{
			chunk: chunk,
			score: vector.CosineSimilarity(embedding, chunk.Embedding),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].chunk.ContentHash < candidates[j].chunk.ContentHash
	})
	if topN > 0 && len(candidates) > topN {
		candidates = candidates[:topN]
	}

	out := make([]document.Chunk, 0, len(candidates))
	for _, c := range candidates {
		chunk := c.chunk
		chunk.VectorScore = c.score
		out = append(out, chunk)
	}
	return out, nil
}

// LexicalSearch implements DocumentStore.
func (s *InMemoryStore) LexicalSearch(ctx context.Context, text string, topN int, filters document.Metadata) ([]document.Chunk, error) {
	hits := s.keyword.search(text, 0)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]document.Chunk, 0, topN)
	for _, hit := range hits {
		idx, ok := s.byHash[hit.ID]
		if !ok {
			continue
		}
		chunk := s.chunks[idx]
		if !matchesFilters(chunk, filters) {
			continue
		}
		chunk.LexicalScore = hit.Score
		out = append(out, chunk)
		if topN > 0 && len(out) == topN {
			break
		}
	}
	return out, nil
}

// InsertPages implements DocumentStore.
func (s *InMemoryStore) InsertPages(ctx context.Context, pages []document.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, page := range pages {
		page.EnsureHash()
		page.Source = document.SourceLocal
		if _, exists := s.byHash[page.ContentHash]; exists {
			continue
		}
		s.byHash[page.ContentHash] = len(s.chunks)
		s.chunks = append(s.chunks, page)
		s.fileHashes[page.DocumentID] = struct{}{}
		s.keyword.add(page.ContentHash, page.Content)
	}
	if s.storedModel == "" {
		s.storedModel = s.embedModel
	}
	return nil
}

// HasFile implements DocumentStore.
func (s *InMemoryStore) HasFile(ctx context.Context, fileHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.fileHashes[fileHash]
	return ok, nil
}

// VerifyEmbeddingModel implements DocumentStore.
func (s *InMemoryStore) VerifyEmbeddingModel(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.storedModel != "" && s.storedModel != s.embedModel {
		return ErrEmbeddingModelMismatch
	}
	return nil
}

// Ping implements DocumentStore.
func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }

// SetStoredModel marks the corpus as embedded by a different model; used to
// exercise the version-mismatch path in tests.
func (s *InMemoryStore) SetStoredModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storedModel = model
}

func matchesFilters(chunk document.Chunk, filters document.Metadata) bool {
	if filters.CompanyName != "" && chunk.Metadata.CompanyName != filters.CompanyName {
		return false
	}
	if filters.DocType != "" && chunk.Metadata.DocType != filters.DocType {
		return false
	}
	if filters.FiscalYear != 0 && chunk.Metadata.FiscalYear != filters.FiscalYear {
		return false
	}
	if filters.FiscalQuarter != "" && chunk.Metadata.FiscalQuarter != filters.FiscalQuarter {
		return false
	}
	return true
}
