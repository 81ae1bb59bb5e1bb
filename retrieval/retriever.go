package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/finrag/finrag/document"
	"github.com/finrag/finrag/pkg/logging"
	"github.com/finrag/finrag/store"
	"github.com/finrag/finrag/vector"
)

// Retriever runs hybrid search over the filing corpus: a vector channel and a
// lexical channel fetch an over-sized candidate pool each, the pools are merged
// with content-hash de-duplication, and MMR selects the final top-k.
type Retriever struct {
	store    store.DocumentStore
	embedder vector.Embedder
	topK     int
	fetch    int // candidate pool multiplier per channel
	lambda   float32
	logger   *slog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithTopK sets how many chunks a search returns.
func WithTopK(k int) Option {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithFetchFactor sets the per-channel candidate pool multiplier.
func WithFetchFactor(f int) Option {
	return func(r *Retriever) {
		if f >= 1 {
			r.fetch = f
		}
	}
}

// WithMMRLambda sets the relevance/diversity trade-off for final selection.
func WithMMRLambda(lambda float32) Option {
	return func(r *Retriever) {
		if lambda > 0 && lambda <= 1 {
			r.lambda = lambda
		}
	}
}

// New creates a hybrid retriever over the given store and embedder.
func New(st store.DocumentStore, embedder vector.Embedder, opts ...Option) *Retriever {
	r := &Retriever{
		store:    st,
		embedder: embedder,
		topK:     5,
		fetch:    2,
		lambda:   0.7,
		logger:   logging.WithComponent("retrieval"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search returns up to k evidence chunks for the query; k below one falls back
// to the configured default. Keywords sharpen the lexical channel only; the
// vector channel always embeds the query as given. An empty result is not an
// error; it means the corpus has nothing matching.
func (r *Retriever) Search(ctx context.Context, query string, k int, keywords []string, filters document.Metadata) ([]document.Chunk, error) {
	if k <= 0 {
		k = r.topK
	}
	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	poolSize := k * r.fetch
	vectorPool, err := r.store.VectorSearch(ctx, embedding, poolSize, filters)
	if err != nil {
		return nil, fmt.Errorf("retrieval: vector channel: %w", err)
	}
	lexicalText := query
	if len(keywords) > 0 {
		lexicalText = query + " " + strings.Join(keywords, " ")
	}
	lexicalPool, err := r.store.LexicalSearch(ctx, lexicalText, poolSize, filters)
	if err != nil {
		return nil, fmt.Errorf("retrieval: lexical channel: %w", err)
	}

	merged := mergePools(vectorPool, lexicalPool)
	selected := SelectMMR(embedding, merged, k, r.lambda)

	r.logger.Debug("hybrid search complete",
		"query_len", len(query),
		"vector_pool", len(vectorPool),
		"lexical_pool", len(lexicalPool),
		"merged", len(merged),
		"selected", len(selected),
	)
	return selected, nil
}

// mergePools unions the two channels, de-duplicating by content hash. When the
// same chunk surfaces in both pools, its per-channel scores are combined on one
// record. The result is ordered by score descending with hash as tie-break, so
// downstream selection sees a stable candidate order.
func mergePools(vectorPool, lexicalPool []document.Chunk) []document.Chunk {
	byHash := make(map[string]int, len(vectorPool)+len(lexicalPool))
	merged := make([]document.Chunk, 0, len(vectorPool)+len(lexicalPool))

	absorb := func(chunk document.Chunk) {
		chunk.EnsureHash()
		if idx, ok := byHash[chunk.ContentHash]; ok {
			if chunk.VectorScore > merged[idx].VectorScore {
				merged[idx].VectorScore = chunk.VectorScore
			}
			if chunk.LexicalScore > merged[idx].LexicalScore {
				merged[idx].LexicalScore = chunk.LexicalScore
			}
			return
		}
		byHash[chunk.ContentHash] = len(merged)
		merged = append(merged, chunk)
	}
	for _, chunk := range vectorPool {
		absorb(chunk)
	}
	for _, chunk := range lexicalPool {
		absorb(chunk)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		si, sj := merged[i].Score(), merged[j].Score()
		if si != sj {
			return si > sj
		}
		return merged[i].ContentHash < merged[j].ContentHash
	})
	return merged
}
