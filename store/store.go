package store

import (
	"context"
	"errors"

	"github.com/finrag/finrag/document"
)

// ErrEmbeddingModelMismatch means the corpus was embedded with a different
// model than the one configured for query time. This is a configuration error
// and must never be silently degraded.
var ErrEmbeddingModelMismatch = errors.New("store: embedding model mismatch between ingestion and query time")

// DocumentStore is the read/write contract over the ingested filing corpus.
// Implementations must be safe for concurrent use.
type DocumentStore interface {
	// VectorSearch returns up to topN chunks ordered by embedding similarity,
	// optionally narrowed by metadata filters. VectorScore is populated.
	VectorSearch(ctx context.Context, embedding []float32, topN int, filters document.Metadata) ([]document.Chunk, error)

	// LexicalSearch returns up to topN chunks ranked by a TF-IDF family score
	// for the given text, optionally narrowed by filters. LexicalScore is
	// populated.
	LexicalSearch(ctx context.Context, text string, topN int, filters document.Metadata) ([]document.Chunk, error)

	// InsertPages stores the chunks of one ingested file. All pages of a file
	// are written in a single transaction.
	InsertPages(ctx context.Context, pages []document.Chunk) error

	// HasFile reports whether a file with the given content hash was ingested.
	HasFile(ctx context.Context, fileHash string) (bool, error)

	// VerifyEmbeddingModel fails with ErrEmbeddingModelMismatch when stored
	// vectors were produced by a different embedding model.
	VerifyEmbeddingModel(ctx context.Context) error

	// Ping probes backend liveness.
	Ping(ctx context.Context) error
}
