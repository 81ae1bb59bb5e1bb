package document

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SourceChannel tells where a chunk came from.
type SourceChannel string

const (
	SourceLocal SourceChannel = "local"
	SourceWeb   SourceChannel = "web"
)

// Metadata carries the filing attributes attached to a page and used to narrow
// retrieval. Zero values mean "not constrained".
type Metadata struct {
	CompanyName   string `json:"company_name,omitempty"`
	DocType       string `json:"doc_type,omitempty"`
	FiscalYear    int    `json:"fiscal_year,omitempty"`
	FiscalQuarter string `json:"fiscal_quarter,omitempty"`
}

// Empty reports whether no filter attribute is set.
func (m Metadata) Empty() bool {
	return m.CompanyName == "" && m.DocType == "" && m.FiscalYear == 0 && m.FiscalQuarter == ""
}

// Chunk is one unit of retrievable evidence: a page of an ingested filing or a
// normalized web snippet.
type Chunk struct {
	DocumentID string        `json:"document_id"` // file hash for local pages, synthetic id for web results
	SourceFile string        `json:"source_file"` // original file name or result URL
	Page       int           `json:"page"`
	Content    string        `json:"content"`
	Metadata   Metadata      `json:"metadata,omitempty"`
	Source     SourceChannel `json:"source"`

	Embedding []float32 `json:"-"`

	// VectorScore and LexicalScore hold the per-channel relevance signals; the
	// retriever keeps the higher one when the same chunk surfaces in both pools.
	VectorScore  float32 `json:"vector_score,omitempty"`
	LexicalScore float32 `json:"lexical_score,omitempty"`

	ContentHash string `json:"content_hash"`
}

// Score returns the chunk's relevance signal: the higher of the two channels.
func (c Chunk) Score() float32 {
	if c.VectorScore >= c.LexicalScore {
		return c.VectorScore
	}
	return c.LexicalScore
}

// EnsureHash fills ContentHash from the chunk content when missing.
func (c *Chunk) EnsureHash() {
	if c.ContentHash == "" {
		c.ContentHash = HashContent(c.Content)
	}
}

// HashContent returns the stable content hash used for de-duplication.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}
