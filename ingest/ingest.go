package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/finrag/finrag/document"
	"github.com/finrag/finrag/pkg/logging"
	"github.com/finrag/finrag/store"
	"github.com/finrag/finrag/vector"
)

// Status of one file in an ingestion batch.
const (
	StatusIngested = "ingested"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// FileResult reports one file's outcome. A failed file never aborts its
// siblings.
type FileResult struct {
	File   string `json:"file"`
	Status string `json:"status"`
	Pages  int    `json:"pages,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Ingester turns PDF filings into embedded, metadata-tagged pages in the
// document store. One file's pages are chunked and stored sequentially; the
// batch fans out over a bounded worker pool.
type Ingester struct {
	store    store.DocumentStore
	embedder vector.Embedder
	workers  int
	logger   *slog.Logger
}

// New creates an ingester with the given worker pool size.
func New(st store.DocumentStore, embedder vector.Embedder, workers int) *Ingester {
	if workers < 1 {
		workers = 1
	}
	return &Ingester{
		store:    st,
		embedder: embedder,
		workers:  workers,
		logger:   logging.WithComponent("ingest"),
	}
}

// IngestFiles processes a batch of PDFs from disk. Results come back in input
// order regardless of worker completion order.
func (ing *Ingester) IngestFiles(ctx context.Context, paths []string) []FileResult {
	results := make([]FileResult, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.workers)
	for i, path := range paths {
		g.Go(func() error {
			results[i] = ing.ingestOne(gctx, path)
			return nil
		})
	}
	g.Wait()
	return results
}

func (ing *Ingester) ingestOne(ctx context.Context, path string) FileResult {
	name := fileName(path)
	result := FileResult{File: name}

	fileHash, err := hashFile(path)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result
	}

	exists, err := ing.store.HasFile(ctx, fileHash)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result
	}
	if exists {
		ing.logger.Info("file already ingested, skipping", "file", name)
		result.Status = StatusSkipped
		return result
	}

	pages, err := extractPages(path)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result
	}
	if len(pages) == 0 {
		result.Status = StatusFailed
		result.Error = "no extractable text"
		return result
	}

	meta := ParseFilename(name)
	chunks := make([]document.Chunk, len(pages))
	texts := make([]string, len(pages))
	for i, page := range pages {
		chunks[i] = document.Chunk{
			DocumentID: fileHash,
			SourceFile: name,
			Page:       page.number,
			Content:    page.text,
			Metadata:   meta,
			Source:     document.SourceLocal,
		}
		chunks[i].EnsureHash()
		texts[i] = page.text
	}

	embeddings, err := ing.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		result.Status = StatusFailed
		result.Error = fmt.Sprintf("embed pages: %v", err)
		return result
	}
	if len(embeddings) != len(chunks) {
		result.Status = StatusFailed
		result.Error = fmt.Sprintf("embedder returned %d embeddings for %d pages", len(embeddings), len(chunks))
		return result
	}
	for i := range chunks {
		chunks[i].Embedding = embeddings[i]
	}

	if err := ing.store.InsertPages(ctx, chunks); err != nil {
		result.Status = StatusFailed
		result.Error = fmt.Sprintf("store pages: %v", err)
		return result
	}

	ing.logger.Info("file ingested", "file", name, "pages", len(chunks), "metadata", meta)
	result.Status = StatusIngested
	result.Pages = len(chunks)
	return result
}

type pageText struct {
	number int
	text   string
}

// extractPages pulls plain text per page. Pages with no usable text are
// dropped; a document where every page fails is an extraction failure.
func extractPages(path string) ([]pageText, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var pages []pageText
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = cleanText(text)
		if text == "" {
			continue
		}
		pages = append(pages, pageText{number: i, text: text})
	}
	return pages, nil
}

var (
	spaceRun   = regexp.MustCompile(`[ \t]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

// cleanText normalizes extracted page text: control characters out, common
// OCR ligatures fixed, whitespace collapsed.
func cleanText(text string) string {
	b := strings.Map(func(r rune) rune {
		if r == '\n' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)

	for from, to := range map[string]string{"ﬁ": "fi", "ﬂ": "fl", "•": "-"} {
		b = strings.ReplaceAll(b, from, to)
	}
	b = spaceRun.ReplaceAllString(b, " ")
	b = newlineRun.ReplaceAllString(b, "\n\n")
	return strings.TrimSpace(b)
}

// hashFile returns the sha256 of the file contents; identical uploads are
// detected regardless of filename.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
