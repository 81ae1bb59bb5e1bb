package websearch

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/finrag/finrag/document"
)

// Result is one raw hit returned by a search provider.
type Result struct {
	Title   string
	URL     string
	Content string
	Score   float32
}

// Normalize converts provider results into evidence chunks. Snippets that look
// like HTML are reduced to plain text; every chunk is tagged as web-sourced so
// answers can disclose the provenance.
func Normalize(results []Result) []document.Chunk {
	chunks := make([]document.Chunk, 0, len(results))
	for _, res := range results {
		content := strings.TrimSpace(res.Content)
		if strings.Contains(content, "<") && strings.Contains(content, ">") {
			if text, err := htmlToText(content); err == nil && text != "" {
				content = text
			}
		}
		if content == "" {
			continue
		}
		chunk := document.Chunk{
			DocumentID:  webDocumentID(res.URL),
			SourceFile:  res.URL,
			Content:     content,
			Source:      document.SourceWeb,
			VectorScore: res.Score,
		}
		chunk.EnsureHash()
		chunks = append(chunks, chunk)
	}
	return chunks
}

func webDocumentID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "web-" + hex.EncodeToString(sum[:8])
}

// htmlToText keeps headings, paragraphs and list items and drops markup.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	var out []string
	doc.Find("h1,h2,h3,p,li,td").Each(func(i int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text != "" {
			out = append(out, text)
		}
	})
	if len(out) == 0 {
		// No block elements matched; fall back to the stripped document text.
		return strings.TrimSpace(doc.Text()), nil
	}
	return strings.Join(out, "\n"), nil
}
