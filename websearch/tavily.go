package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/finrag/finrag/document"
)

const defaultTavilyURL = "https://api.tavily.com/search"

// Provider runs one web search and returns normalized evidence chunks.
type Provider interface {
	Search(ctx context.Context, query string) ([]document.Chunk, error)
}

// TavilyConfig holds web search provider configuration.
type TavilyConfig struct {
	APIKey     string
	Endpoint   string
	MaxResults int
	Timeout    time.Duration
}

// Tavily implements Provider against the Tavily search API.
type Tavily struct {
	config TavilyConfig
	client *http.Client
}

var _ Provider = (*Tavily)(nil)

// NewTavily creates a web search provider.
func NewTavily(config TavilyConfig) *Tavily {
	if config.Endpoint == "" {
		config.Endpoint = defaultTavilyURL
	}
	if config.MaxResults <= 0 {
		config.MaxResults = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Tavily{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type tavilyRequest struct {
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type tavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

type tavilyResponse struct {
	Results []tavilyResult `json:"results"`
}

// Search implements Provider.
func (t *Tavily) Search(ctx context.Context, query string) ([]document.Chunk, error) {
	if t.config.APIKey == "" {
		return nil, fmt.Errorf("websearch: API key not configured")
	}

	reqBody, err := json.Marshal(tavilyRequest{
		Query:       query,
		SearchDepth: "advanced",
		MaxResults:  t.config.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("websearch: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.Endpoint, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("websearch: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("websearch: send request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("websearch: read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("websearch: API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var resp tavilyResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("websearch: unmarshal response: %w", err)
	}

	results := make([]Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Content: r.Content, Score: r.Score})
	}
	return Normalize(results), nil
}
