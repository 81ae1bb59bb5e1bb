package mcp

import (
	"context"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/finrag/finrag/history"
	"github.com/finrag/finrag/pipeline"
)

// QueryService answers one query end to end; implemented by the pipeline
// orchestrator.
type QueryService interface {
	Answer(ctx context.Context, query, sessionID string, k int) (pipeline.Answer, error)
}

// NewServer exposes the query pipeline as MCP tools so agent hosts can use
// the filing corpus directly. The history store may be nil.
func NewServer(queries QueryService, hist history.Store, version string) *sdkmcp.Server {
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "finrag",
		Version: version,
		Title:   "SEC filing question answering",
	}, nil)

	addQueryTool(server, queries)
	addHistoryTool(server, hist)
	return server
}

func addQueryTool(server *sdkmcp.Server, queries QueryService) {
	type args struct {
		Query string `json:"query" jsonschema:"Natural-language question about SEC filings (10-K/10-Q/8-K)"`
		K     int    `json:"k,omitempty" jsonschema:"Optional retrieval breadth per sub-query"`
	}

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "query_filings",
		Description: "Answer a question about ingested SEC filings with citations; answers are in Russian",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, a args) (*sdkmcp.CallToolResult, any, error) {
		query := strings.TrimSpace(a.Query)
		if query == "" {
			return nil, nil, fmt.Errorf("query is required")
		}

		answer, err := queries.Answer(ctx, query, "mcp", a.K)
		if err != nil {
			return nil, nil, fmt.Errorf("answer query: %w", err)
		}

		return &sdkmcp.CallToolResult{
			Content: []sdkmcp.Content{
				&sdkmcp.TextContent{Text: renderAnswer(answer)},
			},
		}, answer, nil
	})
}

func addHistoryTool(server *sdkmcp.Server, hist history.Store) {
	type args struct {
		SessionID string `json:"session_id,omitempty" jsonschema:"Optional session to filter by"`
		Limit     int    `json:"limit,omitempty" jsonschema:"Maximum entries to return, defaults to 10"`
	}

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_query_history",
		Description: "List recently answered queries",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, a args) (*sdkmcp.CallToolResult, any, error) {
		if hist == nil {
			return &sdkmcp.CallToolResult{
				Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: "query history is disabled"}},
			}, nil, nil
		}
		limit := a.Limit
		if limit <= 0 {
			limit = 10
		}
		entries, err := hist.Recent(ctx, a.SessionID, limit)
		if err != nil {
			return nil, nil, fmt.Errorf("load history: %w", err)
		}

		var b strings.Builder
		for _, entry := range entries {
			fmt.Fprintf(&b, "[%s] %s\n", entry.CreatedAt.Format("2006-01-02 15:04"), entry.Query)
		}
		if b.Len() == 0 {
			b.WriteString("no recorded queries")
		}
		return &sdkmcp.CallToolResult{
			Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: b.String()}},
		}, entries, nil
	})
}

func renderAnswer(answer pipeline.Answer) string {
	var b strings.Builder
	b.WriteString(answer.Text)
	if len(answer.Citations) > 0 {
		b.WriteString("\n\nИсточники:\n")
		for i, c := range answer.Citations {
			if c.Page > 0 {
				fmt.Fprintf(&b, "[%d] %s, стр. %d\n", i+1, c.SourceFile, c.Page)
			} else {
				fmt.Fprintf(&b, "[%d] %s\n", i+1, c.SourceFile)
			}
		}
	}
	if answer.BestEffort {
		b.WriteString("\n(ответ сформирован с ограниченной полнотой данных)")
	}
	return b.String()
}

// Run serves the MCP server over stdio until the context is canceled.
func Run(ctx context.Context, server *sdkmcp.Server) error {
	return server.Run(ctx, &sdkmcp.StdioTransport{})
}
