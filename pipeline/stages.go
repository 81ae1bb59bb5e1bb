package pipeline

import (
	"context"
	"strings"

	"github.com/finrag/finrag/document"
	"github.com/finrag/finrag/message"
)

// classifyScope gates the pipeline. Classification failures fail open: a
// transient classifier fault must not silently drop valid queries.
func (o *Orchestrator) classifyScope(ctx context.Context, query string) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, o.classifyTimeout)
	defer cancel()

	raw, err := o.llm.Generate(ctx, []*message.Message{message.User(scopePrompt(query))})
	if err != nil {
		o.logger.Warn("scope classification failed, allowing query", "error", err)
		return true, "fallback_allow"
	}

	verdict, err := decodeJSON[struct {
		InScope bool   `json:"in_scope"`
		Reason  string `json:"reason"`
	}](raw)
	if err != nil {
		o.logger.Warn("scope verdict unparseable, allowing query", "error", err)
		return true, "fallback_allow"
	}
	return verdict.InScope, verdict.Reason
}

// extractFilters pulls metadata constraints out of the query. Any failure
// degrades to unconstrained retrieval.
func (o *Orchestrator) extractFilters(ctx context.Context, query string) document.Metadata {
	ctx, cancel := context.WithTimeout(ctx, o.classifyTimeout)
	defer cancel()

	raw, err := o.llm.Generate(ctx, []*message.Message{message.User(filtersPrompt(query))})
	if err != nil {
		o.logger.Warn("filter extraction failed", "error", err)
		return document.Metadata{}
	}
	filters, err := decodeJSON[document.Metadata](raw)
	if err != nil {
		o.logger.Warn("filter extraction unparseable", "error", err)
		return document.Metadata{}
	}
	filters.CompanyName = strings.ToLower(strings.TrimSpace(filters.CompanyName))
	filters.DocType = strings.ToLower(strings.TrimSpace(filters.DocType))
	filters.FiscalQuarter = strings.ToLower(strings.TrimSpace(filters.FiscalQuarter))
	return filters
}

// generateKeywords asks for SEC reporting phrases that sharpen lexical
// ranking. Failures degrade to no extra keywords.
func (o *Orchestrator) generateKeywords(ctx context.Context, query string) []string {
	ctx, cancel := context.WithTimeout(ctx, o.classifyTimeout)
	defer cancel()

	raw, err := o.llm.Generate(ctx, []*message.Message{message.User(keywordsPrompt(query))})
	if err != nil {
		o.logger.Warn("keyword generation failed", "error", err)
		return nil
	}
	parsed, err := decodeJSON[struct {
		Keywords []string `json:"keywords"`
	}](raw)
	if err != nil {
		o.logger.Warn("keyword generation unparseable", "error", err)
		return nil
	}
	return parsed.Keywords
}

// decompose splits the query into at most maxSubQueries focused sub-queries.
// A single sub-query must be the original query verbatim, and any failure
// degrades to exactly that.
func (o *Orchestrator) decompose(ctx context.Context, query string) []SubQuery {
	verbatim := []SubQuery{{Index: 0, Text: query}}

	ctx, cancel := context.WithTimeout(ctx, o.classifyTimeout)
	defer cancel()

	raw, err := o.llm.Generate(ctx, []*message.Message{
		message.System(decomposeSystemPrompt),
		message.User("Исходный запрос: " + query),
	})
	if err != nil {
		o.logger.Warn("decomposition failed, using original query", "error", err)
		return verbatim
	}
	parsed, err := decodeJSON[struct {
		SearchQueries []string `json:"search_queries"`
	}](raw)
	if err != nil {
		o.logger.Warn("decomposition unparseable, using original query", "error", err)
		return verbatim
	}

	texts := make([]string, 0, o.maxSubQueries)
	for _, q := range parsed.SearchQueries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		texts = append(texts, q)
		if len(texts) == o.maxSubQueries {
			break
		}
	}
	if len(texts) <= 1 {
		return verbatim
	}
	subs := make([]SubQuery, len(texts))
	for i, text := range texts {
		subs[i] = SubQuery{Index: i, Text: text}
	}
	return subs
}

// grade judges one sub-query's evidence. Empty evidence is never relevant;
// a grading failure degrades to NotRelevant so the corrective loop engages.
func (o *Orchestrator) grade(ctx context.Context, query string, chunks []document.Chunk) GradeDecision {
	if len(chunks) == 0 {
		return GradeDecision{Relevant: false, Rationale: "no documents retrieved"}
	}

	ctx, cancel := context.WithTimeout(ctx, o.classifyTimeout)
	defer cancel()

	raw, err := o.llm.Generate(ctx, []*message.Message{message.User(gradePrompt(query, chunks))})
	if err != nil {
		o.logger.Warn("grading failed, treating evidence as not relevant", "error", err)
		return GradeDecision{Relevant: false, Rationale: "grading unavailable"}
	}
	decision, err := decodeJSON[GradeDecision](raw)
	if err != nil {
		o.logger.Warn("grade verdict unparseable, treating evidence as not relevant", "error", err)
		return GradeDecision{Relevant: false, Rationale: "grading unparseable"}
	}
	return decision
}

// rewrite produces one alternative phrasing. Failures fall back to the
// original text so retrieval is retried as-is.
func (o *Orchestrator) rewrite(ctx context.Context, query string) string {
	ctx, cancel := context.WithTimeout(ctx, o.classifyTimeout)
	defer cancel()

	raw, err := o.llm.Generate(ctx, []*message.Message{message.User(rewritePrompt(query))})
	if err != nil {
		o.logger.Warn("rewrite failed, retrying original query", "error", err)
		return query
	}
	parsed, err := decodeJSON[struct {
		RewrittenQuery string `json:"rewritten_query"`
	}](raw)
	if err != nil || strings.TrimSpace(parsed.RewrittenQuery) == "" {
		return query
	}
	return strings.TrimSpace(parsed.RewrittenQuery)
}
