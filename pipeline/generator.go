package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/finrag/finrag/document"
	"github.com/finrag/finrag/message"
)

var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

// draftAnswer produces the first draft from the full evidence set. Generator
// failures are fatal for the request.
func (o *Orchestrator) draftAnswer(ctx context.Context, state *PipelineState) (Draft, error) {
	evidence := o.budgetEvidence(state.Evidence())
	return o.generateDraft(ctx, state, evidence,
		message.System(draftSystemPrompt),
		message.User(draftUserPrompt(state.Query, evidence)),
	)
}

// reviseAnswer rewrites the prior draft against the enlarged evidence set.
func (o *Orchestrator) reviseAnswer(ctx context.Context, state *PipelineState) (Draft, error) {
	evidence := o.budgetEvidence(state.Evidence())
	return o.generateDraft(ctx, state, evidence,
		message.System(reviseSystemPrompt),
		message.User(reviseUserPrompt(state.Query, state.Draft.Text, evidence)),
	)
}

func (o *Orchestrator) generateDraft(ctx context.Context, state *PipelineState, evidence []document.Chunk, msgs ...*message.Message) (Draft, error) {
	ctx, cancel := context.WithTimeout(ctx, o.generateTimeout)
	defer cancel()

	text, err := o.llm.Generate(ctx, msgs)
	if err != nil {
		return Draft{}, fmt.Errorf("%w: %v", ErrAnswerGeneration, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = emptyAnswerFallback
	}
	return Draft{
		Text:      text,
		Citations: parseCitations(text, evidence),
		Iteration: state.ReflexionIter,
	}, nil
}

// parseCitations maps inline [n] markers back to the numbered evidence. A
// draft without recognizable markers cites the whole evidence set.
func parseCitations(text string, evidence []document.Chunk) []Citation {
	if len(evidence) == 0 {
		return nil
	}
	seen := make(map[int]struct{})
	var cited []Citation
	for _, match := range citationMarker.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || n < 1 || n > len(evidence) {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		cited = append(cited, citationFor(evidence[n-1]))
	}
	if len(cited) == 0 {
		for _, chunk := range evidence {
			cited = append(cited, citationFor(chunk))
		}
	}
	return cited
}

// budgetEvidence trims the evidence set from the tail until the rendered
// prompt fits the token budget. Evidence is insertion-ordered, so earlier
// sub-queries keep their chunks first.
func (o *Orchestrator) budgetEvidence(evidence []document.Chunk) []document.Chunk {
	if o.promptTokenBudget <= 0 || len(evidence) == 0 {
		return evidence
	}
	for len(evidence) > 1 {
		if o.countTokens(formatEvidence(evidence)) <= o.promptTokenBudget {
			break
		}
		evidence = evidence[:len(evidence)-1]
	}
	return evidence
}

func (o *Orchestrator) countTokens(text string) int {
	if o.encoder == nil {
		// Rough character-based estimate when no encoding is available.
		return len(text) / 4
	}
	return len(o.encoder.Encode(text, nil, nil))
}

func newTokenEncoder() *tiktoken.Tiktoken {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil
	}
	return enc
}
