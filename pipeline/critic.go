package pipeline

import (
	"context"
	"strings"

	"github.com/finrag/finrag/message"
)

// critiqueDraft self-evaluates the draft. Critique failures degrade to
// Complete so a flaky critic never loops the pipeline.
func (o *Orchestrator) critiqueDraft(ctx context.Context, state *PipelineState) Critique {
	ctx, cancel := context.WithTimeout(ctx, o.classifyTimeout)
	defer cancel()

	raw, err := o.llm.Generate(ctx, []*message.Message{
		message.System(critiqueSystemPrompt),
		message.User(critiqueUserPrompt(state.Query, state.Draft.Text)),
	})
	if err != nil {
		o.logger.Warn("critique failed, accepting draft", "error", err)
		return Critique{Complete: true}
	}
	critique, err := decodeJSON[Critique](raw)
	if err != nil {
		o.logger.Warn("critique unparseable, accepting draft", "error", err)
		return Critique{Complete: true}
	}
	critique.FollowUp = strings.TrimSpace(critique.FollowUp)
	if !critique.Complete && critique.FollowUp == "" {
		// An incomplete verdict without a follow-up query cannot drive another
		// retrieval round.
		critique.Complete = true
	}
	return critique
}
