package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/errgroup"

	"github.com/finrag/finrag/document"
	"github.com/finrag/finrag/graph"
	"github.com/finrag/finrag/llm"
	"github.com/finrag/finrag/pkg/logging"
	"github.com/finrag/finrag/pkg/telemetry"
	"github.com/finrag/finrag/websearch"
)

// Searcher is the retrieval capability the orchestrator depends on. k bounds
// how many chunks one search returns; keywords boost the lexical channel only.
type Searcher interface {
	Search(ctx context.Context, query string, k int, keywords []string, filters document.Metadata) ([]document.Chunk, error)
}

// Node names of the control flow.
const (
	nodeScope     = "scope"
	nodeScopeGate = "scope_gate"
	nodeRefuse    = "refuse"
	nodePrepare   = "prepare"
	nodeResearch  = "research"
	nodeDraft     = "draft"
	nodeCritique  = "critique"
	nodeVerdict   = "verdict"
	nodeReflex    = "reflex"
	nodeFinish    = "finish"
)

// Orchestrator drives one query through scope gating, decomposition, the
// per-sub-query corrective retrieval loop, drafting, and the bounded reflexion
// loop.
type Orchestrator struct {
	llm      llm.Client
	searcher Searcher
	web      websearch.Provider

	defaultK          int
	maxSubQueries     int
	maxReflexion      int
	classifyTimeout   time.Duration
	searchTimeout     time.Duration
	generateTimeout   time.Duration
	promptTokenBudget int

	encoder *tiktoken.Tiktoken
	flow    *graph.Flow[*PipelineState]
	logger  *slog.Logger
}

// New wires an orchestrator around its collaborators.
func New(client llm.Client, searcher Searcher, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		llm:      client,
		searcher: searcher,

		defaultK:          5,
		maxSubQueries:     3,
		maxReflexion:      2,
		classifyTimeout:   20 * time.Second,
		searchTimeout:     15 * time.Second,
		generateTimeout:   120 * time.Second,
		promptTokenBudget: 6000,

		encoder: newTokenEncoder(),
		logger:  logging.WithComponent("pipeline"),
	}
	for _, opt := range opts {
		opt(o)
	}

	flow, err := o.buildFlow()
	if err != nil {
		return nil, err
	}
	o.flow = flow
	return o, nil
}

func (o *Orchestrator) buildFlow() (*graph.Flow[*PipelineState], error) {
	return graph.NewBuilder[*PipelineState]().
		Start(nodeScope, o.runScope, nodeScopeGate).
		Condition(nodeScopeGate, func(ctx context.Context, s *PipelineState) (string, error) {
			if s.Phase == PhaseOutOfScope {
				return "out", nil
			}
			return "in", nil
		}, map[string]string{"in": nodePrepare, "out": nodeRefuse}).
		End(nodeRefuse, o.runRefuse).
		Stage(nodePrepare, o.runPrepare, nodeResearch).
		Stage(nodeResearch, o.runResearch, nodeDraft).
		Stage(nodeDraft, o.runDraft, nodeCritique).
		Stage(nodeCritique, o.runCritique, nodeVerdict).
		Condition(nodeVerdict, func(ctx context.Context, s *PipelineState) (string, error) {
			if s.Critique.Complete || s.ReflexionIter >= o.maxReflexion {
				return "done", nil
			}
			return "more", nil
		}, map[string]string{"done": nodeFinish, "more": nodeReflex}).
		Stage(nodeReflex, o.runReflex, nodeDraft).
		End(nodeFinish, o.runFinish).
		MaxVisits(o.maxReflexion + 2).
		Build()
}

// Answer runs the full control loop for one query. k bounds retrieval breadth
// per sub-query; zero means the configured default.
func (o *Orchestrator) Answer(ctx context.Context, query, sessionID string, k int) (Answer, error) {
	if k <= 0 {
		k = o.defaultK
	}
	state := newPipelineState(query, sessionID, k)

	state, err := o.flow.Execute(ctx, state)
	if err != nil {
		return Answer{}, err
	}
	return state.Answer, nil
}

func (o *Orchestrator) runScope(ctx context.Context, s *PipelineState) (*PipelineState, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.scope")
	defer telemetry.End(span, nil)

	inScope, reason := o.classifyScope(ctx, s.Query)
	if inScope {
		s.Phase = PhaseScoped
	} else {
		s.Phase = PhaseOutOfScope
		s.ScopeError = reason
	}
	o.logger.Info("scope classified", "in_scope", inScope, "reason", reason)
	return s, nil
}

func (o *Orchestrator) runRefuse(ctx context.Context, s *PipelineState) (*PipelineState, error) {
	s.Answer = Answer{
		Text:       outOfScopeAnswer,
		OutOfScope: true,
		Reason:     s.ScopeError,
	}
	return s, nil
}

// runPrepare extracts metadata filters and ranking keywords concurrently and
// decomposes the query. All three degrade individually.
func (o *Orchestrator) runPrepare(ctx context.Context, s *PipelineState) (_ *PipelineState, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.prepare")
	defer func() { telemetry.End(span, err) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Filters = o.extractFilters(gctx, s.Query)
		return nil
	})
	g.Go(func() error {
		s.Keywords = o.generateKeywords(gctx, s.Query)
		return nil
	})
	var subs []SubQuery
	g.Go(func() error {
		subs = o.decompose(gctx, s.Query)
		return nil
	})
	if err := g.Wait(); err != nil {
		return s, err
	}
	if err := ctx.Err(); err != nil {
		return s, err
	}

	s.subqueries = make([]*subqueryState, len(subs))
	for i, sub := range subs {
		s.subqueries[i] = &subqueryState{sub: sub}
	}
	s.Phase = PhaseDecomposed
	o.logger.Info("query prepared",
		"sub_queries", len(subs),
		"filters", s.Filters,
		"keywords", len(s.Keywords),
	)
	return s, nil
}

// runResearch fans the corrective loop out over the sub-queries and merges
// evidence by ordinal index, so the merged order is deterministic regardless
// of completion order.
func (o *Orchestrator) runResearch(ctx context.Context, s *PipelineState) (_ *PipelineState, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.research")
	defer func() { telemetry.End(span, err) }()

	g, gctx := errgroup.WithContext(ctx)
	for _, sq := range s.subqueries {
		g.Go(func() error {
			return o.researchSubQuery(gctx, s, sq)
		})
	}
	if err := g.Wait(); err != nil {
		return s, err
	}

	for _, sq := range s.subqueries {
		s.addEvidence(sq.evidence)
	}
	s.Phase = PhaseEvidenceReady
	o.logger.Info("research complete", "evidence", len(s.Evidence()))
	return s, nil
}

// researchSubQuery runs retrieve, grade, one rewrite retry, and the web
// fallback for a single sub-query.
func (o *Orchestrator) researchSubQuery(ctx context.Context, s *PipelineState, sq *subqueryState) error {
	chunks, err := o.searchLocal(ctx, sq.sub.Text, s.K, s.Keywords, s.Filters)
	if err != nil {
		return err
	}
	if decision := o.grade(ctx, sq.sub.Text, chunks); decision.Relevant {
		sq.evidence = chunks
		return nil
	}

	// One rewrite attempt per sub-query, never more.
	sq.rewriteUsed = true
	sq.rewritten = o.rewrite(ctx, sq.sub.Text)
	chunks, err = o.searchLocal(ctx, sq.rewritten, s.K, s.Keywords, s.Filters)
	if err != nil {
		return err
	}
	if decision := o.grade(ctx, sq.rewritten, chunks); decision.Relevant {
		sq.evidence = chunks
		return nil
	}

	sq.evidence = chunks
	if o.web == nil {
		return nil
	}
	sq.webUsed = true
	webChunks, err := o.web.Search(ctx, sq.rewritten)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("web fallback failed, proceeding with local evidence", "error", err)
		return nil
	}
	sq.evidence = append(sq.evidence, webChunks...)
	return nil
}

// searchLocal retrieves with a per-call deadline. Timeouts degrade to an
// empty result; any other failure means the store or embedder is down.
func (o *Orchestrator) searchLocal(ctx context.Context, query string, k int, keywords []string, filters document.Metadata) ([]document.Chunk, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.searchTimeout)
	defer cancel()

	chunks, err := o.searcher.Search(callCtx, query, k, keywords, filters)
	if err == nil {
		return chunks, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		o.logger.Warn("retrieval timed out, degrading to empty result", "query", query)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

func (o *Orchestrator) runDraft(ctx context.Context, s *PipelineState) (_ *PipelineState, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.draft")
	defer func() { telemetry.End(span, err) }()

	s.Phase = PhaseDrafting
	var draft Draft
	if s.Draft.Text == "" {
		draft, err = o.draftAnswer(ctx, s)
	} else {
		draft, err = o.reviseAnswer(ctx, s)
	}
	if err != nil {
		return s, err
	}
	s.Draft = draft
	return s, nil
}

func (o *Orchestrator) runCritique(ctx context.Context, s *PipelineState) (*PipelineState, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.critique")
	defer telemetry.End(span, nil)

	s.Critique = o.critiqueDraft(ctx, s)
	s.Phase = PhaseCritiqued
	o.logger.Info("draft critiqued",
		"complete", s.Critique.Complete,
		"iteration", s.ReflexionIter,
	)
	return s, nil
}

// runReflex performs the single-shot follow-up retrieval: no grading, no
// rewrite, no web fallback.
func (o *Orchestrator) runReflex(ctx context.Context, s *PipelineState) (_ *PipelineState, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.reflex")
	defer func() { telemetry.End(span, err) }()

	chunks, err := o.searchLocal(ctx, s.Critique.FollowUp, s.K, s.Keywords, s.Filters)
	if err != nil {
		return s, err
	}
	s.addEvidence(chunks)
	s.ReflexionIter++
	o.logger.Info("reflexion retrieval done",
		"follow_up", s.Critique.FollowUp,
		"iteration", s.ReflexionIter,
	)
	return s, nil
}

func (o *Orchestrator) runFinish(ctx context.Context, s *PipelineState) (*PipelineState, error) {
	s.Phase = PhaseAnswered
	s.Answer = Answer{
		Text:       s.Draft.Text,
		Citations:  s.Draft.Citations,
		BestEffort: !s.Critique.Complete,
	}
	return s, nil
}
