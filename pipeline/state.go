package pipeline

import (
	"github.com/finrag/finrag/document"
)

// Phase tags where a request currently is in the control loop.
type Phase string

const (
	PhaseStart         Phase = "start"
	PhaseScoped        Phase = "scoped"
	PhaseDecomposed    Phase = "decomposed"
	PhaseEvidenceReady Phase = "evidence_ready"
	PhaseDrafting      Phase = "drafting"
	PhaseCritiqued     Phase = "critiqued"
	PhaseAnswered      Phase = "answered"
	PhaseOutOfScope    Phase = "out_of_scope"
)

// subqueryState tracks the corrective loop of one sub-query. rewriteUsed flips
// false to true exactly once and never resets within a request.
type subqueryState struct {
	sub         SubQuery
	rewriteUsed bool
	rewritten   string
	webUsed     bool
	evidence    []document.Chunk
}

// PipelineState owns everything about one request. It is created per query,
// mutated only by the orchestrator, and discarded after the response.
type PipelineState struct {
	Query     string
	SessionID string
	K         int

	Phase    Phase
	Filters  document.Metadata
	Keywords []string

	subqueries []*subqueryState

	// evidence accumulates de-duplicated chunks in insertion order.
	evidence       []document.Chunk
	evidenceHashes map[string]struct{}

	Draft         Draft
	Critique      Critique
	ReflexionIter int

	Answer     Answer
	ScopeError string
}

func newPipelineState(query, sessionID string, k int) *PipelineState {
	return &PipelineState{
		Query:          query,
		SessionID:      sessionID,
		K:              k,
		Phase:          PhaseStart,
		evidenceHashes: make(map[string]struct{}),
	}
}

// addEvidence appends chunks, skipping content hashes already present.
func (s *PipelineState) addEvidence(chunks []document.Chunk) {
	for _, chunk := range chunks {
		chunk.EnsureHash()
		if _, dup := s.evidenceHashes[chunk.ContentHash]; dup {
			continue
		}
		s.evidenceHashes[chunk.ContentHash] = struct{}{}
		s.evidence = append(s.evidence, chunk)
	}
}

// Evidence returns the accumulated evidence set in insertion order.
func (s *PipelineState) Evidence() []document.Chunk {
	return s.evidence
}
