package pipeline

import (
	"time"

	"github.com/finrag/finrag/websearch"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWebSearch enables the web fallback after the corrective loop exhausts
// local retrieval.
func WithWebSearch(provider websearch.Provider) Option {
	return func(o *Orchestrator) { o.web = provider }
}

// WithDefaultTopK sets the retrieval breadth used when a request does not
// specify k.
func WithDefaultTopK(k int) Option {
	return func(o *Orchestrator) {
		if k > 0 {
			o.defaultK = k
		}
	}
}

// WithMaxSubQueries caps decomposition fan-out.
func WithMaxSubQueries(n int) Option {
	return func(o *Orchestrator) {
		if n >= 1 {
			o.maxSubQueries = n
		}
	}
}

// WithMaxReflexionRounds caps post-draft revision iterations.
func WithMaxReflexionRounds(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxReflexion = n
		}
	}
}

// WithTimeouts sets the per-call deadlines for classification-sized calls,
// retrieval, and answer generation.
func WithTimeouts(classify, search, generate time.Duration) Option {
	return func(o *Orchestrator) {
		if classify > 0 {
			o.classifyTimeout = classify
		}
		if search > 0 {
			o.searchTimeout = search
		}
		if generate > 0 {
			o.generateTimeout = generate
		}
	}
}

// WithPromptTokenBudget caps how many tokens of rendered evidence reach the
// generator. Zero disables trimming.
func WithPromptTokenBudget(n int) Option {
	return func(o *Orchestrator) { o.promptTokenBudget = n }
}
