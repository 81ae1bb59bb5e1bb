package pipeline

import "github.com/finrag/finrag/document"

// SubQuery is one independently answerable piece of the user query.
type SubQuery struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// GradeDecision is the relevance verdict for one sub-query's evidence.
type GradeDecision struct {
	Relevant  bool   `json:"is_relevant"`
	Rationale string `json:"reasoning"`
}

// Critique is the self-evaluation of a draft. A complete draft terminates the
// request; an incomplete one may carry a follow-up query for one more
// retrieval round.
type Critique struct {
	Complete bool   `json:"is_complete"`
	Missing  string `json:"missing"`
	FollowUp string `json:"follow_up_query"`
}

// Draft is a candidate answer before the critic has accepted it.
type Draft struct {
	Text      string
	Citations []Citation
	Iteration int
}

// Citation points at one evidence chunk the answer relied on.
type Citation struct {
	DocumentID string                 `json:"document_id"`
	SourceFile string                 `json:"source_file"`
	Page       int                    `json:"page,omitempty"`
	Source     document.SourceChannel `json:"source"`
	Score      float32                `json:"score"`
}

// Answer is the final response for one query.
type Answer struct {
	Text       string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	BestEffort bool       `json:"best_effort"`
	OutOfScope bool       `json:"out_of_scope,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

func citationFor(chunk document.Chunk) Citation {
	return Citation{
		DocumentID: chunk.DocumentID,
		SourceFile: chunk.SourceFile,
		Page:       chunk.Page,
		Source:     chunk.Source,
		Score:      chunk.Score(),
	}
}
