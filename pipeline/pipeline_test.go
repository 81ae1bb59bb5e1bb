package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/finrag/finrag/document"
	"github.com/finrag/finrag/message"
)

// fakeLLM answers each stage by recognizing its prompt and consuming scripted
// verdicts. Safe for the orchestrator's concurrent calls.
type fakeLLM struct {
	mu sync.Mutex

	inScope       bool
	subQueries    []string
	gradeVerdicts []bool
	critiques     []string
	draftText     string

	calls map[string]int
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		inScope:   true,
		draftText: "Выручка составила 100 млрд долларов [1]",
		calls:     make(map[string]int),
	}
}

func (f *fakeLLM) Generate(ctx context.Context, msgs []*message.Message) (string, error) {
	var system, user string
	for _, msg := range msgs {
		switch msg.Role {
		case message.RoleSystem:
			system += msg.Content
		default:
			user += msg.Content
		}
	}
	stage := stageOf(system, user)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[stage]++

	switch stage {
	case "scope":
		return fmt.Sprintf(`{"in_scope": %t, "reason": "scripted"}`, f.inScope), nil
	case "filters":
		return `{}`, nil
	case "keywords":
		return `{"keywords": ["revenue", "net revenue", "total revenue", "net sales", "operating income"]}`, nil
	case "decompose":
		if len(f.subQueries) == 0 {
			return `{"search_queries": []}`, nil
		}
		quoted := make([]string, len(f.subQueries))
		for i, q := range f.subQueries {
			quoted[i] = fmt.Sprintf("%q", q)
		}
		return fmt.Sprintf(`{"search_queries": [%s]}`, strings.Join(quoted, ",")), nil
	case "grade":
		verdict := true
		if len(f.gradeVerdicts) > 0 {
			verdict = f.gradeVerdicts[0]
			f.gradeVerdicts = f.gradeVerdicts[1:]
		}
		return fmt.Sprintf(`{"is_relevant": %t, "reasoning": "scripted"}`, verdict), nil
	case "rewrite":
		return `{"rewritten_query": "уточнённый запрос"}`, nil
	case "critique":
		if len(f.critiques) > 0 {
			next := f.critiques[0]
			f.critiques = f.critiques[1:]
			return next, nil
		}
		return `{"is_complete": true, "missing": "", "follow_up_query": ""}`, nil
	case "draft", "revise":
		return f.draftText, nil
	}
	return "", fmt.Errorf("unrecognized prompt: %q", user)
}

// stageOf recognizes which pipeline stage produced the prompt.
func stageOf(system, user string) string {
	switch {
	case strings.Contains(user, "Определи, относится ли запрос"):
		return "scope"
	case strings.Contains(user, "Извлеки метаданные"):
		return "filters"
	case strings.Contains(user, "РОВНО 5 финансовых"):
		return "keywords"
	case strings.Contains(system, "редактор запросов"):
		return "decompose"
	case strings.Contains(user, "document relevance grader"):
		return "grade"
	case strings.Contains(user, "query rewriting expert"):
		return "rewrite"
	case strings.Contains(system, "проверяющий полноту"):
		return "critique"
	case strings.Contains(system, "Перепиши ответ"):
		return "revise"
	case strings.Contains(system, "финансовый аналитик"):
		return "draft"
	}
	return "unknown"
}

func (f *fakeLLM) count(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]document.Chunk
	queries []string
	delay   map[string]time.Duration
}

func (s *fakeSearcher) Search(ctx context.Context, query string, k int, keywords []string, filters document.Metadata) ([]document.Chunk, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	d := s.delay[query]
	s.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[query], nil
}

func (s *fakeSearcher) searchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

type fakeWeb struct {
	mu     sync.Mutex
	chunks []document.Chunk
	calls  int
	err    error
}

func (w *fakeWeb) Search(ctx context.Context, query string) ([]document.Chunk, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return w.chunks, w.err
}

func localChunk(file string, page int, content string) document.Chunk {
	c := document.Chunk{
		DocumentID:  "hash-" + file,
		SourceFile:  file,
		Page:        page,
		Content:     content,
		Source:      document.SourceLocal,
		VectorScore: 0.9,
	}
	c.EnsureHash()
	return c
}

func webChunk(url, content string) document.Chunk {
	c := document.Chunk{
		DocumentID: "web-abc",
		SourceFile: url,
		Content:    content,
		Source:     document.SourceWeb,
	}
	c.EnsureHash()
	return c
}

func newOrchestrator(t *testing.T, llmStub *fakeLLM, searcher *fakeSearcher, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(llmStub, searcher, opts...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestRelevantEvidenceSkipsCorrectiveLoop(t *testing.T) {
	// Scenario: relevant evidence on the first retrieval means no rewrite and
	// no web search.
	query := "Какая была выручка у Google в 2025 году?"
	chunk := localChunk("google 10-K 2025.pdf", 12, "Google revenue in 2025 was 400 billion dollars")

	llmStub := newFakeLLM()
	llmStub.gradeVerdicts = []bool{true}
	searcher := &fakeSearcher{results: map[string][]document.Chunk{query: {chunk}}}
	web := &fakeWeb{}
	o := newOrchestrator(t, llmStub, searcher, WithWebSearch(web))

	answer, err := o.Answer(context.Background(), query, "s1", 5)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}

	if searcher.searchCount() != 1 {
		t.Errorf("expected 1 retrieval, got %d", searcher.searchCount())
	}
	if llmStub.count("rewrite") != 0 {
		t.Errorf("rewrite must not run, got %d calls", llmStub.count("rewrite"))
	}
	if web.calls != 0 {
		t.Errorf("web fallback must not run, got %d calls", web.calls)
	}
	if answer.BestEffort {
		t.Error("answer should not be best-effort")
	}
	if len(answer.Citations) == 0 || answer.Citations[0].SourceFile != chunk.SourceFile {
		t.Fatalf("expected citation to the retrieved chunk, got %+v", answer.Citations)
	}
}

func TestCorrectiveLoopFallsBackToWeb(t *testing.T) {
	// Scenario: local retrieval graded not relevant twice triggers exactly one
	// rewrite and exactly one web search; the answer cites web evidence.
	query := "Какая была выручка у Google в 2025 году?"
	llmStub := newFakeLLM()
	llmStub.gradeVerdicts = []bool{false, false}
	searcher := &fakeSearcher{results: map[string][]document.Chunk{}}
	web := &fakeWeb{chunks: []document.Chunk{webChunk("https://example.com/alphabet-2025", "Alphabet reported 400B revenue for 2025")}}
	o := newOrchestrator(t, llmStub, searcher, WithWebSearch(web))

	answer, err := o.Answer(context.Background(), query, "s1", 5)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}

	if got := llmStub.count("rewrite"); got != 1 {
		t.Errorf("expected exactly 1 rewrite, got %d", got)
	}
	if searcher.searchCount() != 2 {
		t.Errorf("expected 2 local retrievals (original + rewritten), got %d", searcher.searchCount())
	}
	if web.calls != 1 {
		t.Errorf("expected exactly 1 web search, got %d", web.calls)
	}
	if len(answer.Citations) == 0 || answer.Citations[0].Source != document.SourceWeb {
		t.Fatalf("expected a web-sourced citation, got %+v", answer.Citations)
	}
}

func TestWebFailureDegradesToLocalEvidence(t *testing.T) {
	query := "Выручка Google"
	chunk := localChunk("google 10-K 2025.pdf", 3, "partial data")

	llmStub := newFakeLLM()
	llmStub.gradeVerdicts = []bool{false, false}
	searcher := &fakeSearcher{results: map[string][]document.Chunk{
		"уточнённый запрос": {chunk},
	}}
	web := &fakeWeb{err: fmt.Errorf("provider unreachable")}
	o := newOrchestrator(t, llmStub, searcher, WithWebSearch(web))

	answer, err := o.Answer(context.Background(), query, "s1", 5)
	if err != nil {
		t.Fatalf("web failure must not fail the request: %v", err)
	}
	if answer.Text == "" {
		t.Error("expected an answer from local evidence")
	}
}

func TestReflexionLoopCapsAtTwoIterations(t *testing.T) {
	// Scenario: the critic demands more twice; exactly two reflexion
	// retrievals happen and the final answer is flagged best-effort.
	query := "Сравни выручку Google и Amazon"
	chunk := localChunk("google 10-K 2025.pdf", 1, "google revenue data")

	llmStub := newFakeLLM()
	llmStub.gradeVerdicts = []bool{true}
	llmStub.critiques = []string{
		`{"is_complete": false, "missing": "amazon data", "follow_up_query": "Amazon revenue 2025"}`,
		`{"is_complete": false, "missing": "amazon q4", "follow_up_query": "Amazon Q4 revenue"}`,
		`{"is_complete": false, "missing": "still more", "follow_up_query": "more data"}`,
	}
	searcher := &fakeSearcher{results: map[string][]document.Chunk{query: {chunk}}}
	o := newOrchestrator(t, llmStub, searcher)

	answer, err := o.Answer(context.Background(), query, "s1", 5)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}

	// initial retrieval + two follow-ups, never a third
	if searcher.searchCount() != 3 {
		t.Errorf("expected 3 retrievals, got %d (%v)", searcher.searchCount(), searcher.queries)
	}
	drafts := llmStub.count("draft") + llmStub.count("revise")
	if drafts != 3 {
		t.Errorf("expected 3 drafts (initial + 2 revisions), got %d", drafts)
	}
	if llmStub.count("critique") != 3 {
		t.Errorf("expected 3 critiques, got %d", llmStub.count("critique"))
	}
	if !answer.BestEffort {
		t.Error("capped reflexion must flag the answer best-effort")
	}
}

func TestOutOfScopeShortCircuits(t *testing.T) {
	llmStub := newFakeLLM()
	llmStub.inScope = false
	searcher := &fakeSearcher{}
	web := &fakeWeb{}
	o := newOrchestrator(t, llmStub, searcher, WithWebSearch(web))

	answer, err := o.Answer(context.Background(), "Погода в Москве", "s1", 5)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !answer.OutOfScope {
		t.Fatal("expected out-of-scope refusal")
	}
	if searcher.searchCount() != 0 {
		t.Errorf("no retrieval may happen for out-of-scope queries, got %d", searcher.searchCount())
	}
	for _, stage := range []string{"decompose", "grade", "draft", "revise"} {
		if got := llmStub.count(stage); got != 0 {
			t.Errorf("stage %s must not run for out-of-scope queries, got %d calls", stage, got)
		}
	}
	if web.calls != 0 {
		t.Errorf("web search must not run, got %d calls", web.calls)
	}
}

func TestEvidenceMergesByOrdinalIndex(t *testing.T) {
	// Sub-query 0 finishes last; the merged evidence must still lead with its
	// chunks.
	query := "Сравни выручку Google и Amazon в 2025"
	sub0 := "Google revenue 2025"
	sub1 := "Amazon revenue 2025"
	chunk0 := localChunk("google 10-K 2025.pdf", 1, "google revenue 400B")
	chunk1 := localChunk("amazon 10-K 2025.pdf", 1, "amazon revenue 600B")

	llmStub := newFakeLLM()
	llmStub.subQueries = []string{sub0, sub1}
	llmStub.gradeVerdicts = []bool{true, true}
	llmStub.draftText = "Сводка без маркеров"
	searcher := &fakeSearcher{
		results: map[string][]document.Chunk{sub0: {chunk0}, sub1: {chunk1}},
		delay:   map[string]time.Duration{sub0: 50 * time.Millisecond},
	}
	o := newOrchestrator(t, llmStub, searcher)

	answer, err := o.Answer(context.Background(), query, "s1", 5)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(answer.Citations) != 2 {
		t.Fatalf("expected 2 citations, got %d", len(answer.Citations))
	}
	if answer.Citations[0].SourceFile != chunk0.SourceFile {
		t.Errorf("evidence must merge by ordinal, got %q first", answer.Citations[0].SourceFile)
	}
	if answer.Citations[1].SourceFile != chunk1.SourceFile {
		t.Errorf("evidence must merge by ordinal, got %q second", answer.Citations[1].SourceFile)
	}
}

func TestCancellationPropagates(t *testing.T) {
	query := "Выручка Google"
	llmStub := newFakeLLM()
	llmStub.gradeVerdicts = []bool{true}
	searcher := &fakeSearcher{
		results: map[string][]document.Chunk{},
		delay:   map[string]time.Duration{query: time.Second},
	}
	o := newOrchestrator(t, llmStub, searcher)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := o.Answer(ctx, query, "s1", 5)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancellation did not tear down in-flight retrieval promptly")
	}
}

func TestPipelineStagesOpenSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	query := "Какая была выручка у Google в 2025 году?"
	chunk := localChunk("google 10-K 2025.pdf", 12, "Google revenue in 2025 was 400 billion dollars")
	llmStub := newFakeLLM()
	llmStub.gradeVerdicts = []bool{true}
	searcher := &fakeSearcher{results: map[string][]document.Chunk{query: {chunk}}}
	o := newOrchestrator(t, llmStub, searcher)

	if _, err := o.Answer(context.Background(), query, "s1", 5); err != nil {
		t.Fatalf("answer: %v", err)
	}

	seen := make(map[string]bool)
	for _, span := range exporter.GetSpans() {
		seen[span.Name] = true
	}
	for _, want := range []string{"pipeline.scope", "pipeline.prepare", "pipeline.research", "pipeline.draft", "pipeline.critique"} {
		if !seen[want] {
			t.Errorf("expected a %s span, recorded: %v", want, keysOf(seen))
		}
	}
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestDecodeJSONToleratesFences(t *testing.T) {
	raw := "```json\n{\"is_relevant\": true, \"reasoning\": \"ok\"}\n```"
	decision, err := decodeJSON[GradeDecision](raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decision.Relevant {
		t.Error("expected relevant verdict")
	}

	raw = "Вот результат: {\"rewritten_query\": \"google revenue 2025\"} — готово"
	parsed, err := decodeJSON[struct {
		RewrittenQuery string `json:"rewritten_query"`
	}](raw)
	if err != nil {
		t.Fatalf("decode with prose: %v", err)
	}
	if parsed.RewrittenQuery != "google revenue 2025" {
		t.Errorf("unexpected value %q", parsed.RewrittenQuery)
	}
}

func TestParseCitationsFallsBackToAllEvidence(t *testing.T) {
	evidence := []document.Chunk{
		localChunk("a.pdf", 1, "alpha"),
		localChunk("b.pdf", 2, "beta"),
	}
	cited := parseCitations("ответ без маркеров", evidence)
	if len(cited) != 2 {
		t.Fatalf("expected fallback to all evidence, got %d", len(cited))
	}

	cited = parseCitations("ответ [2] и снова [2]", evidence)
	if len(cited) != 1 || cited[0].SourceFile != "b.pdf" {
		t.Fatalf("expected single citation of b.pdf, got %+v", cited)
	}
}
