package llm

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/finrag/finrag/message"
	"github.com/finrag/finrag/vector"
)

// Gate caps simultaneous model invocations process-wide. Excess callers block
// until a slot frees up (or their context is cancelled) instead of failing.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates a gate allowing at most limit concurrent invocations.
func NewGate(limit int64) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{sem: semaphore.NewWeighted(limit)}
}

func (g *Gate) acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

func (g *Gate) release() {
	g.sem.Release(1)
}

// Limit wraps a client so its calls pass through the gate.
func (g *Gate) Limit(c Client) Client {
	return &gatedClient{gate: g, inner: c}
}

// LimitEmbedder wraps an embedder so its calls pass through the gate.
func (g *Gate) LimitEmbedder(e vector.Embedder) vector.Embedder {
	return &gatedEmbedder{gate: g, inner: e}
}

type gatedClient struct {
	gate  *Gate
	inner Client
}

func (c *gatedClient) Generate(ctx context.Context, messages []*message.Message) (string, error) {
	if err := c.gate.acquire(ctx); err != nil {
		return "", err
	}
	defer c.gate.release()
	return c.inner.Generate(ctx, messages)
}

type gatedEmbedder struct {
	gate  *Gate
	inner vector.Embedder
}

func (e *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.gate.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.gate.release()
	return e.inner.Embed(ctx, text)
}

func (e *gatedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.gate.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.gate.release()
	return e.inner.EmbedBatch(ctx, texts)
}

func (e *gatedEmbedder) Dimension() int { return e.inner.Dimension() }

func (e *gatedEmbedder) Model() string { return e.inner.Model() }
