package llm

import (
	"context"

	"github.com/finrag/finrag/message"
)

// Client is the single capability the pipeline needs from a language model:
// one-shot text generation with no hidden state across calls.
type Client interface {
	Generate(ctx context.Context, messages []*message.Message) (string, error)
}

// ClientFunc adapts a plain function to the Client interface; handy in tests.
type ClientFunc func(ctx context.Context, messages []*message.Message) (string, error)

// Generate implements Client.
func (f ClientFunc) Generate(ctx context.Context, messages []*message.Message) (string, error) {
	return f(ctx, messages)
}
