package openai

import (
	"context"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/finrag/finrag/llm"
	"github.com/finrag/finrag/message"
)

// Config holds OpenAI-compatible provider configuration. Setting BaseURL to a
// local inference server (e.g. Ollama's /v1 endpoint) works unchanged.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// DefaultConfig returns default OpenAI configuration
func DefaultConfig() *Config {
	return &Config{
		Model:       "gpt-4o-mini",
		MaxTokens:   2000,
		Temperature: 0,
	}
}

// Client implements llm.Client against the OpenAI chat completions API.
type Client struct {
	config *Config
	client openaisdk.Client
}

var _ llm.Client = (*Client)(nil)

// New creates a new OpenAI provider using the official SDK.
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	return &Client{
		config: config,
		client: openaisdk.NewClient(options...),
	}
}

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, messages []*message.Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("openai: no messages to send")
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    c.config.Model,
		Messages: convertMessages(messages),
	}
	if c.config.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(c.config.MaxTokens)
	}
	params.Temperature = param.NewOpt(c.config.Temperature)

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty completion response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func convertMessages(messages []*message.Message) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case message.RoleSystem:
			out = append(out, openaisdk.SystemMessage(msg.Content))
		case message.RoleAssistant:
			out = append(out, openaisdk.AssistantMessage(msg.Content))
		default:
			out = append(out, openaisdk.UserMessage(msg.Content))
		}
	}
	return out
}
