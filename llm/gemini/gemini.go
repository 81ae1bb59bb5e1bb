package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/finrag/finrag/llm"
	"github.com/finrag/finrag/message"
)

// Config holds Gemini provider configuration
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int32
	Temperature float32
}

// DefaultConfig returns default Gemini configuration
func DefaultConfig(apiKey string) *Config {
	return &Config{
		APIKey:      apiKey,
		Model:       "gemini-1.5-flash",
		MaxTokens:   2048,
		Temperature: 0,
	}
}

// Client implements llm.Client for Google Gemini models.
type Client struct {
	config *Config
	client *genai.Client
}

var _ llm.Client = (*Client)(nil)

// New creates a new Gemini provider using the official SDK.
func New(ctx context.Context, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig("")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key not configured")
	}
	if config.Model == "" {
		config.Model = "gemini-1.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Client{config: config, client: client}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, messages []*message.Message) (string, error) {
	model := c.client.GenerativeModel(c.config.Model)
	model.SetTemperature(c.config.Temperature)
	if c.config.MaxTokens > 0 {
		model.SetMaxOutputTokens(c.config.MaxTokens)
	}

	var systemParts []genai.Part
	var userParts []genai.Part
	for _, msg := range messages {
		switch msg.Role {
		case message.RoleSystem:
			systemParts = append(systemParts, genai.Text(msg.Content))
		default:
			userParts = append(userParts, genai.Text(msg.Content))
		}
	}
	if len(systemParts) > 0 {
		model.SystemInstruction = &genai.Content{Parts: systemParts}
	}
	if len(userParts) == 0 {
		return "", fmt.Errorf("gemini: no user content to send")
	}

	resp, err := model.GenerateContent(ctx, userParts...)
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini: empty response")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return strings.TrimSpace(b.String()), nil
}
