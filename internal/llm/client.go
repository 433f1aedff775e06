// Package llm provides the chat-completion client used by the agent,
// the summariser, and the abstraction pass, plus a circuit breaker that
// keeps a flapping backend from stalling consolidation.
package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Client produces a completion for a prompt. Implementations must be
// safe for concurrent use.
type Client interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Name() string
}

// GenAIClient talks to the Gemini API.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient builds a client for the given model.
func NewGenAIClient(apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIClient{client: client, model: model}, nil
}

// Complete runs one generation and returns the concatenated text parts.
func (c *GenAIClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	var cfg *genai.GenerateContentConfig
	if system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("genai complete: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("genai returned no candidates")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String(), nil
}

func (c *GenAIClient) Name() string { return "genai:" + c.model }

// StripCodeFence removes a surrounding markdown code fence from a model
// response, with or without a language tag.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Drop a language tag on the opening fence line.
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 16 && !strings.ContainsAny(first, "{}[]") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
