package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiClient calls Gemini through the Google GenAI SDK.
type GeminiClient struct {
	client *genai.Client
	params Params
}

var _ Completer = (*GeminiClient)(nil)

func NewGeminiClient(ctx context.Context, apiKey string, p Params) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiClient{client: client, params: p}, nil
}

func (c *GeminiClient) Model() string { return c.params.Model }

func (c *GeminiClient) Complete(ctx context.Context, system string, history []Turn, user string) (Completion, error) {
	ctx, cancel := withTimeout(ctx, c.params.Timeout)
	defer cancel()

	resp, err := c.client.Models.GenerateContent(ctx, c.params.Model, geminiContents(history, user), c.generateConfig(system))
	if err != nil {
		return Completion{}, fmt.Errorf("gemini: generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return Completion{}, fmt.Errorf("gemini: %w", ErrEmptyCompletion)
	}

	out := Completion{Text: text}
	if u := resp.UsageMetadata; u != nil {
		out.TokensIn = int(u.PromptTokenCount)
		out.TokensOut = int(u.CandidatesTokenCount)
	}
	return out, nil
}

func (c *GeminiClient) generateConfig(system string) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr(float32(c.params.Temperature)),
		MaxOutputTokens:   int32(c.params.MaxTokens),
	}
}

// geminiContents maps history and the current message onto Gemini roles.
func geminiContents(history []Turn, user string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, t := range history {
		var role genai.Role = genai.RoleUser
		if t.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Content, role))
	}
	return append(contents, genai.NewContentFromText(user, genai.RoleUser))
}
