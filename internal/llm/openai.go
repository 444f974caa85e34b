package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const presencePenalty = 0.2

// OpenAIClient calls the chat completions endpoint of any OpenAI-compatible API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	params     Params
	httpClient *http.Client
}

var _ Completer = (*OpenAIClient)(nil)

func NewOpenAIClient(apiKey, baseURL string, p Params) *OpenAIClient {
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		params:     p,
		httpClient: &http.Client{},
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model           string          `json:"model"`
	Messages        []openAIMessage `json:"messages"`
	Temperature     float64         `json:"temperature"`
	MaxTokens       int             `json:"max_tokens"`
	PresencePenalty float64         `json:"presence_penalty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) Model() string { return c.params.Model }

func (c *OpenAIClient) Complete(ctx context.Context, system string, history []Turn, user string) (Completion, error) {
	if c.apiKey == "" {
		return Completion{}, fmt.Errorf("openai: API key not configured")
	}

	ctx, cancel := withTimeout(ctx, c.params.Timeout)
	defer cancel()

	messages := make([]openAIMessage, 0, len(history)+2)
	messages = append(messages, openAIMessage{Role: "system", Content: system})
	for _, t := range history {
		messages = append(messages, openAIMessage{Role: string(t.Role), Content: t.Content})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: user})

	reqBody, err := json.Marshal(openAIRequest{
		Model:           c.params.Model,
		Messages:        messages,
		Temperature:     c.params.Temperature,
		MaxTokens:       c.params.MaxTokens,
		PresencePenalty: presencePenalty,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Completion{}, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Completion{}, fmt.Errorf("openai: API error (%d): %s", resp.StatusCode, string(body))
	}

	var out openAIResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Completion{}, fmt.Errorf("openai: parse response: %w", err)
	}
	if out.Error != nil {
		return Completion{}, fmt.Errorf("openai: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return Completion{}, fmt.Errorf("openai: %w", ErrEmptyCompletion)
	}

	return Completion{
		Text:      out.Choices[0].Message.Content,
		TokensIn:  out.Usage.PromptTokens,
		TokensOut: out.Usage.CompletionTokens,
	}, nil
}
