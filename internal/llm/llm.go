// Package llm wraps the chat-completion providers behind one Completer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/acta/internal/config"
)

var ErrEmptyCompletion = errors.New("model returned no completion")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role    Role
	Content string
}

type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
}

type Completer interface {
	Complete(ctx context.Context, system string, history []Turn, user string) (Completion, error)
	Model() string
}

// Params are the sampling settings shared by all providers.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

func paramsFrom(cfg config.ModelConfig) Params {
	return Params{
		Model:       cfg.Name,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     cfg.Timeout,
	}
}

// New builds the Completer selected by cfg.Provider.
func New(ctx context.Context, cfg config.ModelConfig) (Completer, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg.APIKey, cfg.BaseURL, paramsFrom(cfg)), nil
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg.APIKey, paramsFrom(cfg))
	}
	return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
