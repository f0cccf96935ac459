package kb

import (
	"context"
	"fmt"
	"strings"

	anyllm "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"

	"github.com/kbforge/hybridretrieval/internal/config"
)

// AnyLLMProvider adapts an any-llm-go backend to the LLMProvider contract
// used by the Router and KeywordExtractor.
type AnyLLMProvider struct {
	backend anyllm.Provider
	model   string
}

// NewAnyLLMProvider builds an AnyLLMProvider for the given configuration.
// Supported providers are "ollama" and "anthropic"; any other value is a
// configuration error.
func NewAnyLLMProvider(cfg config.LLMProviderConfig) (*AnyLLMProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: llm provider config missing model", ErrConfigurationError)
	}

	var backend anyllm.Provider
	var err error

	switch strings.ToLower(cfg.Provider) {
	case "ollama":
		opts := []anyllm.Option{}
		if cfg.Host != "" {
			opts = append(opts, anyllm.WithBaseURL(cfg.Host))
		}
		backend, err = ollama.New(opts...)
	case "anthropic":
		opts := []anyllm.Option{}
		if cfg.APIKey != "" {
			opts = append(opts, anyllm.WithAPIKey(cfg.APIKey))
		}
		backend, err = anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("%w: unsupported llm provider %q (supported: ollama, anthropic)", ErrConfigurationError, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", cfg.Provider, err)
	}

	return &AnyLLMProvider{backend: backend, model: cfg.Model}, nil
}

// Complete implements LLMProvider.
func (p *AnyLLMProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []anyllm.Message{
		{Role: anyllm.RoleSystem, Content: systemPrompt},
		{Role: anyllm.RoleUser, Content: userPrompt},
	}

	resp, err := p.backend.Completion(ctx, anyllm.CompletionParams{
		Model:    p.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices in llm response", ErrLLMMalformed)
	}

	content := resp.Choices[0].Message.ContentString()
	if content == "" {
		return "", fmt.Errorf("%w: empty llm response content", ErrLLMMalformed)
	}
	return content, nil
}
