package kb

import (
	"errors"
	"testing"

	"github.com/kbforge/hybridretrieval/internal/config"
)

func TestNewAnyLLMProviderRejectsMissingModel(t *testing.T) {
	_, err := NewAnyLLMProvider(config.LLMProviderConfig{Provider: "ollama"})
	if !errors.Is(err, ErrConfigurationError) {
		t.Fatalf("expected ErrConfigurationError, got %v", err)
	}
}

func TestNewAnyLLMProviderRejectsUnsupportedProvider(t *testing.T) {
	_, err := NewAnyLLMProvider(config.LLMProviderConfig{Provider: "openai", Model: "gpt-4"})
	if !errors.Is(err, ErrConfigurationError) {
		t.Fatalf("expected ErrConfigurationError, got %v", err)
	}
}

func TestNewAnyLLMProviderProviderNameIsCaseInsensitive(t *testing.T) {
	_, err := NewAnyLLMProvider(config.LLMProviderConfig{Provider: "OLLAMA", Model: "llama3"})
	if errors.Is(err, ErrConfigurationError) {
		t.Fatalf("expected provider name matching to be case-insensitive, got %v", err)
	}
}
