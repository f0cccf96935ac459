package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kbforge/hybridretrieval/internal/observability"
)

// routingPolicy is the contract every routing strategy implements: given a
// query and the active category filter, produce the RouterOutput the
// orchestrator will turn into store calls.
type routingPolicy interface {
	// name returns the strategy tag this policy implements.
	name() string
	// route produces a RouterOutput for query. Implementations that need
	// the LLM call sanitizePromptInput themselves and return
	// ErrLLMUnavailable/ErrLLMMalformed on failure so Router can fall back.
	route(ctx context.Context, query string, category Category) (RouterOutput, error)
}

// Router selects and runs one routingPolicy per query. Its zero value is
// not usable; build one with NewRouter.
type Router struct {
	policies  map[string]routingPolicy
	strategy  string
	fallback  routingPolicy
	logger    zerolog.Logger
}

// NewRouter builds a Router. strategy must name one of the registered
// policies; llm may be nil, in which case any policy that needs it degrades
// to the deterministic fallback for every query. extractor must be non-nil:
// the fallback and the LLM-free policies call it directly.
func NewRouter(strategy string, llm LLMProvider, extractor *KeywordExtractor) (*Router, error) {
	policies := map[string]routingPolicy{
		"PLAN":               &planPolicy{llm: llm},
		"THRESHOLD":          &thresholdPolicy{extractor: extractor},
		"INTENT":             &intentPolicy{llm: llm, extractor: extractor},
		"PARALLEL_EXPANSION": &parallelExpansionPolicy{extractor: extractor},
		"ENTITY_SENTENCE":    &entitySentencePolicy{extractor: extractor},
		"HOP":                &hopPolicy{llm: llm, extractor: extractor},
	}

	if _, ok := policies[strategy]; !ok {
		return nil, fmt.Errorf("%w: unknown router strategy %q", ErrConfigurationError, strategy)
	}

	return &Router{
		policies: policies,
		strategy: strategy,
		fallback: &deterministicFallbackPolicy{extractor: extractor},
		logger:   observability.Logger("kb.router"),
	}, nil
}

// Route runs the configured strategy. On any recoverable LLM error the
// deterministic morphological fallback (hop=1) is used instead, with
// RouterOutput.Fallback set to true.
func (r *Router) Route(ctx context.Context, query string, category Category) (RouterOutput, error) {
	policy := r.policies[r.strategy]

	output, err := policy.route(ctx, query, category)
	if err == nil {
		output.Strategy = r.strategy
		return output, nil
	}

	if !IsRecoverable(err) {
		return RouterOutput{}, err
	}

	observability.LogEvent(r.logger, observability.EventRouterFallback, map[string]interface{}{
		"strategy": r.strategy,
		"reason":   err.Error(),
	})

	output, fallbackErr := r.fallback.route(ctx, query, category)
	if fallbackErr != nil {
		return RouterOutput{}, fallbackErr
	}
	output.Strategy = r.strategy
	output.Fallback = true
	return output, nil
}

// stripMarkdownFence trims a leading/trailing ```json or ``` fence some
// models wrap their JSON response in.
func stripMarkdownFence(raw string) string {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}

// parseJSONPlanResponse unmarshals an LLM plan-shape response, tolerating
// the model wrapping the JSON in a markdown fence.
func parseJSONPlanResponse(raw string) (RouterOutput, error) {
	var out RouterOutput
	if err := json.Unmarshal([]byte(stripMarkdownFence(raw)), &out); err != nil {
		return RouterOutput{}, fmt.Errorf("%w: %v", ErrLLMMalformed, err)
	}
	return out, nil
}
