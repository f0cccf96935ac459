package kb

import (
	"context"
	"encoding/json"
	"fmt"
)

// planPolicy asks the LLM to emit the full multi-step plan directly: which
// stores to call, in what order, with what payload. The orchestrator still
// owns batching and query adjustment; this policy only proposes the steps.
type planPolicy struct {
	llm LLMProvider
}

func (p *planPolicy) name() string { return "PLAN" }

func (p *planPolicy) route(ctx context.Context, query string, category Category) (RouterOutput, error) {
	if p.llm == nil {
		return RouterOutput{}, ErrLLMUnavailable
	}
	raw, err := p.llm.Complete(ctx, routerSystemPrompt, buildRouterUserPrompt(p.name(), query))
	if err != nil {
		return RouterOutput{}, err
	}
	out, err := parseJSONPlanResponse(raw)
	if err != nil {
		return RouterOutput{}, err
	}
	out.Shape = ShapePlan
	if len(out.Plan) == 0 {
		return RouterOutput{}, fmt.Errorf("%w: llm plan response had no steps", ErrLLMMalformed)
	}
	return out, nil
}

// thresholdPolicy always queries KS and VS up front; the orchestrator adds
// a GS step after the first batch if the combined KS+VS result count falls
// below the configured floor.
type thresholdPolicy struct {
	extractor *KeywordExtractor
}

func (p *thresholdPolicy) name() string { return "THRESHOLD" }

func (p *thresholdPolicy) route(ctx context.Context, query string, category Category) (RouterOutput, error) {
	extraction := p.extractor.ExtractMorphological(query)
	entities := extraction.Entities
	if len(entities) == 0 {
		entities = []string{query}
	}

	var plan []PlanStep
	for _, e := range entities {
		plan = append(plan,
			PlanStep{Tool: SourceKeyword, Payload: e, Rationale: "threshold: direct lexical lookup"},
			PlanStep{Tool: SourceVector, Payload: e, Rationale: "threshold: semantic lookup"},
		)
	}

	return RouterOutput{Shape: ShapePlan, Plan: plan, Entities: entities}, nil
}

// intentSpec binds one closed-set intent to the fixed store subset (and, for
// a GS-bearing intent, the predicate) §4.5 requires INTENT to resolve to.
type intentSpec struct {
	stores    []Source
	predicate string
}

// intentStoreSubsets is the closed intent->store-subset mapping table. An
// intent absent here is a malformed LLM response, not a silently-accepted
// default.
var intentStoreSubsets = map[string]intentSpec{
	"npc_location":     {stores: []Source{SourceKeyword, SourceVector, SourceGraph}, predicate: "find_npc_location"},
	"lore_lookup":      {stores: []Source{SourceKeyword, SourceVector}},
	"item_sellers":     {stores: []Source{SourceKeyword, SourceVector, SourceGraph}, predicate: "find_item_sellers"},
	"monster_location": {stores: []Source{SourceKeyword, SourceVector, SourceGraph}, predicate: "find_monster_locations"},
}

// llmIntentResponse is the expected JSON shape of an INTENT classification
// call's response.
type llmIntentResponse struct {
	Intent   string   `json:"intent"`
	Entities []string `json:"entities"`
}

// intentPolicy asks the LLM to classify the query into one intent from a
// closed set, then maps that intent to its fixed store subset: a Plan-shape
// output of at most three steps (one per store in the subset).
type intentPolicy struct {
	llm       LLMProvider
	extractor *KeywordExtractor
}

func (p *intentPolicy) name() string { return "INTENT" }

func (p *intentPolicy) route(ctx context.Context, query string, category Category) (RouterOutput, error) {
	if p.llm == nil {
		return RouterOutput{}, ErrLLMUnavailable
	}
	raw, err := p.llm.Complete(ctx, intentSystemPrompt, buildRouterUserPrompt(p.name(), query))
	if err != nil {
		return RouterOutput{}, err
	}

	var parsed llmIntentResponse
	if err := json.Unmarshal([]byte(stripMarkdownFence(raw)), &parsed); err != nil {
		return RouterOutput{}, fmt.Errorf("%w: %v", ErrLLMMalformed, err)
	}
	spec, ok := intentStoreSubsets[parsed.Intent]
	if !ok {
		return RouterOutput{}, fmt.Errorf("%w: unrecognized intent %q", ErrLLMMalformed, parsed.Intent)
	}

	entities := parsed.Entities
	if len(entities) == 0 {
		entities = p.extractor.ExtractMorphological(query).Entities
	}
	subject := query
	if len(entities) > 0 {
		subject = entities[0]
	}

	plan := make([]PlanStep, 0, len(spec.stores))
	for _, store := range spec.stores {
		step := PlanStep{Tool: store, Payload: subject, Rationale: "intent:" + parsed.Intent}
		if store == SourceGraph {
			step.Rationale = spec.predicate
		}
		plan = append(plan, step)
	}

	return RouterOutput{Shape: ShapePlan, Plan: plan, Entities: entities}, nil
}

// parallelExpansionPolicy emits Hop-shape output with hop=2 for every
// extracted entity, so the orchestrator runs KS and VS concurrently in one
// batch and then consults GS from each resolved entity. It never calls the
// LLM.
type parallelExpansionPolicy struct {
	extractor *KeywordExtractor
}

func (p *parallelExpansionPolicy) name() string { return "PARALLEL_EXPANSION" }

func (p *parallelExpansionPolicy) route(ctx context.Context, query string, category Category) (RouterOutput, error) {
	extraction := p.extractor.ExtractMorphological(query)
	entities := extraction.Entities
	if len(entities) == 0 {
		entities = []string{query}
	}

	return RouterOutput{Shape: ShapeHop, Hop: 2, Entities: entities}, nil
}

// entitySentencePolicy splits the query into noun-like entities and
// verb-bearing sentence fragments: entities go to KS/VS, sentences go to
// GS as relation hints once the orchestrator resolves their subject.
type entitySentencePolicy struct {
	extractor *KeywordExtractor
}

func (p *entitySentencePolicy) name() string { return "ENTITY_SENTENCE" }

func (p *entitySentencePolicy) route(ctx context.Context, query string, category Category) (RouterOutput, error) {
	extraction := p.extractor.ExtractMorphological(query)

	var plan []PlanStep
	for _, e := range extraction.Entities {
		plan = append(plan, PlanStep{Tool: SourceKeyword, Payload: e})
		plan = append(plan, PlanStep{Tool: SourceVector, Payload: e})
	}
	for _, s := range extraction.Sentences {
		plan = append(plan, PlanStep{Tool: SourceGraph, Payload: s, Rationale: "entity_sentence: relation fragment"})
	}

	return RouterOutput{
		Shape:     ShapePlan,
		Plan:      plan,
		Entities:  extraction.Entities,
		Sentences: extraction.Sentences,
	}, nil
}

// hopPolicy asks the LLM to emit {hop, entities, sentences, relation_hint}:
// hop>=2 lets the orchestrator run one layer of GS steps from the resolved
// entities; larger values add no further traversals. Any recoverable LLM failure
// is handled by Router's deterministic fallback (hop=1), not by this policy
// itself.
type hopPolicy struct {
	llm       LLMProvider
	extractor *KeywordExtractor
}

func (p *hopPolicy) name() string { return "HOP" }

func (p *hopPolicy) route(ctx context.Context, query string, category Category) (RouterOutput, error) {
	if p.llm == nil {
		return RouterOutput{}, ErrLLMUnavailable
	}
	raw, err := p.llm.Complete(ctx, routerSystemPrompt, buildRouterUserPrompt(p.name(), query))
	if err != nil {
		return RouterOutput{}, err
	}
	out, err := parseJSONPlanResponse(raw)
	if err != nil {
		return RouterOutput{}, err
	}
	out.Shape = ShapeHop
	if out.Hop <= 0 {
		return RouterOutput{}, fmt.Errorf("%w: llm hop response had no hop count", ErrLLMMalformed)
	}
	if len(out.Entities) == 0 {
		extraction := p.extractor.ExtractMorphological(query)
		out.Entities = extraction.Entities
	}
	if len(out.Entities) == 0 {
		out.Entities = []string{query}
	}
	return out, nil
}

// deterministicFallbackPolicy is the mandatory recovery path used whenever
// the active strategy's LLM call fails: morphological extraction with a
// single hop. It is never selectable directly as the configured strategy.
type deterministicFallbackPolicy struct {
	extractor *KeywordExtractor
}

func (p *deterministicFallbackPolicy) name() string { return "FALLBACK" }

func (p *deterministicFallbackPolicy) route(ctx context.Context, query string, category Category) (RouterOutput, error) {
	extraction := p.extractor.ExtractMorphological(query)
	entities := extraction.Entities
	if len(entities) == 0 {
		entities = []string{query}
	}
	return RouterOutput{
		Shape:    ShapeHop,
		Hop:      1,
		Entities: entities,
	}, nil
}
