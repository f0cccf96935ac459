package kb

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNewRouterRejectsUnknownStrategy(t *testing.T) {
	_, err := NewRouter("NOT_A_STRATEGY", nil, NewKeywordExtractor(nil, defaultVerbSuffixes))
	if err == nil || !errors.Is(err, ErrConfigurationError) {
		t.Fatalf("expected ConfigurationError for unknown strategy, got %v", err)
	}
}

func TestRouterHopStrategyFallsBackToDeterministicHopWithoutLLM(t *testing.T) {
	extractor := NewKeywordExtractor(nil, defaultVerbSuffixes)
	router, err := NewRouter("HOP", nil, extractor)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	out, err := router.Route(context.Background(), "마마 기가스", CategoryNPC)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if out.Shape != ShapeHop || out.Hop != 1 {
		t.Errorf("expected hop shape with hop=1, got %+v", out)
	}
	if out.Strategy != "HOP" {
		t.Errorf("expected strategy tag HOP, got %s", out.Strategy)
	}
	if !out.Fallback {
		t.Errorf("expected HOP without an llm to use the deterministic fallback")
	}
}

func TestRouterHopStrategyUsesLLMHopCount(t *testing.T) {
	llm := &fakeLLM{response: `{"hop":2,"entities":["Elderwood Blade"],"relation_hint":"find_item_droppers"}`}
	extractor := NewKeywordExtractor(nil, defaultVerbSuffixes)
	router, err := NewRouter("HOP", llm, extractor)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	out, err := router.Route(context.Background(), "누가 Elderwood Blade를 드랍하나요", CategoryItem)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if out.Fallback {
		t.Fatalf("expected no fallback when the llm returns a well-formed response")
	}
	if out.Hop != 2 {
		t.Errorf("expected hop=2 from the llm response, got %d", out.Hop)
	}
	if out.RelationHint != "find_item_droppers" {
		t.Errorf("expected relation hint preserved, got %q", out.RelationHint)
	}
}

func TestRouterHopStrategyFallsBackOnMalformedLLMResponse(t *testing.T) {
	llm := &fakeLLM{response: "not json"}
	extractor := NewKeywordExtractor(nil, defaultVerbSuffixes)
	router, err := NewRouter("HOP", llm, extractor)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	out, err := router.Route(context.Background(), "마마 기가스", CategoryNPC)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !out.Fallback || out.Hop != 1 {
		t.Errorf("expected fallback to deterministic hop=1 on malformed llm response, got %+v", out)
	}
}

func TestRouterFallsBackWhenLLMUnavailable(t *testing.T) {
	extractor := NewKeywordExtractor(nil, defaultVerbSuffixes)
	router, err := NewRouter("PLAN", nil, extractor)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	out, err := router.Route(context.Background(), "마마 기가스", CategoryNPC)
	if err != nil {
		t.Fatalf("expected fallback to recover, got error: %v", err)
	}
	if !out.Fallback {
		t.Errorf("expected Fallback=true when PLAN has no llm configured")
	}
	if out.Strategy != "PLAN" {
		t.Errorf("expected original strategy tag preserved on fallback, got %s", out.Strategy)
	}
	if out.Shape != ShapeHop || out.Hop != 1 {
		t.Errorf("expected deterministic fallback to produce hop=1, got %+v", out)
	}
}

func TestRouterPropagatesFatalError(t *testing.T) {
	llm := &fakeLLM{err: fmt.Errorf("%w: db unreachable", ErrConfigurationError)}
	extractor := NewKeywordExtractor(llm, defaultVerbSuffixes)
	router, err := NewRouter("PLAN", llm, extractor)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	_, err = router.Route(context.Background(), "마마 기가스", CategoryNPC)
	if err == nil || !IsFatal(err) {
		t.Fatalf("expected fatal error to propagate, got %v", err)
	}
}

func TestParseJSONPlanResponseStripsMarkdownFence(t *testing.T) {
	raw := "```json\n{\"plan\":[{\"tool\":\"KS\",\"query_payload\":\"gigas\"}]}\n```"
	out, err := parseJSONPlanResponse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out.Plan) != 1 || out.Plan[0].Tool != SourceKeyword {
		t.Errorf("expected one KS step, got %+v", out.Plan)
	}
}

func TestParseJSONPlanResponseMalformed(t *testing.T) {
	_, err := parseJSONPlanResponse("not json at all")
	if err == nil || !errors.Is(err, ErrLLMMalformed) {
		t.Fatalf("expected ErrLLMMalformed, got %v", err)
	}
}

func TestPlanPolicyErrorsWithoutLLM(t *testing.T) {
	p := &planPolicy{}
	_, err := p.route(context.Background(), "query", CategoryNPC)
	if !errors.Is(err, ErrLLMUnavailable) {
		t.Fatalf("expected ErrLLMUnavailable, got %v", err)
	}
}

func TestIntentPolicyMapsIntentToFixedStoreSubset(t *testing.T) {
	llm := &fakeLLM{response: `{"intent":"npc_location","entities":["Mama Gigas"]}`}
	p := &intentPolicy{llm: llm, extractor: NewKeywordExtractor(nil, defaultVerbSuffixes)}

	out, err := p.route(context.Background(), "where is Mama Gigas", CategoryNPC)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if out.Shape != ShapePlan || len(out.Plan) != 3 {
		t.Fatalf("expected a 3-step plan (KS, VS, GS) for npc_location, got %+v", out.Plan)
	}
	var sawGraph bool
	for _, step := range out.Plan {
		if step.Tool == SourceGraph {
			sawGraph = true
			if step.Rationale != "find_npc_location" {
				t.Errorf("expected the npc_location predicate on the GS step, got %q", step.Rationale)
			}
		}
	}
	if !sawGraph {
		t.Errorf("expected npc_location to include a GS step, got %+v", out.Plan)
	}
}

func TestIntentPolicyLoreLookupHasNoGraphStep(t *testing.T) {
	llm := &fakeLLM{response: `{"intent":"lore_lookup","entities":["Elderwood Blade"]}`}
	p := &intentPolicy{llm: llm, extractor: NewKeywordExtractor(nil, defaultVerbSuffixes)}

	out, err := p.route(context.Background(), "tell me about the Elderwood Blade", CategoryItem)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(out.Plan) != 2 {
		t.Fatalf("expected a 2-step plan (KS, VS) for lore_lookup, got %+v", out.Plan)
	}
	for _, step := range out.Plan {
		if step.Tool == SourceGraph {
			t.Errorf("expected no GS step for lore_lookup, got %+v", out.Plan)
		}
	}
}

func TestIntentPolicyRejectsUnrecognizedIntent(t *testing.T) {
	llm := &fakeLLM{response: `{"intent":"not_a_real_intent","entities":["x"]}`}
	p := &intentPolicy{llm: llm, extractor: NewKeywordExtractor(nil, defaultVerbSuffixes)}

	_, err := p.route(context.Background(), "query", CategoryNPC)
	if !errors.Is(err, ErrLLMMalformed) {
		t.Fatalf("expected ErrLLMMalformed for an unrecognized intent, got %v", err)
	}
}

func TestThresholdPolicyEmitsKSAndVSPairs(t *testing.T) {
	extractor := NewKeywordExtractor(nil, defaultVerbSuffixes)
	p := &thresholdPolicy{extractor: extractor}

	out, err := p.route(context.Background(), "마마 기가스", CategoryNPC)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(out.Plan) != 4 {
		t.Fatalf("expected 2 entities x (KS,VS) = 4 steps, got %d: %+v", len(out.Plan), out.Plan)
	}
}

func TestEntitySentencePolicySplitsIntoKSVSAndGS(t *testing.T) {
	extractor := NewKeywordExtractor(nil, defaultVerbSuffixes)
	p := &entitySentencePolicy{extractor: extractor}

	out, err := p.route(context.Background(), "물약 파는 상인 마마 기가스", CategoryNPC)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	var hasGraphStep bool
	for _, step := range out.Plan {
		if step.Tool == SourceGraph {
			hasGraphStep = true
		}
	}
	if !hasGraphStep {
		t.Errorf("expected at least one GS step from the sentence fragment, got %+v", out.Plan)
	}
}
