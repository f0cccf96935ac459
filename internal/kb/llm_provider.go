package kb

import (
	"context"
	"strings"
)

// LLMProvider is the narrow contract the Router and KeywordExtractor need
// from an LLM backend: one bounded text completion call. Callers are
// responsible for applying their own per-call timeout via ctx.
type LLMProvider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// maxPromptInputRunes bounds how much of a caller-supplied query is
// interpolated into a prompt template, defending against a single oversized
// query ballooning the LLM call's latency or cost.
const maxPromptInputRunes = 2000

// sanitizePromptInput strips characters that could be used to break out of
// a prompt template's quoting and truncates to maxPromptInputRunes.
func sanitizePromptInput(s string) string {
	s = strings.ReplaceAll(s, "```", "'''")
	s = strings.ReplaceAll(s, "\x00", "")
	r := []rune(s)
	if len(r) > maxPromptInputRunes {
		r = r[:maxPromptInputRunes]
	}
	return string(r)
}

// routerSystemPrompt instructs the LLM to classify a query and emit the
// RouterOutput JSON shape for the given strategy.
const routerSystemPrompt = `You are a query router for a game knowledge base covering four entity categories: NPC, MAP, ITEM, MONSTER.
Given a user query, respond with a single minified JSON object only, no prose, no markdown fences, matching this strategy's expected shape.
Never invent categories outside NPC, MAP, ITEM, MONSTER.`

// intentSystemPrompt instructs the LLM to classify a query into one of a
// closed set of intents, each bound to a fixed store subset by the caller.
const intentSystemPrompt = `You classify a user query about a game knowledge base (categories: NPC, MAP, ITEM, MONSTER) into exactly one intent from this closed set: npc_location, lore_lookup, item_sellers, monster_location.
Respond with a single minified JSON object only: {"intent": "...", "entities": ["..."]}.
"entities" are the bare noun phrases the query concerns. Never invent an intent outside the closed set, and never add prose or markdown fences around the JSON.`

// extractionSystemPrompt instructs the LLM to split a query into entity-like
// terms and verb-bearing sentence fragments.
const extractionSystemPrompt = `You extract search terms from a user query about a game knowledge base.
Respond with a single minified JSON object only: {"entities": ["..."], "sentences": ["..."]}.
"entities" are bare noun phrases naming NPCs, maps, items, or monsters. "sentences" are fragments that describe a relationship or action (e.g. "who sells potions").
Never add prose or markdown fences around the JSON.`

// buildRouterUserPrompt renders the user-turn prompt for a router LLM call.
func buildRouterUserPrompt(strategy, query string) string {
	return "strategy: " + strategy + "\nquery: \"" + sanitizePromptInput(query) + "\""
}

// buildExtractionUserPrompt renders the user-turn prompt for an extraction
// LLM call.
func buildExtractionUserPrompt(query string) string {
	return "query: \"" + sanitizePromptInput(query) + "\""
}
