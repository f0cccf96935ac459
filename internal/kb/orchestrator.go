package kb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kbforge/hybridretrieval/internal/config"
	"github.com/kbforge/hybridretrieval/internal/observability"
)

// SearchOrchestrator binds the Router, the three stores, and the
// FusionRanker into one Search call. Steps within a batch run concurrently
// over a buffered channel and a WaitGroup; batches themselves run
// sequentially since a later batch's GS step may depend on an earlier
// batch's resolved canonical name.
type SearchOrchestrator struct {
	router    *Router
	ks        *KeywordStore
	vs        *VectorStore
	gs        *GraphStore
	embed     *EmbeddingService
	fusion    *FusionRanker
	cfg       config.EngineConfig
	logger    zerolog.Logger
}

// NewSearchOrchestrator builds a SearchOrchestrator. Any of vs, gs, embed
// may be nil (their corresponding steps are then skipped without a log),
// except ks and router which are required.
func NewSearchOrchestrator(router *Router, ks *KeywordStore, vs *VectorStore, gs *GraphStore, embed *EmbeddingService, fusion *FusionRanker, cfg config.EngineConfig) *SearchOrchestrator {
	return &SearchOrchestrator{
		router: router,
		ks:     ks,
		vs:     vs,
		gs:     gs,
		embed:  embed,
		fusion: fusion,
		cfg:    cfg,
		logger: observability.Logger("kb.orchestrator"),
	}
}

// stepBatch is a group of PlanSteps with no inter-step dependency; its
// steps run concurrently. A batch containing a single GS step instead
// depends on the canonical name resolved by an earlier batch.
type stepBatch struct {
	steps []PlanStep
}

// stepResult is one step's outcome, collected off the fan-out channel.
type stepResult struct {
	source  Source
	payload string
	results []RetrievalResult
	err     error
}

// Search runs one query through Route -> batched store calls -> Fuse,
// returning at most cfg.Limit results. Store/LLM failures are recovered
// locally as empty results with a warning log (fails-open); only
// ErrConfigurationError and ErrCancelled propagate.
func (o *SearchOrchestrator) Search(ctx context.Context, query string, category Category) ([]RetrievalResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	routerCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.RouterLLM())
	output, err := o.router.Route(routerCtx, query, category)
	cancel()
	if err != nil {
		if IsFatal(err) {
			return nil, err
		}
		// Router itself already ran the deterministic fallback for
		// recoverable errors; a non-nil recoverable error here means even
		// the fallback failed, which degrades to an empty result.
		o.logger.Warn().Err(err).Msg("router produced no output, returning empty result")
		return nil, nil
	}

	observability.LogEvent(o.logger, observability.EventStrategySelected, map[string]interface{}{
		"strategy": output.Strategy,
		"fallback": output.Fallback,
	})

	batches := o.buildBatches(output, category)

	perSource := map[Source][]RetrievalResult{}
	resolvedNames := map[string]string{}

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		if len(b.steps) == 1 && b.steps[0].Tool == SourceGraph {
			o.runGraphStep(ctx, b.steps[0], category, resolvedNames, perSource)
			continue
		}

		results := o.runBatchConcurrently(ctx, b.steps, category)
		for _, r := range results {
			if r.err != nil {
				return nil, r.err // only fatal errors are kept on a stepResult
			}
			perSource[r.source] = append(perSource[r.source], r.results...)
			if best := bestCanonicalName(r.results); best != "" {
				resolvedNames[r.payload] = best
			}
		}
	}

	if output.Strategy == "THRESHOLD" {
		o.runThresholdExpansion(ctx, output, category, perSource, resolvedNames)
	}

	reindexed := map[Source][]RetrievalResult{}
	for src, results := range perSource {
		reindexed[src] = reindexBySource(results, src)
	}

	fuseCtx, cancelFuse := context.WithTimeout(ctx, o.cfg.Timeouts.Reranker())
	fused, err := o.fusion.Fuse(fuseCtx, query, reindexed, o.cfg.Limit, o.cfg.RerankerEnabled)
	cancelFuse()
	if err != nil {
		return nil, err
	}

	observability.LogEvent(o.logger, observability.EventSearchCompleted, map[string]interface{}{
		"strategy": output.Strategy,
		"results":  len(fused),
	})

	return fused, nil
}

// buildBatches turns a RouterOutput into the batch sequence the
// orchestrator executes. Plan-shape output is grouped directly; Hop-shape
// output is synthesized into one KS+VS resolution batch and, when hop>=2,
// one GS batch per entity and candidate predicate.
func (o *SearchOrchestrator) buildBatches(output RouterOutput, category Category) []stepBatch {
	if output.Shape == ShapePlan {
		return groupPlanSteps(output.Plan)
	}

	var batches []stepBatch
	var resolveSteps []PlanStep
	for _, e := range output.Entities {
		resolveSteps = append(resolveSteps,
			PlanStep{Tool: SourceKeyword, Payload: e},
			PlanStep{Tool: SourceVector, Payload: e},
		)
	}
	if len(resolveSteps) > 0 {
		batches = append(batches, stepBatch{steps: resolveSteps})
	}

	if output.Hop >= 2 {
		predicates := predicatesFor(output.RelationHint, category)
		for _, e := range output.Entities {
			for _, pred := range predicates {
				batches = append(batches, stepBatch{steps: []PlanStep{{
					Tool:    SourceGraph,
					Payload: e,
					Rationale: pred,
				}}})
			}
		}
	}

	return batches
}

// groupPlanSteps splits a flat plan into batches: consecutive KS/VS steps
// share a batch; each GS step gets its own, sequential, batch.
func groupPlanSteps(plan []PlanStep) []stepBatch {
	var batches []stepBatch
	var current []PlanStep
	for _, step := range plan {
		if step.Tool == SourceGraph {
			if len(current) > 0 {
				batches = append(batches, stepBatch{steps: current})
				current = nil
			}
			batches = append(batches, stepBatch{steps: []PlanStep{step}})
			continue
		}
		current = append(current, step)
	}
	if len(current) > 0 {
		batches = append(batches, stepBatch{steps: current})
	}
	return batches
}

// runBatchConcurrently fans out every step in a non-GS batch over a
// buffered channel, collecting results with a WaitGroup.
func (o *SearchOrchestrator) runBatchConcurrently(ctx context.Context, steps []PlanStep, category Category) []stepResult {
	resultsCh := make(chan stepResult, len(steps))
	var wg sync.WaitGroup

	for _, step := range steps {
		wg.Add(1)
		go func(step PlanStep) {
			defer wg.Done()
			resultsCh <- o.runStep(ctx, step, category)
		}(step)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	var out []stepResult
	for r := range resultsCh {
		out = append(out, r)
	}
	return out
}

// runStep executes a single KS or VS step with its own per-store timeout,
// recovering a recoverable error as an empty result.
func (o *SearchOrchestrator) runStep(ctx context.Context, step PlanStep, category Category) stepResult {
	switch step.Tool {
	case SourceKeyword:
		stepCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.KeywordStore())
		defer cancel()
		results, err := o.ks.Search(stepCtx, step.Payload, category, o.cfg.Limit, o.cfg.DescriptionFallbackThreshold)
		return o.handleStepResult(SourceKeyword, step.Payload, results, err)

	case SourceVector:
		if o.vs == nil || o.embed == nil {
			return stepResult{source: SourceVector, payload: step.Payload}
		}
		stepCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.VectorStore())
		defer cancel()
		vector, err := o.embed.Embed(stepCtx, step.Payload)
		if err != nil {
			o.logger.Warn().Err(err).Str("payload", step.Payload).Msg("embedding failed, vector store step skipped")
			return stepResult{source: SourceVector, payload: step.Payload}
		}
		results, err := o.vs.Search(stepCtx, vector, category, o.cfg.Limit, o.ks)
		return o.handleStepResult(SourceVector, step.Payload, results, err)

	default:
		return stepResult{source: step.Tool, payload: step.Payload}
	}
}

// runGraphStep executes a single-element GS batch, substituting the
// resolved canonical name for the step's original payload, or skipping the
// step entirely when no candidate was resolved.
func (o *SearchOrchestrator) runGraphStep(ctx context.Context, step PlanStep, category Category, resolvedNames map[string]string, perSource map[Source][]RetrievalResult) {
	if o.gs == nil {
		return
	}

	subject, ok := resolvedNames[step.Payload]
	if !ok {
		// The payload may already be a canonical name (e.g. ENTITY_SENTENCE
		// sentence fragments reference a previously resolved entity by its
		// own text); confirm that with KS before ever using it as-is, since
		// a literal keyword is not guaranteed to be a canonical name.
		rec, err := o.ks.Get(ctx, step.Payload, category)
		if err != nil || rec == nil {
			return
		}
		subject = rec.CanonicalName
	}

	predicate := step.Rationale
	if _, known := graphRelations[predicate]; !known {
		predicate = inferPredicateFromSentence(step.Payload, category)
	}
	if predicate == "" {
		return
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.GraphStore())
	defer cancel()

	results, err := o.gs.Traverse(stepCtx, predicate, subject, o.cfg.Limit)
	result := o.handleStepResult(SourceGraph, step.Payload, results, err)
	if result.err == nil {
		perSource[SourceGraph] = append(perSource[SourceGraph], result.results...)
	}
}

// runThresholdExpansion implements the THRESHOLD strategy's deferred GS
// consultation: if the combined KS+VS result count falls below the
// configured floor, traverse the graph from every resolved entity using a
// category-appropriate predicate guess.
func (o *SearchOrchestrator) runThresholdExpansion(ctx context.Context, output RouterOutput, category Category, perSource map[Source][]RetrievalResult, resolvedNames map[string]string) {
	combined := len(perSource[SourceKeyword]) + len(perSource[SourceVector])
	if combined >= o.cfg.ThresholdMinResults || o.gs == nil {
		return
	}

	for _, entity := range output.Entities {
		subject, ok := resolvedNames[entity]
		if !ok {
			continue
		}
		for _, pred := range predicatesFor("", category) {
			stepCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.GraphStore())
			results, err := o.gs.Traverse(stepCtx, pred, subject, o.cfg.Limit)
			cancel()
			result := o.handleStepResult(SourceGraph, entity, results, err)
			if result.err == nil {
				perSource[SourceGraph] = append(perSource[SourceGraph], result.results...)
			}
		}
	}
}

// handleStepResult applies the fails-open policy: a recoverable error
// becomes an empty result with a warning log; a fatal error is preserved on
// the stepResult so the caller can decide whether to continue.
func (o *SearchOrchestrator) handleStepResult(source Source, payload string, results []RetrievalResult, err error) stepResult {
	if err == nil {
		return stepResult{source: source, payload: payload, results: results}
	}
	if IsFatal(err) {
		return stepResult{source: source, payload: payload, err: err}
	}

	observability.LogEvent(o.logger, observability.EventStoreCallResult, map[string]interface{}{
		"source":  source,
		"payload": payload,
		"error":   err.Error(),
		"empty":   true,
	})
	return stepResult{source: source, payload: payload}
}

// bestCanonicalName returns the canonical name of the highest-ranked
// result, used to feed query adjustment for a following GS step.
func bestCanonicalName(results []RetrievalResult) string {
	if len(results) == 0 {
		return ""
	}
	best := results[0]
	bestRank := bestRankOf(best)
	for _, r := range results[1:] {
		if rank := bestRankOf(r); rank < bestRank {
			best = r
			bestRank = rank
		}
	}
	return best.Entity.CanonicalName
}

func bestRankOf(r RetrievalResult) int {
	min := -1
	for _, rank := range r.PerSourceRank {
		if min == -1 || rank < min {
			min = rank
		}
	}
	return min
}

// reindexBySource dedupes a source's accumulated results (the source may
// have been called once per entity across a batch) by entity ID, keeping
// the best-ranked occurrence, then reassigns contiguous 0-based ranks in
// that order.
func reindexBySource(results []RetrievalResult, source Source) []RetrievalResult {
	type entry struct {
		result RetrievalResult
		rank   int
	}
	best := make(map[string]entry)
	for _, r := range results {
		rank, ok := r.PerSourceRank[source]
		if !ok {
			continue
		}
		if cur, found := best[r.Entity.ID]; !found || rank < cur.rank {
			best[r.Entity.ID] = entry{result: r, rank: rank}
		}
	}

	out := make([]entry, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rank < out[j].rank })

	reindexed := make([]RetrievalResult, len(out))
	for i, e := range out {
		r := e.result
		r.PerSourceRank = map[Source]int{source: i}
		reindexed[i] = r
	}
	return reindexed
}

// predicatesFor returns the GraphStore predicates to try for a relation
// hint (if any) or, absent one, a category-appropriate default guess.
func predicatesFor(relationHint string, category Category) []string {
	if relationHint != "" {
		if _, ok := graphRelations[relationHint]; ok {
			return []string{relationHint}
		}
	}
	switch category {
	case CategoryNPC:
		return []string{"find_npc_location"}
	case CategoryMonster:
		return []string{"find_monster_locations"}
	case CategoryItem:
		return []string{"find_item_sellers", "find_item_droppers"}
	case CategoryMap:
		return []string{"find_map_npcs", "find_map_monsters", "find_map_connections"}
	default:
		return []string{"find_npc_location"}
	}
}

// inferPredicateFromSentence picks the graph predicate for a GS step whose
// Rationale does not name a known predicate (e.g. an ENTITY_SENTENCE
// relation fragment): the category's first default predicate. The sentence
// text itself is not inspected.
func inferPredicateFromSentence(sentence string, category Category) string {
	preds := predicatesFor("", category)
	if len(preds) == 0 {
		return ""
	}
	return preds[0]
}
