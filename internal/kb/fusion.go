package kb

import (
	"context"
	"fmt"
	"sort"
)

// sourceWeightBandMin and sourceWeightBandMax bound a valid SourceWeights
// entry; anything outside the band is a ConfigurationError raised before
// any query runs.
const (
	sourceWeightBandMin = 0.2
	sourceWeightBandMax = 1.5
)

// FusionRanker combines per-source ranked result lists into one ranking via
// Reciprocal Rank Fusion, then optionally hands the fused order to an
// external reranker.
type FusionRanker struct {
	k        int
	weights  map[Source]float64
	reranker Reranker
}

// NewFusionRanker validates weights against the [0.2, 1.5] band and builds
// a FusionRanker. k is the RRF stabilizer constant (spec default 60).
func NewFusionRanker(k int, weights map[Source]float64, reranker Reranker) (*FusionRanker, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: rrf k must be positive, got %d", ErrConfigurationError, k)
	}
	for src, w := range weights {
		if w < sourceWeightBandMin || w > sourceWeightBandMax {
			return nil, fmt.Errorf("%w: source weight for %s out of band [%.1f, %.1f]: %v",
				ErrConfigurationError, src, sourceWeightBandMin, sourceWeightBandMax, w)
		}
	}
	if reranker == nil {
		reranker = NoopReranker{}
	}
	return &FusionRanker{k: k, weights: weights, reranker: reranker}, nil
}

// Fuse merges perSource (one ranked, 0-based result list per source) into a
// single ranking, breaking ties by (1) presence in the KeywordStore,
// (2) canonical_name length ascending, (3) id lexicographic ascending. If
// rerankEnabled, the top 2*limit fused results are passed through the
// reranker before truncation to limit; on reranker failure the RRF order is
// kept.
func (f *FusionRanker) Fuse(ctx context.Context, query string, perSource map[Source][]RetrievalResult, limit int, rerankEnabled bool) ([]RetrievalResult, error) {
	merged := make(map[string]*RetrievalResult)

	for src, results := range perSource {
		weight := f.weights[src]
		if weight == 0 {
			weight = 1.0
		}
		for _, r := range results {
			rank, ok := r.PerSourceRank[src]
			if !ok {
				continue
			}
			existing, found := merged[r.Entity.ID]
			if !found {
				copyR := r
				copyR.PerSourceRank = map[Source]int{src: rank}
				if r.PerSourceRaw != nil {
					copyR.PerSourceRaw = map[Source]float64{}
					for s, v := range r.PerSourceRaw {
						copyR.PerSourceRaw[s] = v
					}
				}
				copyR.Sources = NewSourceSet(src)
				copyR.FusedScore = weight / float64(f.k+rank)
				merged[r.Entity.ID] = &copyR
				continue
			}

			existing.PerSourceRank[src] = rank
			if r.PerSourceRaw != nil {
				if existing.PerSourceRaw == nil {
					existing.PerSourceRaw = map[Source]float64{}
				}
				for s, v := range r.PerSourceRaw {
					existing.PerSourceRaw[s] = v
				}
			}
			existing.Sources = existing.Sources.Union(NewSourceSet(src))
			existing.FusedScore += weight / float64(f.k+rank)
			if existing.MatchType == "" {
				existing.MatchType = r.MatchType
			}
			if len(r.Entity.Relations) > 0 {
				existing.Entity.Relations = append(existing.Entity.Relations, r.Entity.Relations...)
			}
		}
	}

	out := make([]RetrievalResult, 0, len(merged))
	for _, r := range merged {
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return lessFused(out[i], out[j])
	})

	if rerankEnabled {
		candidates := out
		if limit > 0 && len(candidates) > 2*limit {
			candidates = candidates[:2*limit]
		}
		reranked, err := f.reranker.Rerank(ctx, query, candidates)
		if err == nil {
			out = reranked
		}
		// Reranker failure falls back to RRF order; not propagated.
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// lessFused implements the fused-score-descending ordering with the
// documented three-level tie-break.
func lessFused(a, b RetrievalResult) bool {
	if a.FusedScore != b.FusedScore {
		return a.FusedScore > b.FusedScore
	}
	if aHasKS, bHasKS := a.Sources.Has(SourceKeyword), b.Sources.Has(SourceKeyword); aHasKS != bHasKS {
		return aHasKS
	}
	nameLenA, nameLenB := len([]rune(a.Entity.CanonicalName)), len([]rune(b.Entity.CanonicalName))
	if nameLenA != nameLenB {
		return nameLenA < nameLenB
	}
	return a.Entity.ID < b.Entity.ID
}
