package kb

import (
	"context"
	"errors"
	"testing"
)

func resultFor(id, name string, source Source, rank int) RetrievalResult {
	return RetrievalResult{
		Entity:        EntityRecord{ID: id, CanonicalName: name, Category: CategoryNPC},
		PerSourceRank: map[Source]int{source: rank},
		Sources:       NewSourceSet(source),
	}
}

func TestNewFusionRankerRejectsOutOfBandWeight(t *testing.T) {
	_, err := NewFusionRanker(60, map[Source]float64{SourceKeyword: 2.0}, nil)
	if err == nil || !errors.Is(err, ErrConfigurationError) {
		t.Fatalf("expected ConfigurationError for out-of-band weight, got %v", err)
	}
}

func TestNewFusionRankerRejectsNonPositiveK(t *testing.T) {
	_, err := NewFusionRanker(0, nil, nil)
	if err == nil || !errors.Is(err, ErrConfigurationError) {
		t.Fatalf("expected ConfigurationError for k=0, got %v", err)
	}
}

func TestFuseComputesReciprocalRankSum(t *testing.T) {
	ranker, err := NewFusionRanker(60, map[Source]float64{SourceKeyword: 1.0, SourceVector: 1.0}, nil)
	if err != nil {
		t.Fatalf("new fusion ranker: %v", err)
	}

	perSource := map[Source][]RetrievalResult{
		SourceKeyword: {resultFor("e1", "Mama Gigas", SourceKeyword, 0)},
		SourceVector:  {resultFor("e1", "Mama Gigas", SourceVector, 1)},
	}

	out, err := ranker.Fuse(context.Background(), "gigas", perSource, 10, false)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 fused result, got %d", len(out))
	}
	want := 1.0/60.0 + 1.0/61.0
	if diff := out[0].FusedScore - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected fused score %.6f, got %.6f", want, out[0].FusedScore)
	}
	if len(out[0].Sources) != 2 {
		t.Errorf("expected 2 contributing sources, got %d", len(out[0].Sources))
	}
}

func TestFuseHigherCombinedScoreRanksFirst(t *testing.T) {
	ranker, err := NewFusionRanker(60, nil, nil)
	if err != nil {
		t.Fatalf("new fusion ranker: %v", err)
	}

	// e1 only appears in KS at rank 0; e2 appears in both KS and VS at
	// ranks whose combined fused score exceeds e1's single-source score.
	perSource := map[Source][]RetrievalResult{
		SourceKeyword: {
			resultFor("e1", "Solo Entity", SourceKeyword, 0),
			resultFor("e2", "Dual Entity", SourceKeyword, 1),
		},
		SourceVector: {
			resultFor("e2", "Dual Entity", SourceVector, 120),
		},
	}

	out, err := ranker.Fuse(context.Background(), "q", perSource, 10, false)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	// e1: 1/60 ≈ 0.01667; e2: 1/61 + 1/180 ≈ 0.01639 + 0.00556 = 0.02195
	// Scores differ here, so this exercises score ordering, not the tie
	// break directly; assert the higher combined score wins.
	if out[0].Entity.ID != "e2" {
		t.Errorf("expected e2 (two sources) ranked first, got %s", out[0].Entity.ID)
	}
}

func TestLessFusedTieBreakOrder(t *testing.T) {
	a := RetrievalResult{
		Entity:     EntityRecord{ID: "b", CanonicalName: "Short"},
		FusedScore: 1.0,
		Sources:    NewSourceSet(SourceKeyword),
	}
	b := RetrievalResult{
		Entity:     EntityRecord{ID: "a", CanonicalName: "Short"},
		FusedScore: 1.0,
		Sources:    NewSourceSet(SourceKeyword),
	}
	// Equal score, equal source count, equal name length: tie-break on id.
	if !lessFused(b, a) {
		t.Errorf("expected lexicographically smaller id 'a' to sort before 'b'")
	}

	c := RetrievalResult{
		Entity:     EntityRecord{ID: "z", CanonicalName: "Longer Name"},
		FusedScore: 1.0,
		Sources:    NewSourceSet(SourceKeyword),
	}
	// Equal score and source count, shorter canonical_name should win
	// regardless of id ordering.
	if !lessFused(a, c) {
		t.Errorf("expected shorter canonical_name to sort first")
	}

	d := RetrievalResult{
		Entity:     EntityRecord{ID: "z", CanonicalName: "Tied"},
		FusedScore: 1.0,
		Sources:    NewSourceSet(SourceVector, SourceGraph),
	}
	e := RetrievalResult{
		Entity:     EntityRecord{ID: "a", CanonicalName: "Tied"},
		FusedScore: 1.0,
		Sources:    NewSourceSet(SourceKeyword),
	}
	// Equal score: presence in the KeywordStore wins regardless of source
	// count or id/name, since e has only one source but it is KS.
	if !lessFused(e, d) {
		t.Errorf("expected the KeywordStore-present result to sort first even with fewer total sources")
	}
}

func TestFuseTruncatesToLimit(t *testing.T) {
	ranker, err := NewFusionRanker(60, nil, nil)
	if err != nil {
		t.Fatalf("new fusion ranker: %v", err)
	}
	perSource := map[Source][]RetrievalResult{
		SourceKeyword: {
			resultFor("e1", "A", SourceKeyword, 0),
			resultFor("e2", "B", SourceKeyword, 1),
			resultFor("e3", "C", SourceKeyword, 2),
		},
	}
	out, err := ranker.Fuse(context.Background(), "q", perSource, 2, false)
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected truncation to 2, got %d", len(out))
	}
}

type erroringReranker struct{}

func (erroringReranker) Rerank(ctx context.Context, query string, results []RetrievalResult) ([]RetrievalResult, error) {
	return nil, errors.New("downstream reranker unreachable")
}

func TestFuseKeepsRRFOrderWhenRerankerFails(t *testing.T) {
	ranker, err := NewFusionRanker(60, nil, erroringReranker{})
	if err != nil {
		t.Fatalf("new fusion ranker: %v", err)
	}
	perSource := map[Source][]RetrievalResult{
		SourceKeyword: {resultFor("e1", "A", SourceKeyword, 0)},
	}
	out, err := ranker.Fuse(context.Background(), "q", perSource, 10, true)
	if err != nil {
		t.Fatalf("fuse should not propagate reranker error, got %v", err)
	}
	if len(out) != 1 || out[0].Entity.ID != "e1" {
		t.Fatalf("expected RRF order preserved on reranker failure, got %+v", out)
	}
}

func TestNoopRerankerPassesThrough(t *testing.T) {
	r := NoopReranker{}
	in := []RetrievalResult{resultFor("e1", "A", SourceKeyword, 0)}
	out, err := r.Rerank(context.Background(), "q", in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Entity.ID != "e1" {
		t.Errorf("expected passthrough, got %+v", out)
	}
}
