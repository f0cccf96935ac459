// Package kb implements the hybrid retrieval engine: a KeywordStore, a
// VectorStore, a GraphStore, a Router, a FusionRanker, and a
// SearchOrchestrator that binds them together over a closed set of game
// entity categories.
package kb

import "time"

// Category is the closed set of entity categories the engine is
// parameterized by. The set is fixed to the four constants below;
// ValidCategories does not read any configuration.
type Category string

const (
	CategoryNPC     Category = "NPC"
	CategoryMap     Category = "MAP"
	CategoryItem    Category = "ITEM"
	CategoryMonster Category = "MONSTER"
)

// ValidCategories returns every category the engine recognizes.
func ValidCategories() []Category {
	return []Category{CategoryNPC, CategoryMap, CategoryItem, CategoryMonster}
}

// IsValidCategory reports whether c is one of the closed categories.
func IsValidCategory(c Category) bool {
	for _, valid := range ValidCategories() {
		if c == valid {
			return true
		}
	}
	return false
}

// Source identifies which of the three stores produced a retrieval result.
type Source string

const (
	SourceKeyword Source = "KS"
	SourceVector  Source = "VS"
	SourceGraph   Source = "GS"
)

// SourceSet is a non-empty set of contributing sources, keyed for O(1)
// membership and union without ordering concerns.
type SourceSet map[Source]struct{}

// NewSourceSet builds a SourceSet from the given sources.
func NewSourceSet(sources ...Source) SourceSet {
	s := make(SourceSet, len(sources))
	for _, src := range sources {
		s[src] = struct{}{}
	}
	return s
}

// Has reports whether src is a member.
func (s SourceSet) Has(src Source) bool {
	_, ok := s[src]
	return ok
}

// Union returns a new SourceSet containing every member of s and other.
func (s SourceSet) Union(other SourceSet) SourceSet {
	out := make(SourceSet, len(s)+len(other))
	for src := range s {
		out[src] = struct{}{}
	}
	for src := range other {
		out[src] = struct{}{}
	}
	return out
}

// Slice returns the set's members in a stable (KS, VS, GS) order, useful
// for deterministic logging and telemetry.
func (s SourceSet) Slice() []Source {
	out := make([]Source, 0, len(s))
	for _, candidate := range []Source{SourceKeyword, SourceVector, SourceGraph} {
		if s.Has(candidate) {
			out = append(out, candidate)
		}
	}
	return out
}

// MatchType is a short tag identifying how a record was found.
type MatchType string

const (
	MatchExactName         MatchType = "exact_name"
	MatchPrefix            MatchType = "prefix"
	MatchSynonym           MatchType = "synonym"
	MatchSubstring         MatchType = "substring"
	MatchDescriptionILike  MatchType = "description_ilike"
	MatchVectorSemantic    MatchType = "vector_semantic"
	MatchGraphRelationBase = "graph_relation_"
)

// MatchGraphRelation builds the match_type tag for a graph traversal over
// the given predicate, e.g. "graph_relation_find_item_sellers".
func MatchGraphRelation(predicate string) MatchType {
	return MatchType(MatchGraphRelationBase + predicate)
}

// Relation is one edge attached to an EntityRecord when the graph store
// contributed to that record.
type Relation struct {
	Predicate    string   `json:"predicate"`
	PeerName     string   `json:"peer_canonical_name"`
	PeerCategory Category `json:"peer_category"`
}

// EntityRecord is the engine's universal result type.
type EntityRecord struct {
	ID            string                 `json:"id"`
	CanonicalName string                 `json:"canonical_name"`
	Synonyms      []string               `json:"synonyms,omitempty"`
	Category      Category               `json:"category"`
	Description   string                 `json:"description,omitempty"`
	Detail        map[string]interface{} `json:"detail,omitempty"`
	Relations     []Relation             `json:"relations,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// RetrievalResult pairs one EntityRecord with its per-source standing and
// its position in the final fused ranking.
type RetrievalResult struct {
	Entity        EntityRecord       `json:"entity"`
	PerSourceRank map[Source]int     `json:"per_source_rank"`
	PerSourceRaw  map[Source]float64 `json:"per_source_raw_score"`
	FusedScore    float64            `json:"fused_score"`
	Sources       SourceSet          `json:"-"`
	MatchType     MatchType          `json:"match_type"`
}

// PlanStep is one step of a Plan-shape RouterOutput.
type PlanStep struct {
	Tool      Source `json:"tool"`
	Payload   string `json:"query_payload"`
	Rationale string `json:"rationale,omitempty"`
}

// RouterOutput carries the strategy tag and the strategy-specific payload
// emitted by Router.Route. Shape decides which payload the orchestrator
// executes: Plan for "plan", the Hop-shape fields for "hop". Plan-shape
// outputs may also carry Entities (and Sentences) for later expansion.
type RouterOutput struct {
	Strategy string `json:"strategy"`
	Shape    string `json:"shape"` // "plan" or "hop"

	// Plan-shape.
	Plan []PlanStep `json:"plan,omitempty"`

	// Hop-shape.
	Hop          int      `json:"hop,omitempty"`
	Entities     []string `json:"entities,omitempty"`
	Sentences    []string `json:"sentences,omitempty"`
	RelationHint string   `json:"relation_hint,omitempty"`

	// Fallback is true when the active strategy's LLM call failed and the
	// deterministic morphological fallback produced this output instead.
	Fallback bool `json:"fallback"`
}

const (
	ShapePlan = "plan"
	ShapeHop  = "hop"
)

// Extraction is the KeywordExtractor's output: candidate terms split into
// noun-like Entities and verb-bearing Sentences, plus the raw token list
// both were derived from.
type Extraction struct {
	RawTokens []string `json:"raw_tokens"`
	Entities  []string `json:"entities"`
	Sentences []string `json:"sentences"`
}
