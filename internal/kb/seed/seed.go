// Package seed loads a small, hand-authored JSON fixture of game entities
// into the KeywordStore and VectorStore so the retrieval
// engine has something to query end-to-end. It is not a general ingestion
// pipeline: there is no incremental sync, no source tracking, and no
// schema beyond the fixed entity categories.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/kbforge/hybridretrieval/internal/kb"
	"github.com/kbforge/hybridretrieval/internal/observability"
)

// Entity is one fixture record. Relations describe outgoing graph edges in
// terms of the GraphStore's fixed predicate catalog; TargetName must match
// another fixture entity's CanonicalName.
type Entity struct {
	ID            string                 `json:"id"`
	CanonicalName string                 `json:"canonical_name"`
	Category      kb.Category            `json:"category"`
	Description   string                 `json:"description"`
	Synonyms      []string               `json:"synonyms,omitempty"`
	Detail        map[string]interface{} `json:"detail,omitempty"`
	Relations     []RelationSeed         `json:"relations,omitempty"`
}

// RelationSeed is one outgoing edge from this entity, named by the
// GraphStore predicate it should be queryable through.
type RelationSeed struct {
	Predicate  string `json:"predicate"`
	TargetName string `json:"target_canonical_name"`
}

// LoadFile reads a JSON array of Entity fixtures from path.
func LoadFile(path string) ([]Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}
	var entities []Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return entities, nil
}

// Seeder writes fixture entities into the stores it was built with. VS is
// optional and skipped when nil. Declared graph relations are counted but
// never written to GS, whether or not a GraphStore is supplied.
type Seeder struct {
	ks     *kb.KeywordStore
	vs     *kb.VectorStore
	embed  *kb.EmbeddingService
	gs     *kb.GraphStore
	logger zerolog.Logger
}

// NewSeeder builds a Seeder. ks is required; vs+embed and gs may be nil.
func NewSeeder(ks *kb.KeywordStore, vs *kb.VectorStore, embed *kb.EmbeddingService, gs *kb.GraphStore) *Seeder {
	return &Seeder{
		ks:     ks,
		vs:     vs,
		embed:  embed,
		gs:     gs,
		logger: observability.Logger("kb.seed"),
	}
}

// Result tallies what Run wrote.
type Result struct {
	KeywordStoreUpserts int
	VectorStorePoints   int
	GraphEdgesSkipped   int
}

// Run upserts every fixture entity into the KeywordStore, embeds and
// upserts into the VectorStore when available, and logs (but does not
// write) relation edges, since the GraphStore's write path belongs to the
// world-building tooling this package stands in for, not the query engine.
func (s *Seeder) Run(ctx context.Context, entities []Entity) (Result, error) {
	var result Result
	now := time.Now()

	var points []kb.VectorPoint
	for _, e := range entities {
		rec := kb.EntityRecord{
			ID:            e.ID,
			CanonicalName: e.CanonicalName,
			Category:      e.Category,
			Description:   e.Description,
			Detail:        e.Detail,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.ks.UpsertEntity(ctx, rec, e.Synonyms); err != nil {
			return result, fmt.Errorf("upsert entity %s: %w", e.ID, err)
		}
		result.KeywordStoreUpserts++

		if s.vs != nil && s.embed != nil && e.Description != "" {
			vector, err := s.embed.Embed(ctx, e.Description)
			if err != nil {
				s.logger.Warn().Err(err).Str("entity", e.ID).Msg("embedding failed, skipping vector point")
				continue
			}
			points = append(points, kb.VectorPoint{
				ID:       e.ID + "#description",
				Vector:   vector,
				EntityID: e.ID,
				Category: e.Category,
			})
		}

		result.GraphEdgesSkipped += len(e.Relations)
	}

	if len(points) > 0 {
		if err := s.vs.UpsertBatch(ctx, points); err != nil {
			return result, fmt.Errorf("upsert vector points: %w", err)
		}
		result.VectorStorePoints = len(points)
	}

	if result.GraphEdgesSkipped > 0 {
		s.logger.Info().
			Int("relations", result.GraphEdgesSkipped).
			Msg("fixture relations declared but not materialized; populate the graph store's backing Cypher data out of band")
	}

	return result, nil
}
