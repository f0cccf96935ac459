package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kbforge/hybridretrieval/internal/kb"
)

func testKeywordStore(t *testing.T) *kb.KeywordStore {
	t.Helper()
	ks, err := kb.NewKeywordStore(filepath.Join(t.TempDir(), "seed.db"))
	if err != nil {
		t.Fatalf("new keyword store: %v", err)
	}
	t.Cleanup(func() { ks.Close() })
	return ks
}

func TestLoadFileParsesFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.json")
	const body = `[
		{
			"id": "npc-1",
			"canonical_name": "Mama Gigas",
			"category": "NPC",
			"description": "a traveling merchant who sells potions",
			"synonyms": ["gigas merchant"],
			"relations": [{"predicate": "find_item_sellers", "target_canonical_name": "Elderwood Blade"}]
		}
	]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	entities, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(entities))
	}
	e := entities[0]
	if e.CanonicalName != "Mama Gigas" || e.Category != kb.CategoryNPC {
		t.Errorf("unexpected entity: %+v", e)
	}
	if len(e.Relations) != 1 || e.Relations[0].Predicate != "find_item_sellers" {
		t.Errorf("unexpected relations: %+v", e.Relations)
	}
}

func TestLoadFileMissingPath(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing seed file")
	}
}

func TestSeederRunWritesToKeywordStoreWithoutVectorStore(t *testing.T) {
	ks := testKeywordStore(t)
	s := NewSeeder(ks, nil, nil, nil)

	entities := []Entity{
		{ID: "npc-1", CanonicalName: "Mama Gigas", Category: kb.CategoryNPC, Description: "a traveling merchant", Synonyms: []string{"gigas merchant"}},
		{ID: "mon-1", CanonicalName: "Frost Wolf", Category: kb.CategoryMonster, Description: "wanders the icy peak"},
	}

	result, err := s.Run(context.Background(), entities)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.KeywordStoreUpserts != 2 {
		t.Errorf("expected 2 keyword store upserts, got %d", result.KeywordStoreUpserts)
	}
	if result.VectorStorePoints != 0 {
		t.Errorf("expected no vector points without a vector store, got %d", result.VectorStorePoints)
	}

	rec, err := ks.Get(context.Background(), "mama gigas", kb.CategoryNPC)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || rec.ID != "npc-1" {
		t.Fatalf("expected Mama Gigas to have been seeded, got %+v", rec)
	}
}

func TestSeederRunCountsDeclaredRelationsAsSkipped(t *testing.T) {
	ks := testKeywordStore(t)
	s := NewSeeder(ks, nil, nil, nil)

	entities := []Entity{
		{
			ID: "npc-1", CanonicalName: "Mama Gigas", Category: kb.CategoryNPC, Description: "a merchant",
			Relations: []RelationSeed{
				{Predicate: "find_item_sellers", TargetName: "Elderwood Blade"},
				{Predicate: "find_location", TargetName: "Market Square"},
			},
		},
	}

	result, err := s.Run(context.Background(), entities)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.GraphEdgesSkipped != 2 {
		t.Errorf("expected 2 skipped relation edges logged, got %d", result.GraphEdgesSkipped)
	}
}

func TestSeederRunPropagatesKeywordStoreError(t *testing.T) {
	ks := testKeywordStore(t)
	ks.Close()
	s := NewSeeder(ks, nil, nil, nil)

	_, err := s.Run(context.Background(), []Entity{{ID: "npc-1", CanonicalName: "Mama Gigas", Category: kb.CategoryNPC}})
	if err == nil {
		t.Fatal("expected an error when the keyword store is closed")
	}
}
