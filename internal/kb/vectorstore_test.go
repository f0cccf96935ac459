package kb

import "testing"

func TestDedupeByEntityKeepsHighestScore(t *testing.T) {
	hits := []vectorHit{
		{ChunkID: "c1", EntityID: "e1", Score: 0.4},
		{ChunkID: "c2", EntityID: "e1", Score: 0.9},
		{ChunkID: "c3", EntityID: "e2", Score: 0.7},
	}

	out := dedupeByEntity(hits)
	if len(out) != 2 {
		t.Fatalf("expected 2 deduped entities, got %d", len(out))
	}
	if out[0].EntityID != "e1" || out[0].ChunkID != "c2" {
		t.Errorf("expected e1's best chunk c2 first, got %+v", out[0])
	}
	if out[1].EntityID != "e2" {
		t.Errorf("expected e2 second, got %+v", out[1])
	}
}

func TestDedupeByEntityDescendingOrder(t *testing.T) {
	hits := []vectorHit{
		{ChunkID: "c1", EntityID: "low", Score: 0.1},
		{ChunkID: "c2", EntityID: "high", Score: 0.99},
		{ChunkID: "c3", EntityID: "mid", Score: 0.5},
	}
	out := dedupeByEntity(hits)
	if len(out) != 3 {
		t.Fatalf("expected 3 entities, got %d", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].Score > out[i-1].Score {
			t.Fatalf("expected descending score order, got %+v", out)
		}
	}
	if out[0].EntityID != "high" {
		t.Errorf("expected highest score first, got %s", out[0].EntityID)
	}
}

func TestDedupeByEntityEmpty(t *testing.T) {
	out := dedupeByEntity(nil)
	if len(out) != 0 {
		t.Errorf("expected empty output for empty input, got %+v", out)
	}
}

func TestChunkIDToUUIDIsDeterministic(t *testing.T) {
	a := chunkIDToUUID("npc-1#chunk-0")
	b := chunkIDToUUID("npc-1#chunk-0")
	if a != b {
		t.Errorf("expected same chunk id to map to same uuid, got %s vs %s", a, b)
	}
	c := chunkIDToUUID("npc-1#chunk-1")
	if a == c {
		t.Errorf("expected different chunk ids to map to different uuids")
	}
}
