package kb

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"github.com/kbforge/hybridretrieval/internal/observability"
)

// entityPointNamespace is a fixed namespace UUID; point IDs are derived
// deterministically from string entity/chunk IDs since Qdrant requires UUID
// point identifiers.
var entityPointNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func chunkIDToUUID(chunkID string) string {
	hash := sha256.Sum256([]byte(chunkID))
	return uuid.NewSHA1(entityPointNamespace, hash[:]).String()
}

const (
	DefaultQdrantHost      = "localhost"
	DefaultQdrantPort      = 6334
	DefaultCollectionName  = "kb_entities"
	DefaultUpsertBatchSize = 100
)

// VectorStore is the semantic retrieval store: a Qdrant collection of
// entity description embeddings, one or more chunks per entity. Search
// dedups per call so at most one chunk per entity_id survives into fusion,
// keeping the highest-similarity chunk.
type VectorStore struct {
	client         *qdrant.Client
	collectionName string
	dimension      uint64
	batchSize      int
	logger         zerolog.Logger
	mu             sync.RWMutex
	ready          bool
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	Host           string
	Port           int
	CollectionName string
	Dimension      int
	BatchSize      int
}

// VectorPoint is one embedded chunk belonging to an entity.
type VectorPoint struct {
	ID       string // unique chunk id
	Vector   []float32
	EntityID string
	Category Category
}

// vectorHit is a single Qdrant match before per-entity dedup.
type vectorHit struct {
	ChunkID  string
	EntityID string
	Category Category
	Score    float32
}

// NewVectorStore creates a new vector store client. It does not dial until
// the first call.
func NewVectorStore(cfg VectorStoreConfig) (*VectorStore, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultQdrantHost
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultQdrantPort
	}
	if cfg.CollectionName == "" {
		cfg.CollectionName = DefaultCollectionName
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultEmbeddingDimension
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultUpsertBatchSize
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	return &VectorStore{
		client:         client,
		collectionName: cfg.CollectionName,
		dimension:      uint64(cfg.Dimension),
		batchSize:      cfg.BatchSize,
		logger:         observability.Logger("kb.vectorstore"),
	}, nil
}

// EnsureCollection ensures the collection exists, creating it if necessary.
func (vs *VectorStore) EnsureCollection(ctx context.Context) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.ready {
		return nil
	}

	collections, err := vs.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, col := range collections {
		if col == vs.collectionName {
			vs.ready = true
			return nil
		}
	}

	vs.logger.Info().Str("collection", vs.collectionName).Msg("creating collection")
	err = vs.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: vs.collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     vs.dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	for _, field := range []string{"entity_id", "category"} {
		_, err = vs.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: vs.collectionName,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			vs.logger.Warn().Err(err).Str("field", field).Msg("failed to create field index")
		}
	}

	vs.ready = true
	return nil
}

// UpsertBatch inserts or updates multiple chunk embeddings.
func (vs *VectorStore) UpsertBatch(ctx context.Context, points []VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	if err := vs.EnsureCollection(ctx); err != nil {
		return err
	}

	start := time.Now()
	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"entity_id": p.EntityID,
			"chunk_id":  p.ID,
			"category":  string(p.Category),
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(chunkIDToUUID(p.ID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	for i := 0; i < len(qdrantPoints); i += vs.batchSize {
		end := i + vs.batchSize
		if end > len(qdrantPoints) {
			end = len(qdrantPoints)
		}
		if _, err := vs.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: vs.collectionName,
			Points:         qdrantPoints[i:end],
		}); err != nil {
			return fmt.Errorf("upsert batch %d-%d: %w", i, end, err)
		}
	}

	vs.logger.Debug().Int("count", len(points)).Dur("duration", time.Since(start)).Msg("upserted points")
	return nil
}

// Search runs a similarity search against queryVector, optionally
// restricted to category, and returns at most limit entities after
// deduplicating to the single best-scoring chunk per entity_id. Results are
// joined against ks for the full EntityRecord; a hit whose entity_id ks
// cannot confirm is dropped.
func (vs *VectorStore) Search(ctx context.Context, queryVector []float32, category Category, limit int, ks *KeywordStore) ([]RetrievalResult, error) {
	if err := vs.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("%w: vector store: %v", ErrStoreTransport, err)
	}
	if limit <= 0 {
		return nil, nil
	}

	start := time.Now()

	var filter *qdrant.Filter
	if category != "" {
		filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("category", string(category))}}
	}

	// Over-fetch since multiple chunks per entity will collapse during dedup.
	fetchLimit := uint64(limit * 4)
	if fetchLimit < 20 {
		fetchLimit = 20
	}

	searchResult, err := vs.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: vs.collectionName,
		Query:          qdrant.NewQuery(queryVector...),
		Limit:          qdrant.PtrOf(fetchLimit),
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: vector store query: %v", ErrStoreTransport, err)
	}

	hits := make([]vectorHit, 0, len(searchResult))
	for _, point := range searchResult {
		h := vectorHit{ChunkID: point.Id.GetUuid(), Score: point.Score}
		if payload := point.Payload; payload != nil {
			if v, ok := payload["entity_id"]; ok {
				h.EntityID = v.GetStringValue()
			}
			if v, ok := payload["category"]; ok {
				h.Category = Category(v.GetStringValue())
			}
		}
		hits = append(hits, h)
	}

	best := dedupeByEntity(hits)
	if len(best) > limit {
		best = best[:limit]
	}

	out := make([]RetrievalResult, 0, len(best))
	for _, h := range best {
		rec := EntityRecord{ID: h.EntityID, Category: h.Category}
		if ks != nil {
			joined, err := ks.getByID(ctx, h.EntityID)
			if err != nil || joined == nil {
				continue
			}
			rec = *joined
		}
		out = append(out, RetrievalResult{
			Entity:        rec,
			PerSourceRank: map[Source]int{SourceVector: len(out)},
			PerSourceRaw:  map[Source]float64{SourceVector: float64(h.Score)},
			Sources:       NewSourceSet(SourceVector),
			MatchType:     MatchVectorSemantic,
		})
	}

	vs.logger.Debug().Int("results", len(out)).Dur("duration", time.Since(start)).Msg("search completed")
	return out, nil
}

// dedupeByEntity keeps at most one hit per entity_id, the highest-scoring
// one, preserving descending score order.
func dedupeByEntity(hits []vectorHit) []vectorHit {
	bestByEntity := make(map[string]vectorHit, len(hits))
	for _, h := range hits {
		cur, ok := bestByEntity[h.EntityID]
		if !ok || h.Score > cur.Score {
			bestByEntity[h.EntityID] = h
		}
	}

	out := make([]vectorHit, 0, len(bestByEntity))
	for _, h := range bestByEntity {
		out = append(out, h)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Score > out[i].Score {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// HealthCheck verifies the vector store is reachable.
func (vs *VectorStore) HealthCheck(ctx context.Context) error {
	_, err := vs.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("vector store health check failed: %w", err)
	}
	return nil
}

// Close closes the vector store connection.
func (vs *VectorStore) Close() error {
	return vs.client.Close()
}
