package kb

import (
	"context"
	"fmt"

	"github.com/kbforge/hybridretrieval/internal/config"
)

// Engine is the fully wired retrieval stack: stores, LLM providers, router,
// and orchestrator. Close releases every underlying connection.
type Engine struct {
	KS    *KeywordStore
	VS    *VectorStore
	GS    *GraphStore
	Embed *EmbeddingService

	Orchestrator *SearchOrchestrator
}

// NewEngine builds an Engine from cfg. ctx bounds only the construction-time
// work (the LLM primary health check); it is not retained.
func NewEngine(ctx context.Context, cfg *config.Config) (*Engine, error) {
	ks, err := NewKeywordStore(cfg.KeywordDB.Path)
	if err != nil {
		return nil, fmt.Errorf("build keyword store: %w", err)
	}

	vs, err := NewVectorStore(VectorStoreConfig{
		Host:           cfg.VectorStore.Host,
		Port:           cfg.VectorStore.Port,
		CollectionName: cfg.VectorStore.CollectionName,
		Dimension:      cfg.VectorStore.Dimension,
		BatchSize:      cfg.VectorStore.BatchSize,
	})
	if err != nil {
		ks.Close()
		return nil, fmt.Errorf("build vector store: %w", err)
	}

	embed, err := NewEmbeddingService(EmbeddingConfig{
		OllamaHost: cfg.VectorStore.EmbeddingHost,
		Model:      cfg.VectorStore.EmbeddingModel,
		Dimension:  cfg.VectorStore.Dimension,
	})
	if err != nil {
		ks.Close()
		return nil, fmt.Errorf("build embedding service: %w", err)
	}

	gs := NewGraphStore(GraphStoreConfig{
		Host:      cfg.GraphStore.Host,
		Port:      cfg.GraphStore.Port,
		Password:  cfg.GraphStore.Password,
		GraphName: cfg.GraphStore.GraphName,
	})

	primary, err := NewAnyLLMProvider(cfg.LLM.Primary)
	if err != nil {
		ks.Close()
		gs.Close()
		return nil, fmt.Errorf("build primary llm provider: %w", err)
	}
	backup, err := NewAnyLLMProvider(cfg.LLM.Backup)
	if err != nil {
		ks.Close()
		gs.Close()
		return nil, fmt.Errorf("build backup llm provider: %w", err)
	}
	llm := NewFailoverProvider(ctx, primary, backup)

	extractor := NewKeywordExtractor(llm, cfg.Engine.VerbSuffixList)

	router, err := NewRouter(cfg.Engine.Strategy, llm, extractor)
	if err != nil {
		ks.Close()
		gs.Close()
		return nil, fmt.Errorf("build router: %w", err)
	}

	weights := make(map[Source]float64, len(cfg.Engine.SourceWeights))
	for k, v := range cfg.Engine.SourceWeights {
		weights[Source(k)] = v
	}

	var reranker Reranker = NoopReranker{}
	if cfg.Engine.RerankerEnabled && cfg.Engine.RerankerURL != "" {
		reranker = NewHTTPReranker(cfg.Engine.RerankerURL)
	}

	fusion, err := NewFusionRanker(cfg.Engine.RRFK, weights, reranker)
	if err != nil {
		ks.Close()
		gs.Close()
		return nil, fmt.Errorf("build fusion ranker: %w", err)
	}

	orchestrator := NewSearchOrchestrator(router, ks, vs, gs, embed, fusion, cfg.Engine)

	return &Engine{
		KS:           ks,
		VS:           vs,
		GS:           gs,
		Embed:        embed,
		Orchestrator: orchestrator,
	}, nil
}

// Close releases every store connection the Engine opened.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.KS.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.VS.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.GS.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Search is a convenience passthrough to Orchestrator.Search.
func (e *Engine) Search(ctx context.Context, query string, category Category) ([]RetrievalResult, error) {
	return e.Orchestrator.Search(ctx, query, category)
}
