package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Reranker reorders a fused result list using a signal outside RRF, such as
// an external cross-encoder. Implementations must respect ctx's deadline
// and return quickly on cancellation rather than blocking a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []RetrievalResult) ([]RetrievalResult, error)
}

// NoopReranker returns results unchanged; it is the default when reranking
// is disabled.
type NoopReranker struct{}

// Rerank implements Reranker.
func (NoopReranker) Rerank(ctx context.Context, query string, results []RetrievalResult) ([]RetrievalResult, error) {
	return results, nil
}

// HTTPReranker calls an external cross-encoder reranking service over
// HTTP. On any error (including a client-side timeout) the caller is
// expected to fall back to RRF order; HTTPReranker itself just reports the
// failure.
type HTTPReranker struct {
	URL    string
	Client *http.Client
}

// NewHTTPReranker builds an HTTPReranker on http.DefaultClient. The call
// deadline comes only from ctx (SearchOrchestrator applies the configured
// reranker timeout to the Fuse call), not from the http.Client itself.
func NewHTTPReranker(url string) *HTTPReranker {
	return &HTTPReranker{URL: url, Client: http.DefaultClient}
}

type rerankRequest struct {
	Query      string   `json:"query"`
	Candidates []string `json:"candidates"`
}

type rerankResponse struct {
	Order []int `json:"order"` // indices into the original candidate list, best first
}

// Rerank implements Reranker.
func (h *HTTPReranker) Rerank(ctx context.Context, query string, results []RetrievalResult) ([]RetrievalResult, error) {
	if len(results) == 0 {
		return results, nil
	}

	candidates := make([]string, len(results))
	for i, r := range results {
		candidates[i] = r.Entity.CanonicalName + ": " + r.Entity.Description
	}

	body, err := json.Marshal(rerankRequest{Query: query, Candidates: candidates})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed after %s: %w", time.Since(start), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank request returned status %d", resp.StatusCode)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	if len(parsed.Order) != len(results) {
		return nil, fmt.Errorf("rerank response order length %d does not match candidate count %d", len(parsed.Order), len(results))
	}

	reordered := make([]RetrievalResult, len(results))
	seen := make([]bool, len(results))
	for i, idx := range parsed.Order {
		if idx < 0 || idx >= len(results) || seen[idx] {
			return nil, fmt.Errorf("rerank response order contains invalid index %d", idx)
		}
		seen[idx] = true
		reordered[i] = results[idx]
	}

	return reordered, nil
}
