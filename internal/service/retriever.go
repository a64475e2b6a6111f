package service

import (
	"context"
	"fmt"

	"github.com/arturoeanton/go-asset-reconciler/internal/domain"
	"github.com/arturoeanton/go-asset-reconciler/internal/port"
)

// Candidate pool multipliers. A location filter discards most of the raw
// ranked hits, so the pool is widened before filtering.
const (
	filteredPoolFactor   = 10
	unfilteredPoolFactor = 2
)

// CandidateRetriever owns the retrieval policy on top of the vector search.
type CandidateRetriever struct {
	searcher port.VectorSearcher
}

// NewCandidateRetriever creates a retriever backed by searcher.
func NewCandidateRetriever(searcher port.VectorSearcher) *CandidateRetriever {
	return &CandidateRetriever{searcher: searcher}
}

// PoolSize returns how many raw hits are requested for topK results.
func PoolSize(topK int, filtered bool) int {
	if filtered {
		return topK * filteredPoolFactor
	}
	return topK * unfilteredPoolFactor
}

// Retrieve returns at most topK suggestions in the search engine's order.
// Hits outside the location filter, and reconciled hits when excludeReconciled
// is set, are dropped even if the backend already filtered them.
func (r *CandidateRetriever) Retrieve(ctx context.Context, vector []float32, filter *domain.LocationFilter, excludeReconciled bool, topK int) ([]domain.Suggestion, error) {
	if topK <= 0 {
		return []domain.Suggestion{}, nil
	}

	hits, err := r.searcher.SearchAssets(ctx, port.SearchQuery{
		Vector:            vector,
		Limit:             PoolSize(topK, filter != nil),
		Location:          filter,
		ExcludeReconciled: excludeReconciled,
	})
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}

	out := make([]domain.Suggestion, 0, topK)
	for _, h := range hits {
		if excludeReconciled && h.IsReconciled {
			continue
		}
		if !filter.Matches(h.Location) {
			continue
		}
		out = append(out, h.Snapshot())
		if len(out) == topK {
			break
		}
	}
	return out, nil
}
