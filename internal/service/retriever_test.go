package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arturoeanton/go-asset-reconciler/internal/domain"
)

func hit(id, location string, score float64, reconciled bool) domain.ScoredAsset {
	return domain.ScoredAsset{
		Asset: domain.Asset{ID: id, Name: "asset " + id, Location: location, IsReconciled: reconciled},
		Score: score,
	}
}

func TestRetrieveOversamplesWithLocationFilter(t *testing.T) {
	s := &staticSearcher{}
	r := NewCandidateRetriever(s)

	_, err := r.Retrieve(context.Background(), []float32{1}, domain.NewLocationFilter("Site/A"), true, 5)
	require.NoError(t, err)
	_, err = r.Retrieve(context.Background(), []float32{1}, nil, true, 5)
	require.NoError(t, err)

	require.Len(t, s.queries, 2)
	assert.Equal(t, 50, s.queries[0].Limit)
	assert.Equal(t, "Site/A", s.queries[0].Location.Path)
	assert.True(t, s.queries[0].ExcludeReconciled)
	assert.Equal(t, 10, s.queries[1].Limit)
	assert.Nil(t, s.queries[1].Location)
}

func TestRetrievePostFiltersAndTruncates(t *testing.T) {
	s := &staticSearcher{hits: []domain.ScoredAsset{
		hit("1", "Site/AX", 0.99, false),
		hit("2", "Site/A/Floor1", 0.97, false),
		hit("3", "Site/A", 0.95, true),
		hit("4", "Site/A", 0.93, false),
		hit("5", "Site/A/Floor2", 0.90, false),
	}}
	r := NewCandidateRetriever(s)

	got, err := r.Retrieve(context.Background(), []float32{1}, domain.NewLocationFilter("Site/A"), true, 2)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].ID)
	assert.Equal(t, "4", got[1].ID)
}

func TestRetrieveKeepsReconciledWhenNotExcluded(t *testing.T) {
	s := &staticSearcher{hits: []domain.ScoredAsset{hit("1", "", 0.9, true), hit("2", "", 0.8, false)}}
	r := NewCandidateRetriever(s)

	got, err := r.Retrieve(context.Background(), []float32{1}, nil, false, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsReconciled)
}

func TestRetrievePreservesEngineOrderOnTies(t *testing.T) {
	s := &staticSearcher{hits: []domain.ScoredAsset{hit("b", "", 0.8, false), hit("a", "", 0.8, false), hit("c", "", 0.7, false)}}
	r := NewCandidateRetriever(s)

	got, err := r.Retrieve(context.Background(), []float32{1}, nil, true, 3)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, g := range got {
		ids[i] = g.ID
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
}

func TestRetrieveFewerThanTopK(t *testing.T) {
	s := &staticSearcher{hits: []domain.ScoredAsset{hit("1", "", 0.5, false)}}
	r := NewCandidateRetriever(s)

	got, err := r.Retrieve(context.Background(), []float32{1}, nil, true, 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = r.Retrieve(context.Background(), []float32{1}, nil, true, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieveWrapsSearchError(t *testing.T) {
	c := newFakeCatalog()
	c.searchErr = fmt.Errorf("connection refused")
	r := NewCandidateRetriever(c)

	_, err := r.Retrieve(context.Background(), []float32{1}, nil, true, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search candidates")
}
