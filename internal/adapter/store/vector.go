package store

import (
	"context"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/pgvector/pgvector-go"

	"github.com/arturoeanton/go-asset-reconciler/internal/domain"
	"github.com/arturoeanton/go-asset-reconciler/internal/port"
)

// assetColumns selects every catalog column except the raw vector.
var assetColumns = []string{
	"id", "seq", "name", "brand", "model", "location", "serial", "tag_id", "extension",
	"embedding_text", "text_embedding IS NOT NULL AS has_embedding", "embedding_version",
	"embedding_updated_at", "embedding_skip_reason",
	"is_reconciled", "reconciled_at", "reconciled_job_id", "reconciled_row_number",
}

var (
	_ port.CatalogStore   = (*VectorStore)(nil)
	_ port.VectorSearcher = (*VectorStore)(nil)
	_ port.JobStore       = (*PostgresStore)(nil)
	_ port.AuditWriter    = (*PostgresStore)(nil)
)

// VectorStore is the pgvector-backed asset catalog: embedding writes,
// reconciliation flags and cosine similarity search.
type VectorStore struct {
	store     *PostgresStore
	dimension int
}

// NewVectorStore creates a vector store backed by the given Postgres store.
func NewVectorStore(store *PostgresStore, dimension int) *VectorStore {
	return &VectorStore{store: store, dimension: dimension}
}

func (v *VectorStore) checkDimension(vec []float32) error {
	if v.dimension > 0 && len(vec) != v.dimension {
		return fmt.Errorf("vector has %d dimensions, catalog expects %d", len(vec), v.dimension)
	}
	return nil
}

// SaveEmbedding stores the vector only if the entry has none yet, and clears any skip reason.
func (v *VectorStore) SaveEmbedding(ctx context.Context, id, text string, vector []float32, version int) (bool, error) {
	if err := v.checkDimension(vector); err != nil {
		return false, err
	}
	db, err := v.store.conn()
	if err != nil {
		return false, err
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("assets")
	sb.Set(
		sb.Assign("embedding_text", text),
		sb.Assign("text_embedding", pgvector.NewVector(vector)),
		sb.Assign("embedding_version", version),
		sb.Assign("embedding_updated_at", time.Now().UTC()),
		sb.Assign("embedding_skip_reason", nil),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("text_embedding"),
	)

	query, args := sb.Build()
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("save embedding: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// buildSearchQuery builds the nearest-neighbour query. Filters are applied in
// SQL so the LIMIT counts only eligible entries.
func buildSearchQuery(q port.SearchQuery) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	vec := sb.Var(pgvector.NewVector(q.Vector))

	cols := append([]string{}, assetColumns...)
	cols = append(cols, fmt.Sprintf("(2 - (text_embedding <=> %s)) / 2 AS score", vec))
	sb.Select(cols...)
	sb.From("assets")

	where := []string{sb.IsNotNull("text_embedding")}
	if q.ExcludeReconciled {
		where = append(where, sb.Equal("is_reconciled", false))
	}
	if q.Location != nil {
		where = append(where, sb.Or(
			sb.Equal("location", q.Location.Path),
			sb.Like("location", q.Location.DescendantPattern()),
		))
	}
	sb.Where(where...)
	sb.OrderBy(fmt.Sprintf("text_embedding <=> %s", vec))
	sb.Limit(q.Limit)

	return sb.Build()
}

// SearchAssets performs a cosine similarity search over embedded catalog entries.
// Scores are (2 - cosine distance) / 2, so they lie in [0,1].
func (v *VectorStore) SearchAssets(ctx context.Context, q port.SearchQuery) ([]domain.ScoredAsset, error) {
	if err := v.checkDimension(q.Vector); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		return []domain.ScoredAsset{}, nil
	}
	db, err := v.store.conn()
	if err != nil {
		return nil, err
	}

	query, args := buildSearchQuery(q)
	hits := []domain.ScoredAsset{}
	if err := db.SelectContext(ctx, &hits, query, args...); err != nil {
		return nil, fmt.Errorf("search assets: %w", err)
	}
	return hits, nil
}
