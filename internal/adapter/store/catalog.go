package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"

	"github.com/arturoeanton/go-asset-reconciler/internal/domain"
	"github.com/arturoeanton/go-asset-reconciler/internal/port"
)

func pendingEmbedding(sb *sqlbuilder.SelectBuilder) []string {
	return []string{sb.IsNull("text_embedding"), sb.IsNull("embedding_skip_reason")}
}

// GetAsset returns a catalog entry by ID.
func (v *VectorStore) GetAsset(ctx context.Context, id string) (*domain.Asset, error) {
	db, err := v.store.conn()
	if err != nil {
		return nil, err
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(assetColumns...)
	sb.From("assets")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var a domain.Asset
	if err := db.GetContext(ctx, &a, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, port.NotFound("asset", id)
		}
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return &a, nil
}

// CountPendingEmbeddings counts entries with neither an embedding nor a skip reason.
func (v *VectorStore) CountPendingEmbeddings(ctx context.Context) (int, error) {
	db, err := v.store.conn()
	if err != nil {
		return 0, err
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From("assets")
	sb.Where(pendingEmbedding(sb)...)

	query, args := sb.Build()
	var n int
	if err := db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count pending embeddings: %w", err)
	}
	return n, nil
}

// ListPendingEmbeddings returns up to limit pending entries after afterSeq, in insertion order.
func (v *VectorStore) ListPendingEmbeddings(ctx context.Context, afterSeq int64, limit int) ([]domain.Asset, error) {
	db, err := v.store.conn()
	if err != nil {
		return nil, err
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(assetColumns...)
	sb.From("assets")
	sb.Where(append(pendingEmbedding(sb), sb.GreaterThan("seq", afterSeq))...)
	sb.OrderBy("seq")
	sb.Limit(limit)

	query, args := sb.Build()
	assets := []domain.Asset{}
	if err := db.SelectContext(ctx, &assets, query, args...); err != nil {
		return nil, fmt.Errorf("list pending embeddings: %w", err)
	}
	return assets, nil
}

// MarkEmbeddingSkipped records why an entry cannot be embedded, if it is still pending.
func (v *VectorStore) MarkEmbeddingSkipped(ctx context.Context, id, reason string) (bool, error) {
	db, err := v.store.conn()
	if err != nil {
		return false, err
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("assets")
	sb.Set(sb.Assign("embedding_skip_reason", reason))
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("text_embedding"),
		sb.IsNull("embedding_skip_reason"),
	)

	query, args := sb.Build()
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("mark embedding skipped: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkReconciled flags the entry as reconciled by a job row, unless it already is.
func (v *VectorStore) MarkReconciled(ctx context.Context, id, jobID string, rowNumber int, at time.Time) (bool, error) {
	db, err := v.store.conn()
	if err != nil {
		return false, err
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("assets")
	sb.Set(
		sb.Assign("is_reconciled", true),
		sb.Assign("reconciled_at", at),
		sb.Assign("reconciled_job_id", jobID),
		sb.Assign("reconciled_row_number", rowNumber),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("is_reconciled", false),
	)

	query, args := sb.Build()
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("mark reconciled: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
