package port

import (
	"context"
	"time"

	"github.com/arturoeanton/go-asset-reconciler/internal/domain"
)

// Embedder abstracts the text-to-vector provider.
// Implementations can target Ollama or any compatible API.
type Embedder interface {
	// ModelName returns the identifier of the embedding model.
	ModelName() string

	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates one embedding per input, in input order, with the same model as Embed.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// SearchQuery is a nearest-neighbour request against the catalog.
type SearchQuery struct {
	Vector            []float32
	Limit             int
	Location          *domain.LocationFilter
	ExcludeReconciled bool
}

// VectorSearcher runs approximate nearest-neighbour searches over catalog embeddings.
type VectorSearcher interface {
	// SearchAssets returns hits ordered by descending score, each score in [0,1].
	SearchAssets(ctx context.Context, q SearchQuery) ([]domain.ScoredAsset, error)
}

// CatalogStore is the slice of the asset catalog the reconciler reads and writes.
// Every write is conditional on the current state of the entry.
type CatalogStore interface {
	GetAsset(ctx context.Context, id string) (*domain.Asset, error)

	// CountPendingEmbeddings counts entries with neither an embedding nor a skip reason.
	CountPendingEmbeddings(ctx context.Context) (int, error)

	// ListPendingEmbeddings returns up to limit pending entries with Seq > afterSeq, ordered by Seq.
	ListPendingEmbeddings(ctx context.Context, afterSeq int64, limit int) ([]domain.Asset, error)

	// MarkEmbeddingSkipped sets the skip reason if the entry is still unembedded.
	MarkEmbeddingSkipped(ctx context.Context, id, reason string) (bool, error)

	// SaveEmbedding stores the vector if the entry has none yet and clears any skip reason.
	SaveEmbedding(ctx context.Context, id, text string, vector []float32, version int) (bool, error)

	// MarkReconciled flags the entry as reconciled unless it already is.
	MarkReconciled(ctx context.Context, id, jobID string, rowNumber int, at time.Time) (bool, error)
}

// JobFilter narrows job listings by creation date.
type JobFilter struct {
	From *time.Time
	To   *time.Time
}

// JobStore persists reconciliation jobs and their rows.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.ReconciliationJob, rows []domain.JobRow) error
	GetJob(ctx context.Context, id string) (*domain.ReconciliationJob, error)
	ListJobs(ctx context.Context, f JobFilter) ([]domain.ReconciliationJob, error)
	DeleteJob(ctx context.Context, id string) error

	// ListRows returns rows in stored order. limit <= 0 means all rows.
	ListRows(ctx context.Context, jobID string, offset, limit int) ([]domain.JobRow, error)

	// BeginProcessing moves a non-completed job to processing and resets its progress.
	BeginProcessing(ctx context.Context, id string) (*domain.ReconciliationJob, error)
	SetStatus(ctx context.Context, id, status string) error

	// SaveSuggestions writes the suggestions of one row only.
	SaveSuggestions(ctx context.Context, jobID string, rowNumber int, suggestions []domain.Suggestion) error

	// IncrementProcessed adds one to processed_rows, never beyond total_rows.
	IncrementProcessed(ctx context.Context, jobID string) (int, error)

	// SetDecision updates one row. Suggestions are cleared when clearSuggestions is set.
	SetDecision(ctx context.Context, jobID string, rowNumber int, decision string, selectedAssetID *string, clearSuggestions bool) error
}

// ProgressPublisher receives job progress updates from the row loop.
type ProgressPublisher interface {
	Publish(p domain.JobProgress)
}

// AuditWriter persists audit records.
type AuditWriter interface {
	WriteAudit(ctx context.Context, entry *domain.AuditLog) error
}
