package domain

import "time"

// EmbeddingVersion is the schema version of the embedding computation.
// Bump it when the embedded text or the model changes so entries can be re-embedded.
const EmbeddingVersion = 1

// Embedding skip reasons.
const (
	SkipReasonMissingName = "missing_name"
)

// Asset is a catalog entry. The catalog is owned by another system; the
// reconciler only reads it and writes the embedding and reconciliation fields.
type Asset struct {
	ID        string `json:"id"        db:"id"`
	Seq       int64  `json:"-"         db:"seq"` // insertion order, stable scan key
	Name      string `json:"name"      db:"name"`
	Brand     string `json:"brand"     db:"brand"`
	Model     string `json:"model"     db:"model"`
	Location  string `json:"location"  db:"location"` // slash-delimited hierarchy
	Serial    string `json:"serial"    db:"serial"`
	TagID     string `json:"tag_id"    db:"tag_id"`
	Extension string `json:"extension" db:"extension"`

	EmbeddingText       string     `json:"embedding_text,omitempty"        db:"embedding_text"`
	HasEmbedding        bool       `json:"has_embedding"                   db:"has_embedding"`
	EmbeddingVersion    int        `json:"embedding_version,omitempty"     db:"embedding_version"`
	EmbeddingUpdatedAt  *time.Time `json:"embedding_updated_at,omitempty"  db:"embedding_updated_at"`
	EmbeddingSkipReason *string    `json:"embedding_skip_reason,omitempty" db:"embedding_skip_reason"`

	IsReconciled        bool       `json:"is_reconciled"                   db:"is_reconciled"`
	ReconciledAt        *time.Time `json:"reconciled_at,omitempty"         db:"reconciled_at"`
	ReconciledJobID     *string    `json:"reconciled_job_id,omitempty"     db:"reconciled_job_id"`
	ReconciledRowNumber *int       `json:"reconciled_row_number,omitempty" db:"reconciled_row_number"`
}

// Suggestion is a copy of a catalog entry taken at retrieval time.
// It is never refreshed from the catalog afterwards.
type Suggestion struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Brand        string  `json:"brand"`
	Model        string  `json:"model"`
	TagID        string  `json:"tag_id"`
	Location     string  `json:"location"`
	Extension    string  `json:"extension"`
	IsReconciled bool    `json:"is_reconciled"`
	Score        float64 `json:"score"`
}

// ScoredAsset is a raw similarity search hit.
type ScoredAsset struct {
	Asset
	Score float64 `json:"score" db:"score"`
}

// Snapshot copies the hit into a Suggestion.
func (s ScoredAsset) Snapshot() Suggestion {
	return Suggestion{
		ID:           s.ID,
		Name:         s.Name,
		Brand:        s.Brand,
		Model:        s.Model,
		TagID:        s.TagID,
		Location:     s.Location,
		Extension:    s.Extension,
		IsReconciled: s.IsReconciled,
		Score:        s.Score,
	}
}
