package domain

import "time"

// JobStatus constants.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
)

// Decision constants.
const (
	DecisionPending = "pending"
	DecisionMatch   = "match"
	DecisionNoMatch = "no_match"
)

// ValidDecision reports whether d is one of the known decisions.
func ValidDecision(d string) bool {
	switch d {
	case DecisionPending, DecisionMatch, DecisionNoMatch:
		return true
	}
	return false
}

// LegacyRow is one record of the legacy ERP export, as produced by the spreadsheet importer.
type LegacyRow struct {
	RowNumber      *int   `json:"row_number"      validate:"required,gte=0"`
	SAPDescription string `json:"sap_description" validate:"max=2000"`
	SAPLocation    string `json:"sap_location"    validate:"max=1000"`
}

// ReconciliationJob is the header of a reconciliation job.
type ReconciliationJob struct {
	ID             string    `json:"id"              db:"id"`
	Status         string    `json:"status"          db:"status"`
	TotalRows      int       `json:"total_rows"      db:"total_rows"`
	ProcessedRows  int       `json:"processed_rows"  db:"processed_rows"`
	LocationFilter *string   `json:"location_filter" db:"location_filter"`
	CreatedAt      time.Time `json:"created_at"      db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"      db:"updated_at"`
}

// JobRow is a legacy row inside a job together with its suggestions and decision.
type JobRow struct {
	Position        int          `json:"-"                 db:"position"`
	RowNumber       int          `json:"row_number"        db:"row_number"`
	SAPDescription  string       `json:"sap_description"   db:"sap_description"`
	SAPLocation     string       `json:"sap_location"      db:"sap_location"`
	Suggestions     []Suggestion `json:"suggestions"       db:"-"`
	Decision        string       `json:"decision"          db:"decision"`
	SelectedAssetID *string      `json:"selected_asset_id" db:"selected_asset_id"`
}

// BestScore returns the highest suggestion score, or 0 without suggestions.
func (r JobRow) BestScore() float64 {
	best := 0.0
	for _, s := range r.Suggestions {
		if s.Score > best {
			best = s.Score
		}
	}
	return best
}

// JobPage is a job header with a slice of its rows in stored order.
type JobPage struct {
	ReconciliationJob
	Rows   []JobRow `json:"rows"`
	Offset int      `json:"offset"`
	Limit  int      `json:"limit"`
}

// JobProgress is published while a job is processed.
type JobProgress struct {
	JobID         string    `json:"job_id"`
	Status        string    `json:"status"`
	ProcessedRows int       `json:"processed_rows"`
	TotalRows     int       `json:"total_rows"`
	FailedRows    int       `json:"failed_rows"`
	SkippedRows   int       `json:"skipped_rows"`
	CurrentRow    int       `json:"current_row"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ExportRow is a flattened view of a job row for reporting.
type ExportRow struct {
	RowNumber       int     `json:"row_number"`
	SAPDescription  string  `json:"sap_description"`
	SAPLocation     string  `json:"sap_location"`
	Decision        string  `json:"decision"`
	SelectedAssetID string  `json:"selected_asset_id,omitempty"`
	AssetName       string  `json:"asset_name,omitempty"`
	AssetBrand      string  `json:"asset_brand,omitempty"`
	AssetModel      string  `json:"asset_model,omitempty"`
	AssetTagID      string  `json:"asset_tag_id,omitempty"`
	AssetLocation   string  `json:"asset_location,omitempty"`
	TopScore        float64 `json:"top_score"`
}
