package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/arturoeanton/go-asset-reconciler/internal/domain"
	"github.com/arturoeanton/go-asset-reconciler/internal/port"
)

// rowInsertChunk keeps multi-row inserts well under PostgreSQL's 65535 parameter limit.
const rowInsertChunk = 1000

var jobColumns = []string{"id", "status", "total_rows", "processed_rows", "location_filter", "created_at", "updated_at"}

// jobRowRecord is the storage shape of a job row; suggestions live in a jsonb column.
type jobRowRecord struct {
	domain.JobRow
	SuggestionsJSON JSONB[[]domain.Suggestion] `db:"suggestions"`
}

func (r jobRowRecord) toDomain() domain.JobRow {
	row := r.JobRow
	row.Suggestions = r.SuggestionsJSON.Data
	if row.Suggestions == nil {
		row.Suggestions = []domain.Suggestion{}
	}
	return row
}

func suggestionsValue(s []domain.Suggestion) JSONB[[]domain.Suggestion] {
	if s == nil {
		s = []domain.Suggestion{}
	}
	return JSONB[[]domain.Suggestion]{Data: s}
}

// validJobID reports whether id can be a job key. Anything else cannot exist.
func validJobID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func rowKey(jobID string, rowNumber int) string {
	return jobID + "/" + strconv.Itoa(rowNumber)
}

// CreateJob inserts the job header and all of its rows in one transaction.
func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.ReconciliationJob, rows []domain.JobRow) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	jb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	jb.InsertInto("reconciliation_jobs")
	jb.Cols(jobColumns...)
	jb.Values(job.ID, job.Status, job.TotalRows, job.ProcessedRows, job.LocationFilter, job.CreatedAt, job.UpdatedAt)
	query, args := jb.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return port.Invalid("id", "job %s already exists", job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}

	for start := 0; start < len(rows); start += rowInsertChunk {
		end := min(start+rowInsertChunk, len(rows))

		rb := sqlbuilder.PostgreSQL.NewInsertBuilder()
		rb.InsertInto("reconciliation_job_rows")
		rb.Cols("job_id", "position", "row_number", "sap_description", "sap_location", "suggestions", "decision", "updated_at")
		for _, r := range rows[start:end] {
			rb.Values(job.ID, r.Position, r.RowNumber, r.SAPDescription, r.SAPLocation, suggestionsValue(r.Suggestions), r.Decision, job.CreatedAt)
		}
		query, args := rb.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return port.Invalid("rows", "duplicate row number")
			}
			return fmt.Errorf("insert job rows: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}
	return nil
}

// GetJob returns a job header by ID.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*domain.ReconciliationJob, error) {
	if !validJobID(id) {
		return nil, port.NotFound("job", id)
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(jobColumns...)
	sb.From("reconciliation_jobs")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var job domain.ReconciliationJob
	if err := db.GetContext(ctx, &job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, port.NotFound("job", id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns job headers, newest first, optionally bounded by creation date.
func (s *PostgresStore) ListJobs(ctx context.Context, f port.JobFilter) ([]domain.ReconciliationJob, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(jobColumns...)
	sb.From("reconciliation_jobs")
	var where []string
	if f.From != nil {
		where = append(where, sb.GreaterEqualThan("created_at", *f.From))
	}
	if f.To != nil {
		where = append(where, sb.LessEqualThan("created_at", *f.To))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("created_at DESC")

	query, args := sb.Build()
	jobs := []domain.ReconciliationJob{}
	if err := db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob deletes a job; its rows go with it.
func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	if !validJobID(id) {
		return port.NotFound("job", id)
	}
	db, err := s.conn()
	if err != nil {
		return err
	}

	sb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	sb.DeleteFrom("reconciliation_jobs")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return port.NotFound("job", id)
	}
	return nil
}

// ListRows returns rows in stored order. limit <= 0 returns every row from offset.
func (s *PostgresStore) ListRows(ctx context.Context, jobID string, offset, limit int) ([]domain.JobRow, error) {
	if !validJobID(jobID) {
		return []domain.JobRow{}, nil
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("position", "row_number", "sap_description", "sap_location", "suggestions", "decision", "selected_asset_id")
	sb.From("reconciliation_job_rows")
	sb.Where(sb.Equal("job_id", jobID))
	sb.OrderBy("position")
	if offset > 0 {
		sb.Offset(offset)
	}
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var records []jobRowRecord
	if err := db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("list job rows: %w", err)
	}

	rows := make([]domain.JobRow, len(records))
	for i, r := range records {
		rows[i] = r.toDomain()
	}
	return rows, nil
}

// BeginProcessing moves a non-completed job to processing and resets its progress.
func (s *PostgresStore) BeginProcessing(ctx context.Context, id string) (*domain.ReconciliationJob, error) {
	if !validJobID(id) {
		return nil, port.NotFound("job", id)
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	query := `UPDATE reconciliation_jobs
	          SET status = $1, processed_rows = 0, updated_at = NOW()
	          WHERE id = $2 AND status <> $3
	          RETURNING id, status, total_rows, processed_rows, location_filter, created_at, updated_at`

	var job domain.ReconciliationJob
	err = db.GetContext(ctx, &job, query, domain.JobStatusProcessing, id, domain.JobStatusCompleted)
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("begin processing: %w", err)
	}

	// Nothing updated: the job is missing or already completed.
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return nil, port.ErrJobCompleted
}

// SetStatus updates the job status.
func (s *PostgresStore) SetStatus(ctx context.Context, id, status string) error {
	if !validJobID(id) {
		return port.NotFound("job", id)
	}
	db, err := s.conn()
	if err != nil {
		return err
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("reconciliation_jobs")
	sb.Set(
		sb.Assign("status", status),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return port.NotFound("job", id)
	}
	return nil
}

// SaveSuggestions writes the suggestions of a single row.
func (s *PostgresStore) SaveSuggestions(ctx context.Context, jobID string, rowNumber int, suggestions []domain.Suggestion) error {
	if !validJobID(jobID) {
		return port.NotFound("row", rowKey(jobID, rowNumber))
	}
	db, err := s.conn()
	if err != nil {
		return err
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("reconciliation_job_rows")
	sb.Set(
		sb.Assign("suggestions", suggestionsValue(suggestions)),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("job_id", jobID),
		sb.Equal("row_number", rowNumber),
	)

	query, args := sb.Build()
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("save suggestions: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return port.NotFound("row", rowKey(jobID, rowNumber))
	}
	return nil
}

// IncrementProcessed adds one to processed_rows without passing total_rows.
func (s *PostgresStore) IncrementProcessed(ctx context.Context, jobID string) (int, error) {
	if !validJobID(jobID) {
		return 0, port.NotFound("job", jobID)
	}
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	query := `UPDATE reconciliation_jobs
	          SET processed_rows = LEAST(processed_rows + 1, total_rows), updated_at = NOW()
	          WHERE id = $1
	          RETURNING processed_rows`

	var processed int
	if err := db.GetContext(ctx, &processed, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, port.NotFound("job", jobID)
		}
		return 0, fmt.Errorf("increment processed: %w", err)
	}
	return processed, nil
}

// SetDecision updates the decision of one row.
func (s *PostgresStore) SetDecision(ctx context.Context, jobID string, rowNumber int, decision string, selectedAssetID *string, clearSuggestions bool) error {
	if !validJobID(jobID) {
		return port.NotFound("row", rowKey(jobID, rowNumber))
	}
	db, err := s.conn()
	if err != nil {
		return err
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("reconciliation_job_rows")
	assignments := []string{
		sb.Assign("decision", decision),
		sb.Assign("selected_asset_id", selectedAssetID),
		sb.Assign("updated_at", time.Now().UTC()),
	}
	if clearSuggestions {
		assignments = append(assignments, sb.Assign("suggestions", suggestionsValue(nil)))
	}
	sb.Set(assignments...)
	sb.Where(
		sb.Equal("job_id", jobID),
		sb.Equal("row_number", rowNumber),
	)

	query, args := sb.Build()
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return port.NotFound("row", rowKey(jobID, rowNumber))
	}
	return nil
}
