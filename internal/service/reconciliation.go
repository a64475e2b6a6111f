package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arturoeanton/go-asset-reconciler/internal/domain"
	"github.com/arturoeanton/go-asset-reconciler/internal/metrics"
	"github.com/arturoeanton/go-asset-reconciler/internal/port"
)

// Pagination and search limits.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
	DefaultTopK      = 5
	MaxTopK          = 50
)

// EngineConfig tunes the reconciliation engine.
type EngineConfig struct {
	TopK            int
	RetryPolicy     RetryPolicy
	DefaultMinScore float64
}

// AutoReconcileResult is returned by AutoReconcile.
type AutoReconcileResult struct {
	AutoMatched int `json:"auto_matched"`
	TotalRows   int `json:"total_rows"`
}

// ReconciliationService owns the job and row lifecycle.
type ReconciliationService struct {
	jobs      port.JobStore
	catalog   port.CatalogStore
	embedder  port.Embedder
	retriever *CandidateRetriever
	progress  port.ProgressPublisher
	cfg       EngineConfig
	now       func() time.Time
	wg        sync.WaitGroup
}

// NewReconciliationService wires the engine. progress may be nil.
func NewReconciliationService(
	jobs port.JobStore,
	catalog port.CatalogStore,
	embedder port.Embedder,
	retriever *CandidateRetriever,
	progress port.ProgressPublisher,
	cfg EngineConfig,
) *ReconciliationService {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if progress == nil {
		progress = nopPublisher{}
	}
	return &ReconciliationService{
		jobs:      jobs,
		catalog:   catalog,
		embedder:  embedder,
		retriever: retriever,
		progress:  progress,
		cfg:       cfg,
		now:       time.Now,
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.JobProgress) {}

// CreateJob stores a new pending job. No external calls are made.
func (s *ReconciliationService) CreateJob(ctx context.Context, rows []domain.LegacyRow, locationFilter string) (*domain.ReconciliationJob, error) {
	if len(rows) == 0 {
		return nil, port.Invalid("rows", "at least one row is required")
	}

	seen := make(map[int]bool, len(rows))
	jobRows := make([]domain.JobRow, 0, len(rows))
	for i, r := range rows {
		if err := validateStruct(fmt.Sprintf("rows[%d]", i), r); err != nil {
			return nil, err
		}
		n := *r.RowNumber
		if seen[n] {
			return nil, port.Invalid(fmt.Sprintf("rows[%d].row_number", i), "duplicate row number %d", n)
		}
		seen[n] = true
		jobRows = append(jobRows, domain.JobRow{
			Position:       i,
			RowNumber:      n,
			SAPDescription: r.SAPDescription,
			SAPLocation:    r.SAPLocation,
			Suggestions:    []domain.Suggestion{},
			Decision:       domain.DecisionPending,
		})
	}

	now := s.now().UTC()
	job := &domain.ReconciliationJob{
		ID:        uuid.New().String(),
		Status:    domain.JobStatusPending,
		TotalRows: len(jobRows),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if f := domain.NewLocationFilter(locationFilter); f != nil {
		job.LocationFilter = &f.Path
	}

	if err := s.jobs.CreateJob(ctx, job, jobRows); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	slog.Info("job created", "job_id", job.ID, "total_rows", job.TotalRows, "location_filter", valueOrEmpty(job.LocationFilter))
	return job, nil
}

// StartProcessing moves the job to processing and runs the row loop in the
// background. It returns as soon as the transition is stored.
func (s *ReconciliationService) StartProcessing(ctx context.Context, jobID string) (*domain.ReconciliationJob, error) {
	job, err := s.jobs.BeginProcessing(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s.progress.Publish(domain.JobProgress{
		JobID:     job.ID,
		Status:    domain.JobStatusProcessing,
		TotalRows: job.TotalRows,
		UpdatedAt: s.now().UTC(),
	})

	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, job)
	}()
	return job, nil
}

// ProcessJob runs the row loop synchronously.
func (s *ReconciliationService) ProcessJob(ctx context.Context, jobID string) error {
	job, err := s.jobs.BeginProcessing(ctx, jobID)
	if err != nil {
		return err
	}
	s.run(ctx, job)
	return nil
}

// Wait blocks until all background runs have returned.
func (s *ReconciliationService) Wait() {
	s.wg.Wait()
}

// run processes rows one at a time in stored order. Row failures are logged
// and tallied; they never stop the loop.
func (s *ReconciliationService) run(ctx context.Context, job *domain.ReconciliationJob) {
	start := s.now()
	defer func() { metrics.JobDuration.Observe(s.now().Sub(start).Seconds()) }()

	progress := domain.JobProgress{
		JobID:     job.ID,
		Status:    domain.JobStatusProcessing,
		TotalRows: job.TotalRows,
	}
	publish := func() {
		progress.UpdatedAt = s.now().UTC()
		s.progress.Publish(progress)
	}
	publish()

	rows, err := s.jobs.ListRows(ctx, job.ID, 0, 0)
	if err != nil {
		slog.Error("failed to load job rows", "job_id", job.ID, "error", err)
		return
	}

	var filter *domain.LocationFilter
	if job.LocationFilter != nil {
		filter = domain.NewLocationFilter(*job.LocationFilter)
	}

	slog.Info("job processing started", "job_id", job.ID, "rows", len(rows), "location_filter", valueOrEmpty(job.LocationFilter))

	for _, row := range rows {
		progress.CurrentRow = row.RowNumber

		text := NormalizeText(row.SAPDescription)
		if text == "" {
			progress.SkippedRows++
			metrics.JobRows.WithLabelValues("skipped").Inc()
			publish()
			continue
		}

		processed, err := s.processRow(ctx, job.ID, row.RowNumber, text, filter)
		if err != nil {
			progress.FailedRows++
			metrics.JobRows.WithLabelValues("failed").Inc()
			slog.Error("row processing failed", "job_id", job.ID, "row_number", row.RowNumber, "error", err)
			publish()
			continue
		}

		progress.ProcessedRows = processed
		metrics.JobRows.WithLabelValues("processed").Inc()
		publish()
	}

	if err := s.jobs.SetStatus(ctx, job.ID, domain.JobStatusCompleted); err != nil {
		slog.Error("failed to complete job", "job_id", job.ID, "error", err)
		return
	}

	progress.Status = domain.JobStatusCompleted
	publish()
	slog.Info("job processing completed", "job_id", job.ID, "processed", progress.ProcessedRows,
		"skipped", progress.SkippedRows, "failed", progress.FailedRows, "duration", s.now().Sub(start))
}

// processRow embeds, retrieves and stores suggestions for one row and returns
// the new processed count.
func (s *ReconciliationService) processRow(ctx context.Context, jobID string, rowNumber int, text string, filter *domain.LocationFilter) (int, error) {
	vector, err := s.embed(ctx, "job", text)
	if err != nil {
		return 0, err
	}

	suggestions, err := s.retriever.Retrieve(ctx, vector, filter, true, s.cfg.TopK)
	if err != nil {
		return 0, err
	}

	if err := s.jobs.SaveSuggestions(ctx, jobID, rowNumber, suggestions); err != nil {
		return 0, fmt.Errorf("save suggestions: %w", err)
	}

	processed, err := s.jobs.IncrementProcessed(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("increment processed: %w", err)
	}
	return processed, nil
}

func (s *ReconciliationService) embed(ctx context.Context, caller, text string) ([]float32, error) {
	return withRetry(ctx, s.cfg.RetryPolicy, caller, func(ctx context.Context) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	})
}

// GetJob returns the job header with a page of rows in stored order.
func (s *ReconciliationService) GetJob(ctx context.Context, jobID string, offset, limit int) (*domain.JobPage, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	rows, err := s.jobs.ListRows(ctx, jobID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	return &domain.JobPage{ReconciliationJob: *job, Rows: rows, Offset: offset, Limit: limit}, nil
}

// SetDecision records a decision for one row.
// A match marks the selected catalog entry reconciled; a no_match clears the
// row's suggestions. The two writes are sequential, not atomic.
func (s *ReconciliationService) SetDecision(ctx context.Context, jobID string, rowNumber int, decision string, selectedAssetID *string) error {
	if !domain.ValidDecision(decision) {
		return port.Invalid("decision", "must be one of %q, %q, %q", domain.DecisionPending, domain.DecisionMatch, domain.DecisionNoMatch)
	}
	if decision == domain.DecisionMatch && (selectedAssetID == nil || *selectedAssetID == "") {
		return port.Invalid("selected_asset_id", "is required when decision is %q", domain.DecisionMatch)
	}
	if decision != domain.DecisionMatch && selectedAssetID != nil {
		return port.Invalid("selected_asset_id", "is only allowed when decision is %q", domain.DecisionMatch)
	}

	if _, err := s.jobs.GetJob(ctx, jobID); err != nil {
		return err
	}
	if decision == domain.DecisionMatch {
		if _, err := s.catalog.GetAsset(ctx, *selectedAssetID); err != nil {
			return err
		}
	}

	if err := s.applyDecision(ctx, jobID, rowNumber, decision, selectedAssetID); err != nil {
		return err
	}
	metrics.Decisions.WithLabelValues(decision, "manual").Inc()
	return nil
}

func (s *ReconciliationService) applyDecision(ctx context.Context, jobID string, rowNumber int, decision string, selectedAssetID *string) error {
	clearSuggestions := decision == domain.DecisionNoMatch
	if err := s.jobs.SetDecision(ctx, jobID, rowNumber, decision, selectedAssetID, clearSuggestions); err != nil {
		return err
	}
	if decision != domain.DecisionMatch {
		return nil
	}

	ok, err := s.catalog.MarkReconciled(ctx, *selectedAssetID, jobID, rowNumber, s.now().UTC())
	if err != nil {
		return fmt.Errorf("mark asset reconciled: %w", err)
	}
	if !ok {
		slog.Warn("asset already reconciled", "asset_id", *selectedAssetID, "job_id", jobID, "row_number", rowNumber)
	}
	return nil
}

type autoCandidate struct {
	row  domain.JobRow
	best float64
}

// AutoReconcile greedily matches pending rows whose best candidate scores at
// least minScore. Rows are resolved highest score first, and a catalog entry
// is never assigned to two rows within one call.
func (s *ReconciliationService) AutoReconcile(ctx context.Context, jobID string, minScore *float64) (*AutoReconcileResult, error) {
	threshold := s.cfg.DefaultMinScore
	if minScore != nil {
		threshold = *minScore
	}
	if threshold < 0 || threshold > 1 {
		return nil, port.Invalid("min_score", "must be between 0 and 1")
	}

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	rows, err := s.jobs.ListRows(ctx, jobID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}

	assigned := make(map[string]bool)
	pending := make([]autoCandidate, 0, len(rows))
	for _, r := range rows {
		switch r.Decision {
		case domain.DecisionMatch:
			if r.SelectedAssetID != nil {
				assigned[*r.SelectedAssetID] = true
			}
		case domain.DecisionPending:
			pending = append(pending, autoCandidate{row: r, best: r.BestScore()})
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].best > pending[j].best })

	result := &AutoReconcileResult{TotalRows: job.TotalRows}
	for _, c := range pending {
		if c.best < threshold {
			break
		}
		id, err := s.pickCandidate(ctx, c.row.Suggestions, threshold, assigned)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			slog.Error("auto reconcile left row pending", "job_id", jobID, "row_number", c.row.RowNumber, "error", err)
			continue
		}
		if id == "" {
			continue
		}
		if err := s.applyDecision(ctx, jobID, c.row.RowNumber, domain.DecisionMatch, &id); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			slog.Error("auto reconcile failed for row", "job_id", jobID, "row_number", c.row.RowNumber, "asset_id", id, "error", err)
			continue
		}
		assigned[id] = true
		result.AutoMatched++
		metrics.Decisions.WithLabelValues(domain.DecisionMatch, "auto").Inc()
	}

	slog.Info("auto reconcile finished", "job_id", jobID, "min_score", threshold, "auto_matched", result.AutoMatched)
	return result, nil
}

// pickCandidate returns the best suggestion that clears the threshold, is not
// yet assigned and is not reconciled, neither in the snapshot nor in the catalog.
// An empty id means no suggestion qualifies. A failed catalog lookup aborts the scan.
func (s *ReconciliationService) pickCandidate(ctx context.Context, suggestions []domain.Suggestion, threshold float64, assigned map[string]bool) (string, error) {
	sorted := make([]domain.Suggestion, len(suggestions))
	copy(sorted, suggestions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	for _, sg := range sorted {
		if sg.Score < threshold {
			return "", nil
		}
		if assigned[sg.ID] || sg.IsReconciled {
			continue
		}
		asset, err := s.catalog.GetAsset(ctx, sg.ID)
		if err != nil {
			if port.IsNotFound(err) {
				continue
			}
			return "", fmt.Errorf("check candidate %s: %w", sg.ID, err)
		}
		if asset.IsReconciled {
			continue
		}
		return sg.ID, nil
	}
	return "", nil
}

// ListJobs returns job headers created within the optional date range, newest first.
func (s *ReconciliationService) ListJobs(ctx context.Context, from, to *time.Time) ([]domain.ReconciliationJob, error) {
	if from != nil && to != nil && from.After(*to) {
		return nil, port.Invalid("from", "must not be after to")
	}
	jobs, err := s.jobs.ListJobs(ctx, port.JobFilter{From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job and its rows.
func (s *ReconciliationService) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.jobs.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	slog.Info("job deleted", "job_id", jobID)
	return nil
}

// ExportJob flattens every row of a job for reporting. Asset details come
// from the suggestion snapshot, or from the catalog for a manual selection
// that was never suggested.
func (s *ReconciliationService) ExportJob(ctx context.Context, jobID string) ([]domain.ExportRow, error) {
	if _, err := s.jobs.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.jobs.ListRows(ctx, jobID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}

	out := make([]domain.ExportRow, 0, len(rows))
	for _, r := range rows {
		e := domain.ExportRow{
			RowNumber:      r.RowNumber,
			SAPDescription: r.SAPDescription,
			SAPLocation:    r.SAPLocation,
			Decision:       r.Decision,
			TopScore:       r.BestScore(),
		}
		if r.SelectedAssetID != nil {
			e.SelectedAssetID = *r.SelectedAssetID
			s.fillAsset(ctx, &e, r)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *ReconciliationService) fillAsset(ctx context.Context, e *domain.ExportRow, r domain.JobRow) {
	for _, sg := range r.Suggestions {
		if sg.ID == e.SelectedAssetID {
			e.AssetName, e.AssetBrand, e.AssetModel = sg.Name, sg.Brand, sg.Model
			e.AssetTagID, e.AssetLocation = sg.TagID, sg.Location
			return
		}
	}
	a, err := s.catalog.GetAsset(ctx, e.SelectedAssetID)
	if err != nil {
		slog.Warn("selected asset unavailable for export", "asset_id", e.SelectedAssetID, "error", err)
		return
	}
	e.AssetName, e.AssetBrand, e.AssetModel = a.Name, a.Brand, a.Model
	e.AssetTagID, e.AssetLocation = a.TagID, a.Location
}

// SearchCatalog runs a free-text similarity search over unreconciled entries.
func (s *ReconciliationService) SearchCatalog(ctx context.Context, query, location string, topK int) ([]domain.Suggestion, error) {
	text := NormalizeText(query)
	if text == "" {
		return nil, port.Invalid("query", "is required")
	}
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	vector, err := s.embed(ctx, "search", text)
	if err != nil {
		return nil, err
	}
	return s.retriever.Retrieve(ctx, vector, domain.NewLocationFilter(location), true, topK)
}

// valueOrEmpty renders an optional string for logs.
func valueOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
