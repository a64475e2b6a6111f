package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/arturoeanton/go-asset-reconciler/internal/domain"
	"github.com/arturoeanton/go-asset-reconciler/internal/port"
)

var fastRetry = RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// fakeEmbedder maps text to vectors. The first failN calls fail with failErr.
type fakeEmbedder struct {
	mu         sync.Mutex
	vectors    map[string][]float32
	fallback   []float32
	failN      int
	failErr    error
	failOn     map[string]error
	calls      int
	batchCalls int
	batchSizes []int
	shortBy    int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		vectors:  map[string][]float32{},
		fallback: []float32{0, 0, 1},
		failOn:   map[string]error{},
	}
}

func (e *fakeEmbedder) ModelName() string { return "fake-embed" }

func (e *fakeEmbedder) vectorFor(text string) []float32 {
	if v, ok := e.vectors[text]; ok {
		return v
	}
	return e.fallback
}

func (e *fakeEmbedder) fail() error {
	if e.failN > 0 {
		e.failN--
		return e.failErr
	}
	return nil
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if err := e.fail(); err != nil {
		return nil, err
	}
	if err, ok := e.failOn[text]; ok {
		return nil, err
	}
	return e.vectorFor(text), nil
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.batchCalls++
	e.batchSizes = append(e.batchSizes, len(texts))
	if err := e.fail(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err, ok := e.failOn[t]; ok {
			return nil, err
		}
		out[i] = e.vectorFor(t)
	}
	return out[:len(out)-min(e.shortBy, len(out))], nil
}

func retryableErr() error {
	return &port.ProviderError{Retryable: true, StatusCode: 503, Err: errors.New("overloaded")}
}

func fatalErr() error {
	return &port.ProviderError{Retryable: false, StatusCode: 400, Err: errors.New("bad input")}
}

// fakeCatalog is an in-memory catalog with brute-force cosine search.
type fakeCatalog struct {
	mu        sync.Mutex
	order     []string
	assets    map[string]*domain.Asset
	vectors   map[string][]float32
	writes    int
	searchErr error
	getErr    map[string]error
	queries   []port.SearchQuery
	nextSeq   int64
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{assets: map[string]*domain.Asset{}, vectors: map[string][]float32{}}
}

func (c *fakeCatalog) add(a domain.Asset, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	a.Seq = c.nextSeq
	if vector != nil {
		a.HasEmbedding = true
		c.vectors[a.ID] = vector
	}
	c.assets[a.ID] = &a
	c.order = append(c.order, a.ID)
}

func (c *fakeCatalog) get(id string) domain.Asset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.assets[id]
}

func (c *fakeCatalog) rename(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assets[id].Name = name
}

func (c *fakeCatalog) GetAsset(_ context.Context, id string) (*domain.Asset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.getErr[id]; err != nil {
		return nil, err
	}
	a, ok := c.assets[id]
	if !ok {
		return nil, port.NotFound("asset", id)
	}
	cp := *a
	return &cp, nil
}

func (c *fakeCatalog) pending(a *domain.Asset) bool {
	return !a.HasEmbedding && a.EmbeddingSkipReason == nil
}

func (c *fakeCatalog) CountPendingEmbeddings(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.assets {
		if c.pending(a) {
			n++
		}
	}
	return n, nil
}

func (c *fakeCatalog) ListPendingEmbeddings(_ context.Context, afterSeq int64, limit int) ([]domain.Asset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Asset
	for _, id := range c.order {
		a := c.assets[id]
		if a.Seq <= afterSeq || !c.pending(a) {
			continue
		}
		out = append(out, *a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *fakeCatalog) MarkEmbeddingSkipped(_ context.Context, id, reason string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assets[id]
	if !ok || a.HasEmbedding {
		return false, nil
	}
	c.writes++
	a.EmbeddingSkipReason = &reason
	return true, nil
}

func (c *fakeCatalog) SaveEmbedding(_ context.Context, id, text string, vector []float32, version int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assets[id]
	if !ok || a.HasEmbedding {
		return false, nil
	}
	c.writes++
	now := time.Now()
	a.HasEmbedding = true
	a.EmbeddingText = text
	a.EmbeddingVersion = version
	a.EmbeddingUpdatedAt = &now
	a.EmbeddingSkipReason = nil
	c.vectors[id] = vector
	return true, nil
}

func (c *fakeCatalog) MarkReconciled(_ context.Context, id, jobID string, rowNumber int, at time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assets[id]
	if !ok || a.IsReconciled {
		return false, nil
	}
	c.writes++
	a.IsReconciled = true
	a.ReconciledAt = &at
	a.ReconciledJobID = &jobID
	a.ReconciledRowNumber = &rowNumber
	return true, nil
}

func (c *fakeCatalog) SearchAssets(_ context.Context, q port.SearchQuery) ([]domain.ScoredAsset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	if c.searchErr != nil {
		return nil, c.searchErr
	}
	var hits []domain.ScoredAsset
	for _, id := range c.order {
		a := c.assets[id]
		v, ok := c.vectors[id]
		if !ok {
			continue
		}
		if q.ExcludeReconciled && a.IsReconciled {
			continue
		}
		if !q.Location.Matches(a.Location) {
			continue
		}
		hits = append(hits, domain.ScoredAsset{Asset: *a, Score: (1 + cosine(q.Vector, v)) / 2})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// staticSearcher returns canned hits regardless of the query.
type staticSearcher struct {
	hits    []domain.ScoredAsset
	queries []port.SearchQuery
}

func (s *staticSearcher) SearchAssets(_ context.Context, q port.SearchQuery) ([]domain.ScoredAsset, error) {
	s.queries = append(s.queries, q)
	return s.hits, nil
}

// fakeJobStore keeps jobs and rows in memory and records every processed count.
type fakeJobStore struct {
	mu        sync.Mutex
	jobs      map[string]*domain.ReconciliationJob
	rows      map[string][]domain.JobRow
	processed []int
	saveErr   map[int]error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:    map[string]*domain.ReconciliationJob{},
		rows:    map[string][]domain.JobRow{},
		saveErr: map[int]error{},
	}
}

func copyRows(rows []domain.JobRow) []domain.JobRow {
	out := make([]domain.JobRow, len(rows))
	for i, r := range rows {
		r.Suggestions = append([]domain.Suggestion{}, r.Suggestions...)
		out[i] = r
	}
	return out
}

func (s *fakeJobStore) CreateJob(_ context.Context, job *domain.ReconciliationJob, rows []domain.JobRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	s.rows[job.ID] = copyRows(rows)
	return nil
}

func (s *fakeJobStore) GetJob(_ context.Context, id string) (*domain.ReconciliationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, port.NotFound("job", id)
	}
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) ListJobs(_ context.Context, f port.JobFilter) ([]domain.ReconciliationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReconciliationJob
	for _, j := range s.jobs {
		if f.From != nil && j.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && j.CreatedAt.After(*f.To) {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (s *fakeJobStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return port.NotFound("job", id)
	}
	delete(s.jobs, id)
	delete(s.rows, id)
	return nil
}

func (s *fakeJobStore) ListRows(_ context.Context, jobID string, offset, limit int) ([]domain.JobRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rows[jobID]
	if offset >= len(rows) {
		return []domain.JobRow{}, nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return copyRows(rows), nil
}

func (s *fakeJobStore) BeginProcessing(_ context.Context, id string) (*domain.ReconciliationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, port.NotFound("job", id)
	}
	if j.Status == domain.JobStatusCompleted {
		return nil, port.ErrJobCompleted
	}
	j.Status = domain.JobStatusProcessing
	j.ProcessedRows = 0
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) SetStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return port.NotFound("job", id)
	}
	j.Status = status
	return nil
}

func (s *fakeJobStore) row(jobID string, rowNumber int) *domain.JobRow {
	rows := s.rows[jobID]
	for i := range rows {
		if rows[i].RowNumber == rowNumber {
			return &rows[i]
		}
	}
	return nil
}

func (s *fakeJobStore) SaveSuggestions(_ context.Context, jobID string, rowNumber int, suggestions []domain.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveErr[rowNumber]; err != nil {
		return err
	}
	r := s.row(jobID, rowNumber)
	if r == nil {
		return port.NotFound("row", "")
	}
	r.Suggestions = append([]domain.Suggestion{}, suggestions...)
	return nil
}

func (s *fakeJobStore) IncrementProcessed(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return 0, port.NotFound("job", jobID)
	}
	if j.ProcessedRows < j.TotalRows {
		j.ProcessedRows++
	}
	s.processed = append(s.processed, j.ProcessedRows)
	return j.ProcessedRows, nil
}

func (s *fakeJobStore) SetDecision(_ context.Context, jobID string, rowNumber int, decision string, selectedAssetID *string, clearSuggestions bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.row(jobID, rowNumber)
	if r == nil {
		return port.NotFound("row", jobID)
	}
	r.Decision = decision
	r.SelectedAssetID = selectedAssetID
	if clearSuggestions {
		r.Suggestions = []domain.Suggestion{}
	}
	return nil
}

func (s *fakeJobStore) getRow(jobID string, rowNumber int) domain.JobRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRows([]domain.JobRow{*s.row(jobID, rowNumber)})[0]
}

// recordingPublisher keeps every published progress update.
type recordingPublisher struct {
	mu      sync.Mutex
	updates []domain.JobProgress
}

func (p *recordingPublisher) Publish(u domain.JobProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
}

func (p *recordingPublisher) all() []domain.JobProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.JobProgress{}, p.updates...)
}

func intPtr(n int) *int { return &n }

func strPtr(s string) *string { return &s }

func legacyRows(descs ...string) []domain.LegacyRow {
	rows := make([]domain.LegacyRow, len(descs))
	for i, d := range descs {
		rows[i] = domain.LegacyRow{RowNumber: intPtr(i + 1), SAPDescription: d}
	}
	return rows
}
