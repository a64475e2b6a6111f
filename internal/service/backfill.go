package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/arturoeanton/go-asset-reconciler/internal/domain"
	"github.com/arturoeanton/go-asset-reconciler/internal/metrics"
	"github.com/arturoeanton/go-asset-reconciler/internal/port"
)

// Backfill batch sizes. The cap keeps a single embed request within provider limits.
const (
	DefaultBackfillBatchSize = 100
	MaxBackfillBatchSize     = 256
)

// BackfillOptions controls a single backfill run.
type BackfillOptions struct {
	BatchSize int
	DryRun    bool
	// Progress, when set, is called after every batch.
	Progress func(BackfillProgress)
}

// BackfillProgress is reported after each batch.
type BackfillProgress struct {
	Batch     int           `json:"batch"`
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Errors    int           `json:"errors"`
	Skipped   int           `json:"skipped"`
	Rate      float64       `json:"rate_per_second"`
	ETA       time.Duration `json:"eta"`
}

// String renders the progress line printed by the CLI.
func (p BackfillProgress) String() string {
	return fmt.Sprintf("batch %d: %d/%d embedded, %d skipped, %d errors (%.1f/s, eta %s)",
		p.Batch, p.Processed, p.Total, p.Skipped, p.Errors, p.Rate, p.ETA.Round(time.Second))
}

// BackfillSummary is the outcome of a run.
type BackfillSummary struct {
	DryRun    bool          `json:"dry_run"`
	Pending   int           `json:"pending"`
	Batches   int           `json:"batches"`
	Processed int           `json:"processed"`
	Errors    int           `json:"errors"`
	Skipped   int           `json:"skipped"`
	Elapsed   time.Duration `json:"elapsed"`
}

// BackfillService brings every catalog entry to "embedded" or "skipped".
type BackfillService struct {
	catalog  port.CatalogStore
	embedder port.Embedder
	policy   RetryPolicy
	running  atomic.Bool
	now      func() time.Time
}

// NewBackfillService creates a backfill pipeline.
func NewBackfillService(catalog port.CatalogStore, embedder port.Embedder, policy RetryPolicy) *BackfillService {
	return &BackfillService{
		catalog:  catalog,
		embedder: embedder,
		policy:   policy,
		now:      time.Now,
	}
}

// Running reports whether a run is in progress.
func (s *BackfillService) Running() bool {
	return s.running.Load()
}

// Pending counts the entries a run would process.
func (s *BackfillService) Pending(ctx context.Context) (int, error) {
	n, err := s.catalog.CountPendingEmbeddings(ctx)
	if err != nil {
		return 0, fmt.Errorf("count pending embeddings: %w", err)
	}
	return n, nil
}

// Run processes pending entries batch by batch until none are left.
// Only one non-dry run may execute at a time; a concurrent call gets ErrBackfillBusy.
func (s *BackfillService) Run(ctx context.Context, opts BackfillOptions) (*BackfillSummary, error) {
	if opts.DryRun {
		return s.dryRun(ctx, opts)
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, port.ErrBackfillBusy
	}
	defer s.running.Store(false)
	return s.execute(ctx, opts)
}

// Start launches a run in the background and returns once it holds the run slot.
func (s *BackfillService) Start(ctx context.Context, opts BackfillOptions) error {
	if opts.DryRun {
		return port.Invalid("dry_run", "a dry run cannot be started in the background")
	}
	if !s.running.CompareAndSwap(false, true) {
		return port.ErrBackfillBusy
	}
	go func() {
		defer s.running.Store(false)
		if _, err := s.execute(context.WithoutCancel(ctx), opts); err != nil {
			slog.Error("backfill failed", "error", err)
		}
	}()
	return nil
}

func (s *BackfillService) dryRun(ctx context.Context, opts BackfillOptions) (*BackfillSummary, error) {
	start := s.now()
	total, err := s.Pending(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("backfill dry run", "pending", total, "batch_size", clampBatchSize(opts.BatchSize))
	return &BackfillSummary{DryRun: true, Pending: total, Elapsed: s.now().Sub(start)}, nil
}

// execute runs the batch loop. The caller holds the run slot.
func (s *BackfillService) execute(ctx context.Context, opts BackfillOptions) (*BackfillSummary, error) {
	start := s.now()
	size := clampBatchSize(opts.BatchSize)

	total, err := s.Pending(ctx)
	if err != nil {
		return nil, err
	}
	summary := &BackfillSummary{Pending: total}

	slog.Info("backfill started", "pending", total, "batch_size", size, "model", s.embedder.ModelName())

	// Entries that fail stay pending; the cursor moves past them so one run never refetches them.
	var afterSeq int64
	for {
		if err := ctx.Err(); err != nil {
			summary.Elapsed = s.now().Sub(start)
			return summary, err
		}

		batch, err := s.catalog.ListPendingEmbeddings(ctx, afterSeq, size)
		if err != nil {
			summary.Elapsed = s.now().Sub(start)
			return summary, fmt.Errorf("list pending embeddings: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		afterSeq = batch[len(batch)-1].Seq
		summary.Batches++

		if err := s.processBatch(ctx, batch, summary); err != nil {
			summary.Elapsed = s.now().Sub(start)
			return summary, err
		}

		p := s.progress(summary, total, start)
		slog.Info("backfill batch done", "batch", p.Batch, "processed", p.Processed, "skipped", p.Skipped,
			"errors", p.Errors, "total", p.Total, "rate", p.Rate, "eta", p.ETA)
		if opts.Progress != nil {
			opts.Progress(p)
		}
	}

	summary.Elapsed = s.now().Sub(start)
	slog.Info("backfill finished", "processed", summary.Processed, "skipped", summary.Skipped,
		"errors", summary.Errors, "batches", summary.Batches, "elapsed", summary.Elapsed)
	return summary, nil
}

// processBatch skips entries without a meaningful name and embeds the rest in one call.
// Only context cancellation is returned; everything else is tallied.
func (s *BackfillService) processBatch(ctx context.Context, batch []domain.Asset, summary *BackfillSummary) error {
	toEmbed := make([]domain.Asset, 0, len(batch))
	texts := make([]string, 0, len(batch))

	for _, a := range batch {
		if IsMeaningful(a.Name) {
			toEmbed = append(toEmbed, a)
			texts = append(texts, EmbeddingText(a))
			continue
		}
		ok, err := s.catalog.MarkEmbeddingSkipped(ctx, a.ID, domain.SkipReasonMissingName)
		if err != nil {
			summary.Errors++
			metrics.BackfillEntries.WithLabelValues("error").Inc()
			slog.Error("failed to mark embedding skipped", "asset_id", a.ID, "error", err)
			continue
		}
		if ok {
			summary.Skipped++
			metrics.BackfillEntries.WithLabelValues("skipped").Inc()
		}
	}

	if len(toEmbed) == 0 {
		return nil
	}

	vectors, err := withRetry(ctx, s.policy, "backfill", func(ctx context.Context) ([][]float32, error) {
		return s.embedder.EmbedBatch(ctx, texts)
	})
	if err == nil && len(vectors) != len(toEmbed) {
		err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(toEmbed))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		summary.Errors += len(toEmbed)
		metrics.BackfillEntries.WithLabelValues("error").Add(float64(len(toEmbed)))
		slog.Error("backfill batch embedding failed", "entries", len(toEmbed),
			"first_asset_id", toEmbed[0].ID, "error", err)
		return nil
	}

	for i, a := range toEmbed {
		ok, err := s.catalog.SaveEmbedding(ctx, a.ID, texts[i], vectors[i], domain.EmbeddingVersion)
		if err != nil {
			summary.Errors++
			metrics.BackfillEntries.WithLabelValues("error").Inc()
			slog.Error("failed to save embedding", "asset_id", a.ID, "error", err)
			continue
		}
		if ok {
			summary.Processed++
			metrics.BackfillEntries.WithLabelValues("embedded").Inc()
		}
	}
	return nil
}

func (s *BackfillService) progress(summary *BackfillSummary, total int, start time.Time) BackfillProgress {
	p := BackfillProgress{
		Batch:     summary.Batches,
		Total:     total,
		Processed: summary.Processed,
		Errors:    summary.Errors,
		Skipped:   summary.Skipped,
	}
	done := summary.Processed + summary.Skipped
	elapsed := s.now().Sub(start).Seconds()
	if elapsed > 0 && done > 0 {
		p.Rate = float64(done) / elapsed
		remaining := total - done - summary.Errors
		if remaining > 0 {
			p.ETA = time.Duration(float64(remaining) / p.Rate * float64(time.Second))
		}
	}
	return p
}

func clampBatchSize(n int) int {
	if n <= 0 {
		return DefaultBackfillBatchSize
	}
	if n > MaxBackfillBatchSize {
		return MaxBackfillBatchSize
	}
	return n
}
