// Package scheduler runs the embedding backfill on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/arturoeanton/go-asset-reconciler/internal/port"
	"github.com/arturoeanton/go-asset-reconciler/internal/service"
)

// Runner executes one backfill run.
type Runner interface {
	Run(ctx context.Context, opts service.BackfillOptions) (*service.BackfillSummary, error)
}

// Backfill triggers Runner on every tick. A tick that overlaps a running
// run, scheduled or not, is skipped.
type Backfill struct {
	cron   *cron.Cron
	runner Runner
	opts   service.BackfillOptions
}

// NewBackfill parses spec (standard five-field cron or a descriptor such as @hourly).
func NewBackfill(spec string, runner Runner, opts service.BackfillOptions) (*Backfill, error) {
	b := &Backfill{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		runner: runner,
		opts:   opts,
	}
	if _, err := b.cron.AddFunc(spec, b.tick); err != nil {
		return nil, fmt.Errorf("parse backfill schedule %q: %w", spec, err)
	}
	return b, nil
}

// Start begins scheduling in the background.
func (b *Backfill) Start() {
	b.cron.Start()
}

// Stop stops scheduling. The returned context is done once a running tick finishes.
func (b *Backfill) Stop() context.Context {
	return b.cron.Stop()
}

func (b *Backfill) tick() {
	summary, err := b.runner.Run(context.Background(), b.opts)
	switch {
	case errors.Is(err, port.ErrBackfillBusy):
		slog.Info("scheduled backfill skipped, a run is in progress")
	case err != nil:
		slog.Error("scheduled backfill failed", "error", err)
	default:
		slog.Info("scheduled backfill done", "processed", summary.Processed, "skipped", summary.Skipped, "errors", summary.Errors)
	}
}
