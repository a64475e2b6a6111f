package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/arturoeanton/go-asset-reconciler/internal/adapter/ai"
	"github.com/arturoeanton/go-asset-reconciler/internal/adapter/store"
	"github.com/arturoeanton/go-asset-reconciler/internal/service"
	"github.com/arturoeanton/go-asset-reconciler/pkg/config"
)

func main() {
	_ = godotenv.Load() // silently ignore if .env doesn't exist

	if err := newRootCmd(config.Load()).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	var (
		batchSize int
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed every catalog entry that has no embedding yet",
		Long: `Scans the asset catalog for entries with neither an embedding nor a skip reason,
skips entries without a usable name and embeds the rest in batches.
Safe to re-run: entries already embedded or skipped are never touched.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, service.BackfillOptions{
				BatchSize: batchSize,
				DryRun:    dryRun,
				Progress: func(p service.BackfillProgress) {
					fmt.Fprintln(cmd.OutOrStdout(), p.String())
				},
			}, cmd)
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", cfg.BackfillBatchSize,
		fmt.Sprintf("entries per embed request (max %d)", service.MaxBackfillBatchSize))
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only count pending entries")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, opts service.BackfillOptions, cmd *cobra.Command) error {
	pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pgStore.Close()

	if err := prepareSchema(pgStore, opts); err != nil {
		return err
	}

	embedder := ai.NewOllamaEmbedder(ai.OllamaEndpointConfig{
		BaseURL: cfg.OllamaEmbedURL,
		Model:   cfg.OllamaEmbedModel,
		Token:   cfg.OllamaEmbedToken,
		Timeout: cfg.EmbeddingTimeout,
	})
	svc := service.NewBackfillService(
		store.NewVectorStore(pgStore, cfg.EmbeddingDimension),
		embedder,
		service.RetryPolicy{
			MaxRetries: cfg.BackfillRetry.MaxRetries,
			BaseDelay:  cfg.BackfillRetry.BaseDelay,
			MaxDelay:   cfg.BackfillRetry.MaxDelay,
		},
	)

	summary, err := svc.Run(ctx, opts)
	if summary != nil {
		printSummary(cmd, summary)
	}
	if err != nil {
		slog.Error("backfill stopped", "error", err)
		return err
	}
	return nil
}

type migrator interface {
	Migrate() error
}

// prepareSchema applies pending migrations unless this is a dry run, which never writes.
func prepareSchema(m migrator, opts service.BackfillOptions) error {
	if opts.DryRun {
		return nil
	}
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	return nil
}

func printSummary(cmd *cobra.Command, s *service.BackfillSummary) {
	out := cmd.OutOrStdout()
	if s.DryRun {
		fmt.Fprintf(out, "dry run: %d entries pending\n", s.Pending)
		return
	}
	fmt.Fprintf(out, "done in %s: %d embedded, %d skipped, %d errors over %d batches (%d pending at start)\n",
		s.Elapsed.Round(time.Millisecond), s.Processed, s.Skipped, s.Errors, s.Batches, s.Pending)
}
