package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arturoeanton/go-asset-reconciler/internal/adapter/ai"
	"github.com/arturoeanton/go-asset-reconciler/internal/adapter/store"
	"github.com/arturoeanton/go-asset-reconciler/internal/handler"
	"github.com/arturoeanton/go-asset-reconciler/internal/middleware"
	"github.com/arturoeanton/go-asset-reconciler/internal/scheduler"
	"github.com/arturoeanton/go-asset-reconciler/internal/service"
	"github.com/arturoeanton/go-asset-reconciler/pkg/config"
)

func main() {
	// ── Load .env file ───────────────────────────────────────────────────
	_ = godotenv.Load() // silently ignore if .env doesn't exist

	// ── Configuration ────────────────────────────────────────────────────
	cfg := config.Load()

	slog.Info("🚀 Starting asset reconciler",
		"port", cfg.Port,
		"ollama_embed", cfg.OllamaEmbedURL,
		"model", cfg.OllamaEmbedModel,
		"auth_enabled", cfg.AuthEnabled,
		"backfill_schedule", cfg.BackfillSchedule,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Database ─────────────────────────────────────────────────────────
	pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	if err := pgStore.Migrate(); err != nil {
		slog.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	vectorStore := store.NewVectorStore(pgStore, cfg.EmbeddingDimension)

	// ── Adapters ─────────────────────────────────────────────────────────
	embedder := ai.NewOllamaEmbedder(ai.OllamaEndpointConfig{
		BaseURL: cfg.OllamaEmbedURL,
		Model:   cfg.OllamaEmbedModel,
		Token:   cfg.OllamaEmbedToken,
		Timeout: cfg.EmbeddingTimeout,
	})

	// ── Services ─────────────────────────────────────────────────────────
	tracker := handler.NewProgressTracker()
	retriever := service.NewCandidateRetriever(vectorStore)
	reconciler := service.NewReconciliationService(pgStore, vectorStore, embedder, retriever, tracker, service.EngineConfig{
		TopK:            cfg.SearchTopK,
		RetryPolicy:     retryPolicy(cfg.JobRetry),
		DefaultMinScore: cfg.AutoReconcileMinScore,
	})
	backfill := service.NewBackfillService(vectorStore, embedder, retryPolicy(cfg.BackfillRetry))

	if cfg.BackfillSchedule != "" {
		sched, err := scheduler.NewBackfill(cfg.BackfillSchedule, backfill, service.BackfillOptions{BatchSize: cfg.BackfillBatchSize})
		if err != nil {
			slog.Error("invalid backfill schedule", "error", err)
			os.Exit(1)
		}
		sched.Start()
		defer sched.Stop()
	}

	// ── Fiber App ────────────────────────────────────────────────────────
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{cfg.FrontendURL},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
	}))
	app.Use(middleware.AuditMiddleware(pgStore))

	// ── Public Routes ────────────────────────────────────────────────────
	app.Get("/api/v1/health", func(c fiber.Ctx) error {
		status, code := "healthy", fiber.StatusOK
		if err := pgStore.Ping(c.Context()); err != nil {
			status, code = "degraded", fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"app":    cfg.AppName,
			"model":  embedder.ModelName(),
		})
	})

	if cfg.MetricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	// ── Protected Routes ─────────────────────────────────────────────────
	api := app.Group("/api/v1")
	if cfg.AuthEnabled {
		api.Use(middleware.JWTMiddleware(middleware.JWTConfig{
			Secret: cfg.JWTSecret,
			Issuer: cfg.JWTIssuer,
		}))
		api.Use("/catalog/backfill", middleware.RequireRole(cfg.AdminRole))
	}

	handler.NewReconciliationHandler(reconciler, tracker, pgStore).Register(api)
	handler.NewJobsHandler(tracker, reconciler).Register(api)
	handler.NewCatalogHandler(reconciler, backfill, pgStore).Register(api)
	handler.NewAuditHandler(pgStore).Register(api)

	// ── Start ────────────────────────────────────────────────────────────
	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()

	slog.Info("🌐 Fiber listening", "port", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	// A job cut short stays in processing; starting it again restarts from the first row.
	done := make(chan struct{})
	go func() {
		reconciler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		slog.Warn("jobs still processing at exit")
	}
}

func retryPolicy(c config.RetryConfig) service.RetryPolicy {
	return service.RetryPolicy{MaxRetries: c.MaxRetries, BaseDelay: c.BaseDelay, MaxDelay: c.MaxDelay}
}
