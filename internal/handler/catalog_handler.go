package handler

import (
	"context"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/go-asset-reconciler/internal/domain"
	"github.com/arturoeanton/go-asset-reconciler/internal/port"
	"github.com/arturoeanton/go-asset-reconciler/internal/service"
)

// CatalogSearcher runs free-text searches against the catalog.
type CatalogSearcher interface {
	SearchCatalog(ctx context.Context, query, location string, topK int) ([]domain.Suggestion, error)
}

// Backfiller drives the embedding backfill pipeline.
type Backfiller interface {
	Running() bool
	Pending(ctx context.Context) (int, error)
	Run(ctx context.Context, opts service.BackfillOptions) (*service.BackfillSummary, error)
	Start(ctx context.Context, opts service.BackfillOptions) error
}

// CatalogHandler exposes catalog search and backfill control.
type CatalogHandler struct {
	search   CatalogSearcher
	backfill Backfiller
	audit    port.AuditWriter
}

// NewCatalogHandler creates a new catalog handler. audit may be nil.
func NewCatalogHandler(search CatalogSearcher, backfill Backfiller, audit port.AuditWriter) *CatalogHandler {
	return &CatalogHandler{search: search, backfill: backfill, audit: audit}
}

// Register sets up catalog routes.
func (h *CatalogHandler) Register(router fiber.Router) {
	catalog := router.Group("/catalog")
	catalog.Post("/search", h.Search)
	catalog.Get("/backfill", h.BackfillStatus)
	catalog.Post("/backfill", h.TriggerBackfill)
}

type searchRequest struct {
	Query          string `json:"query"`
	LocationFilter string `json:"location_filter"`
	TopK           int    `json:"top_k"`
}

// Search embeds the query and returns the closest unreconciled entries.
func (h *CatalogHandler) Search(c fiber.Ctx) error {
	var req searchRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badBody(c)
	}

	results, err := h.search.SearchCatalog(c.Context(), req.Query, req.LocationFilter, req.TopK)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"query": req.Query, "results": results})
}

// BackfillStatus reports how many entries are pending and whether a run is active.
func (h *CatalogHandler) BackfillStatus(c fiber.Ctx) error {
	pending, err := h.backfill.Pending(c.Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"pending": pending, "running": h.backfill.Running()})
}

type backfillRequest struct {
	BatchSize int  `json:"batch_size"`
	DryRun    bool `json:"dry_run"`
}

// TriggerBackfill starts a background run, or answers a dry run inline.
func (h *CatalogHandler) TriggerBackfill(c fiber.Ctx) error {
	var req backfillRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badBody(c)
		}
	}
	opts := service.BackfillOptions{BatchSize: req.BatchSize, DryRun: req.DryRun}

	if req.DryRun {
		summary, err := h.backfill.Run(c.Context(), opts)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(summary)
	}

	if err := h.backfill.Start(c.Context(), opts); err != nil {
		return writeError(c, err)
	}
	writeAudit(c, h.audit, domain.AuditActionBackfillRun, "catalog", "backfill", fiber.Map{"batch_size": req.BatchSize})
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"started": true})
}
