package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/go-asset-reconciler/internal/domain"
	"github.com/arturoeanton/go-asset-reconciler/internal/middleware"
	"github.com/arturoeanton/go-asset-reconciler/internal/port"
	"github.com/arturoeanton/go-asset-reconciler/internal/service"
)

// JobEngine is the reconciliation surface driven over HTTP.
type JobEngine interface {
	JobReader
	CreateJob(ctx context.Context, rows []domain.LegacyRow, locationFilter string) (*domain.ReconciliationJob, error)
	StartProcessing(ctx context.Context, jobID string) (*domain.ReconciliationJob, error)
	ListJobs(ctx context.Context, from, to *time.Time) ([]domain.ReconciliationJob, error)
	DeleteJob(ctx context.Context, jobID string) error
	SetDecision(ctx context.Context, jobID string, rowNumber int, decision string, selectedAssetID *string) error
	AutoReconcile(ctx context.Context, jobID string, minScore *float64) (*service.AutoReconcileResult, error)
	ExportJob(ctx context.Context, jobID string) ([]domain.ExportRow, error)
}

// ReconciliationHandler exposes job CRUD, processing and decisions.
type ReconciliationHandler struct {
	engine  JobEngine
	tracker *ProgressTracker
	audit   port.AuditWriter
}

// NewReconciliationHandler creates a new reconciliation handler. audit may be nil.
func NewReconciliationHandler(engine JobEngine, tracker *ProgressTracker, audit port.AuditWriter) *ReconciliationHandler {
	return &ReconciliationHandler{engine: engine, tracker: tracker, audit: audit}
}

// Register sets up job routes.
func (h *ReconciliationHandler) Register(router fiber.Router) {
	jobs := router.Group("/jobs")
	jobs.Post("", h.Create)
	jobs.Get("", h.List)
	jobs.Get("/:id", h.Get)
	jobs.Delete("/:id", h.Delete)
	jobs.Post("/:id/process", h.Process)
	jobs.Put("/:id/rows/:rowNumber/decision", h.Decide)
	jobs.Post("/:id/auto-reconcile", h.AutoReconcile)
	jobs.Get("/:id/export", h.Export)
}

type createJobRequest struct {
	Rows           []domain.LegacyRow `json:"rows"`
	LocationFilter string             `json:"location_filter"`
}

// Create stores a new pending job from legacy rows.
func (h *ReconciliationHandler) Create(c fiber.Ctx) error {
	var req createJobRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badBody(c)
	}

	job, err := h.engine.CreateJob(c.Context(), req.Rows, req.LocationFilter)
	if err != nil {
		return writeError(c, err)
	}
	h.record(c, domain.AuditActionJobCreate, job.ID, fiber.Map{"total_rows": job.TotalRows, "location_filter": req.LocationFilter})
	return c.Status(fiber.StatusCreated).JSON(job)
}

// List returns job headers, newest first, optionally bounded by ?from= and ?to=.
func (h *ReconciliationHandler) List(c fiber.Ctx) error {
	from, err := queryTime(c, "from", false)
	if err != nil {
		return writeError(c, err)
	}
	to, err := queryTime(c, "to", true)
	if err != nil {
		return writeError(c, err)
	}

	jobs, err := h.engine.ListJobs(c.Context(), from, to)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(jobs)
}

// Get returns a job header and one page of rows.
func (h *ReconciliationHandler) Get(c fiber.Ctx) error {
	offset, err := queryInt(c, "offset")
	if err != nil {
		return writeError(c, err)
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return writeError(c, err)
	}

	page, err := h.engine.GetJob(c.Context(), c.Params("id"), offset, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(page)
}

// Delete removes a job and its rows.
func (h *ReconciliationHandler) Delete(c fiber.Ctx) error {
	id := c.Params("id")
	if err := h.engine.DeleteJob(c.Context(), id); err != nil {
		return writeError(c, err)
	}
	if h.tracker != nil {
		h.tracker.Forget(id)
	}
	h.record(c, domain.AuditActionJobDelete, id, nil)
	return c.SendStatus(fiber.StatusNoContent)
}

// Process starts the row loop in the background.
func (h *ReconciliationHandler) Process(c fiber.Ctx) error {
	job, err := h.engine.StartProcessing(c.Context(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	h.record(c, domain.AuditActionJobProcess, job.ID, fiber.Map{"total_rows": job.TotalRows})
	return c.Status(fiber.StatusAccepted).JSON(job)
}

type decisionRequest struct {
	Decision        string  `json:"decision"`
	SelectedAssetID *string `json:"selected_asset_id"`
}

// Decide records a manual decision for one row.
func (h *ReconciliationHandler) Decide(c fiber.Ctx) error {
	id := c.Params("id")
	rowNumber, err := strconv.Atoi(c.Params("rowNumber"))
	if err != nil {
		return writeError(c, port.Invalid("row_number", "must be an integer"))
	}
	var req decisionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badBody(c)
	}

	if err := h.engine.SetDecision(c.Context(), id, rowNumber, req.Decision, req.SelectedAssetID); err != nil {
		return writeError(c, err)
	}
	h.record(c, domain.AuditActionDecision, id, fiber.Map{
		"row_number":        rowNumber,
		"decision":          req.Decision,
		"selected_asset_id": req.SelectedAssetID,
	})
	return c.JSON(fiber.Map{
		"job_id":            id,
		"row_number":        rowNumber,
		"decision":          req.Decision,
		"selected_asset_id": req.SelectedAssetID,
	})
}

type autoReconcileRequest struct {
	MinScore *float64 `json:"min_score"`
}

// AutoReconcile matches pending rows above a score threshold. The body is optional.
func (h *ReconciliationHandler) AutoReconcile(c fiber.Ctx) error {
	id := c.Params("id")
	var req autoReconcileRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badBody(c)
		}
	}

	res, err := h.engine.AutoReconcile(c.Context(), id, req.MinScore)
	if err != nil {
		return writeError(c, err)
	}
	h.record(c, domain.AuditActionAutoReconcile, id, fiber.Map{"min_score": req.MinScore, "auto_matched": res.AutoMatched})
	return c.JSON(res)
}

// Export returns the flattened rows of a job.
func (h *ReconciliationHandler) Export(c fiber.Ctx) error {
	rows, err := h.engine.ExportJob(c.Context(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rows)
}

// record writes an audit entry for a state change. Failures are logged only.
func (h *ReconciliationHandler) record(c fiber.Ctx, action, jobID string, details fiber.Map) {
	writeAudit(c, h.audit, action, "job", jobID, details)
}

func writeAudit(c fiber.Ctx, w port.AuditWriter, action, resource, resourceID string, details fiber.Map) {
	if w == nil {
		return
	}
	entry := &domain.AuditLog{
		UserID:     "anonymous",
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Details:    "{}",
		IP:         c.IP(),
		UserAgent:  c.Get("User-Agent"),
	}
	if uc := middleware.GetUserContext(c); uc != nil {
		entry.UserID = uc.UserID
	}
	if details != nil {
		b, _ := json.Marshal(details)
		entry.Details = string(b)
	}
	if err := w.WriteAudit(c.Context(), entry); err != nil {
		slog.Error("failed to write audit log", "action", action, "resource_id", resourceID, "error", err)
	}
}
