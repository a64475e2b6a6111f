package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/go-asset-reconciler/internal/domain"
	"github.com/arturoeanton/go-asset-reconciler/internal/port"
)

const streamTimeout = 5 * time.Minute

var _ port.ProgressPublisher = (*ProgressTracker)(nil)

// ProgressTracker keeps the latest progress of each job in memory
// and fans updates out to stream subscribers.
type ProgressTracker struct {
	mu   sync.RWMutex
	jobs map[string]domain.JobProgress
	subs map[string][]chan domain.JobProgress // subscribers per job
}

// NewProgressTracker creates an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		jobs: make(map[string]domain.JobProgress),
		subs: make(map[string][]chan domain.JobProgress),
	}
}

// Publish records p and notifies subscribers without blocking.
// A slow subscriber loses its oldest queued update, never the newest.
func (t *ProgressTracker) Publish(p domain.JobProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[p.JobID] = p
	for _, ch := range t.subs[p.JobID] {
		select {
		case ch <- p:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
}

// Get returns the latest progress of a job.
func (t *ProgressTracker) Get(id string) (domain.JobProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.jobs[id]
	return p, ok
}

// Forget drops the stored progress of a deleted job.
func (t *ProgressTracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}

// Subscribe returns a channel that receives the job's updates.
func (t *ProgressTracker) Subscribe(id string) chan domain.JobProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan domain.JobProgress, 10)
	t.subs[id] = append(t.subs[id], ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (t *ProgressTracker) Unsubscribe(id string, ch chan domain.JobProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subs[id]
	for i, s := range subs {
		if s == ch {
			t.subs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(t.subs[id]) == 0 {
		delete(t.subs, id)
	}
	close(ch)
}

// JobReader loads a job header with a page of rows.
type JobReader interface {
	GetJob(ctx context.Context, jobID string, offset, limit int) (*domain.JobPage, error)
}

// JobsHandler serves job progress snapshots and the SSE stream.
type JobsHandler struct {
	tracker *ProgressTracker
	jobs    JobReader
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(tracker *ProgressTracker, jobs JobReader) *JobsHandler {
	return &JobsHandler{tracker: tracker, jobs: jobs}
}

// Register sets up progress routes.
func (h *JobsHandler) Register(router fiber.Router) {
	jobs := router.Group("/jobs")
	jobs.Get("/:id/progress", h.GetProgress)
	jobs.Get("/:id/stream", h.StreamSSE)
}

// current returns the tracked progress, or one derived from the stored header
// when the job has not run since the server started. The bool reports whether
// the progress came from a run this process is tracking.
func (h *JobsHandler) current(ctx context.Context, id string) (domain.JobProgress, bool, error) {
	if p, ok := h.tracker.Get(id); ok {
		return p, true, nil
	}
	page, err := h.jobs.GetJob(ctx, id, 0, 1)
	if err != nil {
		return domain.JobProgress{}, false, err
	}
	return domain.JobProgress{
		JobID:         page.ID,
		Status:        page.Status,
		ProcessedRows: page.ProcessedRows,
		TotalRows:     page.TotalRows,
		UpdatedAt:     page.UpdatedAt,
	}, false, nil
}

// GetProgress returns the current progress of a job.
func (h *JobsHandler) GetProgress(c fiber.Ctx) error {
	p, _, err := h.current(c.Context(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(p)
}

func eventName(p domain.JobProgress) string {
	if p.Status == domain.JobStatusCompleted {
		return "completed"
	}
	return "progress"
}

func writeEvent(w *bufio.Writer, p domain.JobProgress) error {
	data, _ := json.Marshal(p)
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName(p), data); err != nil {
		return err
	}
	return w.Flush()
}

// StreamSSE streams progress updates via Server-Sent Events until the job completes.
// Jobs without a live run get their snapshot as a single event.
func (h *JobsHandler) StreamSSE(c fiber.Ctx) error {
	id := c.Params("id")

	// Subscribe before reading the snapshot so no update falls in between.
	ch := h.tracker.Subscribe(id)
	p, live, err := h.current(c.Context(), id)
	if err != nil {
		h.tracker.Unsubscribe(id, ch)
		return writeError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	// Nothing will publish for an untracked job, e.g. one interrupted by a restart.
	if p.Status != domain.JobStatusProcessing || !live {
		h.tracker.Unsubscribe(id, ch)
		data, _ := json.Marshal(p)
		return c.SendString(fmt.Sprintf("event: %s\ndata: %s\n\n", eventName(p), data))
	}

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer h.tracker.Unsubscribe(id, ch)

		if err := writeEvent(w, p); err != nil {
			return
		}

		timeout := time.After(streamTimeout)
		for {
			select {
			case update, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(w, update); err != nil {
					slog.Debug("SSE client gone", "job_id", id)
					return
				}
				if update.Status == domain.JobStatusCompleted {
					return
				}
			case <-timeout:
				slog.Warn("SSE timeout", "job_id", id)
				return
			}
		}
	})
}
