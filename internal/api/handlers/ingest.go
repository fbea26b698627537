package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/arkhamlabs/arkham/internal/domain/dispatch"
	"github.com/arkhamlabs/arkham/internal/domain/intake"
	"github.com/arkhamlabs/arkham/internal/domain/queue"
)

// maxUploadBytes caps multipart memory buffering; larger files spill to disk.
const maxUploadBytes = 32 << 20

// IngestHandler exposes the document intake pipeline: uploads, batches,
// filesystem ingestion, and job inspection.
type IngestHandler struct {
	intake     *intake.Manager
	dispatcher *dispatch.Dispatcher
	queue      *queue.Service
}

// NewIngestHandler creates an IngestHandler.
func NewIngestHandler(m *intake.Manager, d *dispatch.Dispatcher, q *queue.Service) *IngestHandler {
	return &IngestHandler{intake: m, dispatcher: d, queue: q}
}

// Upload handles POST /api/ingest/upload. The multipart form carries a
// single "file" part and an optional "priority" field.
func (h *IngestHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file part is required")
		return
	}
	defer file.Close() //nolint:errcheck

	job, err := h.intake.ReceiveFile(r.Context(), file, header.Filename, formPriority(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "intake failed")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// batchUploadResponse is the JSON response for POST /api/ingest/upload/batch.
type batchUploadResponse struct {
	BatchID string              `json:"batch_id"`
	Queued  int                 `json:"queued"`
	Jobs    []*intake.IngestJob `json:"jobs"`
}

// UploadBatch handles POST /api/ingest/upload/batch. Every part named
// "files" becomes one ingest job under a shared batch.
func (h *IngestHandler) UploadBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	parts := r.MultipartForm.File["files"]
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, "at least one file is required")
		return
	}

	var files []intake.BatchFile
	var closers []interface{ Close() error }
	defer func() {
		for _, c := range closers {
			c.Close() //nolint:errcheck
		}
	}()
	for _, p := range parts {
		f, err := p.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable file part: "+p.Filename)
			return
		}
		closers = append(closers, f)
		files = append(files, intake.BatchFile{Name: p.Filename, Reader: f})
	}

	batchID, jobs, err := h.intake.ReceiveBatch(r.Context(), files, formPriority(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "batch intake failed")
		return
	}
	writeJSON(w, http.StatusAccepted, batchUploadResponse{BatchID: batchID, Queued: len(jobs), Jobs: jobs})
}

// ingestPathRequest is the JSON body for POST /api/ingest/ingest-path.
type ingestPathRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	Priority  int    `json:"priority,omitempty"`
}

// IngestPath handles POST /api/ingest/ingest-path: pulls files from a
// server-local directory into the pipeline.
func (h *IngestHandler) IngestPath(w http.ResponseWriter, r *http.Request) {
	var req ingestPathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	priority := req.Priority
	if priority == 0 {
		priority = intake.PriorityBatch
	}

	batchID, jobs, err := h.intake.ReceivePath(r.Context(), req.Path, req.Recursive, priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "path ingestion failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, batchUploadResponse{BatchID: batchID, Queued: len(jobs), Jobs: jobs})
}

// GetJob handles GET /api/ingest/job/{id}.
func (h *IngestHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.intake.Store().GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, intake.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/ingest/jobs with optional ?status= filter.
func (h *IngestHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	page := parsePaginationParams(r)
	jobs, err := h.intake.Store().ListJobs(r.Context(), r.URL.Query().Get("status"), page.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// GetBatch handles GET /api/ingest/batch/{id}.
func (h *IngestHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.intake.Store().GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": batch, "complete": batch.Complete()})
}

// RetryJob handles POST /api/ingest/job/{id}/retry. Only FAILED or DEAD
// jobs can be re-dispatched; the route restarts from its first step.
func (h *IngestHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store := h.intake.Store()

	job, err := store.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, intake.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job.Status != intake.StatusFailed && job.Status != intake.StatusDead {
		writeError(w, http.StatusConflict, "job is not in a retryable state")
		return
	}

	if _, err := store.IncrementRetry(ctx, job.JobID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record retry")
		return
	}
	if err := h.dispatcher.Dispatch(ctx, job); err != nil {
		writeError(w, http.StatusInternalServerError, "re-dispatch failed")
		return
	}
	job, err = store.GetJob(ctx, job.JobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// QueueStats handles GET /api/ingest/queue: per-pool queue depth counters.
func (h *IngestHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": stats})
}

// formPriority reads the optional "priority" form field, defaulting to
// the interactive-user level.
func formPriority(r *http.Request) int {
	if p, err := strconv.Atoi(r.FormValue("priority")); err == nil && p > 0 {
		return p
	}
	return intake.PriorityUser
}
