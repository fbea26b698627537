package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arkhamlabs/arkham/internal/domain/anomaly"
	"github.com/arkhamlabs/arkham/internal/domain/search"
)

// AnomalyHandler exposes detection runs and the triage workflow.
type AnomalyHandler struct {
	anomalies *anomaly.Service
	resolve   CollectionResolver
}

// NewAnomalyHandler creates an AnomalyHandler.
func NewAnomalyHandler(svc *anomaly.Service, resolve CollectionResolver) *AnomalyHandler {
	return &AnomalyHandler{anomalies: svc, resolve: resolve}
}

// detectRequest is the JSON body for POST /api/anomalies/detect.
type detectRequest struct {
	Collection string `json:"collection,omitempty"`
}

// DetectAll handles POST /api/anomalies/detect: runs every detector over
// the full corpus and returns per-document counts.
func (h *AnomalyHandler) DetectAll(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	collection := req.Collection
	if collection == "" {
		collection = search.DefaultCollection
	}
	collection = h.resolve(projectID(r), collection)

	counts, err := h.anomalies.DetectAll(r.Context(), collection)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "detection failed")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents_scanned": len(counts),
		"anomalies_found":   total,
		"by_document":       counts,
	})
}

// DetectDocument handles POST /api/anomalies/document/{id}.
func (h *AnomalyHandler) DetectDocument(w http.ResponseWriter, r *http.Request) {
	collection := h.resolve(projectID(r), search.DefaultCollection)
	found, err := h.anomalies.DetectDocument(r.Context(), chi.URLParam(r, "id"), collection)
	if err != nil {
		writeError(w, http.StatusNotFound, "document not found or has no text")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": found, "count": len(found)})
}

// List handles GET /api/anomalies/list with type/severity/status/doc_id
// query filters.
func (h *AnomalyHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parsePaginationParams(r)
	filter := anomaly.ListFilter{
		DocID:    q.Get("doc_id"),
		Type:     anomaly.Type(q.Get("type")),
		Severity: anomaly.Severity(q.Get("severity")),
		Status:   anomaly.Status(q.Get("status")),
		Limit:    page.Limit,
		Offset:   page.Offset,
	}

	items, err := h.anomalies.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list anomalies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": items, "count": len(items)})
}

// Stats handles GET /api/anomalies/stats.
func (h *AnomalyHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.anomalies.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to aggregate stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Get handles GET /api/anomalies/{id}, including triage notes.
func (h *AnomalyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.anomalies.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, anomaly.ErrAnomalyNotFound) {
			writeError(w, http.StatusNotFound, "anomaly not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load anomaly")
		return
	}
	notes, err := h.anomalies.Notes(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load notes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomaly": a, "notes": notes})
}

// statusRequest is the JSON body for PUT /api/anomalies/{id}/status.
type statusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus handles PUT /api/anomalies/{id}/status.
func (h *AnomalyHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := anomaly.Status(req.Status)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	a, err := h.anomalies.UpdateStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		if errors.Is(err, anomaly.ErrAnomalyNotFound) {
			writeError(w, http.StatusNotFound, "anomaly not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update status")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// noteRequest is the JSON body for POST /api/anomalies/{id}/notes.
type noteRequest struct {
	Note string `json:"note"`
}

// AddNote handles POST /api/anomalies/{id}/notes. The author is the
// authenticated user.
func (h *AnomalyHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}
	var req noteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Note == "" {
		writeError(w, http.StatusBadRequest, "note is required")
		return
	}

	note, err := h.anomalies.AddNote(r.Context(), chi.URLParam(r, "id"), uid, req.Note)
	if err != nil {
		if errors.Is(err, anomaly.ErrAnomalyNotFound) {
			writeError(w, http.StatusNotFound, "anomaly not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to add note")
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// bulkStatusRequest is the JSON body for POST /api/anomalies/bulk-status.
type bulkStatusRequest struct {
	IDs    []string `json:"ids"`
	Status string   `json:"status"`
}

// BulkStatus handles POST /api/anomalies/bulk-status: one transaction over
// many anomalies; unknown IDs are skipped and reflected in the count.
func (h *AnomalyHandler) BulkStatus(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	status := anomaly.Status(req.Status)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	updated, err := h.anomalies.BulkStatus(r.Context(), req.IDs, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bulk update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"updated":   updated,
		"requested": len(req.IDs),
		"status":    status,
	})
}
