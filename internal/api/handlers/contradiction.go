package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arkhamlabs/arkham/internal/domain/contradiction"
)

// ContradictionHandler exposes pairwise analysis, batch runs, and chain
// detection.
type ContradictionHandler struct {
	contradictions *contradiction.Service
}

// NewContradictionHandler creates a ContradictionHandler.
func NewContradictionHandler(svc *contradiction.Service) *ContradictionHandler {
	return &ContradictionHandler{contradictions: svc}
}

// analyzeRequest is the JSON body for POST /api/contradictions/analyze.
type analyzeRequest struct {
	DocAID string `json:"doc_a_id"`
	DocBID string `json:"doc_b_id"`
}

// Analyze handles POST /api/contradictions/analyze: compares one document
// pair and persists any contradictions found.
func (h *ContradictionHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DocAID == "" || req.DocBID == "" {
		writeError(w, http.StatusBadRequest, "doc_a_id and doc_b_id are required")
		return
	}

	found, err := h.contradictions.Analyze(r.Context(), req.DocAID, req.DocBID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contradictions": found,
		"count":          len(found),
	})
}

// batchRequest is the JSON body for POST /api/contradictions/batch.
type batchRequest struct {
	DocumentIDs []string `json:"document_ids"`
	AsyncMode   bool     `json:"async_mode,omitempty"`
}

// AnalyzeBatch handles POST /api/contradictions/batch: all pairs among the
// given documents, optionally in the background.
func (h *ContradictionHandler) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.contradictions.AnalyzeBatch(r.Context(), req.DocumentIDs, req.AsyncMode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if req.AsyncMode {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// List handles GET /api/contradictions/list with doc_id/type/severity/status
// query filters.
func (h *ContradictionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parsePaginationParams(r)
	filter := contradiction.ListFilter{
		DocID:    q.Get("doc_id"),
		Type:     contradiction.Type(q.Get("type")),
		Severity: contradiction.Severity(q.Get("severity")),
		Status:   contradiction.Status(q.Get("status")),
		Limit:    page.Limit,
		Offset:   page.Offset,
	}

	items, err := h.contradictions.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list contradictions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contradictions": items, "count": len(items)})
}

// Get handles GET /api/contradictions/{id}.
func (h *ContradictionHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.contradictions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, contradiction.ErrContradictionNotFound) {
			writeError(w, http.StatusNotFound, "contradiction not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load contradiction")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateStatus handles PUT /api/contradictions/{id}/status.
func (h *ContradictionHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := contradiction.Status(req.Status)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	c, err := h.contradictions.UpdateStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		if errors.Is(err, contradiction.ErrContradictionNotFound) {
			writeError(w, http.StatusNotFound, "contradiction not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update status")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Chains handles GET /api/contradictions/chains: the stored multi-document
// chains from the last detection run.
func (h *ContradictionHandler) Chains(w http.ResponseWriter, r *http.Request) {
	chains, err := h.contradictions.Chains(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list chains")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chains": chains, "count": len(chains)})
}

// DetectChains handles POST /api/contradictions/detect-chains: rebuilds
// chains from the current contradiction graph.
func (h *ContradictionHandler) DetectChains(w http.ResponseWriter, r *http.Request) {
	chains, err := h.contradictions.DetectChains(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "chain detection failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chains": chains, "count": len(chains)})
}
