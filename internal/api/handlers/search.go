package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arkhamlabs/arkham/internal/domain/search"
)

// SearchHandler exposes hybrid retrieval, suggestions, regex search, and the
// RAG chat stream.
type SearchHandler struct {
	search  *search.Service
	resolve CollectionResolver
}

// NewSearchHandler creates a SearchHandler.
func NewSearchHandler(svc *search.Service, resolve CollectionResolver) *SearchHandler {
	return &SearchHandler{search: svc, resolve: resolve}
}

// decodeSearchRequest parses the shared search body and scopes the
// collection to the token's project.
func (h *SearchHandler) decodeSearchRequest(r *http.Request) (search.Request, error) {
	var req search.Request
	if err := decodeJSON(r, &req); err != nil {
		return req, err
	}
	req.Collection = h.resolve(projectID(r), search.DefaultCollection)
	return req, nil
}

// Search handles POST /api/search/: mode-dispatched retrieval with optional
// facets.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeSearchRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	resp, err := h.search.Search(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Semantic handles POST /api/search/semantic.
func (h *SearchHandler) Semantic(w http.ResponseWriter, r *http.Request) {
	h.forcedMode(w, r, search.ModeSemantic)
}

// Keyword handles POST /api/search/keyword.
func (h *SearchHandler) Keyword(w http.ResponseWriter, r *http.Request) {
	h.forcedMode(w, r, search.ModeKeyword)
}

func (h *SearchHandler) forcedMode(w http.ResponseWriter, r *http.Request, mode search.Mode) {
	req, err := h.decodeSearchRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	req.Mode = mode

	resp, err := h.search.Search(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Suggest handles GET /api/search/suggest?q=prefix.
func (h *SearchHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("q")
	if prefix == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	suggestions, err := h.search.Suggest(r.Context(), prefix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "suggest failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

// Similar handles GET /api/search/similar/{doc_id}: more-like-this over the
// document's opening text.
func (h *SearchHandler) Similar(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "doc_id")
	req := search.Request{
		Limit:      parsePaginationParams(r).Limit,
		Collection: h.resolve(projectID(r), search.DefaultCollection),
	}

	items, err := h.search.Similar(r.Context(), req, docID)
	if err != nil {
		writeError(w, http.StatusNotFound, "document not found or has no text")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// Filters handles GET /api/search/filters?q=: facet aggregations scoped to
// an optional query.
func (h *SearchHandler) Filters(w http.ResponseWriter, r *http.Request) {
	facets, err := h.search.Facets(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "facet aggregation failed")
		return
	}
	writeJSON(w, http.StatusOK, facets)
}

// Chat handles POST /api/search/chat: a server-sent-event stream of answer
// tokens followed by the source citations. Event names: token, sources,
// done, error.
func (h *SearchHandler) Chat(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeSearchRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sources, err := h.search.Chat(r.Context(), req, func(token string) error {
		writeSSE(w, "token", map[string]string{"token": token})
		flusher.Flush()
		return nil
	})
	if err != nil {
		// Headers are already out; signal the failure in-stream so the
		// client can fall back to retrieval-only mode.
		writeSSE(w, "error", map[string]any{"error": "llm unavailable", "degraded": true})
		flusher.Flush()
		return
	}

	writeSSE(w, "sources", map[string]any{"sources": sources})
	writeSSE(w, "done", map[string]any{"degraded": false})
	flusher.Flush()
}

// writeSSE writes one server-sent event with a JSON payload.
func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n")) //nolint:errcheck
}

// Feedback handles POST /api/search/ai/feedback.
func (h *SearchHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	var fb search.Feedback
	if err := decodeJSON(r, &fb); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.search.SaveFeedback(r.Context(), fb); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "saved"})
}

// RegexSearch handles POST /api/search/regex.
func (h *SearchHandler) RegexSearch(w http.ResponseWriter, r *http.Request) {
	var req search.RegexRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern is required")
		return
	}

	result, err := h.search.RegexSearch(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// validatePatternRequest is the JSON body for POST /api/search/regex/validate.
type validatePatternRequest struct {
	Pattern string `json:"pattern"`
}

// ValidatePattern handles POST /api/search/regex/validate: compiles the
// pattern and classifies its performance risk without running it.
func (h *SearchHandler) ValidatePattern(w http.ResponseWriter, r *http.Request) {
	var req validatePatternRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	perf, err := search.ValidatePattern(req.Pattern)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "performance": perf, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "performance": perf})
}

// Presets handles GET /api/search/regex/presets.
func (h *SearchHandler) Presets(w http.ResponseWriter, r *http.Request) {
	presets, err := h.search.Presets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list presets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": presets})
}

// SavePreset handles POST /api/search/regex/presets.
func (h *SearchHandler) SavePreset(w http.ResponseWriter, r *http.Request) {
	var p search.Preset
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := h.search.SavePreset(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// History handles GET /api/search/regex/history.
func (h *SearchHandler) History(w http.ResponseWriter, r *http.Request) {
	page := parsePaginationParams(r)
	entries, err := h.search.History(r.Context(), page.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}
