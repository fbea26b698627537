package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arkhamlabs/arkham/internal/domain/document"
	"github.com/arkhamlabs/arkham/internal/domain/parse"
)

// ParseHandler exposes chunking and entity extraction.
type ParseHandler struct {
	parse *parse.Service
}

// NewParseHandler creates a ParseHandler.
func NewParseHandler(svc *parse.Service) *ParseHandler {
	return &ParseHandler{parse: svc}
}

// ParseDocument handles POST /api/parse/document/{id}: chunks the stored
// document text and persists chunks, mentions, and entities.
func (h *ParseHandler) ParseDocument(w http.ResponseWriter, r *http.Request) {
	result, err := h.parse.ParseDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "parse failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// parseTextRequest is the JSON body for POST /api/parse/text and /chunk.
type parseTextRequest struct {
	Text string `json:"text"`
}

// ParseText handles POST /api/parse/text: extracts entity mentions, dates,
// and relations from raw text without persisting anything.
func (h *ParseHandler) ParseText(w http.ResponseWriter, r *http.Request) {
	var req parseTextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	mentions := parse.ExtractMentions(req.Text)
	writeJSON(w, http.StatusOK, map[string]any{
		"mentions":  mentions,
		"dates":     parse.ExtractDates(req.Text),
		"relations": parse.ExtractRelations(req.Text),
		"count":     len(mentions),
	})
}

// ChunkText handles POST /api/parse/chunk: previews chunking of raw text
// with the current configuration.
func (h *ParseHandler) ChunkText(w http.ResponseWriter, r *http.Request) {
	var req parseTextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	chunks := h.parse.ChunkText(r.Context(), req.Text)
	writeJSON(w, http.StatusOK, map[string]any{
		"chunks": chunks,
		"count":  len(chunks),
		"config": h.parse.Config(),
	})
}

// GetChunkConfig handles GET /api/parse/config/chunking.
func (h *ParseHandler) GetChunkConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.parse.Config())
}

// UpdateChunkConfig handles PUT /api/parse/config/chunking.
func (h *ParseHandler) UpdateChunkConfig(w http.ResponseWriter, r *http.Request) {
	var cfg parse.ChunkConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.parse.UpdateConfig(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.parse.Config())
}

// Entities handles GET /api/parse/entities: the aggregated entity table.
func (h *ParseHandler) Entities(w http.ResponseWriter, r *http.Request) {
	page := parsePaginationParams(r)
	entities, err := h.parse.Entities(r.Context(), page.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list entities")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities, "count": len(entities)})
}
