package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arkhamlabs/arkham/internal/domain/document"
)

// DocumentHandler exposes the registered document corpus and projects.
type DocumentHandler struct {
	documents *document.Service
}

// NewDocumentHandler creates a DocumentHandler.
func NewDocumentHandler(svc *document.Service) *DocumentHandler {
	return &DocumentHandler{documents: svc}
}

// List handles GET /api/documents.
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	page := parsePaginationParams(r)
	docs, err := h.documents.List(r.Context(), page.Limit, page.Offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

// Get handles GET /api/documents/{id}.
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.documents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Pages handles GET /api/documents/{id}/pages.
func (h *DocumentHandler) Pages(w http.ResponseWriter, r *http.Request) {
	pages, err := h.documents.Pages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load pages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages, "count": len(pages)})
}

// Delete handles DELETE /api/documents/{id}.
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.documents.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, document.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete document")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// assignProjectRequest is the JSON body for PUT /api/documents/{id}/project.
type assignProjectRequest struct {
	ProjectID string `json:"project_id"`
}

// AssignProject handles PUT /api/documents/{id}/project.
func (h *DocumentHandler) AssignProject(w http.ResponseWriter, r *http.Request) {
	var req assignProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if err := h.documents.AssignProject(r.Context(), chi.URLParam(r, "id"), req.ProjectID); err != nil {
		writeError(w, http.StatusNotFound, "document or project not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

// createProjectRequest is the JSON body for POST /api/projects.
type createProjectRequest struct {
	Name string `json:"name"`
}

// CreateProject handles POST /api/projects.
func (h *DocumentHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	id, err := h.documents.CreateProject(r.Context(), req.Name)
	if err != nil {
		writeError(w, http.StatusConflict, "project already exists")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "name": req.Name})
}

// Projects handles GET /api/projects.
func (h *DocumentHandler) Projects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.documents.Projects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}
