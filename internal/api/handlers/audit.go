package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arkhamlabs/arkham/internal/domain/audit"
)

// AuditHandler exposes the audit trail, read-only.
type AuditHandler struct {
	audit *audit.Service
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(svc *audit.Service) *AuditHandler {
	return &AuditHandler{audit: svc}
}

// List handles GET /api/audit with actor/action/entity/outcome query filters.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parsePaginationParams(r)
	filter := audit.ListFilter{
		ActorID:    q.Get("actor_id"),
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Outcome:    audit.Outcome(q.Get("outcome")),
		Limit:      page.Limit,
		Offset:     page.Offset,
	}

	events, total, err := h.audit.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// Get handles GET /api/audit/{id}.
func (h *AuditHandler) Get(w http.ResponseWriter, r *http.Request) {
	evt, err := h.audit.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "audit event not found")
		return
	}
	writeJSON(w, http.StatusOK, evt)
}
