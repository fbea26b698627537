package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/arkhamlabs/arkham/internal/domain/embed"
	"github.com/arkhamlabs/arkham/internal/domain/queue"
	"github.com/arkhamlabs/arkham/internal/domain/search"
	"github.com/arkhamlabs/arkham/internal/domain/vector"
	"github.com/arkhamlabs/arkham/pkg/uuid"
)

// CollectionResolver maps a caller-supplied collection name into the
// project-scoped collection the token is bound to.
type CollectionResolver func(projectID, name string) string

// EmbedHandler exposes the embedding manager: ad-hoc embeds, async document
// embedding, nearest-neighbor lookups, and model lifecycle.
type EmbedHandler struct {
	embedder *embed.Manager
	vectors  *vector.Store
	queue    *queue.Service
	resolve  CollectionResolver

	// availableModels is the advertised model catalog; switching to a model
	// outside it is still allowed but callers get no dimension preview.
	availableModels []string
}

// NewEmbedHandler creates an EmbedHandler.
func NewEmbedHandler(m *embed.Manager, v *vector.Store, q *queue.Service, resolve CollectionResolver, available []string) *EmbedHandler {
	return &EmbedHandler{embedder: m, vectors: v, queue: q, resolve: resolve, availableModels: available}
}

// embedTextRequest is the JSON body for POST /api/embed/text.
type embedTextRequest struct {
	Text string `json:"text"`
}

// EmbedText handles POST /api/embed/text.
func (h *EmbedHandler) EmbedText(w http.ResponseWriter, r *http.Request) {
	var req embedTextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	vec, err := h.embedder.EmbedText(r.Context(), req.Text)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "embedding provider unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"embedding":  vec,
		"dimensions": len(vec),
		"model":      h.embedder.ModelInfo().Name,
	})
}

// embedBatchRequest is the JSON body for POST /api/embed/batch.
type embedBatchRequest struct {
	Texts []string `json:"texts"`
}

// EmbedBatch handles POST /api/embed/batch.
func (h *EmbedHandler) EmbedBatch(w http.ResponseWriter, r *http.Request) {
	var req embedBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Texts) == 0 {
		writeError(w, http.StatusBadRequest, "texts is required")
		return
	}

	vecs, err := h.embedder.EmbedBatch(r.Context(), req.Texts)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "embedding provider unavailable")
		return
	}
	dims := 0
	if len(vecs) > 0 {
		dims = len(vecs[0])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"embeddings": vecs,
		"count":      len(vecs),
		"dimensions": dims,
		"model":      h.embedder.ModelInfo().Name,
	})
}

// embedDocumentRequest is the JSON body for POST /api/embed/document/{id}.
type embedDocumentRequest struct {
	Collection string `json:"collection,omitempty"`
}

// EmbedDocument handles POST /api/embed/document/{id}: enqueues an async
// embedding job on the embed pool and returns its queue ID.
func (h *EmbedHandler) EmbedDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "id")

	var req embedDocumentRequest
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

	jobID := uuid.NewV7().String()
	payload := map[string]any{"document_id": docID, "collection": collection}
	if err := h.queue.Enqueue(r.Context(), "embed", jobID, payload, queuePriorityDefault); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue embedding job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      jobID,
		"document_id": docID,
		"collection":  collection,
		"status":      "queued",
	})
}

// nearestRequest is the JSON body for POST /api/embed/nearest. Either a
// query text or a raw vector must be given.
type nearestRequest struct {
	Query      string    `json:"query,omitempty"`
	Vector     []float32 `json:"vector,omitempty"`
	Collection string    `json:"collection,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Threshold  *float64  `json:"score_threshold,omitempty"`
}

// Nearest handles POST /api/embed/nearest.
func (h *EmbedHandler) Nearest(w http.ResponseWriter, r *http.Request) {
	var req nearestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Query == "" && len(req.Vector) == 0 {
		writeError(w, http.StatusBadRequest, "query or vector is required")
		return
	}
	collection := req.Collection
	if collection == "" {
		collection = search.DefaultCollection
	}
	collection = h.resolve(projectID(r), collection)
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	vec := req.Vector
	if len(vec) == 0 {
		var err error
		vec, err = h.embedder.EmbedText(r.Context(), req.Query)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "embedding provider unavailable")
			return
		}
	}

	hits, err := h.vectors.Search(r.Context(), collection, vec, limit, req.Threshold, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "vector search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hits":       hits,
		"collection": collection,
		"count":      len(hits),
	})
}

// modelSwitchRequest is the JSON body for POST /api/embed/model/switch and
// /api/embed/model/check-switch.
type modelSwitchRequest struct {
	Model       string `json:"model"`
	ConfirmWipe bool   `json:"confirm_wipe,omitempty"`
}

// SwitchModel handles POST /api/embed/model/switch. A dimension-changing
// switch without confirm_wipe returns 409 along with the collections that
// would be destroyed.
func (h *EmbedHandler) SwitchModel(w http.ResponseWriter, r *http.Request) {
	var req modelSwitchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	result, err := h.embedder.SwitchModel(r.Context(), req.Model, req.ConfirmWipe)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "model switch failed: "+err.Error())
		return
	}
	if !result.Success && result.RequiresWipe {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CheckSwitch handles POST /api/embed/model/check-switch: a dry run that
// reports wipe impact without mutating anything.
func (h *EmbedHandler) CheckSwitch(w http.ResponseWriter, r *http.Request) {
	var req modelSwitchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	result, err := h.embedder.CheckSwitch(r.Context(), req.Model)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "switch check failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CurrentModel handles GET /api/embed/model/current.
func (h *EmbedHandler) CurrentModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.embedder.ModelInfo())
}

// AvailableModels handles GET /api/embed/model/available.
func (h *EmbedHandler) AvailableModels(w http.ResponseWriter, r *http.Request) {
	current := h.embedder.ModelInfo().Name
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  h.availableModels,
		"current": current,
	})
}

// Collections handles GET /api/embed/model/collections: the vector
// collections and their dimensions.
func (h *EmbedHandler) Collections(w http.ResponseWriter, r *http.Request) {
	infos, err := h.vectors.ListCollections(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list collections")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": infos})
}

// queuePriorityDefault is the priority for API-triggered background jobs.
const queuePriorityDefault = 2
