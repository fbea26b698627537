package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newAnomalyRouter(env *testEnv) *chi.Mux {
	h := NewAnomalyHandler(env.anomalies, identityResolver)
	r := chi.NewRouter()
	r.Post("/api/anomalies/detect", h.DetectAll)
	r.Post("/api/anomalies/document/{id}", h.DetectDocument)
	r.Get("/api/anomalies/list", h.List)
	r.Get("/api/anomalies/stats", h.Stats)
	r.Post("/api/anomalies/bulk-status", h.BulkStatus)
	r.Get("/api/anomalies/{id}", h.Get)
	r.Put("/api/anomalies/{id}/status", h.UpdateStatus)
	r.Post("/api/anomalies/{id}/notes", h.AddNote)
	return r
}

// structuringText trips the red-flag detector: several sub-$10k amounts.
const structuringText = "Deposits of $9,100.00 then $9,500.00 then $9,800.00 and finally $9,950.00 were made in sequence."

func TestDetectDocumentReturnsFindings(t *testing.T) {
	env := newTestEnv(t)
	router := newAnomalyRouter(env)
	docID := seedDocument(t, env, "deposits.txt", structuringText)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/anomalies/document/"+docID, nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp) //nolint:errcheck
	if resp.Count == 0 {
		t.Error("expected the structuring pattern to be flagged")
	}
}

func TestAnomalyTriageFlow(t *testing.T) {
	env := newTestEnv(t)
	router := newAnomalyRouter(env)
	docID := seedDocument(t, env, "deposits.txt", structuringText)

	found, err := env.anomalies.DetectDocument(context.Background(), docID, "documents")
	if err != nil || len(found) == 0 {
		t.Fatalf("detection setup failed: %v (%d found)", err, len(found))
	}
	id := found[0].ID

	// Confirm it.
	req := authed(httptest.NewRequest(http.MethodPut, "/api/anomalies/"+id+"/status",
		strings.NewReader(`{"status":"CONFIRMED"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// Attach a note as the authenticated analyst.
	noteReq := authed(httptest.NewRequest(http.MethodPost, "/api/anomalies/"+id+"/notes",
		strings.NewReader(`{"note":"matches the March deposit pattern"}`)))
	noteRR := httptest.NewRecorder()
	router.ServeHTTP(noteRR, noteReq)
	if noteRR.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", noteRR.Code, noteRR.Body.String())
	}
	var note struct {
		Author string `json:"author"`
	}
	json.Unmarshal(noteRR.Body.Bytes(), &note) //nolint:errcheck
	if note.Author != "analyst-1" {
		t.Errorf("expected note author from context, got %q", note.Author)
	}

	// The detail view carries the note.
	getReq := authed(httptest.NewRequest(http.MethodGet, "/api/anomalies/"+id, nil))
	getRR := httptest.NewRecorder()
	router.ServeHTTP(getRR, getReq)
	var detail struct {
		Anomaly struct {
			Status string `json:"status"`
		} `json:"anomaly"`
		Notes []any `json:"notes"`
	}
	json.Unmarshal(getRR.Body.Bytes(), &detail) //nolint:errcheck
	if detail.Anomaly.Status != "CONFIRMED" || len(detail.Notes) != 1 {
		t.Errorf("expected confirmed anomaly with one note, got %+v", detail)
	}
}

func TestUpdateStatusValidation(t *testing.T) {
	env := newTestEnv(t)
	router := newAnomalyRouter(env)

	req := authed(httptest.NewRequest(http.MethodPut, "/api/anomalies/some-id/status",
		strings.NewReader(`{"status":"MAYBE"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}

	req = authed(httptest.NewRequest(http.MethodPut, "/api/anomalies/missing/status",
		strings.NewReader(`{"status":"DISMISSED"}`)))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing anomaly, got %d", rr.Code)
	}
}

func TestBulkStatusRequiresIDs(t *testing.T) {
	env := newTestEnv(t)
	router := newAnomalyRouter(env)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/anomalies/bulk-status",
		strings.NewReader(`{"ids":[],"status":"DISMISSED"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAddNoteWithoutUserContext(t *testing.T) {
	env := newTestEnv(t)
	router := newAnomalyRouter(env)

	// No authed() wrapper: context carries no user.
	req := httptest.NewRequest(http.MethodPost, "/api/anomalies/some-id/notes",
		strings.NewReader(`{"note":"orphan"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestStatsAndListShapes(t *testing.T) {
	env := newTestEnv(t)
	router := newAnomalyRouter(env)

	listReq := authed(httptest.NewRequest(http.MethodGet, "/api/anomalies/list", nil))
	listRR := httptest.NewRecorder()
	router.ServeHTTP(listRR, listReq)
	if listRR.Code != http.StatusOK {
		t.Fatalf("expected 200 on empty list, got %d", listRR.Code)
	}

	statsReq := authed(httptest.NewRequest(http.MethodGet, "/api/anomalies/stats", nil))
	statsRR := httptest.NewRecorder()
	router.ServeHTTP(statsRR, statsReq)
	if statsRR.Code != http.StatusOK {
		t.Fatalf("expected 200 on stats, got %d", statsRR.Code)
	}
	var stats struct {
		Total int `json:"total"`
	}
	json.Unmarshal(statsRR.Body.Bytes(), &stats) //nolint:errcheck
	if stats.Total != 0 {
		t.Errorf("expected empty corpus, got total %d", stats.Total)
	}
}
