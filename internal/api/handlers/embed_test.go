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

func newEmbedRouter(env *testEnv) *chi.Mux {
	h := NewEmbedHandler(env.embedder, env.vectors, env.queue, identityResolver, []string{"stub-embed", "other-model"})
	r := chi.NewRouter()
	r.Post("/api/embed/text", h.EmbedText)
	r.Post("/api/embed/batch", h.EmbedBatch)
	r.Post("/api/embed/document/{id}", h.EmbedDocument)
	r.Post("/api/embed/nearest", h.Nearest)
	r.Post("/api/embed/model/check-switch", h.CheckSwitch)
	r.Get("/api/embed/model/current", h.CurrentModel)
	r.Get("/api/embed/model/available", h.AvailableModels)
	r.Get("/api/embed/model/collections", h.Collections)
	return r
}

func TestEmbedTextReturnsVector(t *testing.T) {
	env := newTestEnv(t)
	router := newEmbedRouter(env)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/embed/text",
		strings.NewReader(`{"text":"suspicious transfer"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Embedding  []float64 `json:"embedding"`
		Dimensions int       `json:"dimensions"`
		Model      string    `json:"model"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Dimensions != 4 || len(resp.Embedding) != 4 {
		t.Errorf("expected 4-dim vector, got %d", resp.Dimensions)
	}
	if resp.Model != "stub-embed" {
		t.Errorf("expected stub-embed, got %q", resp.Model)
	}
}

func TestEmbedTextRequiresText(t *testing.T) {
	env := newTestEnv(t)
	router := newEmbedRouter(env)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/embed/text", strings.NewReader(`{"text":""}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestEmbedBatchCountsVectors(t *testing.T) {
	env := newTestEnv(t)
	router := newEmbedRouter(env)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/embed/batch",
		strings.NewReader(`{"texts":["one","two","three"]}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Count      int `json:"count"`
		Dimensions int `json:"dimensions"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp) //nolint:errcheck
	if resp.Count != 3 || resp.Dimensions != 4 {
		t.Errorf("expected 3 vectors of dim 4, got %d/%d", resp.Count, resp.Dimensions)
	}
}

func TestEmbedDocumentEnqueuesJob(t *testing.T) {
	env := newTestEnv(t)
	router := newEmbedRouter(env)
	docID := seedDocument(t, env, "report.txt", "quarterly report text")

	req := authed(httptest.NewRequest(http.MethodPost, "/api/embed/document/"+docID, nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		JobID      string `json:"job_id"`
		Collection string `json:"collection"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp) //nolint:errcheck
	if resp.JobID == "" {
		t.Fatal("expected a job_id")
	}
	if resp.Collection != "documents" {
		t.Errorf("expected default collection, got %q", resp.Collection)
	}

	job, err := env.queue.Get(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("queued job not found: %v", err)
	}
	if job.Pool != "embed" {
		t.Errorf("expected embed pool, got %q", job.Pool)
	}
}

func TestNearestRequiresQueryOrVector(t *testing.T) {
	env := newTestEnv(t)
	router := newEmbedRouter(env)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/embed/nearest", strings.NewReader(`{}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestNearestSearchesEmptyCollection(t *testing.T) {
	env := newTestEnv(t)
	router := newEmbedRouter(env)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/embed/nearest",
		strings.NewReader(`{"query":"anything"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp) //nolint:errcheck
	if resp.Count != 0 {
		t.Errorf("expected no hits on an empty store, got %d", resp.Count)
	}
}

func TestModelCurrentAndAvailable(t *testing.T) {
	env := newTestEnv(t)
	router := newEmbedRouter(env)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/embed/model/current", nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var info struct {
		Name string `json:"name"`
	}
	json.Unmarshal(rr.Body.Bytes(), &info) //nolint:errcheck
	if info.Name != "stub-embed" {
		t.Errorf("expected stub-embed, got %q", info.Name)
	}

	availReq := authed(httptest.NewRequest(http.MethodGet, "/api/embed/model/available", nil))
	availRR := httptest.NewRecorder()
	router.ServeHTTP(availRR, availReq)
	var avail struct {
		Models []string `json:"models"`
	}
	json.Unmarshal(availRR.Body.Bytes(), &avail) //nolint:errcheck
	if len(avail.Models) != 2 {
		t.Errorf("expected 2 advertised models, got %d", len(avail.Models))
	}
}

func TestCheckSwitchSameModelNeedsNoWipe(t *testing.T) {
	env := newTestEnv(t)
	router := newEmbedRouter(env)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/embed/model/check-switch",
		strings.NewReader(`{"model":"stub-embed"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var result struct {
		RequiresWipe bool `json:"requires_wipe"`
	}
	json.Unmarshal(rr.Body.Bytes(), &result) //nolint:errcheck
	if result.RequiresWipe {
		t.Error("switching to the same model must not require a wipe")
	}
}
