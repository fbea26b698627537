package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newParseRouter(env *testEnv) *chi.Mux {
	h := NewParseHandler(env.parse)
	r := chi.NewRouter()
	r.Post("/api/parse/document/{id}", h.ParseDocument)
	r.Post("/api/parse/text", h.ParseText)
	r.Post("/api/parse/chunk", h.ChunkText)
	r.Get("/api/parse/config/chunking", h.GetChunkConfig)
	r.Put("/api/parse/config/chunking", h.UpdateChunkConfig)
	r.Get("/api/parse/entities", h.Entities)
	return r
}

func TestChunkPreviewSplitsText(t *testing.T) {
	env := newTestEnv(t)
	router := newParseRouter(env)

	// 500 chars against chunk_size 200 / overlap 20 must give >= 2 chunks.
	text := strings.Repeat("forensic accounting detail ", 19)
	body, _ := json.Marshal(map[string]string{"text": text})
	req := authed(httptest.NewRequest(http.MethodPost, "/api/parse/chunk", strings.NewReader(string(body))))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp) //nolint:errcheck
	if resp.Count < 2 {
		t.Errorf("expected multiple chunks, got %d", resp.Count)
	}
}

func TestUpdateChunkConfigValidates(t *testing.T) {
	env := newTestEnv(t)
	router := newParseRouter(env)

	bad := `{"chunk_size":100,"chunk_overlap":10,"method":"mystery"}`
	req := authed(httptest.NewRequest(http.MethodPut, "/api/parse/config/chunking", strings.NewReader(bad)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown method, got %d", rr.Code)
	}

	good := `{"chunk_size":300,"chunk_overlap":30,"method":"sentence"}`
	req = authed(httptest.NewRequest(http.MethodPut, "/api/parse/config/chunking", strings.NewReader(good)))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	getReq := authed(httptest.NewRequest(http.MethodGet, "/api/parse/config/chunking", nil))
	getRR := httptest.NewRecorder()
	router.ServeHTTP(getRR, getReq)
	var cfg struct {
		ChunkSize int    `json:"chunk_size"`
		Method    string `json:"method"`
	}
	json.Unmarshal(getRR.Body.Bytes(), &cfg) //nolint:errcheck
	if cfg.ChunkSize != 300 || cfg.Method != "sentence" {
		t.Errorf("config update not reflected: %+v", cfg)
	}
}

func TestParseTextExtractsMentions(t *testing.T) {
	env := newTestEnv(t)
	router := newParseRouter(env)

	body := `{"text":"Marcus Webb wired $45,000.00 to Meridian Holdings Ltd on 2024-03-15."}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/parse/text", strings.NewReader(body)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Count int      `json:"count"`
		Dates []string `json:"dates"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp) //nolint:errcheck
	if resp.Count == 0 {
		t.Error("expected entity mentions in the sample text")
	}
	if len(resp.Dates) == 0 {
		t.Error("expected the ISO date to be extracted")
	}
}

func TestParseDocumentPersistsChunks(t *testing.T) {
	env := newTestEnv(t)
	router := newParseRouter(env)
	docID := seedDocument(t, env, "ledger.txt", strings.Repeat("entry in the general ledger ", 30))

	req := authed(httptest.NewRequest(http.MethodPost, "/api/parse/document/"+docID, nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var result struct {
		DocumentID string `json:"document_id"`
		ChunkCount int    `json:"chunk_count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &result) //nolint:errcheck
	if result.DocumentID != docID || result.ChunkCount == 0 {
		t.Errorf("expected persisted chunks for %s, got %+v", docID, result)
	}
}

func TestParseDocumentMissing(t *testing.T) {
	env := newTestEnv(t)
	router := newParseRouter(env)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/parse/document/ghost", nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
