package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newContradictionRouter(env *testEnv) *chi.Mux {
	h := NewContradictionHandler(env.contradictions)
	r := chi.NewRouter()
	r.Post("/api/contradictions/analyze", h.Analyze)
	r.Post("/api/contradictions/batch", h.AnalyzeBatch)
	r.Get("/api/contradictions/list", h.List)
	r.Get("/api/contradictions/chains", h.Chains)
	r.Post("/api/contradictions/detect-chains", h.DetectChains)
	r.Get("/api/contradictions/{id}", h.Get)
	r.Put("/api/contradictions/{id}/status", h.UpdateStatus)
	return r
}

func TestAnalyzeRequiresBothDocuments(t *testing.T) {
	env := newTestEnv(t)
	router := newContradictionRouter(env)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/contradictions/analyze",
		strings.NewReader(`{"doc_a_id":"only-one"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAnalyzeRejectsSelfComparison(t *testing.T) {
	env := newTestEnv(t)
	router := newContradictionRouter(env)
	docID := seedDocument(t, env, "solo.txt", "a statement that stands alone in the record")

	body, _ := json.Marshal(map[string]string{"doc_a_id": docID, "doc_b_id": docID})
	req := authed(httptest.NewRequest(http.MethodPost, "/api/contradictions/analyze",
		strings.NewReader(string(body))))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for self comparison, got %d", rr.Code)
	}
}

func TestAnalyzePairSucceeds(t *testing.T) {
	env := newTestEnv(t)
	router := newContradictionRouter(env)
	docA := seedDocument(t, env, "a.txt", "The contract was signed by the director on March fifth this year.")
	docB := seedDocument(t, env, "b.txt", "The contract was not signed by the director on March fifth this year.")

	body, _ := json.Marshal(map[string]string{"doc_a_id": docA, "doc_b_id": docB})
	req := authed(httptest.NewRequest(http.MethodPost, "/api/contradictions/analyze",
		strings.NewReader(string(body))))
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
		t.Error("expected the negated claim to register as a contradiction")
	}
}

func TestBatchRejectsSingleDocument(t *testing.T) {
	env := newTestEnv(t)
	router := newContradictionRouter(env)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/contradictions/batch",
		strings.NewReader(`{"document_ids":["just-one"]}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestBatchAsyncReturnsAccepted(t *testing.T) {
	env := newTestEnv(t)
	router := newContradictionRouter(env)
	docA := seedDocument(t, env, "a.txt", "The shipment arrived on schedule at the northern warehouse.")
	docB := seedDocument(t, env, "b.txt", "Inventory was counted weekly according to the site manager.")

	body, _ := json.Marshal(map[string]any{
		"document_ids": []string{docA, docB},
		"async_mode":   true,
	})
	req := authed(httptest.NewRequest(http.MethodPost, "/api/contradictions/batch",
		strings.NewReader(string(body))))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 in async mode, got %d: %s", rr.Code, rr.Body.String())
	}
	var result struct {
		Pairs int `json:"pairs"`
	}
	json.Unmarshal(rr.Body.Bytes(), &result) //nolint:errcheck
	if result.Pairs != 1 {
		t.Errorf("expected 1 pair scheduled, got %d", result.Pairs)
	}
}

func TestContradictionStatusAndListFlow(t *testing.T) {
	env := newTestEnv(t)
	router := newContradictionRouter(env)
	docA := seedDocument(t, env, "a.txt", "Payment of the invoice was approved by the board in January.")
	docB := seedDocument(t, env, "b.txt", "Payment of the invoice was never approved by the board in January.")

	body, _ := json.Marshal(map[string]string{"doc_a_id": docA, "doc_b_id": docB})
	req := authed(httptest.NewRequest(http.MethodPost, "/api/contradictions/analyze", strings.NewReader(string(body))))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("analyze failed: %d %s", rr.Code, rr.Body.String())
	}
	var analyzeResp struct {
		Contradictions []struct {
			ID string `json:"id"`
		} `json:"contradictions"`
	}
	json.Unmarshal(rr.Body.Bytes(), &analyzeResp) //nolint:errcheck
	if len(analyzeResp.Contradictions) == 0 {
		t.Fatal("expected at least one contradiction")
	}
	id := analyzeResp.Contradictions[0].ID

	statusReq := authed(httptest.NewRequest(http.MethodPut, "/api/contradictions/"+id+"/status",
		strings.NewReader(`{"status":"CONFIRMED"}`)))
	statusRR := httptest.NewRecorder()
	router.ServeHTTP(statusRR, statusReq)
	if statusRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", statusRR.Code, statusRR.Body.String())
	}

	listReq := authed(httptest.NewRequest(http.MethodGet, "/api/contradictions/list?status=CONFIRMED", nil))
	listRR := httptest.NewRecorder()
	router.ServeHTTP(listRR, listReq)
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(listRR.Body.Bytes(), &list) //nolint:errcheck
	if list.Count != 1 {
		t.Errorf("expected one confirmed contradiction, got %d", list.Count)
	}
}

func TestUpdateStatusMissingContradiction(t *testing.T) {
	env := newTestEnv(t)
	router := newContradictionRouter(env)

	req := authed(httptest.NewRequest(http.MethodPut, "/api/contradictions/ghost/status",
		strings.NewReader(`{"status":"DISMISSED"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestChainsEmptyByDefault(t *testing.T) {
	env := newTestEnv(t)
	router := newContradictionRouter(env)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/contradictions/chains", nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp) //nolint:errcheck
	if resp.Count != 0 {
		t.Errorf("expected no chains, got %d", resp.Count)
	}
}
