package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/arkhamlabs/arkham/internal/domain/audit"
)

func newAuditFixture(t *testing.T) (*chi.Mux, *audit.Service) {
	env := newTestEnv(t)
	svc := audit.NewService(env.db)
	h := NewAuditHandler(svc)
	r := chi.NewRouter()
	r.Get("/audit", h.List)
	r.Get("/audit/{id}", h.Get)
	return r, svc
}

func TestAuditListFiltersByActor(t *testing.T) {
	router, svc := newAuditFixture(t)
	ctx := context.Background()

	for _, actor := range []string{"analyst-1", "analyst-1", "analyst-2"} {
		err := svc.LogAction(ctx, actor, audit.ActorTypeUser,
			"anomalies.put", "anomalies", "anom-1", nil, audit.OutcomeSuccess)
		if err != nil {
			t.Fatalf("log action: %v", err)
		}
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit?actor_id=analyst-1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Events []audit.Event `json:"events"`
		Total  int           `json:"total"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("expected total 2 for analyst-1, got %d", resp.Total)
	}
	for _, evt := range resp.Events {
		if evt.ActorID != "analyst-1" {
			t.Errorf("filter leaked event for %q", evt.ActorID)
		}
	}
}

func TestAuditGetByID(t *testing.T) {
	router, svc := newAuditFixture(t)
	ctx := context.Background()

	evt := &audit.Event{
		ActorID:   "system",
		ActorType: audit.ActorTypeSystem,
		Action:    "embed.model_switch",
		Outcome:   audit.OutcomeSuccess,
	}
	if err := svc.Log(ctx, evt); err != nil {
		t.Fatalf("log event: %v", err)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/"+evt.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/no-such-event", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
