// Shared fixture for handler tests: real in-memory SQLite with migrations,
// a deterministic stub LLM, and all shard services wired by hand.
package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"testing"

	"github.com/arkhamlabs/arkham/internal/api/ctxkeys"
	"github.com/arkhamlabs/arkham/internal/domain/anomaly"
	"github.com/arkhamlabs/arkham/internal/domain/contradiction"
	"github.com/arkhamlabs/arkham/internal/domain/dispatch"
	"github.com/arkhamlabs/arkham/internal/domain/document"
	"github.com/arkhamlabs/arkham/internal/domain/embed"
	"github.com/arkhamlabs/arkham/internal/domain/intake"
	"github.com/arkhamlabs/arkham/internal/domain/parse"
	"github.com/arkhamlabs/arkham/internal/domain/queue"
	"github.com/arkhamlabs/arkham/internal/domain/search"
	"github.com/arkhamlabs/arkham/internal/domain/vector"
	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
	"github.com/arkhamlabs/arkham/internal/infra/llm"
	"github.com/arkhamlabs/arkham/internal/infra/sqlite"
)

// stubProvider implements llm.LLMProvider with fixed 4-dim vectors.
type stubProvider struct{}

func (s *stubProvider) ChatCompletion(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: "stub answer", StopReason: "stop"}, nil
}

func (s *stubProvider) ChatStream(_ context.Context, _ llm.ChatRequest, onToken llm.StreamFunc) error {
	for _, tok := range []string{"stub ", "answer"} {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubProvider) Embed(_ context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	vecs := make([][]float32, len(req.Texts))
	for i := range vecs {
		vecs[i] = []float32{0.1, 0.2, 0.3, 0.4}
	}
	return &llm.EmbedResponse{Embeddings: vecs}, nil
}

func (s *stubProvider) ModelInfo() llm.ModelMeta {
	return llm.ModelMeta{ID: "stub-embed", Provider: "stub"}
}

func (s *stubProvider) HealthCheck(_ context.Context) error { return nil }

// testEnv bundles the services handler tests exercise.
type testEnv struct {
	db             *sql.DB
	bus            eventbus.Bus
	queue          *queue.Service
	vectors        *vector.Store
	embedder       *embed.Manager
	documents      *document.Service
	intake         *intake.Manager
	dispatcher     *dispatch.Dispatcher
	parse          *parse.Service
	search         *search.Service
	anomalies      *anomaly.Service
	contradictions *contradiction.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlite.NewDB(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck
	if err := sqlite.MigrateUp(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	provider := &stubProvider{}
	vectors := vector.NewStore(db)
	q := queue.NewService(db, 3)
	documents := document.NewService(db)
	embedder, err := embed.NewManager(provider, vectors, bus, "stub-embed", "cpu", 8, 64, false)
	if err != nil {
		t.Fatalf("embed manager: %v", err)
	}

	intakeStore := intake.NewStore(db)
	dispatcher := dispatch.New(q, intakeStore, documents, bus, "disabled")
	mgr := intake.NewManager(intakeStore, bus, dispatcher, t.TempDir(), t.TempDir(), "disabled", 3)

	parseSvc := parse.NewService(db, documents, embedder, bus, parse.ChunkConfig{ChunkSize: 200, ChunkOverlap: 20, Method: "fixed"})
	searchSvc := search.NewService(db, embedder, vectors, provider, bus, search.Config{})
	anomalySvc := anomaly.NewService(db, embedder, vectors, bus, anomaly.Config{})
	contradictionSvc := contradiction.NewService(db, embedder, provider, bus, contradiction.Config{})

	return &testEnv{
		db:             db,
		bus:            bus,
		queue:          q,
		vectors:        vectors,
		embedder:       embedder,
		documents:      documents,
		intake:         mgr,
		dispatcher:     dispatcher,
		parse:          parseSvc,
		search:         searchSvc,
		anomalies:      anomalySvc,
		contradictions: contradictionSvc,
	}
}

// identityResolver leaves collection names unscoped.
func identityResolver(_, name string) string { return name }

// authed injects user and project context the way the auth middleware does.
func authed(r *http.Request) *http.Request {
	ctx := ctxkeys.WithValue(r.Context(), ctxkeys.UserID, "analyst-1")
	return r.WithContext(ctx)
}

// seedDocument registers a document with one page of text.
func seedDocument(t *testing.T, env *testEnv, filename, text string) string {
	t.Helper()
	ctx := context.Background()
	id, err := env.documents.Create(ctx, filename, "text/plain", int64(len(text)), nil)
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	if err := env.documents.SavePages(ctx, id, []string{text}); err != nil {
		t.Fatalf("save pages: %v", err)
	}
	return id
}
