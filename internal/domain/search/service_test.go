package search

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/arkhamlabs/arkham/internal/domain/embed"
	"github.com/arkhamlabs/arkham/internal/domain/vector"
	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
	"github.com/arkhamlabs/arkham/internal/infra/llm"
	"github.com/arkhamlabs/arkham/internal/infra/sqlite"
)

// stubLLM returns a fixed embedding for every text and echoes a canned chat
// answer. failEmbed simulates a down vector side.
type stubLLM struct {
	vec       []float32
	failEmbed bool
	answer    string
}

func (s *stubLLM) ChatCompletion(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: s.answer, StopReason: "stop"}, nil
}

func (s *stubLLM) ChatStream(_ context.Context, _ llm.ChatRequest, onToken llm.StreamFunc) error {
	for _, tok := range strings.SplitAfter(s.answer, " ") {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubLLM) Embed(_ context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	if s.failEmbed {
		return nil, fmt.Errorf("embedding backend down")
	}
	out := make([][]float32, len(req.Texts))
	for i := range req.Texts {
		out[i] = append([]float32(nil), s.vec...)
	}
	return &llm.EmbedResponse{Embeddings: out}, nil
}

func (s *stubLLM) ModelInfo() llm.ModelMeta {
	return llm.ModelMeta{ID: "stub-embed", Provider: "test"}
}

func (s *stubLLM) HealthCheck(context.Context) error { return nil }

type fixture struct {
	db      *sql.DB
	vectors *vector.Store
	bus     *eventbus.MemoryBus
	svc     *Service
	llm     *stubLLM
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.NewDB(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.MigrateUp(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := eventbus.New()
	vectors := vector.NewStore(db)
	provider := &stubLLM{vec: []float32{1, 0, 0, 0}, answer: "answer from excerpts"}
	embeddings, err := embed.NewManager(provider, vectors, bus, "stub-embed", "cpu", 8, 16, false)
	if err != nil {
		t.Fatalf("embed manager: %v", err)
	}
	svc := NewService(db, embeddings, vectors, provider, bus, Config{})
	return &fixture{db: db, vectors: vectors, bus: bus, svc: svc, llm: provider}
}

func (f *fixture) seedDocument(t *testing.T, docID, filename, mimeType string, chunks ...string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := f.db.Exec(`
		INSERT INTO frame_documents (id, filename, mime_type, size, status, created_at, updated_at)
		VALUES (?, ?, ?, 100, 'processed', ?, ?)`, docID, filename, mimeType, now, now)
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
	offset := 0
	for i, text := range chunks {
		_, err := f.db.Exec(`
			INSERT INTO frame_chunks (id, document_id, chunk_index, text, start_char, end_char, token_count)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			fmt.Sprintf("%s-c%d", docID, i), docID, i, text, offset, offset+len(text), len(strings.Fields(text)))
		if err != nil {
			t.Fatalf("seed chunk: %v", err)
		}
		offset += len(text)
	}
}

func (f *fixture) seedVector(t *testing.T, collection, docID, chunkID string, idx int, vec []float32, text, filename string) {
	t.Helper()
	ctx := context.Background()
	if err := f.vectors.CreateCollection(ctx, collection, len(vec), vector.MetricCosine); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	err := f.vectors.Upsert(ctx, collection, []vector.Record{{
		ID:     chunkID,
		Vector: vec,
		Payload: map[string]any{
			"document_id": docID,
			"chunk_id":    chunkID,
			"chunk_index": idx,
			"text":        text,
			"filename":    filename,
			"mime_type":   "text/plain",
		},
	}})
	if err != nil {
		t.Fatalf("upsert vector: %v", err)
	}
}

func item(doc, chunk string) Item { return Item{DocumentID: doc, ChunkID: chunk} }

func TestFuseRRFOrdering(t *testing.T) {
	sem := []Item{item("A", "a1"), item("B", "b1"), item("C", "c1")}
	kw := []Item{item("B", "b1"), item("D", "d1"), item("A", "a1")}

	fused := fuseRRF(sem, kw, 0.5, 0.5, 60)

	wantOrder := []string{"B", "A", "D", "C"}
	if len(fused) != 4 {
		t.Fatalf("fused %d items, want 4", len(fused))
	}
	for i, want := range wantOrder {
		if fused[i].DocumentID != want {
			t.Errorf("rank %d = %s, want %s", i+1, fused[i].DocumentID, want)
		}
	}

	wantScores := map[string]float64{
		"A": 0.5/61 + 0.5/63,
		"B": 0.5/62 + 0.5/61,
		"C": 0.5 / 63,
		"D": 0.5 / 62,
	}
	for _, it := range fused {
		if math.Abs(it.Score-wantScores[it.DocumentID]) > 1e-12 {
			t.Errorf("%s score = %v, want %v", it.DocumentID, it.Score, wantScores[it.DocumentID])
		}
	}
}

func TestFuseRRFEmptyInputs(t *testing.T) {
	if got := fuseRRF(nil, nil, 0.5, 0.5, 60); len(got) != 0 {
		t.Errorf("fusing empty lists = %v, want []", got)
	}
}

func TestNormalizeWeights(t *testing.T) {
	ws, wk := normalizeWeights(0.9, 0.3)
	if math.Abs(ws-0.75) > 1e-12 || math.Abs(wk-0.25) > 1e-12 {
		t.Errorf("normalized = (%v, %v), want (0.75, 0.25)", ws, wk)
	}
	ws, wk = normalizeWeights(0, 0)
	if ws != 0.5 || wk != 0.5 {
		t.Errorf("zero weights = (%v, %v), want even split", ws, wk)
	}
}

func TestKeywordScoringAndSnippets(t *testing.T) {
	f := newFixture(t)
	long := strings.Repeat("x", 80) + " contract breach clause " + strings.Repeat("y", 80)
	f.seedDocument(t, "doc1", "agreement.txt", "text/plain",
		"The contract was signed. Later the contract was Contract disputed.",
		long)
	f.seedDocument(t, "doc2", "notes.txt", "text/plain", "nothing relevant here")

	items, err := f.svc.Keyword(context.Background(), Request{Query: "contract", Limit: 10})
	if err != nil {
		t.Fatalf("keyword: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}

	// Three case-insensitive occurrences rank first at 0.6.
	first := items[0]
	if first.ChunkID != "doc1-c0" {
		t.Errorf("first item = %s, want doc1-c0", first.ChunkID)
	}
	if math.Abs(first.Score-0.6) > 1e-9 {
		t.Errorf("score = %v, want 0.6", first.Score)
	}
	if len(first.Highlights) != 3 {
		t.Errorf("highlights = %d, want 3", len(first.Highlights))
	}

	// Mid-text match gets ellipses on both sides.
	second := items[1]
	if len(second.Highlights) != 1 {
		t.Fatalf("long chunk highlights = %d, want 1", len(second.Highlights))
	}
	h := second.Highlights[0]
	if !strings.HasPrefix(h, "...") || !strings.HasSuffix(h, "...") {
		t.Errorf("snippet missing ellipses: %q", h)
	}
	if !strings.Contains(h, "contract breach") {
		t.Errorf("snippet missing term: %q", h)
	}
}

func TestKeywordScoreCaps(t *testing.T) {
	if got := keywordScore(7); got != 1.0 {
		t.Errorf("score(7) = %v, want 1.0", got)
	}
}

func TestKeywordEmptyQuery(t *testing.T) {
	f := newFixture(t)
	items, err := f.svc.Keyword(context.Background(), Request{Query: "  "})
	if err != nil || len(items) != 0 {
		t.Errorf("empty query = (%v, %v), want ([], nil)", items, err)
	}
}

func TestSemanticSearchMapsPayloads(t *testing.T) {
	f := newFixture(t)
	f.seedVector(t, DefaultCollection, "docA", "docA-c0", 0, []float32{1, 0, 0, 0}, "breach of contract", "a.txt")
	f.seedVector(t, DefaultCollection, "docB", "docB-c0", 0, []float32{0, 1, 0, 0}, "weather report", "b.txt")

	items, err := f.svc.Semantic(context.Background(), Request{Query: "contract breach", Limit: 10})
	if err != nil {
		t.Fatalf("semantic: %v", err)
	}
	if len(items) == 0 {
		t.Fatal("no semantic results")
	}
	top := items[0]
	if top.DocumentID != "docA" || top.Filename != "a.txt" || top.Text != "breach of contract" {
		t.Errorf("top item = %+v", top)
	}
	if items[0].Score < items[len(items)-1].Score {
		t.Error("results not sorted by score")
	}
}

func TestHybridDegradesToKeywordOnly(t *testing.T) {
	f := newFixture(t)
	f.seedDocument(t, "doc1", "a.txt", "text/plain", "the contract is void")
	f.llm.failEmbed = true

	resp, err := f.svc.Search(context.Background(), Request{Query: "contract", Mode: ModeHybrid, Limit: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !resp.Degraded {
		t.Error("degraded flag not set")
	}
	if len(resp.Items) != 1 || resp.Items[0].DocumentID != "doc1" {
		t.Errorf("items = %+v", resp.Items)
	}
}

func TestSearchEmitsQueryExecuted(t *testing.T) {
	f := newFixture(t)
	f.seedDocument(t, "doc1", "a.txt", "text/plain", "alpha beta gamma")

	events := make(chan eventbus.Event, 1)
	sub := f.bus.Subscribe(TopicQueryExecuted, func(_ context.Context, ev eventbus.Event) {
		events <- ev
	})
	defer f.bus.Unsubscribe(sub)

	if _, err := f.svc.Search(context.Background(), Request{Query: "beta", Mode: ModeKeyword}); err != nil {
		t.Fatalf("search: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Payload["mode"] != "keyword" {
			t.Errorf("event mode = %v", ev.Payload["mode"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no search.query.executed event")
	}
}

func TestSuggestFromEntitiesAndFilenames(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := f.db.Exec(`
		INSERT INTO frame_entities (id, canonical_name, type, first_seen, last_seen, mention_count)
		VALUES ('e1', 'John Smith', 'PERSON', ?, ?, 5)`, now, now)
	if err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	f.seedDocument(t, "doc1", "john_deposition.txt", "text/plain", "text")

	got, err := f.svc.Suggest(context.Background(), "john")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("suggestions = %v, want entity + filename", got)
	}
	if got[0] != "John Smith" {
		t.Errorf("first suggestion = %q, want entity by mention count", got[0])
	}
}

func TestFacets(t *testing.T) {
	f := newFixture(t)
	f.seedDocument(t, "doc1", "a.txt", "text/plain", "x")
	f.seedDocument(t, "doc2", "b.pdf", "application/pdf", "y")
	f.seedDocument(t, "doc3", "c.txt", "text/plain", "z")

	facets, err := f.svc.Facets(context.Background(), "")
	if err != nil {
		t.Fatalf("facets: %v", err)
	}
	if len(facets.FileTypes) != 2 {
		t.Fatalf("file types = %+v", facets.FileTypes)
	}
	if facets.FileTypes[0].Value != "text/plain" || facets.FileTypes[0].Count != 2 {
		t.Errorf("top file type = %+v", facets.FileTypes[0])
	}
	if len(facets.DateRanges) != 3 {
		t.Fatalf("date ranges = %+v", facets.DateRanges)
	}
	for _, dr := range facets.DateRanges {
		if dr.Count != 3 {
			t.Errorf("%s count = %d, want 3 (all docs are recent)", dr.Label, dr.Count)
		}
	}
}

func TestChatStreamsAnswerWithSources(t *testing.T) {
	f := newFixture(t)
	f.seedDocument(t, "doc1", "a.txt", "text/plain", "the contract was breached on March 3")

	var streamed strings.Builder
	sources, err := f.svc.Chat(context.Background(), Request{Query: "contract"}, func(tok string) error {
		streamed.WriteString(tok)
		return nil
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if streamed.String() != "answer from excerpts" {
		t.Errorf("streamed = %q", streamed.String())
	}
	if len(sources) != 1 || sources[0].Filename != "a.txt" {
		t.Errorf("sources = %+v", sources)
	}
}

func TestSaveFeedbackValidatesRating(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.SaveFeedback(context.Background(), Feedback{Query: "q", Answer: "a", Rating: 3}); err == nil {
		t.Error("rating 3 accepted")
	}
	if err := f.svc.SaveFeedback(context.Background(), Feedback{Query: "q", Answer: "a", Rating: 1}); err != nil {
		t.Errorf("valid feedback rejected: %v", err)
	}
}
