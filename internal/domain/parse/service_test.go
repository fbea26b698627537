package parse

import (
	"context"
	"database/sql"
	"testing"

	"github.com/arkhamlabs/arkham/internal/domain/document"
	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
	"github.com/arkhamlabs/arkham/internal/infra/sqlite"
)

func newTestService(t *testing.T) (*Service, *document.Service, *sql.DB) {
	t.Helper()
	db, err := sqlite.NewDB(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.MigrateUp(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	docs := document.NewService(db)
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	svc := NewService(db, docs, nil, bus, ChunkConfig{ChunkSize: 60, ChunkOverlap: 10, Method: "sentence"})
	return svc, docs, db
}

func seedDocument(t *testing.T, docs *document.Service, text string) string {
	t.Helper()
	ctx := context.Background()
	id, err := docs.Create(ctx, "memo.txt", "text/plain", int64(len(text)), nil)
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	if err := docs.SavePages(ctx, id, []string{text}); err != nil {
		t.Fatalf("save pages: %v", err)
	}
	return id
}

func TestParseDocumentStoresChunksAndEntities(t *testing.T) {
	svc, docs, db := newTestService(t)
	ctx := context.Background()

	text := "John Smith sent $5,000.00 to Acme Corp. The wire cleared on 03/15/2024. Nothing else happened here."
	docID := seedDocument(t, docs, text)

	res, err := svc.ParseDocument(ctx, docID)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.ChunkCount == 0 {
		t.Fatal("no chunks stored")
	}
	if res.MentionCount < 4 {
		t.Fatalf("mentions = %d, want at least person+org+money+date", res.MentionCount)
	}

	// Chunk indexes form a contiguous 0-based sequence.
	rows, err := db.QueryContext(ctx,
		`SELECT chunk_index FROM frame_chunks WHERE document_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		t.Fatalf("query chunks: %v", err)
	}
	defer rows.Close()
	next := 0
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if idx != next {
			t.Fatalf("chunk_index = %d, want %d", idx, next)
		}
		next++
	}
	if next != res.ChunkCount {
		t.Fatalf("stored %d chunks, result says %d", next, res.ChunkCount)
	}
}

func TestReparseIsIdempotent(t *testing.T) {
	svc, docs, db := newTestService(t)
	ctx := context.Background()

	docID := seedDocument(t, docs, "Maria Lopez signed for Acme Corp. Payment was $1,200.00 exactly.")

	first, err := svc.ParseDocument(ctx, docID)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	second, err := svc.ParseDocument(ctx, docID)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if first.ChunkCount != second.ChunkCount {
		t.Fatalf("chunk count drifted: %d -> %d", first.ChunkCount, second.ChunkCount)
	}

	var chunkRows int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM frame_chunks WHERE document_id = ?`, docID).Scan(&chunkRows); err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if chunkRows != first.ChunkCount {
		t.Fatalf("chunk rows = %d after re-parse, want %d", chunkRows, first.ChunkCount)
	}

	// Mention counts on canonical entities do not inflate across re-parses.
	var maxCount int
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(mention_count), 0) FROM frame_entities`).Scan(&maxCount); err != nil {
		t.Fatalf("count entities: %v", err)
	}
	if maxCount > 1 {
		t.Fatalf("mention_count = %d after re-parse, want 1 per entity", maxCount)
	}
}

func TestReparseTrimsStaleChunks(t *testing.T) {
	svc, docs, db := newTestService(t)
	ctx := context.Background()

	long := "First sentence is here. Second sentence follows now. Third sentence closes it. Fourth one too."
	docID := seedDocument(t, docs, long)
	if _, err := svc.ParseDocument(ctx, docID); err != nil {
		t.Fatalf("parse long: %v", err)
	}

	if err := docs.SavePages(ctx, docID, []string{"Tiny text."}); err != nil {
		t.Fatalf("save pages: %v", err)
	}
	res, err := svc.ParseDocument(ctx, docID)
	if err != nil {
		t.Fatalf("parse short: %v", err)
	}

	var rows int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM frame_chunks WHERE document_id = ?`, docID).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != res.ChunkCount {
		t.Fatalf("stale chunks survive: %d rows, want %d", rows, res.ChunkCount)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	svc, docs, _ := newTestService(t)
	ctx := context.Background()

	docID := seedDocument(t, docs, "")
	res, err := svc.ParseDocument(ctx, docID)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.ChunkCount != 0 || res.MentionCount != 0 {
		t.Fatalf("res = %+v, want zero counts", res)
	}
}

func TestUpdateConfigValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	if err := svc.UpdateConfig(ChunkConfig{ChunkSize: 500, ChunkOverlap: 50, Method: "fixed"}); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if got := svc.Config().Method; got != "fixed" {
		t.Fatalf("method = %s", got)
	}

	if err := svc.UpdateConfig(ChunkConfig{ChunkSize: 500, ChunkOverlap: 50, Method: "wavelet"}); err == nil {
		t.Fatal("unknown method accepted")
	}
	if err := svc.UpdateConfig(ChunkConfig{ChunkSize: 100, ChunkOverlap: 100, Method: "fixed"}); err == nil {
		t.Fatal("overlap >= size accepted")
	}
}
