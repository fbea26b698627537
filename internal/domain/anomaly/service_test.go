package anomaly

import (
	"context"
	"crypto/rand"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
	"github.com/arkhamlabs/arkham/internal/infra/sqlite"
	"github.com/arkhamlabs/arkham/pkg/uuid"
)

type fixture struct {
	db  *sql.DB
	bus *eventbus.MemoryBus
	svc *Service
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
	return &fixture{db: db, bus: bus, svc: NewService(db, nil, nil, bus, Config{})}
}

func (f *fixture) seedDocument(t *testing.T, text string, size int64) string {
	t.Helper()
	id := uuid.NewV7().String()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := f.db.Exec(`
		INSERT INTO frame_documents (id, filename, mime_type, size, status, created_at, updated_at)
		VALUES (?, ?, 'text/plain', ?, 'processed', ?, ?)`,
		id, id+".txt", size, now, now)
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
	_, err = f.db.Exec(`
		INSERT INTO frame_document_pages (document_id, page_number, text) VALUES (?, 1, ?)`, id, text)
	if err != nil {
		t.Fatalf("seed page: %v", err)
	}
	return id
}

func TestStructuringDetection(t *testing.T) {
	text := `Deposits were made on consecutive days: $9,100 on Monday,
$9,500 on Tuesday, $9,800 on Wednesday and $9,950 on Thursday.`

	found := detectRedFlags("doc1", text)
	var structuring *Anomaly
	for i := range found {
		if found[i].Details["category"] == "structuring" {
			structuring = &found[i]
		}
	}
	if structuring == nil {
		t.Fatal("structuring pattern not detected")
	}
	if structuring.Severity != SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL", structuring.Severity)
	}
	if structuring.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", structuring.Confidence)
	}
	if got := structuring.Details["transaction_count"]; got != 4 {
		t.Errorf("transaction_count = %v, want 4", got)
	}
	total, _ := structuring.Details["total_amount"].(float64)
	if total < 38000 || total > 38700 {
		t.Errorf("total_amount = %v, want ~38350", total)
	}
}

func TestStructuringIgnoresRoundAmounts(t *testing.T) {
	text := "Paid $10,000 and $12,500 and $9,100 for services."
	for _, a := range detectRedFlags("doc1", text) {
		if a.Details["category"] == "structuring" {
			t.Fatal("structuring flagged with only one sub-threshold amount")
		}
	}
}

func TestSensitiveKeywordFlag(t *testing.T) {
	found := detectRedFlags("doc1", "Funds were routed through an offshore shell company.")
	var hit *Anomaly
	for i := range found {
		if found[i].Details["category"] == "sensitive_keywords" {
			hit = &found[i]
		}
	}
	if hit == nil {
		t.Fatal("sensitive keywords not flagged")
	}
	if hit.Severity != SeverityHigh {
		t.Errorf("severity = %s, want HIGH", hit.Severity)
	}
	kws, _ := hit.Details["keywords"].([]string)
	if len(kws) != 2 {
		t.Errorf("keywords = %v, want offshore + shell company", kws)
	}
}

func TestSeverityLadder(t *testing.T) {
	cases := []struct {
		z    float64
		want Severity
	}{
		{6.5, SeverityCritical},
		{-6.0, SeverityCritical},
		{5.0, SeverityHigh},
		{3.5, SeverityMedium},
		{2.0, SeverityLow},
	}
	for _, tc := range cases {
		if got := severityForZ(tc.z, 3.0); got != tc.want {
			t.Errorf("severityForZ(%v) = %s, want %s", tc.z, got, tc.want)
		}
	}
}

func TestStatisticalOutlier(t *testing.T) {
	normal := measureText(strings.Repeat("the quick brown fox jumps. ", 20))
	corpus := computeCorpusStats([]textMetrics{
		normal, normal, normal, normal,
		measureText(strings.Repeat("a. ", 5)),
	})

	huge := measureText(strings.Repeat("extraordinarily convoluted bureaucratic terminology. ", 500))
	found := detectStatistical("doc1", huge, corpus, 3.0)
	if len(found) == 0 {
		t.Fatal("no statistical anomalies for extreme outlier")
	}
	for _, a := range found {
		if a.Type != TypeStatistical {
			t.Errorf("type = %s", a.Type)
		}
		if _, ok := a.Details["z_score"]; !ok {
			t.Error("z_score missing from details")
		}
	}
}

func TestStatisticalSkipsTinyCorpus(t *testing.T) {
	m := measureText("some text here.")
	if got := detectStatistical("doc1", m, computeCorpusStats([]textMetrics{m, m}), 3.0); got != nil {
		t.Errorf("tiny corpus produced anomalies: %v", got)
	}
}

func TestEntropyDetection(t *testing.T) {
	cfg := DefaultConfig()

	random := make([]byte, 8192)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("rand: %v", err)
	}
	found := detectEntropy("doc1", random, cfg)
	if len(found) == 0 {
		t.Fatal("random bytes not flagged")
	}
	if found[0].Severity != SeverityHigh {
		t.Errorf("severity = %s, want HIGH for near-8 entropy", found[0].Severity)
	}

	plain := []byte(strings.Repeat("plain english text with ordinary entropy. ", 200))
	if got := detectEntropy("doc2", plain, cfg); len(got) != 0 {
		t.Errorf("plain text flagged: %+v", got)
	}

	// Random blob buried inside plain text: the region detector fires even
	// though whole-file entropy stays low.
	mixed := append(append([]byte{}, plain...), random[:2048]...)
	mixed = append(mixed, plain...)
	found = detectEntropy("doc3", mixed, cfg)
	hasRegion := false
	for _, a := range found {
		if a.Details["category"] == "entropy_regions" {
			hasRegion = true
		}
	}
	if !hasRegion {
		t.Error("embedded high-entropy region not detected")
	}
}

func TestShannonEntropyBounds(t *testing.T) {
	if e := shannonEntropy([]byte(strings.Repeat("a", 100))); e != 0 {
		t.Errorf("uniform byte entropy = %v, want 0", e)
	}
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	if e := shannonEntropy(all); e < 7.99 {
		t.Errorf("max entropy = %v, want 8", e)
	}
}

func TestDetectDocumentDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	text := "Transfers: $9,100 then $9,500 then $9,800 then $9,950 offshore."
	docID := f.seedDocument(t, text, 500)

	first, err := f.svc.DetectDocument(ctx, docID, "")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("no anomalies detected")
	}

	second, err := f.svc.DetectDocument(ctx, docID, "")
	if err != nil {
		t.Fatalf("re-detect: %v", err)
	}
	if len(second) != len(first) {
		t.Errorf("re-run found %d, first run %d", len(second), len(first))
	}

	all, err := f.svc.List(ctx, ListFilter{DocID: docID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != len(first) {
		t.Errorf("stored %d anomalies after two runs, want %d", len(all), len(first))
	}
}

func TestDetectDocumentEmitsEvents(t *testing.T) {
	f := newFixture(t)
	detected := make(chan eventbus.Event, 4)
	sub := f.bus.Subscribe(TopicDetected, func(_ context.Context, ev eventbus.Event) {
		detected <- ev
	})
	defer f.bus.Unsubscribe(sub)

	docID := f.seedDocument(t, "Routed through an offshore account, untraceable.", 100)
	if _, err := f.svc.DetectDocument(context.Background(), docID, ""); err != nil {
		t.Fatalf("detect: %v", err)
	}

	select {
	case ev := <-detected:
		if ev.Payload["doc_id"] != docID {
			t.Errorf("event doc_id = %v", ev.Payload["doc_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no anomalies.detected event")
	}
}

func TestStatusTransitionsAndNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.seedDocument(t, "Bribe and kickback allegations.", 100)
	found, err := f.svc.DetectDocument(ctx, docID, "")
	if err != nil || len(found) == 0 {
		t.Fatalf("detect: %v (%d found)", err, len(found))
	}
	id := found[0].ID

	a, err := f.svc.UpdateStatus(ctx, id, StatusConfirmed)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if a.Status != StatusConfirmed {
		t.Errorf("status = %s", a.Status)
	}

	if _, err := f.svc.UpdateStatus(ctx, id, Status("NONSENSE")); err == nil {
		t.Error("invalid status accepted")
	}
	if _, err := f.svc.UpdateStatus(ctx, "missing", StatusDismissed); err != ErrAnomalyNotFound {
		t.Errorf("missing id error = %v", err)
	}

	note, err := f.svc.AddNote(ctx, id, "analyst7", "verified against bank records")
	if err != nil {
		t.Fatalf("add note: %v", err)
	}
	notes, err := f.svc.Notes(ctx, id)
	if err != nil {
		t.Fatalf("notes: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != note.ID || notes[0].Author != "analyst7" {
		t.Errorf("notes = %+v", notes)
	}
}

func TestBulkStatusAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.seedDocument(t, "Nominee director, bearer shares, cash only payments.", 100)
	found, err := f.svc.DetectDocument(ctx, docID, "")
	if err != nil || len(found) == 0 {
		t.Fatalf("detect: %v", err)
	}

	ids := []string{found[0].ID, "not-a-real-id"}
	updated, err := f.svc.BulkStatus(ctx, ids, StatusDismissed)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}

	stats, err := f.svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != len(found) {
		t.Errorf("total = %d, want %d", stats.Total, len(found))
	}
	if stats.ByStatus[string(StatusDismissed)] != 1 {
		t.Errorf("dismissed count = %d, want 1", stats.ByStatus[string(StatusDismissed)])
	}
}

func TestFingerprintStability(t *testing.T) {
	a := Anomaly{Type: TypeRedFlag, Details: map[string]any{"category": "structuring", "transaction_count": 4}}
	b := Anomaly{Type: TypeRedFlag, Details: map[string]any{"category": "structuring", "transaction_count": 9}}
	if fingerprint(a) != fingerprint(b) {
		t.Error("fingerprint varies with volatile evidence values")
	}
	c := Anomaly{Type: TypeRedFlag, Details: map[string]any{"category": "money_density", "count": 4}}
	if fingerprint(a) == fingerprint(c) {
		t.Error("different categories share a fingerprint")
	}
}

func TestDetectAllCountsPerDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flagged := f.seedDocument(t, "Laundered via offshore accounts: $9,100, $9,500, $9,800.", 100)
	clean := f.seedDocument(t, "Minutes of the quarterly meeting.", 100)

	counts, err := f.svc.DetectAll(ctx, "")
	if err != nil {
		t.Fatalf("detect all: %v", err)
	}
	if counts[flagged] == 0 {
		t.Error("flagged document produced no anomalies")
	}
	if counts[clean] != 0 {
		t.Errorf("clean document produced %d anomalies", counts[clean])
	}
}
