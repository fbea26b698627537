package vector

import (
	"context"
	"errors"
	"testing"

	"github.com/arkhamlabs/arkham/internal/infra/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.NewDB(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.MigrateUp(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func TestCreateCollectionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCollection(ctx, "docs", 4, MetricCosine); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateCollection(ctx, "docs", 4, MetricCosine); err != nil {
		t.Fatalf("create again: %v", err)
	}
	if err := s.CreateCollection(ctx, "docs", 8, MetricCosine); err == nil {
		t.Fatal("expected error on conflicting redefinition")
	}
	if err := s.CreateCollection(ctx, "bad", 4, Metric("manhattan")); !errors.Is(err, ErrInvalidMetric) {
		t.Fatalf("err = %v, want ErrInvalidMetric", err)
	}
}

func TestUpsertEnforcesDimension(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCollection(ctx, "docs", 3, MetricCosine); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Upsert(ctx, "docs", []Record{
		{ID: "a", Vector: []float32{1, 0, 0}},
		{ID: "b", Vector: []float32{1, 0}},
	})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}

	// The whole batch is rejected: nothing was written.
	n, err := s.Count(ctx, "docs")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func TestUpsertSameIDKeepsCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCollection(ctx, "docs", 2, MetricCosine); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := Record{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{"v": "first"}}
	if err := s.Upsert(ctx, "docs", []Record{rec}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec.Payload["v"] = "second"
	if err := s.Upsert(ctx, "docs", []Record{rec}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	n, _ := s.Count(ctx, "docs")
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	hits, err := s.Search(ctx, "docs", []float32{1, 0}, 10, nil, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if hits[0].Payload["v"] != "second" {
		t.Fatalf("payload = %v, want updated", hits[0].Payload)
	}
}

func TestSearchCosineOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCollection(ctx, "docs", 2, MetricCosine); err != nil {
		t.Fatalf("create: %v", err)
	}
	records := []Record{
		{ID: "aligned", Vector: []float32{1, 0}},
		{ID: "diagonal", Vector: []float32{1, 1}},
		{ID: "orthogonal", Vector: []float32{0, 1}},
	}
	if err := s.Upsert(ctx, "docs", records); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := s.Search(ctx, "docs", []float32{1, 0}, 10, nil, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	got := []string{hits[0].ID, hits[1].ID, hits[2].ID}
	want := []string{"aligned", "diagonal", "orthogonal"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	// Threshold drops everything below.
	threshold := 0.9
	hits, err = s.Search(ctx, "docs", []float32{1, 0}, 10, &threshold, nil)
	if err != nil {
		t.Fatalf("search threshold: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "aligned" {
		t.Fatalf("hits = %v, want single aligned", hits)
	}
}

func TestSearchEmptyAndMissingCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hits, err := s.Search(ctx, "nope", []float32{1}, 10, nil, nil)
	if err != nil {
		t.Fatalf("search missing: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("hits = %v, want empty", hits)
	}

	if err := s.CreateCollection(ctx, "empty", 2, MetricCosine); err != nil {
		t.Fatalf("create: %v", err)
	}
	hits, err = s.Search(ctx, "empty", []float32{1, 0}, 10, nil, nil)
	if err != nil {
		t.Fatalf("search empty: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("hits = %v, want empty", hits)
	}
}

func TestSearchFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCollection(ctx, "docs", 2, MetricCosine); err != nil {
		t.Fatalf("create: %v", err)
	}
	records := []Record{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{"category": "invoice", "created_at": "2026-01-10T00:00:00Z"}},
		{ID: "b", Vector: []float32{1, 0}, Payload: map[string]any{"category": "memo", "created_at": "2026-03-10T00:00:00Z"}},
	}
	if err := s.Upsert(ctx, "docs", records); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := s.Search(ctx, "docs", []float32{1, 0}, 10, nil,
		[]Filter{{Field: "category", Op: FilterEq, Value: "invoice"}})
	if err != nil {
		t.Fatalf("eq filter: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "a" {
		t.Fatalf("eq hits = %v", hits)
	}

	hits, err = s.Search(ctx, "docs", []float32{1, 0}, 10, nil,
		[]Filter{{Field: "category", Op: FilterAnyOf, Values: []any{"memo", "report"}}})
	if err != nil {
		t.Fatalf("any_of filter: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "b" {
		t.Fatalf("any_of hits = %v", hits)
	}

	hits, err = s.Search(ctx, "docs", []float32{1, 0}, 10, nil,
		[]Filter{{Field: "created_at", Op: FilterRange, From: "2026-02-01T00:00:00Z"}})
	if err != nil {
		t.Fatalf("range filter: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "b" {
		t.Fatalf("range hits = %v", hits)
	}

	// Unsupported filter ops are rejected, never silently ignored.
	_, err = s.Search(ctx, "docs", []float32{1, 0}, 10, nil,
		[]Filter{{Field: "category", Op: FilterOp("regex"), Value: ".*"}})
	if !errors.Is(err, ErrUnsupportedFilter) {
		t.Fatalf("err = %v, want ErrUnsupportedFilter", err)
	}
}

func TestDeleteByIDsAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCollection(ctx, "docs", 1, MetricDot); err != nil {
		t.Fatalf("create: %v", err)
	}
	records := []Record{
		{ID: "a", Vector: []float32{1}, Payload: map[string]any{"doc": "1"}},
		{ID: "b", Vector: []float32{2}, Payload: map[string]any{"doc": "1"}},
		{ID: "c", Vector: []float32{3}, Payload: map[string]any{"doc": "2"}},
	}
	if err := s.Upsert(ctx, "docs", records); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	n, err := s.Delete(ctx, "docs", []string{"a"}, nil)
	if err != nil || n != 1 {
		t.Fatalf("delete by id: n=%d err=%v", n, err)
	}

	n, err = s.Delete(ctx, "docs", nil, []Filter{{Field: "doc", Op: FilterEq, Value: "1"}})
	if err != nil || n != 1 {
		t.Fatalf("delete by filter: n=%d err=%v", n, err)
	}

	remaining, _ := s.Count(ctx, "docs")
	if remaining != 1 {
		t.Fatalf("count = %d, want 1", remaining)
	}
}

func TestRecreateEmptiesCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCollection(ctx, "docs", 2, MetricCosine); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Upsert(ctx, "docs", []Record{{ID: "a", Vector: []float32{1, 0}}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.Recreate(ctx, "docs", 8, MetricCosine); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	infos, err := s.ListCollections(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].Dim != 8 || infos[0].Count != 0 {
		t.Fatalf("infos = %+v, want empty dim-8 collection", infos)
	}
}

func TestSimilarityMetrics(t *testing.T) {
	// Identical vectors: cosine 1, euclidean 1/(1+0)=1.
	if got := similarity(MetricCosine, []float32{1, 2}, []float32{1, 2}); got < 0.999 {
		t.Fatalf("cosine identical = %f", got)
	}
	if got := similarity(MetricEuclidean, []float32{1, 2}, []float32{1, 2}); got != 1.0 {
		t.Fatalf("euclidean identical = %f", got)
	}
	if got := similarity(MetricDot, []float32{2, 3}, []float32{4, 5}); got != 23 {
		t.Fatalf("dot = %f, want 23", got)
	}
	// Zero vector cosine is defined as 0.
	if got := similarity(MetricCosine, []float32{0, 0}, []float32{1, 0}); got != 0 {
		t.Fatalf("cosine zero = %f", got)
	}
}
