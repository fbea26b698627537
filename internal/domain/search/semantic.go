package search

import (
	"context"
	"fmt"

	"github.com/arkhamlabs/arkham/internal/domain/vector"
)

// Semantic runs the vector engine: embed the query, search the collection,
// and map hit payloads back to result items. Chunk vectors carry document_id,
// chunk_id, chunk_index, text, filename and mime_type in their payloads.
func (s *Service) Semantic(ctx context.Context, req Request) ([]Item, error) {
	if req.Query == "" {
		return []Item{}, nil
	}
	queryVec, err := s.embeddings.EmbedText(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	limit := normalizeLimit(req.Limit)
	filters := vectorFilters(req.Filters)
	hits, err := s.vectors.Search(ctx, s.collection(req), queryVec, limit+req.Offset, nil, filters)
	if err != nil {
		return nil, fmt.Errorf("search: vector search: %w", err)
	}

	items := make([]Item, 0, len(hits))
	for _, hit := range hits {
		items = append(items, itemFromHit(hit))
	}
	if req.Offset >= len(items) {
		return []Item{}, nil
	}
	items = items[req.Offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func itemFromHit(hit vector.Hit) Item {
	p := hit.Payload
	str := func(k string) string {
		v, _ := p[k].(string)
		return v
	}
	idx := 0
	switch v := p["chunk_index"].(type) {
	case float64:
		idx = int(v)
	case int:
		idx = v
	}
	return Item{
		DocumentID: str("document_id"),
		ChunkID:    str("chunk_id"),
		ChunkIndex: idx,
		Filename:   str("filename"),
		MimeType:   str("mime_type"),
		Score:      hit.Score,
		Text:       str("text"),
		Metadata:   p,
	}
}

// vectorFilters translates request filters into payload filters for the
// vector store. Project scoping is handled by collection choice, not payload.
func vectorFilters(f Filters) []vector.Filter {
	var out []vector.Filter
	if len(f.FileTypes) > 0 {
		vals := make([]any, len(f.FileTypes))
		for i, ft := range f.FileTypes {
			vals[i] = ft
		}
		out = append(out, vector.Filter{Field: "mime_type", Op: vector.FilterAnyOf, Values: vals})
	}
	if f.DateFrom != "" || f.DateTo != "" {
		out = append(out, vector.Filter{
			Field: "created_at",
			Op:    vector.FilterRange,
			From:  f.DateFrom,
			To:    f.DateTo,
		})
	}
	return out
}
