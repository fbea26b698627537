package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/domain/embed"
	"github.com/arkhamlabs/arkham/internal/domain/vector"
	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
	"github.com/arkhamlabs/arkham/internal/infra/llm"
	"github.com/arkhamlabs/arkham/internal/infra/metrics"
)

// DefaultCollection is the vector collection searched when no project scope
// is in effect.
const DefaultCollection = "documents"

// Service is the search shard: ranking engines, regex, facets and RAG chat
// over the shared corpus store.
type Service struct {
	db         *sql.DB
	embeddings *embed.Manager
	vectors    *vector.Store
	provider   llm.LLMProvider
	bus        eventbus.Bus

	rrfK             int
	defaultSemanticW float64
	defaultKeywordW  float64
}

// Config carries the tunable ranking parameters.
type Config struct {
	RRFK            int
	SemanticWeight  float64
	KeywordWeight   float64
}

// NewService wires the search shard to its dependencies.
func NewService(db *sql.DB, embeddings *embed.Manager, vectors *vector.Store, provider llm.LLMProvider, bus eventbus.Bus, cfg Config) *Service {
	if cfg.RRFK <= 0 {
		cfg.RRFK = DefaultRRFK
	}
	return &Service{
		db:               db,
		embeddings:       embeddings,
		vectors:          vectors,
		provider:         provider,
		bus:              bus,
		rrfK:             cfg.RRFK,
		defaultSemanticW: cfg.SemanticWeight,
		defaultKeywordW:  cfg.KeywordWeight,
	}
}

func (s *Service) collection(req Request) string {
	if req.Collection != "" {
		return req.Collection
	}
	return DefaultCollection
}

// Search dispatches to the engine selected by req.Mode (hybrid when unset),
// optionally attaches facets, and emits search.query.executed.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	mode := req.Mode
	if mode == "" {
		mode = ModeHybrid
	}

	var (
		items    []Item
		degraded bool
		err      error
	)
	switch mode {
	case ModeSemantic:
		items, err = s.Semantic(ctx, req)
	case ModeKeyword:
		items, err = s.Keyword(ctx, req)
	case ModeHybrid:
		items, degraded, err = s.Hybrid(ctx, req)
	default:
		return nil, fmt.Errorf("search: unknown mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Items:      items,
		Total:      req.Offset + len(items),
		DurationMs: time.Since(start).Milliseconds(),
		HasMore:    len(items) == normalizeLimit(req.Limit),
		Degraded:   degraded,
	}
	if req.WithFacets {
		facets, fErr := s.Facets(ctx, req.Query)
		if fErr != nil {
			log.WithError(fErr).Warn("facet aggregation failed")
		} else {
			resp.Facets = facets
		}
	}

	metrics.SearchDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	s.bus.Emit(TopicQueryExecuted, map[string]any{
		"query":       req.Query,
		"mode":        string(mode),
		"results":     len(items),
		"duration_ms": resp.DurationMs,
		"degraded":    degraded,
	}, "search")
	return resp, nil
}

// Suggest returns up to 10 completions for a query prefix, drawn from entity
// names and document filenames.
func (s *Service) Suggest(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return []string{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT canonical_name FROM frame_entities
		WHERE canonical_name LIKE ? || '%' COLLATE NOCASE
		ORDER BY mention_count DESC LIMIT 10`, prefix)
	if err != nil {
		return nil, fmt.Errorf("search: suggest entities: %w", err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("search: scan suggestion: %w", err)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) < 10 {
		fileRows, err := s.db.QueryContext(ctx, `
			SELECT DISTINCT filename FROM frame_documents
			WHERE filename LIKE ? || '%' COLLATE NOCASE
			ORDER BY filename LIMIT ?`, prefix, 10-len(out))
		if err != nil {
			return nil, fmt.Errorf("search: suggest filenames: %w", err)
		}
		defer fileRows.Close()
		for fileRows.Next() {
			var name string
			if err := fileRows.Scan(&name); err != nil {
				return nil, fmt.Errorf("search: scan suggestion: %w", err)
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
		if err := fileRows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Similar finds documents semantically close to the given one: the document's
// leading text is embedded and searched, with its own chunks filtered out.
func (s *Service) Similar(ctx context.Context, req Request, docID string) ([]Item, error) {
	text, err := s.documentLead(ctx, docID)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return []Item{}, nil
	}

	queryVec, err := s.embeddings.EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("search: embed document lead: %w", err)
	}

	limit := normalizeLimit(req.Limit)
	hits, err := s.vectors.Search(ctx, s.collection(req), queryVec, limit+10, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search: similar search: %w", err)
	}

	seen := map[string]bool{docID: true}
	items := make([]Item, 0, limit)
	for _, hit := range hits {
		it := itemFromHit(hit)
		if seen[it.DocumentID] {
			continue
		}
		seen[it.DocumentID] = true
		items = append(items, it)
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

// documentLead returns the first ~2000 chars of a document's chunk text.
func (s *Service) documentLead(ctx context.Context, docID string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT text FROM frame_chunks
		WHERE document_id = ? ORDER BY chunk_index LIMIT 5`, docID)
	if err != nil {
		return "", fmt.Errorf("search: load document lead: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return "", fmt.Errorf("search: scan chunk: %w", err)
		}
		b.WriteString(text)
		b.WriteByte(' ')
		if b.Len() >= 2000 {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	lead := b.String()
	if len(lead) > 2000 {
		lead = lead[:2000]
	}
	return strings.TrimSpace(lead), nil
}

// Facets aggregates filterable corpus dimensions: top-20 file types, projects
// and entities, plus fixed relative date buckets. One SQL pass per facet.
func (s *Service) Facets(ctx context.Context, _ string) (*Facets, error) {
	f := &Facets{
		FileTypes:  []FacetCount{},
		Projects:   []FacetCount{},
		Entities:   []FacetCount{},
		DateRanges: []DateRangeCount{},
	}

	if err := s.facetCounts(ctx, `
		SELECT mime_type, COUNT(*) FROM frame_documents
		GROUP BY mime_type ORDER BY COUNT(*) DESC LIMIT 20`, &f.FileTypes); err != nil {
		return nil, err
	}
	if err := s.facetCounts(ctx, `
		SELECT p.name, COUNT(dp.document_id) FROM frame_projects p
		LEFT JOIN frame_document_projects dp ON dp.project_id = p.id
		GROUP BY p.id ORDER BY COUNT(dp.document_id) DESC LIMIT 20`, &f.Projects); err != nil {
		return nil, err
	}
	if err := s.facetCounts(ctx, `
		SELECT canonical_name, mention_count FROM frame_entities
		ORDER BY mention_count DESC LIMIT 20`, &f.Entities); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cutoffs := []struct {
		label string
		since time.Time
	}{
		{"last_week", now.AddDate(0, 0, -7)},
		{"last_month", now.AddDate(0, -1, 0)},
		{"last_year", now.AddDate(-1, 0, 0)},
	}
	for _, c := range cutoffs {
		var count int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM frame_documents WHERE created_at >= ?`,
			c.since.Format(time.RFC3339)).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("search: date facet %s: %w", c.label, err)
		}
		f.DateRanges = append(f.DateRanges, DateRangeCount{Label: c.label, Count: count})
	}
	return f, nil
}

func (s *Service) facetCounts(ctx context.Context, query string, out *[]FacetCount) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("search: facet query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fc FacetCount
		if err := rows.Scan(&fc.Value, &fc.Count); err != nil {
			return fmt.Errorf("search: scan facet: %w", err)
		}
		*out = append(*out, fc)
	}
	return rows.Err()
}
