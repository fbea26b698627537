package search

import (
	"context"
	"fmt"
	"strings"
)

const (
	snippetContext = 50
	maxSnippets    = 3
)

// Keyword runs the substring engine: a case-insensitive scan over chunk text
// joined with documents, scored by occurrence count.
func (s *Service) Keyword(ctx context.Context, req Request) ([]Item, error) {
	term := strings.TrimSpace(req.Query)
	if term == "" {
		return []Item{}, nil
	}
	limit := normalizeLimit(req.Limit)

	var sb strings.Builder
	sb.WriteString(`
		SELECT c.id, c.document_id, c.chunk_index, c.text, d.filename, d.mime_type
		FROM frame_chunks c
		JOIN frame_documents d ON d.id = c.document_id`)
	args := []any{}

	if req.Filters.ProjectID != "" {
		sb.WriteString(` JOIN frame_document_projects dp ON dp.document_id = d.id AND dp.project_id = ?`)
		args = append(args, req.Filters.ProjectID)
	}

	sb.WriteString(` WHERE LOWER(c.text) LIKE '%' || LOWER(?) || '%'`)
	args = append(args, term)

	if len(req.Filters.FileTypes) > 0 {
		sb.WriteString(` AND d.mime_type IN (` + placeholders(len(req.Filters.FileTypes)) + `)`)
		for _, ft := range req.Filters.FileTypes {
			args = append(args, ft)
		}
	}
	if req.Filters.DateFrom != "" {
		sb.WriteString(` AND d.created_at >= ?`)
		args = append(args, req.Filters.DateFrom)
	}
	if req.Filters.DateTo != "" {
		sb.WriteString(` AND d.created_at <= ?`)
		args = append(args, req.Filters.DateTo)
	}

	sb.WriteString(` ORDER BY c.document_id, c.chunk_index LIMIT ?`)
	args = append(args, limit+req.Offset)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search: keyword query: %w", err)
	}
	defer rows.Close()

	lowerTerm := strings.ToLower(term)
	items := make([]Item, 0, limit)
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ChunkID, &it.DocumentID, &it.ChunkIndex, &it.Text, &it.Filename, &it.MimeType); err != nil {
			return nil, fmt.Errorf("search: scan keyword row: %w", err)
		}
		occurrences := strings.Count(strings.ToLower(it.Text), lowerTerm)
		if occurrences == 0 {
			continue
		}
		it.Score = keywordScore(occurrences)
		it.Highlights = snippets(it.Text, lowerTerm)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: keyword rows: %w", err)
	}

	// Ordering inside the keyword engine is by score, then corpus order.
	sortItemsByScore(items)
	if req.Offset >= len(items) {
		return []Item{}, nil
	}
	items = items[req.Offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func keywordScore(occurrences int) float64 {
	score := float64(occurrences) * 0.2
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// snippets extracts up to maxSnippets highlighted windows around term matches,
// with snippetContext characters of context on each side and ellipses when the
// window is truncated.
func snippets(text, lowerTerm string) []string {
	lower := strings.ToLower(text)
	out := make([]string, 0, maxSnippets)
	from := 0
	for len(out) < maxSnippets {
		idx := strings.Index(lower[from:], lowerTerm)
		if idx < 0 {
			break
		}
		idx += from

		start := idx - snippetContext
		end := idx + len(lowerTerm) + snippetContext
		var b strings.Builder
		if start < 0 {
			start = 0
		} else if start > 0 {
			b.WriteString("...")
		}
		trailing := end < len(text)
		if end > len(text) {
			end = len(text)
		}
		b.WriteString(text[start:end])
		if trailing {
			b.WriteString("...")
		}
		out = append(out, b.String())

		from = idx + len(lowerTerm)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > 100 {
		return 100
	}
	return limit
}
