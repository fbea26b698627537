package search

import (
	"context"
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/pkg/uuid"
)

// Performance classifies a validated pattern.
type Performance string

const (
	PerfFast      Performance = "fast"
	PerfModerate  Performance = "moderate"
	PerfSlow      Performance = "slow"
	PerfDangerous Performance = "dangerous"
	PerfInvalid   Performance = "invalid"
)

// MaxRegexMatches caps the total matches enumerated per search.
const MaxRegexMatches = 1000

// RegexMatch is one located pattern occurrence.
type RegexMatch struct {
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	ChunkIndex int    `json:"chunk_index"`
	Filename   string `json:"filename"`
	Match      string `json:"match"`
	Context    string `json:"context"`
	StartChar  int    `json:"start_char"`
	EndChar    int    `json:"end_char"`
	Line       int    `json:"line"`
}

// RegexResult is the regex search envelope.
type RegexResult struct {
	Matches    []RegexMatch `json:"matches"`
	Total      int          `json:"total"`
	Truncated  bool         `json:"truncated"`
	DurationMs int64        `json:"duration_ms"`
}

// RegexRequest parameterizes a regex search.
type RegexRequest struct {
	Pattern      string  `json:"pattern"`
	Flags        string  `json:"flags"` // "i" for case-insensitive
	Filters      Filters `json:"filters"`
	Limit        int     `json:"limit"`
	Offset       int     `json:"offset"`
	ContextChars int     `json:"context_chars"`
}

// Preset is a stored reusable pattern.
type Preset struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Builtin     bool   `json:"builtin"`
}

// HistoryEntry records one executed regex search.
type HistoryEntry struct {
	ID           string    `json:"id"`
	Pattern      string    `json:"pattern"`
	Flags        string    `json:"flags"`
	TotalMatches int       `json:"total_matches"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// BuiltinPresets is the preset catalog seeded on startup.
var BuiltinPresets = []Preset{
	{Name: "Email address", Pattern: `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, Description: "RFC-ish email addresses", Category: "email", Builtin: true},
	{Name: "US phone number", Pattern: `\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`, Description: "US phone numbers with optional punctuation", Category: "phone_us", Builtin: true},
	{Name: "Social security number", Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Description: "Hyphenated SSNs", Category: "ssn", Builtin: true},
	{Name: "IPv4 address", Pattern: `\b(?:\d{1,3}\.){3}\d{1,3}\b`, Description: "Dotted-quad IPv4 addresses", Category: "ip_address", Builtin: true},
	{Name: "URL", Pattern: `https?://[^\s<>"]+`, Description: "HTTP and HTTPS URLs", Category: "url", Builtin: true},
	{Name: "US dollar amount", Pattern: `\$[0-9][0-9,]*(?:\.[0-9]{2})?`, Description: "Dollar amounts with optional cents", Category: "money_usd", Builtin: true},
	{Name: "Date M/D/Y", Pattern: `\b\d{1,2}/\d{1,2}/\d{2,4}\b`, Description: "Slash-separated month/day/year dates", Category: "date_mdy", Builtin: true},
}

// ValidatePattern compiles the pattern and classifies its expected cost.
// Nested quantifiers (the classic catastrophic-backtracking shape) are flagged
// dangerous even though Go's RE2 engine runs them in linear time, because
// stored presets may be replayed by clients with backtracking engines.
func ValidatePattern(pattern string) (Performance, error) {
	if strings.TrimSpace(pattern) == "" {
		return PerfInvalid, fmt.Errorf("search: empty pattern")
	}
	parsed, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return PerfInvalid, fmt.Errorf("search: invalid pattern: %w", err)
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return PerfInvalid, fmt.Errorf("search: invalid pattern: %w", err)
	}

	if hasNestedQuantifier(parsed, false) || hasAmbiguousAlternation(pattern) {
		return PerfDangerous, nil
	}

	stars := countQuantifiers(parsed)
	switch {
	case stars == 0:
		return PerfFast, nil
	case stars <= 2:
		return PerfModerate, nil
	default:
		return PerfSlow, nil
	}
}

// variableQuantifier reports whether the node repeats its subexpression an
// unbounded or variable number of times. Fixed repeats like {3} are excluded:
// they cannot backtrack ambiguously.
func variableQuantifier(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpStar, syntax.OpPlus:
		return true
	case syntax.OpRepeat:
		return re.Max == -1 || re.Max > re.Min
	default:
		return false
	}
}

// hasNestedQuantifier walks the parse tree looking for a quantifier applied
// to a subexpression that itself contains a quantifier, e.g. (.+)+ or (a|a)*.
func hasNestedQuantifier(re *syntax.Regexp, inQuantifier bool) bool {
	quantified := variableQuantifier(re)
	if quantified && inQuantifier {
		return true
	}
	for _, sub := range re.Sub {
		if hasNestedQuantifier(sub, inQuantifier || quantified) {
			return true
		}
	}
	return false
}

// hasAmbiguousAlternation flags quantified groups with duplicate alternation
// branches, e.g. (a|a)+, the other classic backtracking blowup. This scans
// the raw pattern because the parser factors duplicate branches away before
// the parse tree is visible.
func hasAmbiguousAlternation(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '\\' {
			i++
			continue
		}
		if pattern[i] != '(' {
			continue
		}
		end := matchingParen(pattern, i)
		if end < 0 {
			continue
		}
		// Only groups directly under a variable quantifier matter.
		if end+1 >= len(pattern) {
			continue
		}
		switch pattern[end+1] {
		case '+', '*', '{':
		default:
			continue
		}
		body := strings.TrimPrefix(pattern[i+1:end], "?:")
		branches := splitTopLevel(body)
		seen := map[string]bool{}
		for _, b := range branches {
			if seen[b] {
				return true
			}
			seen[b] = true
		}
	}
	return false
}

// matchingParen returns the index of the ')' closing the '(' at open, or -1.
func matchingParen(pattern string, open int) int {
	depth := 0
	for i := open; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTopLevel splits an alternation body on '|' at nesting depth zero.
func splitTopLevel(body string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '\\':
			i++
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case '|':
			if depth == 0 {
				out = append(out, body[start:i])
				start = i + 1
			}
		}
	}
	return append(out, body[start:])
}

func countQuantifiers(re *syntax.Regexp) int {
	n := 0
	if variableQuantifier(re) || re.Op == syntax.OpQuest {
		n++
	}
	for _, sub := range re.Sub {
		n += countQuantifiers(sub)
	}
	return n
}

// RegexSearch finds pattern matches across chunk text. Candidate chunks come
// from a database-side REGEXP scan so full corpus text never loads into
// memory; matches are then enumerated in-process per candidate.
func (s *Service) RegexSearch(ctx context.Context, req RegexRequest) (*RegexResult, error) {
	start := time.Now()

	pattern := req.Pattern
	if strings.Contains(req.Flags, "i") && !strings.HasPrefix(pattern, "(?i)") {
		pattern = "(?i)" + pattern
	}
	perf, err := ValidatePattern(pattern)
	if err != nil {
		return nil, err
	}
	if perf == PerfDangerous {
		return nil, fmt.Errorf("search: pattern rejected as dangerous (nested quantifiers)")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("search: compile pattern: %w", err)
	}

	contextChars := req.ContextChars
	if contextChars <= 0 {
		contextChars = snippetContext
	}
	limit := req.Limit
	if limit <= 0 || limit > MaxRegexMatches {
		limit = MaxRegexMatches
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT c.id, c.document_id, c.chunk_index, c.text, d.filename
		FROM frame_chunks c
		JOIN frame_documents d ON d.id = c.document_id`)
	args := []any{}
	if req.Filters.ProjectID != "" {
		sb.WriteString(` JOIN frame_document_projects dp ON dp.document_id = d.id AND dp.project_id = ?`)
		args = append(args, req.Filters.ProjectID)
	}
	sb.WriteString(` WHERE c.text REGEXP ?`)
	args = append(args, pattern)
	if len(req.Filters.FileTypes) > 0 {
		sb.WriteString(` AND d.mime_type IN (` + placeholders(len(req.Filters.FileTypes)) + `)`)
		for _, ft := range req.Filters.FileTypes {
			args = append(args, ft)
		}
	}
	sb.WriteString(` ORDER BY c.document_id, c.chunk_index`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search: regex candidate scan: %w", err)
	}
	defer rows.Close()

	matches := []RegexMatch{}
	truncated := false
scan:
	for rows.Next() {
		var chunkID, docID, filename, text string
		var chunkIndex int
		if err := rows.Scan(&chunkID, &docID, &chunkIndex, &text, &filename); err != nil {
			return nil, fmt.Errorf("search: scan regex candidate: %w", err)
		}

		for _, loc := range re.FindAllStringIndex(text, -1) {
			if len(matches) >= MaxRegexMatches {
				truncated = true
				break scan
			}
			matches = append(matches, RegexMatch{
				DocumentID: docID,
				ChunkID:    chunkID,
				ChunkIndex: chunkIndex,
				Filename:   filename,
				Match:      text[loc[0]:loc[1]],
				Context:    matchContext(text, loc[0], loc[1], contextChars),
				StartChar:  loc[0],
				EndChar:    loc[1],
				Line:       strings.Count(text[:loc[0]], "\n") + 1,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: regex rows: %w", err)
	}

	total := len(matches)
	if req.Offset >= len(matches) {
		matches = []RegexMatch{}
	} else {
		matches = matches[req.Offset:]
		if len(matches) > limit {
			matches = matches[:limit]
		}
	}

	durationMs := time.Since(start).Milliseconds()
	s.recordHistory(ctx, req.Pattern, req.Flags, total, durationMs)
	s.bus.Emit(TopicPatternsExtracted, map[string]any{
		"pattern": req.Pattern,
		"matches": total,
	}, "search")

	return &RegexResult{Matches: matches, Total: total, Truncated: truncated, DurationMs: durationMs}, nil
}

func matchContext(text string, start, end, contextChars int) string {
	from := start - contextChars
	to := end + contextChars
	var b strings.Builder
	if from < 0 {
		from = 0
	} else if from > 0 {
		b.WriteString("...")
	}
	trailing := to < len(text)
	if to > len(text) {
		to = len(text)
	}
	b.WriteString(text[from:to])
	if trailing {
		b.WriteString("...")
	}
	return b.String()
}

func (s *Service) recordHistory(ctx context.Context, pattern, flags string, total int, durationMs int64) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_regex_history (id, pattern, flags, total_matches, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewV7().String(), pattern, flags, total, durationMs, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		// History is advisory; a write failure must not fail the search.
		log.WithError(err).Warn("regex history write failed")
	}
}

// SeedPresets inserts the builtin preset catalog if missing.
func (s *Service) SeedPresets(ctx context.Context) error {
	for _, p := range BuiltinPresets {
		var exists int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM search_regex_presets WHERE category = ? AND builtin = 1`,
			p.Category).Scan(&exists)
		if err != nil {
			return fmt.Errorf("search: check preset %s: %w", p.Category, err)
		}
		if exists > 0 {
			continue
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO search_regex_presets (id, name, pattern, description, category, builtin, created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)`,
			uuid.NewV7().String(), p.Name, p.Pattern, p.Description, p.Category,
			time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("search: seed preset %s: %w", p.Category, err)
		}
	}
	return nil
}

// Presets lists all stored presets, builtins first.
func (s *Service) Presets(ctx context.Context) ([]Preset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, pattern, description, category, builtin
		FROM search_regex_presets ORDER BY builtin DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("search: list presets: %w", err)
	}
	defer rows.Close()

	out := []Preset{}
	for rows.Next() {
		var p Preset
		var builtin int
		if err := rows.Scan(&p.ID, &p.Name, &p.Pattern, &p.Description, &p.Category, &builtin); err != nil {
			return nil, fmt.Errorf("search: scan preset: %w", err)
		}
		p.Builtin = builtin == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePreset stores a custom preset after validating its pattern.
func (s *Service) SavePreset(ctx context.Context, p Preset) (*Preset, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("search: preset name required")
	}
	if perf, err := ValidatePattern(p.Pattern); err != nil {
		return nil, err
	} else if perf == PerfDangerous {
		return nil, fmt.Errorf("search: preset pattern rejected as dangerous")
	}
	p.ID = uuid.NewV7().String()
	p.Builtin = false
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_regex_presets (id, name, pattern, description, category, builtin, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		p.ID, p.Name, p.Pattern, p.Description, p.Category,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("search: save preset: %w", err)
	}
	return &p, nil
}

// History lists recent regex searches, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pattern, flags, total_matches, duration_ms, created_at
		FROM search_regex_history ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("search: list history: %w", err)
	}
	defer rows.Close()

	out := []HistoryEntry{}
	for rows.Next() {
		var h HistoryEntry
		var created string
		if err := rows.Scan(&h.ID, &h.Pattern, &h.Flags, &h.TotalMatches, &h.DurationMs, &created); err != nil {
			return nil, fmt.Errorf("search: scan history: %w", err)
		}
		h.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, h)
	}
	return out, rows.Err()
}
