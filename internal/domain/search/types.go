// Package search implements retrieval over the document corpus: semantic
// (vector), keyword (substring scan), and hybrid ranking that fuses both with
// reciprocal rank fusion. The same package carries the regex engine, facet
// aggregation, suggestions, and the RAG chat flow.
package search

// Event topics emitted by the search shard.
const (
	TopicQueryExecuted     = "search.query.executed"
	TopicPatternsExtracted = "search.patterns.extracted"
)

// Mode selects the ranking engine.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
	ModeHybrid   Mode = "hybrid"
)

// Filters narrows a search to a corpus slice. Zero values mean "no filter".
type Filters struct {
	FileTypes []string `json:"file_types,omitempty"`
	ProjectID string   `json:"project_id,omitempty"`
	DateFrom  string   `json:"date_from,omitempty"` // RFC3339
	DateTo    string   `json:"date_to,omitempty"`   // RFC3339
}

// Request is a search invocation. Collection names the vector collection the
// semantic engine reads; the HTTP layer resolves it from the project header.
type Request struct {
	Query          string   `json:"query"`
	Mode           Mode     `json:"mode"`
	Filters        Filters  `json:"filters"`
	Limit          int      `json:"limit"`
	Offset         int      `json:"offset"`
	SemanticWeight *float64 `json:"semantic_weight,omitempty"`
	KeywordWeight  *float64 `json:"keyword_weight,omitempty"`
	Collection     string   `json:"-"`
	WithFacets     bool     `json:"with_facets,omitempty"`
}

// Item is one ranked result.
type Item struct {
	DocumentID string         `json:"document_id"`
	ChunkID    string         `json:"chunk_id,omitempty"`
	ChunkIndex int            `json:"chunk_index"`
	Filename   string         `json:"filename"`
	MimeType   string         `json:"mime_type"`
	Score      float64        `json:"score"`
	Text       string         `json:"text,omitempty"`
	Highlights []string       `json:"highlights,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Response is the search result envelope.
type Response struct {
	Items      []Item  `json:"items"`
	Total      int     `json:"total"`
	Facets     *Facets `json:"facets,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	HasMore    bool    `json:"has_more"`
	Degraded   bool    `json:"degraded,omitempty"`
}

// FacetCount is one bucket of a facet aggregation.
type FacetCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// DateRangeCount is one fixed relative date bucket.
type DateRangeCount struct {
	Label string `json:"label"` // last_week | last_month | last_year
	Count int    `json:"count"`
}

// Facets aggregates filterable dimensions of the current corpus.
type Facets struct {
	FileTypes  []FacetCount     `json:"file_types"`
	Projects   []FacetCount     `json:"projects"`
	Entities   []FacetCount     `json:"entities"`
	DateRanges []DateRangeCount `json:"date_ranges"`
}

// key identifies a result across engines for rank fusion.
type key struct {
	docID   string
	chunkID string
}

func (it Item) fuseKey() key { return key{docID: it.DocumentID, chunkID: it.ChunkID} }
