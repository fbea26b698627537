package vector

import "errors"

// Metric selects the similarity function of a collection.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricDot       Metric = "dot"
)

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	return m == MetricCosine || m == MetricEuclidean || m == MetricDot
}

// Record is one stored vector with its payload.
type Record struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Hit is one search result, sorted descending by score.
type Hit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// CollectionInfo describes a collection for listings.
type CollectionInfo struct {
	Name   string `json:"name"`
	Dim    int    `json:"dimensions"`
	Metric Metric `json:"metric"`
	Count  int    `json:"count"`
}

// FilterOp is a payload predicate kind.
type FilterOp string

const (
	// FilterEq matches payload[field] == value.
	FilterEq FilterOp = "eq"
	// FilterAnyOf matches payload[field] ∈ values.
	FilterAnyOf FilterOp = "any_of"
	// FilterRange matches ISO-8601 timestamp payload[field] within [from, to].
	FilterRange FilterOp = "range"
)

// Filter is a structured predicate over record payloads.
type Filter struct {
	Field  string   `json:"field"`
	Op     FilterOp `json:"op"`
	Value  any      `json:"value,omitempty"`
	Values []any    `json:"values,omitempty"`
	From   string   `json:"from,omitempty"`
	To     string   `json:"to,omitempty"`
}

var (
	// ErrCollectionNotFound is returned for operations on missing collections.
	ErrCollectionNotFound = errors.New("vector: collection not found")
	// ErrDimensionMismatch is returned when a vector's dimension differs from
	// its collection's. This is treated as fatal by callers; a collection must
	// never hold mixed dimensions.
	ErrDimensionMismatch = errors.New("vector: dimension mismatch")
	// ErrUnsupportedFilter is returned for filter ops the store cannot
	// evaluate. Unsupported filters fail loudly instead of being ignored.
	ErrUnsupportedFilter = errors.New("vector: unsupported filter")
	// ErrInvalidMetric is returned when creating a collection with an unknown
	// similarity metric.
	ErrInvalidMetric = errors.New("vector: invalid metric")
)
