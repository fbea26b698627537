// Package intake receives files into the investigation pipeline: streaming
// to temp storage, content-based type classification, image quality scoring,
// worker route computation, and canonical storage placement.
package intake

import "time"

// Priority of an ingest job. Lower is more urgent.
const (
	PriorityUser      = 1
	PriorityBatch     = 2
	PriorityReprocess = 3
)

// Status values of an ingest job's pipeline lifecycle.
const (
	StatusPending    = "PENDING"
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusDead       = "DEAD"
)

// Category of an ingested file.
type Category string

const (
	CategoryDocument Category = "document"
	CategoryImage    Category = "image"
	CategoryAudio    Category = "audio"
	CategoryArchive  Category = "archive"
	CategoryUnknown  Category = "unknown"
)

// RouteByQuality is the route marker the dispatcher resolves into a concrete
// OCR sub-route once the image classification is known.
const RouteByQuality = "ROUTE_BY_QUALITY"

// FileInfo is the classifier output for one file.
type FileInfo struct {
	Path              string   `json:"path"`
	OriginalName      string   `json:"original_name"`
	Size              int64    `json:"size"`
	SHA256            string   `json:"sha256"`
	MimeType          string   `json:"mime_type"`
	Category          Category `json:"category"`
	Extension         string   `json:"extension"`
	ExtensionFidelity bool     `json:"extension_fidelity"` // content and extension agree
	IsArchive         bool     `json:"is_archive"`         // container format, introspectable
	Confidence        float64  `json:"confidence"`
	Method            string   `json:"method"` // magic | extension
}

// QualityScore is the fast image quality analysis result.
type QualityScore struct {
	DPI           int     `json:"dpi"`
	SkewDeg       float64 `json:"skew_deg"`
	ContrastRatio float64 `json:"contrast_ratio"` // [0,1]
	HasNoise      bool    `json:"has_noise"`
	Layout        string  `json:"layout"` // simple | table | mixed | complex
	Width         int     `json:"width"`
	Height        int     `json:"height"`
}

// Classification buckets for image quality.
const (
	QualityClean   = "CLEAN"
	QualityFixable = "FIXABLE"
	QualityMessy   = "MESSY"
)

// IngestJob is one file moving through the pipeline.
type IngestJob struct {
	JobID          string         `json:"job_id"`
	Info           FileInfo       `json:"file_info"`
	Quality        *QualityScore  `json:"quality_score,omitempty"`
	Classification string         `json:"classification,omitempty"`
	Priority       int            `json:"priority"`
	Status         string         `json:"status"`
	Route          []string       `json:"worker_route"`
	RouteIndex     int            `json:"route_index"`
	CurrentWorker  string         `json:"current_worker"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	BatchID        string         `json:"batch_id,omitempty"`
	DocumentID     string         `json:"document_id,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CanRetry reports whether the job may be re-dispatched after a failure.
func (j *IngestJob) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Batch groups jobs sharing an origin. Complete when completed+failed=total.
type Batch struct {
	ID        string    `json:"id"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	CreatedAt time.Time `json:"created_at"`
}

// Complete reports whether every job in the batch reached a terminal state.
func (b *Batch) Complete() bool {
	return b.Completed+b.Failed >= b.Total
}
