// Package anomaly runs pluggable detectors over documents: financial red
// flags, statistical outliers, metadata outliers, semantic isolation, hidden
// content (entropy / LSB), and file-type mismatches. Detections are stored
// deduplicated per (document, type, fingerprint).
package anomaly

import "time"

// Event topics emitted by the anomaly shard.
const (
	TopicDetected          = "anomalies.detected"
	TopicConfirmed         = "anomalies.confirmed"
	TopicDismissed         = "anomalies.dismissed"
	TopicBulkUpdated       = "anomalies.bulk_updated"
	TopicDetectionStarted  = "anomalies.detection_started"
	TopicDetectionComplete = "anomalies.detection_completed"
)

// Type identifies the detector that produced an anomaly.
type Type string

const (
	TypeRedFlag     Type = "RED_FLAG"
	TypeStatistical Type = "STATISTICAL"
	TypeMetadata    Type = "METADATA"
	TypeContent     Type = "CONTENT"
	TypeHidden      Type = "HIDDEN_CONTENT"
	TypeMismatch    Type = "FILE_MISMATCH"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Status is the triage state of an anomaly.
type Status string

const (
	StatusDetected      Status = "DETECTED"
	StatusConfirmed     Status = "CONFIRMED"
	StatusDismissed     Status = "DISMISSED"
	StatusFalsePositive Status = "FALSE_POSITIVE"
)

// Valid reports whether s is a known triage status.
func (s Status) Valid() bool {
	switch s {
	case StatusDetected, StatusConfirmed, StatusDismissed, StatusFalsePositive:
		return true
	}
	return false
}

// Anomaly is one stored detection.
type Anomaly struct {
	ID          string         `json:"id"`
	DocID       string         `json:"doc_id"`
	Type        Type           `json:"type"`
	Score       float64        `json:"score"`
	Severity    Severity       `json:"severity"`
	Confidence  float64        `json:"confidence"`
	Status      Status         `json:"status"`
	Explanation string         `json:"explanation"`
	Details     map[string]any `json:"details"`
	DetectedAt  time.Time      `json:"detected_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Note is an analyst annotation on an anomaly.
type Note struct {
	ID        string    `json:"id"`
	AnomalyID string    `json:"anomaly_id"`
	Author    string    `json:"author"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes the anomaly corpus for dashboards.
type Stats struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	BySeverity map[string]int `json:"by_severity"`
	ByStatus   map[string]int `json:"by_status"`
}

// Config carries detector thresholds.
type Config struct {
	ZScoreThreshold            float64
	MinClusterDistance         float64
	EntropyThresholdSuspicious float64
	EntropyThresholdHigh       float64
	EntropyChunkSize           int
	LSBSampleSize              int
	ChiSquareThreshold         float64
	MaxFileSizeMB              int
}

// DefaultConfig returns the shipped thresholds.
func DefaultConfig() Config {
	return Config{
		ZScoreThreshold:            3.0,
		MinClusterDistance:         0.7,
		EntropyThresholdSuspicious: 7.2,
		EntropyThresholdHigh:       7.8,
		EntropyChunkSize:           1024,
		LSBSampleSize:              100000,
		ChiSquareThreshold:         0.95,
		MaxFileSizeMB:              100,
	}
}

// severityForZ maps a z-score magnitude onto the severity ladder for a given
// threshold t.
func severityForZ(z, t float64) Severity {
	if z < 0 {
		z = -z
	}
	switch {
	case z >= 2*t:
		return SeverityCritical
	case z >= 1.5*t:
		return SeverityHigh
	case z >= t:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
