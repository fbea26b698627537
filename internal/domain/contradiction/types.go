// Package contradiction finds conflicting claims across documents: it
// extracts claims, pairs semantically similar ones from different documents,
// verifies each pair (LLM when available, heuristics otherwise), and links
// contradictions into cross-document chains.
package contradiction

import (
	"errors"
	"time"
)

// Event topics.
const (
	TopicDetected      = "contradictions.detected"
	TopicConfirmed     = "contradictions.confirmed"
	TopicDismissed     = "contradictions.dismissed"
	TopicStatusUpdated = "contradictions.status_updated"
	TopicChainDetected = "contradictions.chain_detected"
)

// Type classifies how two claims conflict.
type Type string

const (
	TypeDirect     Type = "DIRECT"
	TypeTemporal   Type = "TEMPORAL"
	TypeNumeric    Type = "NUMERIC"
	TypeEntity     Type = "ENTITY"
	TypeLogical    Type = "LOGICAL"
	TypeContextual Type = "CONTEXTUAL"
)

// Severity of a contradiction.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Status is the triage state of a contradiction.
type Status string

const (
	StatusDetected      Status = "DETECTED"
	StatusConfirmed     Status = "CONFIRMED"
	StatusDismissed     Status = "DISMISSED"
	StatusInvestigating Status = "INVESTIGATING"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDetected, StatusConfirmed, StatusDismissed, StatusInvestigating:
		return true
	}
	return false
}

var ErrContradictionNotFound = errors.New("contradiction: not found")

// Contradiction is one verified conflicting claim pair.
type Contradiction struct {
	ID          string    `json:"id"`
	DocAID      string    `json:"doc_a_id"`
	DocBID      string    `json:"doc_b_id"`
	ClaimA      string    `json:"claim_a"`
	ClaimB      string    `json:"claim_b"`
	Type        Type      `json:"type"`
	Severity    Severity  `json:"severity"`
	Status      Status    `json:"status"`
	Confidence  float64   `json:"confidence"`
	Explanation string    `json:"explanation"`
	ChainID     string    `json:"chain_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Chain groups contradictions whose documents form a connected path.
type Chain struct {
	ID               string    `json:"id"`
	ContradictionIDs []string  `json:"contradiction_ids"`
	DocumentIDs      []string  `json:"document_ids"`
	CreatedAt        time.Time `json:"created_at"`
}

// Verdict is the outcome of verifying one claim pair. Degraded marks
// verdicts produced by the heuristic fallback after an LLM failure.
type Verdict struct {
	Contradicts bool     `json:"contradicts"`
	Type        Type     `json:"type"`
	Severity    Severity `json:"severity"`
	Explanation string   `json:"explanation"`
	Confidence  float64  `json:"confidence"`
	Degraded    bool     `json:"-"`
}

// Config carries detection thresholds.
type Config struct {
	// SimilarityThreshold is the minimum claim cosine similarity to
	// consider a pair at all.
	SimilarityThreshold float64
	// NearDuplicateThreshold skips pairs above it unless one side negates.
	NearDuplicateThreshold float64
	// MinClaimWords filters out sentences too short to be claims.
	MinClaimWords int
	// UseLLM enables LLM claim extraction and pair verification.
	UseLLM bool
	// MaxChainDepth bounds the chain DFS.
	MaxChainDepth int
}

func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:    0.7,
		NearDuplicateThreshold: 0.9,
		MinClaimWords:          5,
		MaxChainDepth:          5,
	}
}
