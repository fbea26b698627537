package anomaly

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/arkhamlabs/arkham/internal/domain/intake"
)

// detectContentIsolation measures how far the document sits from the rest of
// the embedded corpus. For each other document, the distance is 1 minus the
// best cosine score of its chunks; the target's minimum distance is z-scored
// against that distribution and also checked against the absolute cutoff.
func (s *Service) detectContentIsolation(ctx context.Context, docID, text, collection string) (*Anomaly, error) {
	if text == "" {
		return nil, nil
	}
	lead := text
	if len(lead) > 2000 {
		lead = lead[:2000]
	}
	queryVec, err := s.embeddings.EmbedText(ctx, lead)
	if err != nil {
		return nil, fmt.Errorf("anomaly: embed document: %w", err)
	}

	hits, err := s.vectors.Search(ctx, collection, queryVec, 200, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("anomaly: corpus search: %w", err)
	}

	// Best score per foreign document.
	best := map[string]float64{}
	for _, hit := range hits {
		otherID, _ := hit.Payload["document_id"].(string)
		if otherID == "" || otherID == docID {
			continue
		}
		if hit.Score > best[otherID] {
			best[otherID] = hit.Score
		}
	}
	if len(best) < 3 {
		return nil, nil
	}

	distances := make([]float64, 0, len(best))
	minDist := math.Inf(1)
	for _, score := range best {
		d := 1 - score
		distances = append(distances, d)
		if d < minDist {
			minDist = d
		}
	}

	mean, std := meanStd(distances)
	z := zScore(minDist, mean, std)

	if z <= s.cfg.ZScoreThreshold && minDist <= s.cfg.MinClusterDistance {
		return nil, nil
	}
	return &Anomaly{
		DocID:       docID,
		Type:        TypeContent,
		Score:       minDist,
		Severity:    severityForZ(math.Max(z, s.cfg.ZScoreThreshold), s.cfg.ZScoreThreshold),
		Confidence:  0.65,
		Explanation: fmt.Sprintf("document is semantically isolated: nearest-neighbor distance %.3f (corpus mean %.3f)", minDist, mean),
		Details: map[string]any{
			"min_distance": minDist,
			"z_score":      z,
			"corpus_mean":  mean,
			"neighbors":    len(best),
		},
	}, nil
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += sq(v - mean)
	}
	return mean, math.Sqrt(variance / float64(len(values)))
}

// detectFileMismatch re-runs content classification and flags documents whose
// claimed extension disagrees with the detected magic type.
func detectFileMismatch(docID, path, filename string, size int64) *Anomaly {
	info, _ := intake.Classify(path, filename, size, "")
	if info.Method != "magic" || info.ExtensionFidelity {
		return nil
	}
	return &Anomaly{
		DocID:       docID,
		Type:        TypeMismatch,
		Score:       1,
		Severity:    SeverityMedium,
		Confidence:  info.Confidence,
		Explanation: fmt.Sprintf("extension %s does not match detected type %s", filepath.Ext(filename), info.MimeType),
		Details: map[string]any{
			"claimed_extension": filepath.Ext(filename),
			"detected_mime":     info.MimeType,
		},
	}
}
