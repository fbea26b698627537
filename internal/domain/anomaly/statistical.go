package anomaly

import (
	"fmt"
	"math"
	"strings"
)

// textMetrics are the per-document measurements the statistical detector
// z-scores against the corpus.
type textMetrics struct {
	CharCount         float64
	WordCount         float64
	AvgWordLength     float64
	AvgSentenceLength float64
}

func measureText(text string) textMetrics {
	words := strings.Fields(text)
	m := textMetrics{
		CharCount: float64(len(text)),
		WordCount: float64(len(words)),
	}
	if len(words) > 0 {
		totalLen := 0
		for _, w := range words {
			totalLen += len(w)
		}
		m.AvgWordLength = float64(totalLen) / float64(len(words))
	}

	sentences := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	if sentences > 0 {
		m.AvgSentenceLength = m.WordCount / float64(sentences)
	} else {
		m.AvgSentenceLength = m.WordCount
	}
	return m
}

// corpusStats holds per-metric (mean, std) over the corpus.
type corpusStats struct {
	mean textMetrics
	std  textMetrics
	n    int
}

func computeCorpusStats(all []textMetrics) corpusStats {
	cs := corpusStats{n: len(all)}
	if len(all) == 0 {
		return cs
	}
	for _, m := range all {
		cs.mean.CharCount += m.CharCount
		cs.mean.WordCount += m.WordCount
		cs.mean.AvgWordLength += m.AvgWordLength
		cs.mean.AvgSentenceLength += m.AvgSentenceLength
	}
	n := float64(len(all))
	cs.mean.CharCount /= n
	cs.mean.WordCount /= n
	cs.mean.AvgWordLength /= n
	cs.mean.AvgSentenceLength /= n

	for _, m := range all {
		cs.std.CharCount += sq(m.CharCount - cs.mean.CharCount)
		cs.std.WordCount += sq(m.WordCount - cs.mean.WordCount)
		cs.std.AvgWordLength += sq(m.AvgWordLength - cs.mean.AvgWordLength)
		cs.std.AvgSentenceLength += sq(m.AvgSentenceLength - cs.mean.AvgSentenceLength)
	}
	cs.std.CharCount = math.Sqrt(cs.std.CharCount / n)
	cs.std.WordCount = math.Sqrt(cs.std.WordCount / n)
	cs.std.AvgWordLength = math.Sqrt(cs.std.AvgWordLength / n)
	cs.std.AvgSentenceLength = math.Sqrt(cs.std.AvgSentenceLength / n)
	return cs
}

func sq(x float64) float64 { return x * x }

func zScore(value, mean, std float64) float64 {
	if std == 0 {
		return 0
	}
	return (value - mean) / std
}

// detectStatistical flags per-metric outliers of doc against the corpus.
// A corpus under 3 documents has no meaningful distribution and yields nothing.
func detectStatistical(docID string, doc textMetrics, cs corpusStats, zThreshold float64) []Anomaly {
	if cs.n < 3 {
		return nil
	}

	checks := []struct {
		name  string
		value float64
		mean  float64
		std   float64
	}{
		{"char_count", doc.CharCount, cs.mean.CharCount, cs.std.CharCount},
		{"word_count", doc.WordCount, cs.mean.WordCount, cs.std.WordCount},
		{"avg_word_length", doc.AvgWordLength, cs.mean.AvgWordLength, cs.std.AvgWordLength},
		{"avg_sentence_length", doc.AvgSentenceLength, cs.mean.AvgSentenceLength, cs.std.AvgSentenceLength},
	}

	var out []Anomaly
	for _, c := range checks {
		z := zScore(c.value, c.mean, c.std)
		if math.Abs(z) <= zThreshold {
			continue
		}
		out = append(out, Anomaly{
			DocID:       docID,
			Type:        TypeStatistical,
			Score:       math.Abs(z),
			Severity:    severityForZ(z, zThreshold),
			Confidence:  math.Min(0.95, math.Abs(z)/(2*zThreshold)),
			Explanation: fmt.Sprintf("%s deviates from corpus: z=%.2f (value %.1f, mean %.1f)", c.name, z, c.value, c.mean),
			Details: map[string]any{
				"metric":  c.name,
				"z_score": z,
				"value":   c.value,
				"mean":    c.mean,
				"std":     c.std,
			},
		})
	}
	return out
}

// detectMetadataOutlier z-scores the file size against the corpus.
func detectMetadataOutlier(docID string, size float64, sizes []float64, zThreshold float64) *Anomaly {
	if len(sizes) < 3 {
		return nil
	}
	mean := 0.0
	for _, s := range sizes {
		mean += s
	}
	mean /= float64(len(sizes))
	variance := 0.0
	for _, s := range sizes {
		variance += sq(s - mean)
	}
	std := math.Sqrt(variance / float64(len(sizes)))

	z := zScore(size, mean, std)
	if math.Abs(z) <= zThreshold {
		return nil
	}
	return &Anomaly{
		DocID:       docID,
		Type:        TypeMetadata,
		Score:       math.Abs(z),
		Severity:    severityForZ(z, zThreshold),
		Confidence:  math.Min(0.9, math.Abs(z)/(2*zThreshold)),
		Explanation: fmt.Sprintf("file size deviates from corpus: z=%.2f (%.0f bytes, mean %.0f)", z, size, mean),
		Details: map[string]any{
			"metric":  "file_size",
			"z_score": z,
			"value":   size,
			"mean":    mean,
		},
	}
}
