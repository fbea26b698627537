package anomaly

import (
	"fmt"
	"image"
	"math"
	"os"

	_ "image/jpeg"
	_ "image/png"
)

// shannonEntropy computes bits-per-byte entropy of data.
func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	n := float64(len(data))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// detectEntropy scans the whole file and sliding windows for high-entropy
// regions suggesting compressed, encrypted or embedded content.
func detectEntropy(docID string, data []byte, cfg Config) []Anomaly {
	if len(data) == 0 {
		return nil
	}

	whole := shannonEntropy(data)
	var out []Anomaly
	if whole >= cfg.EntropyThresholdSuspicious {
		severity := SeverityMedium
		explanation := fmt.Sprintf("whole-file entropy %.2f bits/byte suggests compressed or embedded content", whole)
		if whole >= cfg.EntropyThresholdHigh {
			severity = SeverityHigh
			explanation = fmt.Sprintf("whole-file entropy %.2f bits/byte suggests encryption or steganography", whole)
		}
		out = append(out, Anomaly{
			DocID:       docID,
			Type:        TypeHidden,
			Score:       whole,
			Severity:    severity,
			Confidence:  0.6,
			Explanation: explanation,
			Details: map[string]any{
				"category": "entropy_whole",
				"entropy":  whole,
			},
		})
	}

	chunkSize := cfg.EntropyChunkSize
	if chunkSize <= 0 {
		chunkSize = 1024
	}
	suspicious := 0
	maxChunk := 0.0
	firstOffset := -1
	for off := 0; off+chunkSize <= len(data); off += chunkSize {
		e := shannonEntropy(data[off : off+chunkSize])
		if e >= cfg.EntropyThresholdSuspicious {
			suspicious++
			if firstOffset < 0 {
				firstOffset = off
			}
			if e > maxChunk {
				maxChunk = e
			}
		}
	}
	// A uniformly high-entropy file is already reported above; isolated hot
	// regions inside otherwise-normal files are the interesting case.
	if suspicious > 0 && whole < cfg.EntropyThresholdSuspicious {
		out = append(out, Anomaly{
			DocID:       docID,
			Type:        TypeHidden,
			Score:       maxChunk,
			Severity:    SeverityMedium,
			Confidence:  0.55,
			Explanation: fmt.Sprintf("%d high-entropy regions (max %.2f bits/byte) inside a low-entropy file", suspicious, maxChunk),
			Details: map[string]any{
				"category":     "entropy_regions",
				"regions":      suspicious,
				"max_entropy":  maxChunk,
				"first_offset": firstOffset,
				"chunk_size":   chunkSize,
			},
		})
	}
	return out
}

// detectLSB runs a chi-square test on the least significant bits of an
// image's pixel channels. Natural images have biased LSBs; a near-uniform
// distribution indicates embedded data.
func detectLSB(docID, path string, cfg Config) (*Anomaly, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("anomaly: open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("anomaly: decode image: %w", err)
	}

	sampleLimit := cfg.LSBSampleSize
	if sampleLimit <= 0 {
		sampleLimit = 100000
	}

	bounds := img.Bounds()
	ones, total := 0, 0
sample:
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			for _, ch := range [3]uint32{r >> 8, g >> 8, b >> 8} {
				if ch&1 == 1 {
					ones++
				}
				total++
				if total >= sampleLimit {
					break sample
				}
			}
		}
	}
	if total < 1000 {
		return nil, nil
	}

	zeros := total - ones
	expected := float64(total) / 2
	chi2 := sq(float64(ones)-expected)/expected + sq(float64(zeros)-expected)/expected
	// One degree of freedom: p = erfc(sqrt(chi2/2)).
	pValue := math.Erfc(math.Sqrt(chi2 / 2))
	bitRatio := float64(ones) / float64(total)

	if pValue <= cfg.ChiSquareThreshold || bitRatio < 0.48 || bitRatio > 0.52 {
		return nil, nil
	}
	return &Anomaly{
		DocID:       docID,
		Type:        TypeHidden,
		Score:       pValue,
		Severity:    SeverityHigh,
		Confidence:  0.7,
		Explanation: fmt.Sprintf("image LSB distribution is suspiciously uniform (p=%.3f, bit ratio %.3f)", pValue, bitRatio),
		Details: map[string]any{
			"category":  "lsb_uniformity",
			"p_value":   pValue,
			"bit_ratio": bitRatio,
			"samples":   total,
		},
	}, nil
}
