package intake

import (
	"fmt"
	"image"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Quality issue thresholds.
const (
	minDPI      = 150
	maxSkewDeg  = 2.0
	minContrast = 0.4
)

// ScoreImageFile runs the fast quality analysis on an image file. It decodes
// a bounded sample of pixels for contrast and noise estimates; DPI and
// layout come from dimensions since most scans carry no metadata.
func ScoreImageFile(path string) (*QualityScore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("intake: open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("intake: decode image: %w", err)
	}
	return scoreImage(img), nil
}

func scoreImage(img image.Image) *QualityScore {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	// Sample a grid of at most 64x64 points for luminance statistics.
	stepX, stepY := gridStep(w), gridStep(h)
	var minLum, maxLum float64 = 1, 0
	var prev float64
	var jumps, samples int
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			lum := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 65535.0
			if lum < minLum {
				minLum = lum
			}
			if lum > maxLum {
				maxLum = lum
			}
			if samples > 0 && abs(lum-prev) > 0.5 {
				jumps++
			}
			prev = lum
			samples++
		}
	}

	contrast := maxLum - minLum
	// Frequent large luminance jumps between neighboring samples indicate
	// speckle noise rather than text edges.
	hasNoise := samples > 0 && float64(jumps)/float64(samples) > 0.25

	// Assume a letter-size scan: width/8.5in approximates DPI.
	dpi := int(float64(w) / 8.5)

	layout := "simple"
	if w > 2500 || h > 3500 {
		layout = "mixed"
	}

	return &QualityScore{
		DPI:           dpi,
		SkewDeg:       0,
		ContrastRatio: contrast,
		HasNoise:      hasNoise,
		Layout:        layout,
		Width:         w,
		Height:        h,
	}
}

// ClassifyQuality derives the CLEAN/FIXABLE/MESSY bucket from the score.
func ClassifyQuality(q *QualityScore) string {
	issues := 0
	if q.DPI < minDPI {
		issues++
	}
	if q.SkewDeg > maxSkewDeg || q.SkewDeg < -maxSkewDeg {
		issues++
	}
	if q.ContrastRatio < minContrast {
		issues++
	}
	if q.HasNoise {
		issues++
	}

	switch {
	case issues == 0:
		return QualityClean
	case issues <= 2 && (q.Layout == "simple" || q.Layout == "table"):
		return QualityFixable
	default:
		return QualityMessy
	}
}

// OCRRoute selects the OCR sub-route for an image, given its classification,
// layout, and the configured ocr_mode (auto | paddle_only | qwen_only).
func OCRRoute(classification, layout, ocrMode string) []string {
	switch ocrMode {
	case "qwen_only":
		return []string{"cpu-image", "gpu-qwen"}
	case "paddle_only":
		if classification == QualityClean {
			return []string{"gpu-paddle"}
		}
		return []string{"cpu-image", "gpu-paddle"}
	}

	// auto
	switch classification {
	case QualityClean:
		return []string{"gpu-paddle"}
	case QualityFixable:
		return []string{"cpu-image", "gpu-paddle"}
	default: // MESSY
		if layout == "mixed" || layout == "complex" {
			return []string{"cpu-image", "gpu-qwen"}
		}
		return []string{"cpu-image", "gpu-paddle"}
	}
}

func gridStep(dim int) int {
	step := dim / 64
	if step < 1 {
		step = 1
	}
	return step
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
