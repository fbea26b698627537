package anomaly

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Thresholds for the red-flag detector.
const (
	redFlagMoneyThreshold = 10
	redFlagDateThreshold  = 15
	redFlagNameThreshold  = 20

	structuringMinAmount = 9000
	structuringMaxAmount = 10000
	structuringMinCount  = 3
)

var (
	redFlagMoneyRe = regexp.MustCompile(`\$[0-9][0-9,]*(?:\.[0-9]{2})?`)
	redFlagDateRe  = regexp.MustCompile(`\b(?:\d{1,2}/\d{1,2}/\d{2,4}|\d{4}-\d{2}-\d{2})\b`)
	redFlagNameRe  = regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`)
)

// sensitiveKeywords trigger a red flag on any hit.
var sensitiveKeywords = []string{
	"offshore", "shell company", "launder", "kickback", "bribe",
	"undisclosed", "nominee", "bearer shares", "cash only", "untraceable",
}

// detectRedFlags scans document text for financial red flags. Each finding
// becomes one anomaly; structuring (repeated just-under-$10k amounts) is the
// highest-signal pattern and always reports CRITICAL.
func detectRedFlags(docID, text string) []Anomaly {
	var out []Anomaly

	amounts := parseAmounts(redFlagMoneyRe.FindAllString(text, -1))
	if a := detectStructuring(docID, amounts); a != nil {
		out = append(out, *a)
	}

	if len(amounts) > redFlagMoneyThreshold {
		out = append(out, Anomaly{
			DocID:       docID,
			Type:        TypeRedFlag,
			Score:       float64(len(amounts)),
			Severity:    SeverityMedium,
			Confidence:  0.6,
			Explanation: fmt.Sprintf("document contains %d monetary amounts", len(amounts)),
			Details: map[string]any{
				"category": "money_density",
				"count":    len(amounts),
			},
		})
	}

	if dates := redFlagDateRe.FindAllString(text, -1); len(dates) > redFlagDateThreshold {
		out = append(out, Anomaly{
			DocID:       docID,
			Type:        TypeRedFlag,
			Score:       float64(len(dates)),
			Severity:    SeverityLow,
			Confidence:  0.5,
			Explanation: fmt.Sprintf("document contains %d dates", len(dates)),
			Details: map[string]any{
				"category": "date_density",
				"count":    len(dates),
			},
		})
	}

	names := map[string]bool{}
	for _, n := range redFlagNameRe.FindAllString(text, -1) {
		names[n] = true
	}
	if len(names) > redFlagNameThreshold {
		out = append(out, Anomaly{
			DocID:       docID,
			Type:        TypeRedFlag,
			Score:       float64(len(names)),
			Severity:    SeverityMedium,
			Confidence:  0.5,
			Explanation: fmt.Sprintf("document references %d distinct names", len(names)),
			Details: map[string]any{
				"category": "name_density",
				"count":    len(names),
			},
		})
	}

	lower := strings.ToLower(text)
	var hits []string
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			hits = append(hits, kw)
		}
	}
	if len(hits) > 0 {
		out = append(out, Anomaly{
			DocID:       docID,
			Type:        TypeRedFlag,
			Score:       float64(len(hits)),
			Severity:    SeverityHigh,
			Confidence:  0.7,
			Explanation: fmt.Sprintf("sensitive keywords present: %s", strings.Join(hits, ", ")),
			Details: map[string]any{
				"category": "sensitive_keywords",
				"keywords": hits,
			},
		})
	}

	return out
}

// detectStructuring flags repeated amounts just under the $10,000 reporting
// threshold.
func detectStructuring(docID string, amounts []float64) *Anomaly {
	var nearThreshold []float64
	total := 0.0
	for _, a := range amounts {
		if a >= structuringMinAmount && a < structuringMaxAmount {
			nearThreshold = append(nearThreshold, a)
			total += a
		}
	}
	if len(nearThreshold) < structuringMinCount {
		return nil
	}
	return &Anomaly{
		DocID:       docID,
		Type:        TypeRedFlag,
		Score:       float64(len(nearThreshold)),
		Severity:    SeverityCritical,
		Confidence:  0.85,
		Explanation: fmt.Sprintf("%d transactions just under the $10,000 reporting threshold (total $%.2f)", len(nearThreshold), total),
		Details: map[string]any{
			"category":          "structuring",
			"transaction_count": len(nearThreshold),
			"total_amount":      total,
			"amounts":           nearThreshold,
		},
	}
}

func parseAmounts(raw []string) []float64 {
	out := make([]float64, 0, len(raw))
	for _, r := range raw {
		cleaned := strings.NewReplacer("$", "", ",", "").Replace(r)
		if v, err := strconv.ParseFloat(cleaned, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
