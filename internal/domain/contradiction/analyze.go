package contradiction

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/infra/llm"
)

var (
	negationWords      = []string{"not", "no", "never"}
	disagreementWords  = []string{"not", "never", "denied", "refuted"}
	numberRe           = regexp.MustCompile(`\d+(?:[.,]\d+)*`)
	nonAlphanumericSet = regexp.MustCompile(`[^a-z0-9\s]`)
)

// claimPair is a cross-document candidate produced by similarity pairing.
type claimPair struct {
	claimA, claimB string
	similarity     float64
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// pairClaims matches claims across two documents by embedding similarity.
// Near-duplicates are skipped unless one side negates: two copies of the
// same statement agree, but "X happened" vs "X never happened" embed close
// together while conflicting.
func pairClaims(claimsA, claimsB []string, vecsA, vecsB [][]float32, cfg Config) []claimPair {
	var pairs []claimPair
	for i, ca := range claimsA {
		for j, cb := range claimsB {
			sim := cosineSimilarity(vecsA[i], vecsB[j])
			if sim < cfg.SimilarityThreshold {
				continue
			}
			if sim > cfg.NearDuplicateThreshold && !negationMismatch(ca, cb) {
				continue
			}
			pairs = append(pairs, claimPair{claimA: ca, claimB: cb, similarity: sim})
		}
	}
	return pairs
}

func containsNegation(claim string) bool {
	// Contractions are checked on the raw words: tokenization strips the
	// apostrophe out of "didn't" before the suffix would match.
	for _, w := range strings.Fields(strings.ToLower(claim)) {
		if strings.Contains(w, "n't") {
			return true
		}
	}
	for _, w := range tokens(claim) {
		for _, neg := range negationWords {
			if w == neg {
				return true
			}
		}
	}
	return false
}

// negationMismatch reports whether exactly one of the two claims is negated.
func negationMismatch(a, b string) bool {
	return containsNegation(a) != containsNegation(b)
}

func tokens(s string) []string {
	s = nonAlphanumericSet.ReplaceAllString(strings.ToLower(s), " ")
	return strings.Fields(s)
}

// numbersDiffer reports whether the two claims carry different numeric values.
func numbersDiffer(a, b string) bool {
	na := numberRe.FindAllString(a, -1)
	nb := numberRe.FindAllString(b, -1)
	if len(na) == 0 || len(nb) == 0 {
		return false
	}
	set := map[string]bool{}
	for _, n := range na {
		set[normalizeNumber(n)] = true
	}
	for _, n := range nb {
		if !set[normalizeNumber(n)] {
			return true
		}
	}
	return false
}

func normalizeNumber(n string) string {
	return strings.ReplaceAll(n, ",", "")
}

// surroundingSimilarity is the token-overlap similarity of the two claims
// with their numbers removed. High overlap means the claims describe the same
// thing and only the figures disagree.
func surroundingSimilarity(a, b string) float64 {
	ta := tokens(numberRe.ReplaceAllString(a, " "))
	tb := tokens(numberRe.ReplaceAllString(b, " "))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := map[string]bool{}
	for _, t := range ta {
		set[t] = true
	}
	shared := 0
	union := len(set)
	for _, t := range tb {
		if set[t] {
			shared++
			delete(set, t)
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}

// verifyHeuristic decides whether a candidate pair contradicts without an LLM.
func verifyHeuristic(p claimPair) Verdict {
	switch {
	case negationMismatch(p.claimA, p.claimB):
		return Verdict{
			Contradicts: true,
			Type:        TypeDirect,
			Explanation: "one claim negates the other",
			Confidence:  0.75,
		}
	case numbersDiffer(p.claimA, p.claimB) && surroundingSimilarity(p.claimA, p.claimB) > 0.7:
		return Verdict{
			Contradicts: true,
			Type:        TypeNumeric,
			Explanation: "claims state different numbers for the same fact",
			Confidence:  0.7,
		}
	case p.similarity > 0.6 && p.similarity <= 0.9:
		return Verdict{
			Contradicts: true,
			Type:        TypeContextual,
			Severity:    SeverityLow,
			Explanation: "claims cover the same subject with divergent framing",
			Confidence:  0.5,
		}
	}
	return Verdict{Contradicts: false}
}

const verificationPrompt = `Do these two claims from different documents contradict each other?

Claim A: %s
Claim B: %s

Answer with a single JSON object:
{"contradicts": bool, "type": "DIRECT|TEMPORAL|NUMERIC|ENTITY|LOGICAL|CONTEXTUAL", "severity": "HIGH|MEDIUM|LOW", "explanation": "...", "confidence": 0.0-1.0}`

// verifyLLM asks the model for a verdict; an LLM failure or unusable answer
// degrades to the heuristic path rather than dropping the pair.
func verifyLLM(ctx context.Context, provider llm.LLMProvider, p claimPair) Verdict {
	resp, err := provider.ChatCompletion(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(verificationPrompt, p.claimA, p.claimB)},
		},
		Temperature: 0.0,
	})
	if err != nil {
		log.WithError(err).Warn("LLM verification failed, using heuristic")
		v := verifyHeuristic(p)
		v.Degraded = true
		return v
	}
	var v Verdict
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Content)), &v); err != nil {
		log.WithError(err).Warn("LLM verification returned malformed JSON, using heuristic")
		v = verifyHeuristic(p)
		v.Degraded = true
		return v
	}
	if v.Contradicts && v.Type == "" {
		v.Type = TypeLogical
	}
	return v
}

func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// severityFor applies the triage ladder to a verdict.
func severityFor(v Verdict, claimA, claimB string) Severity {
	markers := 0
	for _, w := range append(tokens(claimA), tokens(claimB)...) {
		for _, m := range disagreementWords {
			if w == m {
				markers++
			}
		}
	}
	switch {
	case markers >= 2 || v.Type == TypeDirect:
		return SeverityHigh
	case v.Type == TypeTemporal || v.Type == TypeNumeric || v.Confidence > 0.8:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
