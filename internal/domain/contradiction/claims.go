package contradiction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/infra/llm"
)

// extractClaims splits text into sentences and keeps those long enough to
// carry a verifiable statement.
func extractClaims(text string, minWords int) []string {
	if minWords <= 0 {
		minWords = 5
	}
	var claims []string
	var sb strings.Builder
	flush := func() {
		s := strings.TrimSpace(sb.String())
		sb.Reset()
		if s == "" {
			return
		}
		if len(strings.Fields(s)) >= minWords {
			claims = append(claims, s)
		}
	}
	for _, r := range text {
		sb.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			flush()
		}
	}
	flush()
	return claims
}

const claimExtractionPrompt = `Extract factual claims from the document text below.
Return a JSON array of strings, one claim per entry. Only include statements
that assert something verifiable (who, what, when, where, how much). Return
only the JSON array, no prose.

Document:
%s`

// extractClaimsLLM asks the model for structured claims, falling back to the
// sentence splitter when the call or its output cannot be used.
func extractClaimsLLM(ctx context.Context, provider llm.LLMProvider, text string, minWords int) []string {
	if provider == nil {
		return extractClaims(text, minWords)
	}
	resp, err := provider.ChatCompletion(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(claimExtractionPrompt, truncate(text, 8000))},
		},
		Temperature: 0.0,
	})
	if err != nil {
		log.WithError(err).Warn("LLM claim extraction failed, using sentence splitter")
		return extractClaims(text, minWords)
	}
	var claims []string
	if err := json.Unmarshal([]byte(extractJSONArray(resp.Content)), &claims); err != nil {
		log.WithError(err).Warn("LLM claim extraction returned malformed JSON, using sentence splitter")
		return extractClaims(text, minWords)
	}
	out := claims[:0]
	for _, c := range claims {
		c = strings.TrimSpace(c)
		if len(strings.Fields(c)) >= minWords {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return extractClaims(text, minWords)
	}
	return out
}

// extractJSONArray trims prose around the first top-level JSON array, which
// chat models like to add despite instructions.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
