package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arkhamlabs/arkham/internal/infra/llm"
	"github.com/arkhamlabs/arkham/pkg/uuid"
)

const chatSystemPrompt = `You are an investigation assistant. Answer strictly from the
provided document excerpts. Cite filenames when you use an excerpt. If the
excerpts do not contain the answer, say so.`

// ChatSource describes one excerpt fed to the model.
type ChatSource struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Score      float64 `json:"score"`
}

// Chat answers a question over the corpus: hybrid retrieval builds the
// context, the LLM streams the answer through onToken. Returns the sources
// used so the caller can render citations.
func (s *Service) Chat(ctx context.Context, req Request, onToken llm.StreamFunc) ([]ChatSource, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("search: chat requires an LLM provider")
	}

	retrieval := req
	if retrieval.Limit <= 0 {
		retrieval.Limit = 5
	}
	items, _, err := s.Hybrid(ctx, retrieval)
	if err != nil {
		return nil, fmt.Errorf("search: chat retrieval: %w", err)
	}

	var contextText strings.Builder
	sources := make([]ChatSource, 0, len(items))
	for i, it := range items {
		fmt.Fprintf(&contextText, "[%d] %s:\n%s\n\n", i+1, it.Filename, it.Text)
		sources = append(sources, ChatSource{DocumentID: it.DocumentID, Filename: it.Filename, Score: it.Score})
	}
	if contextText.Len() == 0 {
		contextText.WriteString("(no matching documents)\n")
	}

	chatReq := llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: chatSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Excerpts:\n\n%sQuestion: %s", contextText.String(), req.Query)},
		},
		Temperature: 0.2,
	}
	if err := s.provider.ChatStream(ctx, chatReq, onToken); err != nil {
		return sources, fmt.Errorf("search: chat stream: %w", err)
	}
	return sources, nil
}

// Feedback is a user rating of a chat answer.
type Feedback struct {
	Query   string `json:"query"`
	Answer  string `json:"answer"`
	Rating  int    `json:"rating"` // -1 or 1
	Comment string `json:"comment"`
}

// SaveFeedback persists an answer rating.
func (s *Service) SaveFeedback(ctx context.Context, fb Feedback) error {
	if fb.Rating != -1 && fb.Rating != 1 {
		return fmt.Errorf("search: rating must be -1 or 1")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_ai_feedback (id, query, answer, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewV7().String(), fb.Query, fb.Answer, fb.Rating, fb.Comment,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("search: save feedback: %w", err)
	}
	return nil
}
