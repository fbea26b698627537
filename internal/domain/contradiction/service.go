package contradiction

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/domain/embed"
	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
	"github.com/arkhamlabs/arkham/internal/infra/llm"
)

// Service runs contradiction detection and owns the SQL-backed store.
type Service struct {
	db         *sql.DB
	embeddings *embed.Manager
	provider   llm.LLMProvider
	bus        eventbus.Bus
	cfg        Config
}

func NewService(db *sql.DB, embeddings *embed.Manager, provider llm.LLMProvider, bus eventbus.Bus, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.NearDuplicateThreshold <= 0 {
		cfg.NearDuplicateThreshold = def.NearDuplicateThreshold
	}
	if cfg.MinClaimWords <= 0 {
		cfg.MinClaimWords = def.MinClaimWords
	}
	if cfg.MaxChainDepth <= 0 {
		cfg.MaxChainDepth = def.MaxChainDepth
	}
	return &Service{db: db, embeddings: embeddings, provider: provider, bus: bus, cfg: cfg}
}

// Analyze compares two documents and stores every verified contradiction.
func (s *Service) Analyze(ctx context.Context, docAID, docBID string) ([]Contradiction, error) {
	if docAID == docBID {
		return nil, fmt.Errorf("contradiction: cannot compare a document with itself")
	}
	textA, err := s.documentText(ctx, docAID)
	if err != nil {
		return nil, err
	}
	textB, err := s.documentText(ctx, docBID)
	if err != nil {
		return nil, err
	}

	var claimsA, claimsB []string
	if s.cfg.UseLLM && s.provider != nil {
		claimsA = extractClaimsLLM(ctx, s.provider, textA, s.cfg.MinClaimWords)
		claimsB = extractClaimsLLM(ctx, s.provider, textB, s.cfg.MinClaimWords)
	} else {
		claimsA = extractClaims(textA, s.cfg.MinClaimWords)
		claimsB = extractClaims(textB, s.cfg.MinClaimWords)
	}
	if len(claimsA) == 0 || len(claimsB) == 0 {
		return []Contradiction{}, nil
	}

	vecsA, err := s.embeddings.EmbedBatch(ctx, claimsA)
	if err != nil {
		return nil, fmt.Errorf("contradiction: embed claims: %w", err)
	}
	vecsB, err := s.embeddings.EmbedBatch(ctx, claimsB)
	if err != nil {
		return nil, fmt.Errorf("contradiction: embed claims: %w", err)
	}

	var found []Contradiction
	for _, pair := range pairClaims(claimsA, claimsB, vecsA, vecsB, s.cfg) {
		var verdict Verdict
		if s.cfg.UseLLM && s.provider != nil {
			verdict = verifyLLM(ctx, s.provider, pair)
		} else {
			verdict = verifyHeuristic(pair)
		}
		if !verdict.Contradicts {
			continue
		}
		if verdict.Severity == "" {
			verdict.Severity = severityFor(verdict, pair.claimA, pair.claimB)
		}

		now := time.Now().UTC()
		c := Contradiction{
			ID:          newID(),
			DocAID:      docAID,
			DocBID:      docBID,
			ClaimA:      pair.claimA,
			ClaimB:      pair.claimB,
			Type:        verdict.Type,
			Severity:    verdict.Severity,
			Status:      StatusDetected,
			Confidence:  verdict.Confidence,
			Explanation: verdict.Explanation,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.save(ctx, &c); err != nil {
			return nil, err
		}
		s.bus.Emit(TopicDetected, map[string]any{
			"contradiction_id": c.ID,
			"doc_a_id":         docAID,
			"doc_b_id":         docBID,
			"type":             string(c.Type),
			"severity":         string(c.Severity),
			"degraded":         verdict.Degraded,
		}, "contradictions")
		found = append(found, c)
	}
	if found == nil {
		found = []Contradiction{}
	}
	return found, nil
}

// BatchResult summarizes an AnalyzeBatch run.
type BatchResult struct {
	Pairs          int `json:"pairs"`
	Contradictions int `json:"contradictions"`
	Failures       int `json:"failures"`
}

// AnalyzeBatch compares every document pair in ids. In async mode the work
// runs in the background and results surface through events only.
func (s *Service) AnalyzeBatch(ctx context.Context, ids []string, async bool) (*BatchResult, error) {
	if len(ids) < 2 {
		return nil, fmt.Errorf("contradiction: batch needs at least two documents")
	}
	if async {
		go func() {
			// Detached work: the HTTP request that started the batch
			// may be long gone by the time a pair finishes.
			if _, err := s.runBatch(context.Background(), ids); err != nil {
				log.WithError(err).Error("async contradiction batch failed")
			}
		}()
		return &BatchResult{Pairs: len(ids) * (len(ids) - 1) / 2}, nil
	}
	return s.runBatch(ctx, ids)
}

func (s *Service) runBatch(ctx context.Context, ids []string) (*BatchResult, error) {
	res := &BatchResult{}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			res.Pairs++
			found, err := s.Analyze(ctx, ids[i], ids[j])
			if err != nil {
				log.WithError(err).WithFields(log.Fields{
					"doc_a": ids[i],
					"doc_b": ids[j],
				}).Warn("pair analysis failed")
				res.Failures++
				continue
			}
			res.Contradictions += len(found)
		}
	}
	return res, nil
}

func (s *Service) documentText(ctx context.Context, docID string) (string, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM frame_documents WHERE id = ?`, docID).Scan(&exists); err != nil {
		return "", fmt.Errorf("contradiction: check document %s: %w", docID, err)
	}
	if exists == 0 {
		return "", fmt.Errorf("contradiction: document %s not found", docID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT text FROM frame_document_pages WHERE document_id = ? ORDER BY page_number`, docID)
	if err != nil {
		return "", fmt.Errorf("contradiction: load pages for %s: %w", docID, err)
	}
	defer rows.Close()

	var text string
	for rows.Next() {
		var page string
		if err := rows.Scan(&page); err != nil {
			return "", fmt.Errorf("contradiction: scan page: %w", err)
		}
		if text != "" {
			text += "\f"
		}
		text += page
	}
	return text, rows.Err()
}
