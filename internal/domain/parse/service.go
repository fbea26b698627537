package parse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/domain/document"
	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
	"github.com/arkhamlabs/arkham/pkg/uuid"
)

// Topics emitted by the parse service.
const (
	TopicDocumentStarted   = "parse.document.started"
	TopicDocumentCompleted = "parse.document.completed"
	TopicConfigUpdated     = "parse.config.updated"
)

// ChunkConfig holds the active chunking parameters.
type ChunkConfig struct {
	ChunkSize    int    `json:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap"`
	Method       string `json:"method"` // fixed | sentence | semantic
}

// Result summarizes one document parse.
type Result struct {
	DocumentID   string `json:"document_id"`
	ChunkCount   int    `json:"chunk_count"`
	MentionCount int    `json:"mention_count"`
	EntityCount  int    `json:"entity_count"`
}

// Service chunks document text and extracts entities. Handlers of
// parse.document.completed may trigger re-parses, so chunk writes upsert on
// (document_id, chunk_index) and entity counts stay consistent under repeats.
type Service struct {
	db        *sql.DB
	documents *document.Service
	embedder  Embedder
	bus       eventbus.Bus

	mu  sync.RWMutex
	cfg ChunkConfig
}

// NewService creates a parse service. embedder may be nil; the semantic
// method then degrades to sentence chunking.
func NewService(db *sql.DB, documents *document.Service, embedder Embedder, bus eventbus.Bus, cfg ChunkConfig) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.Method == "" {
		cfg.Method = "sentence"
	}
	return &Service{db: db, documents: documents, embedder: embedder, bus: bus, cfg: cfg}
}

// Config returns the active chunking configuration.
func (s *Service) Config() ChunkConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig replaces the chunking configuration and announces the change.
func (s *Service) UpdateConfig(cfg ChunkConfig) error {
	switch cfg.Method {
	case "fixed", "sentence", "semantic":
	default:
		return fmt.Errorf("parse: unknown chunk method %q", cfg.Method)
	}
	if cfg.ChunkSize <= 0 {
		return fmt.Errorf("parse: chunk_size must be positive")
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return fmt.Errorf("parse: chunk_overlap must be in [0, chunk_size)")
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.bus.Emit(TopicConfigUpdated, map[string]any{
		"chunk_size":    cfg.ChunkSize,
		"chunk_overlap": cfg.ChunkOverlap,
		"method":        cfg.Method,
	}, "parse")
	return nil
}

// ChunkText applies the configured method to text without persisting.
func (s *Service) ChunkText(ctx context.Context, text string) []Chunk {
	cfg := s.Config()
	switch cfg.Method {
	case "fixed":
		return ChunkFixed(text, cfg.ChunkSize, cfg.ChunkOverlap)
	case "semantic":
		return ChunkSemantic(ctx, s.embedder, text, cfg.ChunkSize)
	default:
		return ChunkSentence(text, cfg.ChunkSize)
	}
}

// ParseDocument chunks the document's full text, stores chunks and entity
// mentions, and emits parse.document.completed. Safe to call repeatedly.
func (s *Service) ParseDocument(ctx context.Context, docID string) (*Result, error) {
	s.bus.Emit(TopicDocumentStarted, map[string]any{"document_id": docID}, "parse")

	if _, err := s.documents.Get(ctx, docID); err != nil {
		return nil, fmt.Errorf("parse: document %s: %w", docID, err)
	}
	text, err := s.documents.FullText(ctx, docID)
	if err != nil {
		return nil, err
	}

	chunks := s.ChunkText(ctx, text)
	if err := s.storeChunks(ctx, docID, chunks); err != nil {
		return nil, err
	}

	mentions := ExtractMentions(text)
	entityCount, err := s.storeMentions(ctx, docID, mentions)
	if err != nil {
		return nil, err
	}

	res := &Result{
		DocumentID:   docID,
		ChunkCount:   len(chunks),
		MentionCount: len(mentions),
		EntityCount:  entityCount,
	}
	s.bus.Emit(TopicDocumentCompleted, map[string]any{
		"document_id":   docID,
		"chunk_count":   res.ChunkCount,
		"mention_count": res.MentionCount,
	}, "parse")
	log.WithFields(log.Fields{"document_id": docID, "chunks": res.ChunkCount,
		"mentions": res.MentionCount}).Info("document parsed")
	return res, nil
}

// storeChunks upserts chunks on (document_id, chunk_index) and removes any
// stale higher-indexed chunks from a previous, longer parse.
func (s *Service) storeChunks(ctx context.Context, docID string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("parse: store chunks begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO frame_chunks (id, document_id, chunk_index, text, page_number, start_char, end_char, token_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(document_id, chunk_index) DO UPDATE SET
				text = excluded.text, start_char = excluded.start_char,
				end_char = excluded.end_char, token_count = excluded.token_count`,
			uuid.NewV7().String(), docID, c.Index, c.Text,
			nullableInt(c.PageNumber), c.StartChar, c.EndChar, c.TokenCount); err != nil {
			return fmt.Errorf("parse: upsert chunk %d: %w", c.Index, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM frame_chunks WHERE document_id = ? AND chunk_index >= ?`,
		docID, len(chunks)); err != nil {
		return fmt.Errorf("parse: trim chunks: %w", err)
	}
	return tx.Commit()
}

// storeMentions records mentions and maintains the canonical entity table.
// Returns the number of distinct canonical entities touched.
func (s *Service) storeMentions(ctx context.Context, docID string, mentions []Mention) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("parse: store mentions begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Re-parses replace a document's mentions wholesale; mention counts on
	// canonical entities are recomputed afterwards.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM frame_entity_mentions WHERE document_id = ?`, docID); err != nil {
		return 0, fmt.Errorf("parse: clear mentions: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	touched := make(map[string]struct{})
	for _, m := range mentions {
		entityID, eErr := upsertEntity(ctx, tx, m.Text, string(m.Type), now)
		if eErr != nil {
			return 0, eErr
		}
		touched[entityID] = struct{}{}
		if _, iErr := tx.ExecContext(ctx, `
			INSERT INTO frame_entity_mentions (id, entity_id, document_id, text, type, start_char, end_char, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewV7().String(), entityID, docID, m.Text, string(m.Type),
			m.StartChar, m.EndChar, m.Confidence); iErr != nil {
			return 0, fmt.Errorf("parse: insert mention: %w", iErr)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE frame_entities SET mention_count =
			(SELECT COUNT(*) FROM frame_entity_mentions WHERE entity_id = frame_entities.id)`); err != nil {
		return 0, fmt.Errorf("parse: recount mentions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(touched), nil
}

func upsertEntity(ctx context.Context, tx *sql.Tx, name, typ, now string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM frame_entities WHERE canonical_name = ? AND type = ?`, name, typ).Scan(&id)
	if err == nil {
		if _, uErr := tx.ExecContext(ctx,
			`UPDATE frame_entities SET last_seen = ? WHERE id = ?`, now, id); uErr != nil {
			return "", fmt.Errorf("parse: touch entity: %w", uErr)
		}
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("parse: lookup entity: %w", err)
	}

	id = uuid.NewV7().String()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO frame_entities (id, canonical_name, type, aliases, first_seen, last_seen)
		VALUES (?, ?, ?, '[]', ?, ?)`, id, name, typ, now, now); err != nil {
		return "", fmt.Errorf("parse: insert entity: %w", err)
	}
	return id, nil
}

// Entities lists canonical entities ordered by mention count.
func (s *Service) Entities(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, canonical_name, type, aliases, first_seen, last_seen, mention_count
		FROM frame_entities ORDER BY mention_count DESC, canonical_name LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("parse: list entities: %w", err)
	}
	defer rows.Close()

	var entities []map[string]any
	for rows.Next() {
		var id, name, typ, aliasesJSON, firstSeen, lastSeen string
		var count int
		if scanErr := rows.Scan(&id, &name, &typ, &aliasesJSON, &firstSeen, &lastSeen, &count); scanErr != nil {
			return nil, fmt.Errorf("parse: entities scan: %w", scanErr)
		}
		var aliases []string
		_ = json.Unmarshal([]byte(aliasesJSON), &aliases)
		entities = append(entities, map[string]any{
			"id": id, "canonical_name": name, "type": typ, "aliases": aliases,
			"first_seen": firstSeen, "last_seen": lastSeen, "mention_count": count,
		})
	}
	return entities, rows.Err()
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
