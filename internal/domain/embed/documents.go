package embed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arkhamlabs/arkham/internal/domain/vector"
	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
)

// Topics emitted by the document embedding flow.
const (
	TopicTextCompleted     = "embed.text.completed"
	TopicBatchCompleted    = "embed.batch.completed"
	TopicDocumentCompleted = "embed.document.completed"
)

// ErrNoChunks is returned when a document has no parsed chunks to embed.
var ErrNoChunks = errors.New("embed: document has no chunks")

// DocumentEmbedder embeds a document's chunks into a vector collection.
// Each record's payload carries document_id, chunk_id, chunk_index, text,
// filename, mime_type and created_at, which is the schema the search shard's
// semantic engine and payload filters read.
type DocumentEmbedder struct {
	db      *sql.DB
	manager *Manager
	vectors *vector.Store
	bus     eventbus.Bus
}

// NewDocumentEmbedder wires the embedder to the corpus store.
func NewDocumentEmbedder(db *sql.DB, manager *Manager, vectors *vector.Store, bus eventbus.Bus) *DocumentEmbedder {
	return &DocumentEmbedder{db: db, manager: manager, vectors: vectors, bus: bus}
}

type chunkRow struct {
	id    string
	index int
	text  string
}

// EmbedDocument embeds all chunks of the document into collection, creating
// the collection at the current model dimension when missing. Re-embedding a
// document upserts over the same chunk IDs, so the call is idempotent.
func (e *DocumentEmbedder) EmbedDocument(ctx context.Context, docID, collection string) (int, error) {
	var filename, mimeType, createdAt string
	err := e.db.QueryRowContext(ctx, `
		SELECT filename, mime_type, created_at FROM frame_documents WHERE id = ?`,
		docID).Scan(&filename, &mimeType, &createdAt)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("embed: document %s not found", docID)
	}
	if err != nil {
		return 0, fmt.Errorf("embed: load document: %w", err)
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT id, chunk_index, text FROM frame_chunks
		WHERE document_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		return 0, fmt.Errorf("embed: load chunks: %w", err)
	}
	defer rows.Close()

	var chunks []chunkRow
	for rows.Next() {
		var c chunkRow
		if err := rows.Scan(&c.id, &c.index, &c.text); err != nil {
			return 0, fmt.Errorf("embed: scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, ErrNoChunks
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.text
	}
	vecs, err := e.manager.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed: embed chunks: %w", err)
	}

	dim, err := e.manager.Dimensions(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.vectors.CreateCollection(ctx, collection, dim, vector.MetricCosine); err != nil {
		return 0, fmt.Errorf("embed: ensure collection: %w", err)
	}

	records := make([]vector.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vector.Record{
			ID:     c.id,
			Vector: vecs[i],
			Payload: map[string]any{
				"document_id": docID,
				"chunk_id":    c.id,
				"chunk_index": c.index,
				"text":        c.text,
				"filename":    filename,
				"mime_type":   mimeType,
				"created_at":  createdAt,
			},
		}
	}
	if err := e.vectors.Upsert(ctx, collection, records); err != nil {
		return 0, fmt.Errorf("embed: upsert vectors: %w", err)
	}

	// Link chunks back to their vectors for housekeeping queries.
	for _, c := range chunks {
		if _, err := e.db.ExecContext(ctx, `
			UPDATE frame_chunks SET vector_id = ? WHERE id = ?`, c.id, c.id); err != nil {
			return 0, fmt.Errorf("embed: link chunk vector: %w", err)
		}
	}

	e.bus.Emit(TopicDocumentCompleted, map[string]any{
		"document_id": docID,
		"collection":  collection,
		"chunks":      len(chunks),
		"embedded_at": time.Now().UTC().Format(time.RFC3339),
	}, "embed")
	return len(chunks), nil
}
