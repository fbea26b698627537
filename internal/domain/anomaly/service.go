package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/domain/embed"
	"github.com/arkhamlabs/arkham/internal/domain/vector"
	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
)

// Service runs detectors and owns the anomaly store.
type Service struct {
	db         *sql.DB
	embeddings *embed.Manager
	vectors    *vector.Store
	bus        eventbus.Bus
	cfg        Config
}

// NewService wires the anomaly shard.
func NewService(db *sql.DB, embeddings *embed.Manager, vectors *vector.Store, bus eventbus.Bus, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.ZScoreThreshold <= 0 {
		cfg.ZScoreThreshold = def.ZScoreThreshold
	}
	if cfg.MinClusterDistance <= 0 {
		cfg.MinClusterDistance = def.MinClusterDistance
	}
	if cfg.EntropyThresholdSuspicious <= 0 {
		cfg.EntropyThresholdSuspicious = def.EntropyThresholdSuspicious
	}
	if cfg.EntropyThresholdHigh <= 0 {
		cfg.EntropyThresholdHigh = def.EntropyThresholdHigh
	}
	if cfg.EntropyChunkSize <= 0 {
		cfg.EntropyChunkSize = def.EntropyChunkSize
	}
	if cfg.LSBSampleSize <= 0 {
		cfg.LSBSampleSize = def.LSBSampleSize
	}
	if cfg.ChiSquareThreshold <= 0 {
		cfg.ChiSquareThreshold = def.ChiSquareThreshold
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = def.MaxFileSizeMB
	}
	return &Service{db: db, embeddings: embeddings, vectors: vectors, bus: bus, cfg: cfg}
}

type docRecord struct {
	id       string
	filename string
	mimeType string
	size     int64
	path     string
}

// DetectDocument runs every applicable detector over one document and stores
// the deduplicated findings. Detector failures degrade to the remaining
// detectors rather than failing the run.
func (s *Service) DetectDocument(ctx context.Context, docID, collection string) ([]Anomaly, error) {
	doc, err := s.loadDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	text, err := s.fullText(ctx, docID)
	if err != nil {
		return nil, err
	}

	s.bus.Emit(TopicDetectionStarted, map[string]any{"doc_id": docID}, "anomaly")

	var found []Anomaly
	found = append(found, detectRedFlags(docID, text)...)

	_, corpus, sizes, err := s.corpusMetrics(ctx)
	if err != nil {
		log.WithError(err).Warn("corpus metrics unavailable, skipping statistical detectors")
	} else {
		found = append(found, detectStatistical(docID, measureText(text), corpus, s.cfg.ZScoreThreshold)...)
		if a := detectMetadataOutlier(docID, float64(doc.size), sizes, s.cfg.ZScoreThreshold); a != nil {
			found = append(found, *a)
		}
	}

	if s.embeddings != nil && s.vectors != nil && collection != "" {
		a, err := s.detectContentIsolation(ctx, docID, text, collection)
		if err != nil {
			log.WithError(err).Warn("content isolation detector unavailable")
		} else if a != nil {
			found = append(found, *a)
		}
	}

	if doc.path != "" {
		found = append(found, s.detectFileLevel(doc)...)
	}

	stored, err := s.saveAll(ctx, found)
	if err != nil {
		return nil, err
	}

	s.bus.Emit(TopicDetectionComplete, map[string]any{
		"doc_id": docID,
		"count":  len(stored),
	}, "anomaly")
	if len(stored) > 0 {
		ids := make([]string, len(stored))
		for i, a := range stored {
			ids[i] = a.ID
		}
		s.bus.Emit(TopicDetected, map[string]any{
			"doc_id":      docID,
			"anomaly_ids": ids,
		}, "anomaly")
	}
	return stored, nil
}

// DetectAll runs document detection over the whole corpus.
func (s *Service) DetectAll(ctx context.Context, collection string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM frame_documents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("anomaly: list documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("anomaly: scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, id := range ids {
		found, err := s.DetectDocument(ctx, id, collection)
		if err != nil {
			log.WithError(err).WithField("doc_id", id).Warn("detection failed for document")
			continue
		}
		counts[id] = len(found)
	}
	return counts, nil
}

// detectFileLevel runs the detectors needing raw file bytes: entropy scan,
// LSB analysis for images, and extension/magic mismatch.
func (s *Service) detectFileLevel(doc docRecord) []Anomaly {
	fi, err := os.Stat(doc.path)
	if err != nil {
		log.WithError(err).WithField("path", doc.path).Debug("stored file unavailable for file-level detectors")
		return nil
	}
	if fi.Size() > int64(s.cfg.MaxFileSizeMB)<<20 {
		return nil
	}

	var out []Anomaly
	data, err := os.ReadFile(doc.path)
	if err == nil {
		out = append(out, detectEntropy(doc.id, data, s.cfg)...)
	}

	if strings.HasPrefix(doc.mimeType, "image/") {
		a, err := detectLSB(doc.id, doc.path, s.cfg)
		if err != nil {
			log.WithError(err).Debug("lsb analysis failed")
		} else if a != nil {
			out = append(out, *a)
		}
	}

	if a := detectFileMismatch(doc.id, doc.path, doc.filename, fi.Size()); a != nil {
		out = append(out, *a)
	}
	return out
}

func (s *Service) loadDocument(ctx context.Context, docID string) (docRecord, error) {
	var doc docRecord
	var metadata string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, filename, mime_type, size, metadata FROM frame_documents WHERE id = ?`,
		docID).Scan(&doc.id, &doc.filename, &doc.mimeType, &doc.size, &metadata)
	if err == sql.ErrNoRows {
		return doc, fmt.Errorf("anomaly: document %s not found", docID)
	}
	if err != nil {
		return doc, fmt.Errorf("anomaly: load document: %w", err)
	}
	var meta map[string]any
	if json.Unmarshal([]byte(metadata), &meta) == nil {
		doc.path, _ = meta["source_path"].(string)
	}
	return doc, nil
}

func (s *Service) fullText(ctx context.Context, docID string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT text FROM frame_document_pages WHERE document_id = ? ORDER BY page_number`, docID)
	if err != nil {
		return "", fmt.Errorf("anomaly: load pages: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return "", fmt.Errorf("anomaly: scan page: %w", err)
		}
		if b.Len() > 0 {
			b.WriteByte('\f')
		}
		b.WriteString(text)
	}
	return b.String(), rows.Err()
}

// corpusMetrics computes per-document text metrics and file sizes over the
// corpus in one pass.
func (s *Service) corpusMetrics(ctx context.Context) ([]textMetrics, corpusStats, []float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.size, COALESCE(GROUP_CONCAT(p.text, char(12)), '')
		FROM frame_documents d
		LEFT JOIN frame_document_pages p ON p.document_id = d.id
		GROUP BY d.id`)
	if err != nil {
		return nil, corpusStats{}, nil, fmt.Errorf("anomaly: corpus scan: %w", err)
	}
	defer rows.Close()

	var all []textMetrics
	var sizes []float64
	for rows.Next() {
		var id, text string
		var size int64
		if err := rows.Scan(&id, &size, &text); err != nil {
			return nil, corpusStats{}, nil, fmt.Errorf("anomaly: scan corpus row: %w", err)
		}
		all = append(all, measureText(text))
		sizes = append(sizes, float64(size))
	}
	if err := rows.Err(); err != nil {
		return nil, corpusStats{}, nil, err
	}
	return all, computeCorpusStats(all), sizes, nil
}
