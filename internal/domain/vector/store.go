// Package vector is the embedded vector store: SQLite-persisted collections
// with brute-force similarity search. Collections are homogeneous in
// dimension; payloads are arbitrary JSON maps filterable at query time.
package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Store persists collections and records in SQLite and scans in process.
// The mutex gives model-switch callers exclusive access while collections
// are dropped and recreated; normal reads and writes share it.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore creates a vector store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateCollection registers a collection. Creating an existing collection
// with the same dimension and metric is a no-op; a conflicting redefinition
// is an error.
func (s *Store) CreateCollection(ctx context.Context, name string, dim int, metric Metric) error {
	if !metric.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMetric, metric)
	}
	if dim <= 0 {
		return fmt.Errorf("vector: dimension must be positive, got %d", dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.collectionInfo(ctx, name)
	if err == nil {
		if existing.Dim == dim && existing.Metric == metric {
			return nil
		}
		return fmt.Errorf("vector: collection %s already exists with dim=%d metric=%s",
			name, existing.Dim, existing.Metric)
	}
	if !errors.Is(err, ErrCollectionNotFound) {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vectors_collections (name, dim, metric, created_at) VALUES (?, ?, ?, ?)`,
		name, dim, string(metric), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("vector: create collection %s: %w", name, err)
	}
	return nil
}

// DeleteCollection removes a collection and all its records. Deleting a
// missing collection is a no-op.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteCollectionLocked(ctx, name)
}

func (s *Store) deleteCollectionLocked(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vector: delete collection begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors_records WHERE collection = ?`, name); err != nil {
		return fmt.Errorf("vector: delete records of %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors_collections WHERE name = ?`, name); err != nil {
		return fmt.Errorf("vector: delete collection %s: %w", name, err)
	}
	return tx.Commit()
}

// Recreate atomically replaces a collection with an empty one of a new
// dimension. Used by the embedding manager during model switches.
func (s *Store) Recreate(ctx context.Context, name string, dim int, metric Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.deleteCollectionLocked(ctx, name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vectors_collections (name, dim, metric, created_at) VALUES (?, ?, ?, ?)`,
		name, dim, string(metric), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("vector: recreate collection %s: %w", name, err)
	}
	return nil
}

// Upsert inserts or replaces records. Every vector must match the collection
// dimension; a mismatch fails the whole batch before any write.
func (s *Store) Upsert(ctx context.Context, collection string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.collectionInfo(ctx, collection)
	if err != nil {
		return err
	}
	for _, r := range records {
		if len(r.Vector) != info.Dim {
			return fmt.Errorf("%w: collection %s has dim %d, record %s has %d",
				ErrDimensionMismatch, collection, info.Dim, r.ID, len(r.Vector))
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vector: upsert begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors_records (collection, id, vector, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET vector = excluded.vector, payload = excluded.payload`)
	if err != nil {
		return fmt.Errorf("vector: upsert prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		vecJSON, mErr := json.Marshal(r.Vector)
		if mErr != nil {
			return fmt.Errorf("vector: encode vector %s: %w", r.ID, mErr)
		}
		payloadJSON, mErr := json.Marshal(r.Payload)
		if mErr != nil {
			return fmt.Errorf("vector: encode payload %s: %w", r.ID, mErr)
		}
		if _, execErr := stmt.ExecContext(ctx, collection, r.ID, string(vecJSON), string(payloadJSON)); execErr != nil {
			return fmt.Errorf("vector: upsert %s: %w", r.ID, execErr)
		}
	}
	return tx.Commit()
}

// Search scans the collection, scores every record against query with the
// collection's metric, applies filters and threshold, and returns the top
// limit hits sorted descending by score. Empty collections return no hits.
func (s *Store) Search(ctx context.Context, collection string, query []float32, limit int, scoreThreshold *float64, filters []Filter) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := s.collectionInfo(ctx, collection)
	if err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return []Hit{}, nil
		}
		return nil, err
	}
	if len(query) != info.Dim {
		return nil, fmt.Errorf("%w: collection %s has dim %d, query has %d",
			ErrDimensionMismatch, collection, info.Dim, len(query))
	}
	for _, f := range filters {
		if f.Op != FilterEq && f.Op != FilterAnyOf && f.Op != FilterRange {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedFilter, f.Op)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vector, payload FROM vectors_records WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("vector: search scan: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id, vecJSON, payloadJSON string
		if scanErr := rows.Scan(&id, &vecJSON, &payloadJSON); scanErr != nil {
			return nil, fmt.Errorf("vector: search row: %w", scanErr)
		}
		var vec []float32
		if uErr := json.Unmarshal([]byte(vecJSON), &vec); uErr != nil {
			return nil, fmt.Errorf("vector: decode vector %s: %w", id, uErr)
		}
		var payload map[string]any
		if payloadJSON != "" {
			if uErr := json.Unmarshal([]byte(payloadJSON), &payload); uErr != nil {
				return nil, fmt.Errorf("vector: decode payload %s: %w", id, uErr)
			}
		}

		ok, fErr := matchFilters(payload, filters)
		if fErr != nil {
			return nil, fErr
		}
		if !ok {
			continue
		}

		score := similarity(info.Metric, query, vec)
		if scoreThreshold != nil && score < *scoreThreshold {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: score, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector: search rows: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}

// Delete removes records by ID or by payload filter. Exactly one selector
// should be supplied; when both are given, IDs win.
func (s *Store) Delete(ctx context.Context, collection string, ids []string, filters []Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.collectionInfo(ctx, collection); err != nil {
		return 0, err
	}

	if len(ids) > 0 {
		deleted := 0
		for _, id := range ids {
			res, err := s.db.ExecContext(ctx,
				`DELETE FROM vectors_records WHERE collection = ? AND id = ?`, collection, id)
			if err != nil {
				return deleted, fmt.Errorf("vector: delete %s: %w", id, err)
			}
			n, _ := res.RowsAffected()
			deleted += int(n)
		}
		return deleted, nil
	}

	// Filter-based delete: enumerate matching IDs in process, then remove.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM vectors_records WHERE collection = ?`, collection)
	if err != nil {
		return 0, fmt.Errorf("vector: delete scan: %w", err)
	}
	defer rows.Close()

	var toDelete []string
	for rows.Next() {
		var id, payloadJSON string
		if scanErr := rows.Scan(&id, &payloadJSON); scanErr != nil {
			return 0, fmt.Errorf("vector: delete row: %w", scanErr)
		}
		var payload map[string]any
		if payloadJSON != "" {
			if uErr := json.Unmarshal([]byte(payloadJSON), &payload); uErr != nil {
				return 0, fmt.Errorf("vector: decode payload %s: %w", id, uErr)
			}
		}
		ok, fErr := matchFilters(payload, filters)
		if fErr != nil {
			return 0, fErr
		}
		if ok {
			toDelete = append(toDelete, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range toDelete {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM vectors_records WHERE collection = ? AND id = ?`, collection, id); err != nil {
			return 0, fmt.Errorf("vector: delete %s: %w", id, err)
		}
	}
	return len(toDelete), nil
}

// Reindex verifies every stored vector still matches the collection's
// dimension. The scan store has no index structure to rebuild, so this is a
// consistency check; a mismatch reports the fatal mixed-dimension condition.
func (s *Store) Reindex(ctx context.Context, collection string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := s.collectionInfo(ctx, collection)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vector FROM vectors_records WHERE collection = ?`, collection)
	if err != nil {
		return fmt.Errorf("vector: reindex scan: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, vecJSON string
		if scanErr := rows.Scan(&id, &vecJSON); scanErr != nil {
			return fmt.Errorf("vector: reindex row: %w", scanErr)
		}
		var vec []float32
		if uErr := json.Unmarshal([]byte(vecJSON), &vec); uErr != nil {
			return fmt.Errorf("vector: decode vector %s: %w", id, uErr)
		}
		if len(vec) != info.Dim {
			return fmt.Errorf("%w: record %s has dim %d in collection %s (dim %d)",
				ErrDimensionMismatch, id, len(vec), collection, info.Dim)
		}
	}
	return rows.Err()
}

// ListCollections returns every collection with its record count.
func (s *Store) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.name, c.dim, c.metric, COUNT(r.id)
		FROM vectors_collections c
		LEFT JOIN vectors_records r ON r.collection = c.name
		GROUP BY c.name, c.dim, c.metric
		ORDER BY c.name`)
	if err != nil {
		return nil, fmt.Errorf("vector: list collections: %w", err)
	}
	defer rows.Close()

	var infos []CollectionInfo
	for rows.Next() {
		var ci CollectionInfo
		var metric string
		if scanErr := rows.Scan(&ci.Name, &ci.Dim, &metric, &ci.Count); scanErr != nil {
			return nil, fmt.Errorf("vector: list scan: %w", scanErr)
		}
		ci.Metric = Metric(metric)
		infos = append(infos, ci)
	}
	return infos, rows.Err()
}

// Count returns the number of records in collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.collectionInfo(ctx, collection); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vectors_records WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vector: count %s: %w", collection, err)
	}
	return n, nil
}

func (s *Store) collectionInfo(ctx context.Context, name string) (CollectionInfo, error) {
	var ci CollectionInfo
	var metric string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, dim, metric FROM vectors_collections WHERE name = ?`, name).
		Scan(&ci.Name, &ci.Dim, &metric)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ci, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}
		return ci, fmt.Errorf("vector: collection info %s: %w", name, err)
	}
	ci.Metric = Metric(metric)
	return ci, nil
}

func matchFilters(payload map[string]any, filters []Filter) (bool, error) {
	for _, f := range filters {
		val, present := payload[f.Field]
		switch f.Op {
		case FilterEq:
			if !present || fmt.Sprint(val) != fmt.Sprint(f.Value) {
				return false, nil
			}
		case FilterAnyOf:
			if !present {
				return false, nil
			}
			found := false
			for _, candidate := range f.Values {
				if fmt.Sprint(val) == fmt.Sprint(candidate) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		case FilterRange:
			if !present {
				return false, nil
			}
			ts, err := time.Parse(time.RFC3339, fmt.Sprint(val))
			if err != nil {
				return false, nil
			}
			if f.From != "" {
				from, err := time.Parse(time.RFC3339, f.From)
				if err != nil {
					return false, fmt.Errorf("vector: invalid range from %q: %w", f.From, err)
				}
				if ts.Before(from) {
					return false, nil
				}
			}
			if f.To != "" {
				to, err := time.Parse(time.RFC3339, f.To)
				if err != nil {
					return false, fmt.Errorf("vector: invalid range to %q: %w", f.To, err)
				}
				if ts.After(to) {
					return false, nil
				}
			}
		default:
			return false, fmt.Errorf("%w: %q", ErrUnsupportedFilter, f.Op)
		}
	}
	return true, nil
}

// similarity scores query against vec. Every metric is oriented so that
// higher means closer: euclidean distance is mapped through 1/(1+d).
func similarity(metric Metric, query, vec []float32) float64 {
	switch metric {
	case MetricEuclidean:
		var sum float64
		for i := range query {
			d := float64(query[i]) - float64(vec[i])
			sum += d * d
		}
		return 1.0 / (1.0 + math.Sqrt(sum))
	case MetricDot:
		var dot float64
		for i := range query {
			dot += float64(query[i]) * float64(vec[i])
		}
		return dot
	default: // cosine
		var dot, normQ, normV float64
		for i := range query {
			dot += float64(query[i]) * float64(vec[i])
			normQ += float64(query[i]) * float64(query[i])
			normV += float64(vec[i]) * float64(vec[i])
		}
		if normQ == 0 || normV == 0 {
			return 0
		}
		return dot / (math.Sqrt(normQ) * math.Sqrt(normV))
	}
}
