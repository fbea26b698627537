package anomaly

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/arkhamlabs/arkham/pkg/uuid"
)

// ErrAnomalyNotFound is returned for lookups of unknown anomaly IDs.
var ErrAnomalyNotFound = errors.New("anomaly: not found")

// fingerprint derives a stable identity for a detection so that re-running a
// detector over the same document does not duplicate rows. Volatile fields
// (scores, z-values) are excluded; the category and structural evidence keys
// are what make two detections "the same finding".
func fingerprint(a Anomaly) string {
	parts := []string{string(a.Type)}
	if cat, ok := a.Details["category"].(string); ok {
		parts = append(parts, cat)
	}
	if metric, ok := a.Details["metric"].(string); ok {
		parts = append(parts, metric)
	}
	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts = append(parts, keys...)

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:8])
}

// saveAll upserts a detection run's anomalies in one transaction. Existing
// rows (same doc, type, fingerprint) get refreshed scores and timestamps but
// keep their triage status. Returns the anomalies as stored.
func (s *Service) saveAll(ctx context.Context, anomalies []Anomaly) ([]Anomaly, error) {
	if len(anomalies) == 0 {
		return []Anomaly{}, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("anomaly: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	stored := make([]Anomaly, 0, len(anomalies))
	for _, a := range anomalies {
		a.ID = uuid.NewV7().String()
		a.Status = StatusDetected
		a.DetectedAt = now
		a.UpdatedAt = now
		fp := fingerprint(a)

		details, err := json.Marshal(orEmptyDetails(a.Details))
		if err != nil {
			return nil, fmt.Errorf("anomaly: encode details: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO anomalies_anomalies
				(id, doc_id, type, score, severity, confidence, status, explanation, details, fingerprint, detected_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (doc_id, type, fingerprint) DO UPDATE SET
				score = excluded.score,
				severity = excluded.severity,
				confidence = excluded.confidence,
				explanation = excluded.explanation,
				details = excluded.details,
				updated_at = excluded.updated_at`,
			a.ID, a.DocID, string(a.Type), a.Score, string(a.Severity), a.Confidence,
			string(a.Status), a.Explanation, string(details), fp,
			now.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return nil, fmt.Errorf("anomaly: upsert: %w", err)
		}

		var id string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM anomalies_anomalies WHERE doc_id = ? AND type = ? AND fingerprint = ?`,
			a.DocID, string(a.Type), fp).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("anomaly: reload id: %w", err)
		}
		a.ID = id
		stored = append(stored, a)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("anomaly: commit: %w", err)
	}
	return stored, nil
}

func orEmptyDetails(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Get returns one anomaly by ID.
func (s *Service) Get(ctx context.Context, id string) (*Anomaly, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, doc_id, type, score, severity, confidence, status, explanation, details, detected_at, updated_at
		FROM anomalies_anomalies WHERE id = ?`, id)
	a, err := scanAnomaly(row)
	if err == sql.ErrNoRows {
		return nil, ErrAnomalyNotFound
	}
	return a, err
}

// ListFilter narrows List output. Zero values mean "any".
type ListFilter struct {
	DocID    string
	Type     Type
	Severity Severity
	Status   Status
	Limit    int
	Offset   int
}

// List returns anomalies newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Anomaly, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, doc_id, type, score, severity, confidence, status, explanation, details, detected_at, updated_at
		FROM anomalies_anomalies WHERE 1=1`)
	args := []any{}
	if f.DocID != "" {
		sb.WriteString(` AND doc_id = ?`)
		args = append(args, f.DocID)
	}
	if f.Type != "" {
		sb.WriteString(` AND type = ?`)
		args = append(args, string(f.Type))
	}
	if f.Severity != "" {
		sb.WriteString(` AND severity = ?`)
		args = append(args, string(f.Severity))
	}
	if f.Status != "" {
		sb.WriteString(` AND status = ?`)
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sb.WriteString(` ORDER BY detected_at DESC, id DESC LIMIT ? OFFSET ?`)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("anomaly: list: %w", err)
	}
	defer rows.Close()

	out := []Anomaly{}
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateStatus transitions an anomaly's triage state and emits the matching
// event.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status) (*Anomaly, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("anomaly: invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE anomalies_anomalies SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return nil, fmt.Errorf("anomaly: update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAnomalyNotFound
	}

	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch status {
	case StatusConfirmed:
		s.bus.Emit(TopicConfirmed, map[string]any{"anomaly_id": id, "doc_id": a.DocID}, "anomaly")
	case StatusDismissed, StatusFalsePositive:
		s.bus.Emit(TopicDismissed, map[string]any{"anomaly_id": id, "doc_id": a.DocID}, "anomaly")
	}
	return a, nil
}

// BulkStatus applies one status to many anomalies; missing IDs are skipped
// and reported in the returned count.
func (s *Service) BulkStatus(ctx context.Context, ids []string, status Status) (int, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("anomaly: invalid status %q", status)
	}
	updated := 0
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE anomalies_anomalies SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().UTC().Format(time.RFC3339), id)
		if err != nil {
			return updated, fmt.Errorf("anomaly: bulk update %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			updated++
		}
	}
	s.bus.Emit(TopicBulkUpdated, map[string]any{
		"status":  string(status),
		"count":   updated,
		"skipped": len(ids) - updated,
	}, "anomaly")
	return updated, nil
}

// AddNote attaches an analyst note to an anomaly.
func (s *Service) AddNote(ctx context.Context, anomalyID, author, note string) (*Note, error) {
	if _, err := s.Get(ctx, anomalyID); err != nil {
		return nil, err
	}
	n := &Note{
		ID:        uuid.NewV7().String(),
		AnomalyID: anomalyID,
		Author:    author,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomalies_notes (id, anomaly_id, author, note, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.AnomalyID, n.Author, n.Note, n.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("anomaly: add note: %w", err)
	}
	return n, nil
}

// Notes lists an anomaly's notes oldest first.
func (s *Service) Notes(ctx context.Context, anomalyID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, anomaly_id, author, note, created_at FROM anomalies_notes
		WHERE anomaly_id = ? ORDER BY created_at`, anomalyID)
	if err != nil {
		return nil, fmt.Errorf("anomaly: list notes: %w", err)
	}
	defer rows.Close()

	out := []Note{}
	for rows.Next() {
		var n Note
		var created string
		if err := rows.Scan(&n.ID, &n.AnomalyID, &n.Author, &n.Note, &created); err != nil {
			return nil, fmt.Errorf("anomaly: scan note: %w", err)
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetStats aggregates anomaly counts by type, severity and status.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ByType:     map[string]int{},
		BySeverity: map[string]int{},
		ByStatus:   map[string]int{},
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, severity, status, COUNT(*) FROM anomalies_anomalies
		GROUP BY type, severity, status`)
	if err != nil {
		return nil, fmt.Errorf("anomaly: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ, sev, status string
		var count int
		if err := rows.Scan(&typ, &sev, &status, &count); err != nil {
			return nil, fmt.Errorf("anomaly: scan stats: %w", err)
		}
		st.Total += count
		st.ByType[typ] += count
		st.BySeverity[sev] += count
		st.ByStatus[status] += count
	}
	return st, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row rowScanner) (*Anomaly, error) {
	var a Anomaly
	var typ, sev, status, details, detected, updated string
	err := row.Scan(&a.ID, &a.DocID, &typ, &a.Score, &sev, &a.Confidence, &status,
		&a.Explanation, &details, &detected, &updated)
	if err != nil {
		return nil, err
	}
	a.Type = Type(typ)
	a.Severity = Severity(sev)
	a.Status = Status(status)
	if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
		a.Details = map[string]any{}
	}
	a.DetectedAt, _ = time.Parse(time.RFC3339, detected)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &a, nil
}
