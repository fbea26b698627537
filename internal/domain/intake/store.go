package intake

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkhamlabs/arkham/pkg/uuid"
)

// ErrJobNotFound is returned when no ingest job exists for the given ID.
var ErrJobNotFound = errors.New("intake: job not found")

// Store persists ingest jobs and batches.
type Store struct {
	db *sql.DB
}

// NewStore creates an intake store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertJob persists a new ingest job.
func (s *Store) InsertJob(ctx context.Context, job *IngestJob) error {
	routeJSON, err := json.Marshal(job.Route)
	if err != nil {
		return fmt.Errorf("intake: encode route: %w", err)
	}
	var qualityJSON any
	if job.Quality != nil {
		b, mErr := json.Marshal(job.Quality)
		if mErr != nil {
			return fmt.Errorf("intake: encode quality: %w", mErr)
		}
		qualityJSON = string(b)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO intake_jobs (job_id, original_name, stored_path, size, sha256, mime_type,
			category, extension, extension_fidelity, quality, classification, priority, status,
			route, route_index, current_worker, retry_count, max_retries, batch_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', 0, ?, ?, ?, ?)`,
		job.JobID, job.Info.OriginalName, job.Info.Path, job.Info.Size, job.Info.SHA256,
		job.Info.MimeType, string(job.Info.Category), job.Info.Extension,
		boolToInt(job.Info.ExtensionFidelity), qualityJSON, nullableStr(job.Classification),
		job.Priority, job.Status, string(routeJSON), job.MaxRetries,
		nullableStr(job.BatchID), now, now)
	if err != nil {
		return fmt.Errorf("intake: insert job %s: %w", job.JobID, err)
	}
	return nil
}

// GetJob loads one ingest job.
func (s *Store) GetJob(ctx context.Context, jobID string) (*IngestJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, original_name, stored_path, size, sha256, mime_type, category,
		       extension, extension_fidelity, COALESCE(quality, ''), COALESCE(classification, ''),
		       priority, status, route, route_index, current_worker, retry_count, max_retries,
		       COALESCE(batch_id, ''), COALESCE(document_id, ''), COALESCE(result, ''),
		       COALESCE(error, ''), created_at, updated_at
		FROM intake_jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// ListJobs returns jobs newest-first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]*IngestJob, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT job_id, original_name, stored_path, size, sha256, mime_type, category,
		       extension, extension_fidelity, COALESCE(quality, ''), COALESCE(classification, ''),
		       priority, status, route, route_index, current_worker, retry_count, max_retries,
		       COALESCE(batch_id, ''), COALESCE(document_id, ''), COALESCE(result, ''),
		       COALESCE(error, ''), created_at, updated_at
		FROM intake_jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("intake: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*IngestJob
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateStatus sets the job's status.
func (s *Store) UpdateStatus(ctx context.Context, jobID, status string) error {
	return s.update(ctx, jobID, `status = ?`, status)
}

// UpdateRouting records route-advance state: position, current pool, status.
func (s *Store) UpdateRouting(ctx context.Context, jobID string, routeIndex int, currentWorker, status string) error {
	return s.update(ctx, jobID, `route_index = ?, current_worker = ?, status = ?`,
		routeIndex, currentWorker, status)
}

// ReplaceRoute rewrites the route (quality-marker resolution).
func (s *Store) ReplaceRoute(ctx context.Context, jobID string, route []string) error {
	routeJSON, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("intake: encode route: %w", err)
	}
	return s.update(ctx, jobID, `route = ?`, string(routeJSON))
}

// SetClassification stores the image quality result.
func (s *Store) SetClassification(ctx context.Context, jobID, classification string, quality *QualityScore) error {
	var qualityJSON any
	if quality != nil {
		b, err := json.Marshal(quality)
		if err != nil {
			return fmt.Errorf("intake: encode quality: %w", err)
		}
		qualityJSON = string(b)
	}
	return s.update(ctx, jobID, `classification = ?, quality = ?`, classification, qualityJSON)
}

// SetResult merges the terminal result and document reference.
func (s *Store) SetResult(ctx context.Context, jobID string, result map[string]any, documentID string) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("intake: encode result: %w", err)
	}
	return s.update(ctx, jobID, `result = ?, document_id = ?`, string(resultJSON), documentID)
}

// SetError records the failure reason.
func (s *Store) SetError(ctx context.Context, jobID, errMsg string) error {
	return s.update(ctx, jobID, `error = ?`, errMsg)
}

// IncrementRetry bumps retry_count and returns the new value.
func (s *Store) IncrementRetry(ctx context.Context, jobID string) (int, error) {
	if err := s.update(ctx, jobID, `retry_count = retry_count + 1`); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT retry_count FROM intake_jobs WHERE job_id = ?`, jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("intake: read retry count: %w", err)
	}
	return count, nil
}

func (s *Store) update(ctx context.Context, jobID, setClause string, args ...any) error {
	args = append(args, time.Now().UTC().Format(time.RFC3339), jobID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE intake_jobs SET `+setClause+`, updated_at = ? WHERE job_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("intake: update job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// CreateBatch registers a batch of n jobs and returns its ID.
func (s *Store) CreateBatch(ctx context.Context, total int) (string, error) {
	id := uuid.NewV7().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO intake_batches (id, total, created_at) VALUES (?, ?, ?)`,
		id, total, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("intake: create batch: %w", err)
	}
	return id, nil
}

// BumpBatch increments the batch's completed or failed counter.
func (s *Store) BumpBatch(ctx context.Context, batchID string, failed bool) error {
	column := "completed"
	if failed {
		column = "failed"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE intake_batches SET `+column+` = `+column+` + 1 WHERE id = ?`, batchID)
	if err != nil {
		return fmt.Errorf("intake: bump batch %s: %w", batchID, err)
	}
	return nil
}

// GetBatch loads a batch.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var b Batch
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, total, completed, failed, created_at FROM intake_batches WHERE id = ?`, batchID).
		Scan(&b.ID, &b.Total, &b.Completed, &b.Failed, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("intake: batch %s not found", batchID)
		}
		return nil, fmt.Errorf("intake: get batch: %w", err)
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*IngestJob, error) {
	var j IngestJob
	var fidelity int
	var category, qualityJSON, routeJSON, resultJSON, createdAt, updatedAt string
	err := row.Scan(&j.JobID, &j.Info.OriginalName, &j.Info.Path, &j.Info.Size, &j.Info.SHA256,
		&j.Info.MimeType, &category, &j.Info.Extension, &fidelity, &qualityJSON,
		&j.Classification, &j.Priority, &j.Status, &routeJSON, &j.RouteIndex,
		&j.CurrentWorker, &j.RetryCount, &j.MaxRetries, &j.BatchID, &j.DocumentID,
		&resultJSON, &j.Error, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("intake: scan job: %w", err)
	}

	j.Info.Category = Category(category)
	j.Info.ExtensionFidelity = fidelity != 0
	if qualityJSON != "" {
		var q QualityScore
		if uErr := json.Unmarshal([]byte(qualityJSON), &q); uErr != nil {
			return nil, fmt.Errorf("intake: decode quality: %w", uErr)
		}
		j.Quality = &q
	}
	if uErr := json.Unmarshal([]byte(routeJSON), &j.Route); uErr != nil {
		return nil, fmt.Errorf("intake: decode route: %w", uErr)
	}
	if resultJSON != "" {
		if uErr := json.Unmarshal([]byte(resultJSON), &j.Result); uErr != nil {
			return nil, fmt.Errorf("intake: decode result: %w", uErr)
		}
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &j, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
