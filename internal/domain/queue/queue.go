// Package queue implements the durable priority job queue backing all worker
// pools. Each pool is a named queue ordered by (priority ASC, enqueued_at ASC);
// workers claim jobs through time-bounded leases and must heartbeat them.
// Jobs exhausting their retries land in the dead-letter state.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/infra/metrics"
)

// State is the lifecycle state of a queue job.
type State string

const (
	StateQueued    State = "queued"
	StateLeased    State = "leased"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDead      State = "dead"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDead
}

// Job is a queue record.
type Job struct {
	JobID          string
	Pool           string
	Priority       int
	Payload        map[string]any
	State          State
	Attempts       int
	MaxRetries     int
	EnqueuedAt     time.Time
	LeasedBy       string
	LastHeartbeat  time.Time
	LeaseExpiresAt time.Time
	Result         map[string]any
	Error          string
}

// PoolStats summarizes one pool for the queue status endpoint.
type PoolStats struct {
	Pool      string `json:"pool"`
	Queued    int    `json:"queued"`
	Leased    int    `json:"leased"`
	Completed int    `json:"completed"`
	Dead      int    `json:"dead"`
}

var (
	// ErrNotFound is returned when no job exists for the given ID.
	ErrNotFound = errors.New("queue: job not found")
	// ErrInvalidTransition is returned when an operation targets a job whose
	// state forbids it (e.g. completing a dead job).
	ErrInvalidTransition = errors.New("queue: invalid state transition")
)

// DefaultMaxRetries bounds lease attempts before dead-lettering.
const DefaultMaxRetries = 3

// Service is the SQLite-backed queue. All state transitions are conditional
// UPDATEs guarded by the state observed inside a transaction, so concurrent
// workers cannot double-claim or double-complete a job.
type Service struct {
	db         *sql.DB
	maxRetries int
}

// NewService creates a queue service. maxRetries <= 0 selects the default.
func NewService(db *sql.DB, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{db: db, maxRetries: maxRetries}
}

// Enqueue records a job as queued and durable. The call succeeds once the row
// is committed; there is no admission bound at this layer.
func (s *Service) Enqueue(ctx context.Context, pool, jobID string, payload map[string]any, priority int) error {
	payloadJSON, err := encodeMap(payload)
	if err != nil {
		return fmt.Errorf("queue: encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (job_id, pool, priority, payload, state, attempts, max_retries, enqueued_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		jobID, pool, priority, payloadJSON, string(StateQueued), s.maxRetries, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue %s to %s: %w", jobID, pool, err)
	}

	metrics.JobsEnqueued.WithLabelValues(pool).Inc()
	return nil
}

// Lease atomically claims the highest-priority oldest job in pool that is
// either queued or holds an expired lease (crashed worker recovery). Returns
// (nil, nil) when the pool is empty. Every successful lease increments the
// job's attempt counter.
func (s *Service) Lease(ctx context.Context, pool, workerID string, leaseTTL time.Duration) (*Job, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: lease begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `
		SELECT job_id, state FROM queue_jobs
		WHERE pool = ?
		  AND (state = ? OR (state = ? AND lease_expires_at < ?))
		ORDER BY priority ASC, enqueued_at ASC
		LIMIT 1`,
		pool, string(StateQueued), string(StateLeased), now.UnixNano(),
	)

	var jobID string
	var prevState string
	if scanErr := row.Scan(&jobID, &prevState); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: lease select: %w", scanErr)
	}

	expires := now.Add(leaseTTL)
	res, execErr := tx.ExecContext(ctx, `
		UPDATE queue_jobs
		SET state = ?, leased_by = ?, attempts = attempts + 1,
		    last_heartbeat = ?, lease_expires_at = ?
		WHERE job_id = ? AND state = ?`,
		string(StateLeased), workerID, now.UnixNano(), expires.UnixNano(),
		jobID, prevState,
	)
	if execErr != nil {
		return nil, fmt.Errorf("queue: lease update: %w", execErr)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// State moved under us inside the same tx window; treat as empty poll.
		return nil, nil
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return nil, fmt.Errorf("queue: lease commit: %w", commitErr)
	}

	if State(prevState) == StateLeased {
		metrics.LeasesRecovered.Inc()
		log.WithFields(log.Fields{"job_id": jobID, "pool": pool}).Warn("recovered expired lease")
	}

	return s.Get(ctx, jobID)
}

// Heartbeat extends the lease of a leased job. A worker must call this at
// least every leaseTTL/3 to keep its claim.
func (s *Service) Heartbeat(ctx context.Context, jobID string, leaseTTL time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET last_heartbeat = ?, lease_expires_at = ?
		WHERE job_id = ? AND state = ?`,
		now.UnixNano(), now.Add(leaseTTL).UnixNano(), jobID, string(StateLeased),
	)
	if err != nil {
		return fmt.Errorf("queue: heartbeat %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(ctx, jobID, "heartbeat")
	}
	return nil
}

// Complete marks a leased job as completed with its result. Completing an
// already-completed job is a no-op (idempotent final delivery); completing a
// job in any other state is ErrInvalidTransition.
func (s *Service) Complete(ctx context.Context, jobID string, result map[string]any) error {
	resultJSON, err := encodeMap(result)
	if err != nil {
		return fmt.Errorf("queue: encode result: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET state = ?, result = ?, lease_expires_at = NULL
		WHERE job_id = ? AND state = ?`,
		string(StateCompleted), resultJSON, jobID, string(StateLeased),
	)
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		job, getErr := s.Get(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		if job.State == StateCompleted {
			return nil // double completion is harmless
		}
		return fmt.Errorf("%w: complete %s in state %s", ErrInvalidTransition, jobID, job.State)
	}

	job, getErr := s.Get(ctx, jobID)
	if getErr == nil {
		metrics.JobsCompleted.WithLabelValues(job.Pool).Inc()
	}
	return nil
}

// Fail records a failure. While attempts remain the job is requeued with its
// original priority and enqueue-time bias; otherwise it is dead-lettered.
func (s *Service) Fail(ctx context.Context, jobID string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: fail begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var pool string
	var state string
	var attempts, maxRetries int
	row := tx.QueryRowContext(ctx,
		`SELECT pool, state, attempts, max_retries FROM queue_jobs WHERE job_id = ?`, jobID)
	if scanErr := row.Scan(&pool, &state, &attempts, &maxRetries); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("queue: fail select: %w", scanErr)
	}
	if State(state).Terminal() {
		return fmt.Errorf("%w: fail %s in state %s", ErrInvalidTransition, jobID, state)
	}

	next := StateQueued
	if attempts >= maxRetries {
		next = StateDead
	}

	// Original enqueued_at is preserved so a requeued job keeps its FIFO bias.
	if _, execErr := tx.ExecContext(ctx, `
		UPDATE queue_jobs SET state = ?, error = ?, leased_by = NULL, lease_expires_at = NULL
		WHERE job_id = ?`,
		string(next), errMsg, jobID,
	); execErr != nil {
		return fmt.Errorf("queue: fail update: %w", execErr)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("queue: fail commit: %w", commitErr)
	}

	metrics.JobsFailed.WithLabelValues(pool).Inc()
	if next == StateDead {
		metrics.JobsDead.WithLabelValues(pool).Inc()
		log.WithFields(log.Fields{"job_id": jobID, "pool": pool, "error": errMsg}).
			Error("job dead-lettered")
	}
	return nil
}

// Bury dead-letters a job immediately, bypassing the requeue path. It is for
// jobs whose retries are owned by a higher layer: ingest route steps are
// single-shot queue records, the dispatcher re-dispatches the route itself.
// Burying an already-dead job is a no-op; burying a completed one is
// ErrInvalidTransition.
func (s *Service) Bury(ctx context.Context, jobID string, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET state = ?, error = ?, leased_by = NULL, lease_expires_at = NULL
		WHERE job_id = ? AND state NOT IN (?, ?)`,
		string(StateDead), errMsg, jobID, string(StateCompleted), string(StateDead),
	)
	if err != nil {
		return fmt.Errorf("queue: bury %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		job, getErr := s.Get(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		if job.State == StateDead {
			return nil
		}
		return fmt.Errorf("%w: bury %s in state %s", ErrInvalidTransition, jobID, job.State)
	}

	job, getErr := s.Get(ctx, jobID)
	if getErr == nil {
		metrics.JobsFailed.WithLabelValues(job.Pool).Inc()
		metrics.JobsDead.WithLabelValues(job.Pool).Inc()
	}
	log.WithFields(log.Fields{"job_id": jobID, "error": errMsg}).Error("job buried")
	return nil
}

// Get returns the job record for jobID.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, pool, priority, payload, state, attempts, max_retries,
		       enqueued_at, COALESCE(leased_by, ''), COALESCE(last_heartbeat, 0),
		       COALESCE(lease_expires_at, 0), COALESCE(result, ''), COALESCE(error, '')
		FROM queue_jobs WHERE job_id = ?`, jobID)

	var j Job
	var payloadJSON, resultJSON, state string
	var enqueuedNs, heartbeatNs, expiresNs int64
	err := row.Scan(&j.JobID, &j.Pool, &j.Priority, &payloadJSON, &state,
		&j.Attempts, &j.MaxRetries, &enqueuedNs, &j.LeasedBy, &heartbeatNs,
		&expiresNs, &resultJSON, &j.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: get %s: %w", jobID, err)
	}

	j.State = State(state)
	j.EnqueuedAt = time.Unix(0, enqueuedNs)
	if heartbeatNs > 0 {
		j.LastHeartbeat = time.Unix(0, heartbeatNs)
	}
	if expiresNs > 0 {
		j.LeaseExpiresAt = time.Unix(0, expiresNs)
	}
	if decodeErr := decodeMap(payloadJSON, &j.Payload); decodeErr != nil {
		return nil, fmt.Errorf("queue: decode payload: %w", decodeErr)
	}
	if resultJSON != "" {
		if decodeErr := decodeMap(resultJSON, &j.Result); decodeErr != nil {
			return nil, fmt.Errorf("queue: decode result: %w", decodeErr)
		}
	}
	return &j, nil
}

// Stats aggregates per-pool job counts in a single pass.
func (s *Service) Stats(ctx context.Context) ([]PoolStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool,
		       SUM(CASE WHEN state = 'queued' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN state = 'leased' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN state = 'completed' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN state = 'dead' THEN 1 ELSE 0 END)
		FROM queue_jobs GROUP BY pool ORDER BY pool`)
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	defer rows.Close()

	var stats []PoolStats
	for rows.Next() {
		var ps PoolStats
		if scanErr := rows.Scan(&ps.Pool, &ps.Queued, &ps.Leased, &ps.Completed, &ps.Dead); scanErr != nil {
			return nil, fmt.Errorf("queue: stats scan: %w", scanErr)
		}
		stats = append(stats, ps)
	}
	return stats, rows.Err()
}

// transitionError turns a zero-row UPDATE into the precise error.
func (s *Service) transitionError(ctx context.Context, jobID, op string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s %s in state %s", ErrInvalidTransition, op, jobID, job.State)
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string, dst *map[string]any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}
