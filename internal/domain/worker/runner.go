// Package worker runs pool consumers: each Runner leases jobs from one
// queue pool, heartbeats them while a step processor works, and reports the
// outcome on the event bus for the dispatcher to act on.
//
// The in-process processors cover the cpu-* pools. The gpu-* pools (paddle,
// qwen, whisper) are consumed by external worker processes speaking the same
// lease/heartbeat/complete contract.
package worker

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/domain/dispatch"
	"github.com/arkhamlabs/arkham/internal/domain/queue"
	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
)

// Processor executes one pipeline step. The returned map is the step result
// merged into the job's accumulated result by the dispatcher.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) (map[string]any, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *queue.Job) (map[string]any, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, job *queue.Job) (map[string]any, error) {
	return f(ctx, job)
}

// Config tunes the runner loop.
type Config struct {
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration
	PollInterval      time.Duration
}

// Runner consumes one pool with one processor.
type Runner struct {
	queue     *queue.Service
	bus       eventbus.Bus
	pool      string
	workerID  string
	processor Processor
	cfg       Config
}

// NewRunner creates a pool consumer.
func NewRunner(q *queue.Service, bus eventbus.Bus, pool, workerID string, processor Processor, cfg Config) *Runner {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 90 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 120 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Runner{queue: q, bus: bus, pool: pool, workerID: workerID, processor: processor, cfg: cfg}
}

// Run consumes the pool until ctx is canceled.
func (r *Runner) Run(ctx context.Context) {
	log.WithFields(log.Fields{"pool": r.pool, "worker_id": r.workerID}).Info("worker started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := r.queue.Lease(ctx, r.pool, r.workerID, r.cfg.LeaseTTL)
		if err != nil {
			log.WithError(err).WithField("pool", r.pool).Error("lease failed")
			sleep(ctx, r.cfg.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, r.cfg.PollInterval)
			continue
		}
		r.runOne(ctx, job)
	}
}

// runOne processes a single leased job with heartbeating and a step timeout.
func (r *Runner) runOne(ctx context.Context, job *queue.Job) {
	stepCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	hbDone := make(chan struct{})
	go r.heartbeatLoop(stepCtx, job.JobID, hbDone)
	defer func() {
		cancel()
		<-hbDone
	}()

	result, err := r.processor.Process(stepCtx, job)
	ingestJobID, isRouteStep := job.Payload["ingest_job_id"].(string)
	if ingestJobID == "" {
		isRouteStep = false
		ingestJobID = job.JobID
	}
	routeIndex := payloadRouteIndex(job.Payload)

	if err != nil {
		msg := fmt.Sprintf("%s: %v", r.pool, err)
		// Route steps are single-shot queue records: the dispatcher owns
		// their retries (re-dispatch from step 0). Requeueing here would
		// run retries at two layers for the same ingest job.
		if isRouteStep {
			if bErr := r.queue.Bury(ctx, job.JobID, msg); bErr != nil {
				log.WithError(bErr).WithField("job_id", job.JobID).Error("bury report lost")
			}
		} else if fErr := r.queue.Fail(ctx, job.JobID, msg); fErr != nil {
			log.WithError(fErr).WithField("job_id", job.JobID).Error("fail report lost")
		}
		r.bus.Emit(dispatch.TopicWorkerFailed, map[string]any{
			"job_id":      ingestJobID,
			"pool":        r.pool,
			"route_index": routeIndex,
			"error":       msg,
		}, r.pool)
		log.WithError(err).WithFields(log.Fields{"job_id": job.JobID, "pool": r.pool}).
			Warn("step failed")
		return
	}

	if cErr := r.queue.Complete(ctx, job.JobID, result); cErr != nil {
		log.WithError(cErr).WithField("job_id", job.JobID).Error("completion report lost")
		return
	}
	r.bus.Emit(dispatch.TopicWorkerCompleted, map[string]any{
		"job_id":      ingestJobID,
		"pool":        r.pool,
		"route_index": routeIndex,
		"result":      result,
	}, r.pool)
}

// payloadRouteIndex reads the route position a step job was enqueued for.
// Payloads come back from the queue JSON-decoded, so numbers are float64.
// -1 marks jobs outside the ingest routes (embed pool).
func payloadRouteIndex(payload map[string]any) int {
	switch v := payload["route_index"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return -1
}

func (r *Runner) heartbeatLoop(ctx context.Context, jobID string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.Heartbeat(ctx, jobID, r.cfg.LeaseTTL); err != nil {
				log.WithError(err).WithField("job_id", jobID).Warn("heartbeat failed")
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
