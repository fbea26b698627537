// Package dispatch drives ingest jobs through their worker routes. It is the
// single writer for routing transitions: workers report step outcomes over
// the event bus, the dispatcher advances (or retries, or dead-letters) and
// registers the resulting document when a route terminates.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/domain/document"
	"github.com/arkhamlabs/arkham/internal/domain/intake"
	"github.com/arkhamlabs/arkham/internal/domain/queue"
	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
	"github.com/arkhamlabs/arkham/pkg/uuid"
)

// Topics the dispatcher consumes and emits.
const (
	TopicWorkerCompleted = "worker.job.completed"
	TopicWorkerFailed    = "worker.job.failed"
	TopicJobCompleted    = "ingest.job.completed"
	TopicJobFailed       = "ingest.job.failed"
)

// Dispatcher advances jobs along their routes.
type Dispatcher struct {
	queue     *queue.Service
	store     *intake.Store
	documents *document.Service
	bus       eventbus.Bus
	ocrMode   string
}

// New creates a dispatcher.
func New(q *queue.Service, store *intake.Store, documents *document.Service, bus eventbus.Bus, ocrMode string) *Dispatcher {
	return &Dispatcher{queue: q, store: store, documents: documents, bus: bus, ocrMode: ocrMode}
}

// Start subscribes the dispatcher to worker step outcomes.
func (d *Dispatcher) Start() {
	d.bus.Subscribe(TopicWorkerCompleted, d.onWorkerCompleted)
	d.bus.Subscribe(TopicWorkerFailed, d.onWorkerFailed)
}

// Dispatch places a job at the head of its route. Jobs with an empty route
// cannot be dispatched (unknown files need a manual override first).
func (d *Dispatcher) Dispatch(ctx context.Context, job *intake.IngestJob) error {
	if len(job.Route) == 0 {
		if err := d.store.UpdateStatus(ctx, job.JobID, intake.StatusFailed); err != nil {
			return err
		}
		return fmt.Errorf("dispatch: job %s has empty route", job.JobID)
	}
	return d.enqueueStep(ctx, job, 0, nil)
}

// enqueueStep records routing state and enqueues the step's queue job. The
// accumulated result from previous steps rides along in the payload.
func (d *Dispatcher) enqueueStep(ctx context.Context, job *intake.IngestJob, index int, accumulated map[string]any) error {
	pool := job.Route[index]
	if err := d.store.UpdateRouting(ctx, job.JobID, index, pool, intake.StatusQueued); err != nil {
		return err
	}

	infoJSON, err := json.Marshal(job.Info)
	if err != nil {
		return fmt.Errorf("dispatch: encode file info: %w", err)
	}
	var info map[string]any
	if err := json.Unmarshal(infoJSON, &info); err != nil {
		return fmt.Errorf("dispatch: decode file info: %w", err)
	}

	payload := map[string]any{
		"ingest_job_id": job.JobID,
		"file_path":     job.Info.Path,
		"file_info":     info,
		"route":         job.Route,
		"route_index":   index,
	}
	if job.Quality != nil {
		qJSON, _ := json.Marshal(job.Quality)
		var q map[string]any
		_ = json.Unmarshal(qJSON, &q)
		payload["quality_score"] = q
	}
	if len(accumulated) > 0 {
		payload["result"] = accumulated
	}

	// Each step gets its own queue record; the ingest job ID lives in the
	// payload so retries and multi-step routes never collide on queue keys.
	stepID := uuid.NewV7().String()
	if err := d.queue.Enqueue(ctx, pool, stepID, payload, job.Priority); err != nil {
		return err
	}
	log.WithFields(log.Fields{"job_id": job.JobID, "pool": pool, "route_index": index}).
		Debug("step enqueued")
	return nil
}

func (d *Dispatcher) onWorkerCompleted(ctx context.Context, evt eventbus.Event) {
	jobID, _ := evt.Payload["job_id"].(string)
	result, _ := evt.Payload["result"].(map[string]any)
	if jobID == "" {
		log.Warn("worker.job.completed without job_id")
		return
	}
	if err := d.advance(ctx, jobID, eventRouteIndex(evt.Payload), result); err != nil {
		if errors.Is(err, intake.ErrJobNotFound) {
			// Queue jobs outside the ingest pipeline (embed pool) also
			// emit worker events; they have no route to advance.
			return
		}
		log.WithError(err).WithField("job_id", jobID).Error("route advance failed")
	}
}

// advance merges the step result and either moves to the next route entry or
// terminates the job. Safe under double delivery: a job already COMPLETED is
// left untouched, and a completion reported for any step other than the
// current one (an expired lease run twice) is discarded, so a duplicate can
// never advance the route past a step that has not run.
func (d *Dispatcher) advance(ctx context.Context, jobID string, routeIndex int, stepResult map[string]any) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == intake.StatusCompleted || job.Status == intake.StatusDead {
		return nil
	}
	if routeIndex >= 0 && routeIndex != job.RouteIndex {
		log.WithFields(log.Fields{"job_id": jobID, "event_index": routeIndex, "route_index": job.RouteIndex}).
			Warn("stale step completion discarded")
		return nil
	}

	accumulated := mergeResults(jobID, job.Result, stepResult)

	// A cpu-light classify step may refine the stored image classification.
	if cls, ok := stepResult["classification"].(string); ok && cls != "" {
		job.Classification = cls
		if err := d.store.SetClassification(ctx, jobID, cls, job.Quality); err != nil {
			return err
		}
	}

	i := job.RouteIndex
	next := i + 1

	// Resolve the quality marker into the concrete OCR sub-route before
	// advancing past it.
	if next < len(job.Route) && job.Route[next] == intake.RouteByQuality {
		layout := ""
		if job.Quality != nil {
			layout = job.Quality.Layout
		}
		tail := intake.OCRRoute(job.Classification, layout, d.ocrMode)
		job.Route = append(append([]string{}, job.Route[:next]...), tail...)
		if err := d.store.ReplaceRoute(ctx, jobID, job.Route); err != nil {
			return err
		}
	}

	if next >= len(job.Route) {
		return d.complete(ctx, job, accumulated)
	}

	if err := d.store.SetResult(ctx, jobID, accumulated, job.DocumentID); err != nil {
		return err
	}
	job.Result = accumulated
	return d.enqueueStep(ctx, job, next, accumulated)
}

// complete terminates a route: registers the document, stores the result,
// marks COMPLETED, bumps the batch, and emits ingest.job.completed.
// Document registration happens at most once per job.
func (d *Dispatcher) complete(ctx context.Context, job *intake.IngestJob, result map[string]any) error {
	docID := job.DocumentID
	if docID == "" {
		var err error
		docID, err = d.registerDocument(ctx, job, result)
		if err != nil {
			return err
		}
	}

	if err := d.store.SetResult(ctx, job.JobID, result, docID); err != nil {
		return err
	}
	if err := d.store.UpdateStatus(ctx, job.JobID, intake.StatusCompleted); err != nil {
		return err
	}
	if job.BatchID != "" {
		if err := d.store.BumpBatch(ctx, job.BatchID, false); err != nil {
			return err
		}
	}

	d.bus.Emit(TopicJobCompleted, map[string]any{
		"job_id":      job.JobID,
		"filename":    job.Info.OriginalName,
		"document_id": docID,
	}, "ingest")
	log.WithFields(log.Fields{"job_id": job.JobID, "document_id": docID}).Info("ingest job completed")
	return nil
}

// registerDocument creates the document record and saves extracted text as
// pages: a "pages" list when the worker produced a multi-page structure,
// otherwise "text" becomes page 1.
func (d *Dispatcher) registerDocument(ctx context.Context, job *intake.IngestJob, result map[string]any) (string, error) {
	metadata := map[string]any{
		"ingest_job_id": job.JobID,
		"sha256":        job.Info.SHA256,
		"category":      string(job.Info.Category),
		"source_path":   job.Info.Path,
	}
	docID, err := d.documents.Create(ctx, job.Info.OriginalName, job.Info.MimeType, job.Info.Size, metadata)
	if err != nil {
		return "", err
	}

	pages := extractPages(result)
	if len(pages) > 0 {
		if err := d.documents.SavePages(ctx, docID, pages); err != nil {
			return "", err
		}
	}
	if err := d.documents.UpdateStatus(ctx, docID, document.StatusProcessed); err != nil {
		return "", err
	}
	return docID, nil
}

func (d *Dispatcher) onWorkerFailed(ctx context.Context, evt eventbus.Event) {
	jobID, _ := evt.Payload["job_id"].(string)
	errMsg, _ := evt.Payload["error"].(string)
	if jobID == "" {
		log.Warn("worker.job.failed without job_id")
		return
	}
	if err := d.retryOrBury(ctx, jobID, eventRouteIndex(evt.Payload), errMsg); err != nil {
		if errors.Is(err, intake.ErrJobNotFound) {
			return
		}
		log.WithError(err).WithField("job_id", jobID).Error("failure handling failed")
	}
}

// retryOrBury re-dispatches a failed job from the head of its route while
// retries remain, otherwise marks it DEAD. Failures reported for a step the
// route has already moved past are discarded, mirroring advance.
func (d *Dispatcher) retryOrBury(ctx context.Context, jobID string, routeIndex int, errMsg string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == intake.StatusDead || job.Status == intake.StatusCompleted {
		return nil
	}
	if routeIndex >= 0 && routeIndex != job.RouteIndex {
		log.WithFields(log.Fields{"job_id": jobID, "event_index": routeIndex, "route_index": job.RouteIndex}).
			Warn("stale step failure discarded")
		return nil
	}
	if err := d.store.SetError(ctx, jobID, errMsg); err != nil {
		return err
	}

	if job.CanRetry() {
		count, rErr := d.store.IncrementRetry(ctx, jobID)
		if rErr != nil {
			return rErr
		}
		log.WithFields(log.Fields{"job_id": jobID, "retry": count}).
			Warn("ingest step failed, retrying route from start")
		job.RetryCount = count
		return d.enqueueStep(ctx, job, 0, nil)
	}

	if err := d.store.UpdateStatus(ctx, jobID, intake.StatusDead); err != nil {
		return err
	}
	if job.BatchID != "" {
		if err := d.store.BumpBatch(ctx, job.BatchID, true); err != nil {
			return err
		}
	}
	// The stored file stays on disk for manual inspection of dead jobs.
	if _, sErr := os.Stat(job.Info.Path); sErr != nil {
		log.WithField("job_id", jobID).Warn("dead job's stored file is missing")
	}

	d.bus.Emit(TopicJobFailed, map[string]any{
		"job_id":   jobID,
		"filename": job.Info.OriginalName,
		"error":    errMsg,
	}, "ingest")
	log.WithFields(log.Fields{"job_id": jobID, "error": errMsg}).Error("ingest job dead")
	return nil
}

// eventRouteIndex reads the route index a worker event was produced for.
// Queue payloads round-trip through JSON, so the value may arrive as float64.
// -1 means the event carries no index (non-route pools such as embed).
func eventRouteIndex(payload map[string]any) int {
	switch v := payload["route_index"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return -1
}

// mergeResults folds a step result over the accumulated one. Overlapping
// keys take the newest value; the overwrite is logged since step contracts
// should not collide.
func mergeResults(jobID string, accumulated, step map[string]any) map[string]any {
	out := make(map[string]any, len(accumulated)+len(step))
	for k, v := range accumulated {
		out[k] = v
	}
	for k, v := range step {
		if _, exists := out[k]; exists {
			log.WithFields(log.Fields{"job_id": jobID, "key": k}).
				Warn("step result overwrites accumulated key")
		}
		out[k] = v
	}
	return out
}

// extractPages pulls page text from a worker result: "pages" as an ordered
// string list wins over a single "text" value.
func extractPages(result map[string]any) []string {
	if raw, ok := result["pages"].([]any); ok {
		var pages []string
		for _, p := range raw {
			if s, ok := p.(string); ok {
				pages = append(pages, s)
			}
		}
		if len(pages) > 0 {
			return pages
		}
	}
	if raw, ok := result["pages"].([]string); ok && len(raw) > 0 {
		return raw
	}
	if text, ok := result["text"].(string); ok && text != "" {
		return []string{text}
	}
	return nil
}
