// Package frame assembles the shard services around their shared
// infrastructure: one database, one event bus, one job queue, one vector
// store, one LLM provider. Shards receive the container instead of reaching
// for globals.
package frame

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/arkhamlabs/arkham/internal/domain/anomaly"
	"github.com/arkhamlabs/arkham/internal/domain/audit"
	"github.com/arkhamlabs/arkham/internal/domain/contradiction"
	"github.com/arkhamlabs/arkham/internal/domain/dispatch"
	"github.com/arkhamlabs/arkham/internal/domain/document"
	"github.com/arkhamlabs/arkham/internal/domain/embed"
	"github.com/arkhamlabs/arkham/internal/domain/intake"
	"github.com/arkhamlabs/arkham/internal/domain/parse"
	"github.com/arkhamlabs/arkham/internal/domain/queue"
	"github.com/arkhamlabs/arkham/internal/domain/search"
	"github.com/arkhamlabs/arkham/internal/domain/vector"
	"github.com/arkhamlabs/arkham/internal/domain/worker"
	"github.com/arkhamlabs/arkham/internal/infra/config"
	"github.com/arkhamlabs/arkham/internal/infra/eventbus"
	"github.com/arkhamlabs/arkham/internal/infra/llm"
	"github.com/arkhamlabs/arkham/internal/infra/sqlite"
)

// Frame is the explicit service container handed to shards.
type Frame struct {
	Config config.Config

	DB       *sql.DB
	Bus      eventbus.Bus
	Queue    *queue.Service
	Vectors  *vector.Store
	LLM      llm.LLMProvider
	Embedder *embed.Manager

	Documents      *document.Service
	DocEmbedder    *embed.DocumentEmbedder
	Intake         *intake.Manager
	Dispatcher     *dispatch.Dispatcher
	Parse          *parse.Service
	Search         *search.Service
	Anomalies      *anomaly.Service
	Contradictions *contradiction.Service
	Audit          *audit.Service

	workerCancel context.CancelFunc
	workerWG     sync.WaitGroup
	subs         []*eventbus.Subscription
}

// New builds the container: opens and migrates the database, constructs the
// provider, and wires every shard service. Nothing runs until Start.
func New(cfg config.Config) (*Frame, error) {
	for _, dir := range []string{cfg.StoragePath, cfg.TempPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("frame: create %s: %w", dir, err)
		}
	}

	db, err := sqlite.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("frame: open database: %w", err)
	}
	if err := sqlite.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("frame: migrate: %w", err)
	}

	provider, err := newProvider(cfg.LLM)
	if err != nil {
		db.Close()
		return nil, err
	}

	bus := eventbus.New()
	vectors := vector.NewStore(db)

	embedder, err := embed.NewManager(provider, vectors, bus,
		cfg.Embed.Model, cfg.Embed.Device, cfg.Embed.BatchSize, cfg.Embed.CacheSize, cfg.Embed.Normalize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("frame: embed manager: %w", err)
	}

	documents := document.NewService(db)
	q := queue.NewService(db, cfg.Worker.MaxRetries)
	intakeStore := intake.NewStore(db)
	dispatcher := dispatch.New(q, intakeStore, documents, bus, cfg.OCRMode)
	ingest := intake.NewManager(intakeStore, bus, dispatcher,
		cfg.StoragePath, cfg.TempPath, cfg.OCRMode, cfg.Worker.MaxRetries)

	parser := parse.NewService(db, documents, embedder, bus, parse.ChunkConfig{
		ChunkSize:    cfg.Parse.ChunkSize,
		ChunkOverlap: cfg.Parse.ChunkOverlap,
		Method:       cfg.Parse.ChunkMethod,
	})

	searcher := search.NewService(db, embedder, vectors, provider, bus, search.Config{
		RRFK:           cfg.Search.RRFK,
		SemanticWeight: cfg.Search.DefaultSemanticWeight,
		KeywordWeight:  cfg.Search.DefaultKeywordWeight,
	})

	anomalies := anomaly.NewService(db, embedder, vectors, bus, anomaly.Config{
		ZScoreThreshold:            cfg.Anomaly.ZScoreThreshold,
		MinClusterDistance:         cfg.Anomaly.MinClusterDistance,
		EntropyChunkSize:           cfg.Anomaly.EntropyChunkSize,
		EntropyThresholdSuspicious: cfg.Anomaly.EntropyThresholdSuspicious,
		EntropyThresholdHigh:       cfg.Anomaly.EntropyThresholdHigh,
		LSBSampleSize:              cfg.Anomaly.LSBSampleSize,
		ChiSquareThreshold:         cfg.Anomaly.ChiSquareThreshold,
		MaxFileSizeMB:              cfg.Anomaly.MaxFileSizeMB,
	})

	contradictions := contradiction.NewService(db, embedder, provider, bus, contradiction.Config{
		UseLLM: true,
	})

	f := &Frame{
		Config:         cfg,
		DB:             db,
		Bus:            bus,
		Queue:          q,
		Vectors:        vectors,
		LLM:            provider,
		Embedder:       embedder,
		Documents:      documents,
		DocEmbedder:    embed.NewDocumentEmbedder(db, embedder, vectors, bus),
		Intake:         ingest,
		Dispatcher:     dispatcher,
		Parse:          parser,
		Search:         searcher,
		Anomalies:      anomalies,
		Contradictions: contradictions,
		Audit:          audit.NewService(db),
	}
	return f, nil
}

func newProvider(cfg config.LLMConfig) (llm.LLMProvider, error) {
	switch cfg.Provider {
	case "", "ollama":
		return llm.NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("frame: openai provider requires an API key")
		}
		return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel, ""), nil
	default:
		return nil, fmt.Errorf("frame: unknown LLM provider %q", cfg.Provider)
	}
}

// Start wires the pipeline subscriptions and launches the in-process worker
// pools. The pipeline chains off the bus: a completed ingest job is parsed,
// a parsed document is embedded, an embedded document is scanned for
// anomalies. Each stage failure is logged and stops only that document.
func (f *Frame) Start(ctx context.Context) {
	f.Dispatcher.Start()

	if err := f.Search.SeedPresets(ctx); err != nil {
		log.WithError(err).Warn("regex preset seeding failed")
	}

	f.subscribe(dispatch.TopicJobCompleted, func(ctx context.Context, evt eventbus.Event) {
		docID, _ := evt.Payload["document_id"].(string)
		if docID == "" {
			return
		}
		if _, err := f.Parse.ParseDocument(ctx, docID); err != nil {
			log.WithError(err).WithField("document_id", docID).Error("pipeline parse failed")
		}
	})
	f.subscribe(parse.TopicDocumentCompleted, func(ctx context.Context, evt eventbus.Event) {
		docID, _ := evt.Payload["document_id"].(string)
		if docID == "" {
			return
		}
		if _, err := f.DocEmbedder.EmbedDocument(ctx, docID, search.DefaultCollection); err != nil {
			log.WithError(err).WithField("document_id", docID).Error("pipeline embed failed")
		}
	})
	f.subscribe(embed.TopicDocumentCompleted, func(ctx context.Context, evt eventbus.Event) {
		docID, _ := evt.Payload["document_id"].(string)
		if docID == "" {
			return
		}
		if _, err := f.Anomalies.DetectDocument(ctx, docID, search.DefaultCollection); err != nil {
			log.WithError(err).WithField("document_id", docID).Error("pipeline anomaly scan failed")
		}
	})

	workerCtx, cancel := context.WithCancel(ctx)
	f.workerCancel = cancel
	wcfg := worker.Config{
		LeaseTTL:          f.Config.Worker.LeaseTTL,
		HeartbeatInterval: f.Config.Worker.HeartbeatInterval,
		JobTimeout:        f.Config.Worker.JobTimeout,
	}
	pools := map[string]worker.Processor{
		"cpu-light":   worker.NewLightProcessor(),
		"cpu-extract": worker.NewExtractProcessor(f.Intake),
		"cpu-archive": worker.NewArchiveProcessor(f.Intake),
		"cpu-image":   worker.NewImagePrepProcessor(),
		"embed":       worker.ProcessorFunc(f.embedStep),
	}
	for pool, proc := range pools {
		runner := worker.NewRunner(f.Queue, f.Bus, pool, pool+"-1", proc, wcfg)
		f.workerWG.Add(1)
		go func() {
			defer f.workerWG.Done()
			runner.Run(workerCtx)
		}()
	}
}

// embedStep consumes the "embed" pool: async document embedding requested
// over the API rides the same queue as pipeline steps.
func (f *Frame) embedStep(ctx context.Context, job *queue.Job) (map[string]any, error) {
	docID, _ := job.Payload["document_id"].(string)
	if docID == "" {
		return nil, fmt.Errorf("frame: embed job %s missing document_id", job.JobID)
	}
	collection, _ := job.Payload["collection"].(string)
	if collection == "" {
		collection = search.DefaultCollection
	}
	n, err := f.DocEmbedder.EmbedDocument(ctx, docID, collection)
	if err != nil {
		return nil, err
	}
	return map[string]any{"document_id": docID, "chunks_embedded": n}, nil
}

func (f *Frame) subscribe(topic string, handler eventbus.Handler) {
	f.subs = append(f.subs, f.Bus.Subscribe(topic, handler))
}

// Close stops workers, detaches pipeline handlers, and closes the database.
func (f *Frame) Close() error {
	if f.workerCancel != nil {
		f.workerCancel()
		f.workerWG.Wait()
	}
	for _, sub := range f.subs {
		f.Bus.Unsubscribe(sub)
	}
	f.subs = nil
	return f.DB.Close()
}

// ResolveCollection maps a project binding to its vector collection. An empty
// project uses the shared collection under its logical name.
func (f *Frame) ResolveCollection(projectID, name string) string {
	if projectID == "" {
		return name
	}
	return fmt.Sprintf("project_%s_%s", projectID, name)
}
