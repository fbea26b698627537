// Package api assembles the HTTP surface: public health/auth endpoints and
// the JWT-protected shard routes.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arkhamlabs/arkham/internal/api/handlers"
	"github.com/arkhamlabs/arkham/internal/api/middleware"
	"github.com/arkhamlabs/arkham/internal/frame"
)

// availableEmbedModels is the advertised embedding model catalog.
var availableEmbedModels = []string{
	"nomic-embed-text",
	"mxbai-embed-large",
	"all-minilm",
	"text-embedding-3-small",
}

// NewRouter builds the chi router over an assembled frame.
func NewRouter(f *frame.Frame) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	// Public endpoints: probes, metrics, token issuance.
	r.Get("/health", healthHandler(f))
	r.Handle("/metrics", promhttp.Handler())
	authHandler := handlers.NewAuthHandler()
	r.Route("/auth", func(r chi.Router) {
		r.Post("/token", authHandler.Token)
	})

	resolve := handlers.CollectionResolver(f.ResolveCollection)
	ingest := handlers.NewIngestHandler(f.Intake, f.Dispatcher, f.Queue)
	embed := handlers.NewEmbedHandler(f.Embedder, f.Vectors, f.Queue, resolve, availableEmbedModels)
	parse := handlers.NewParseHandler(f.Parse)
	search := handlers.NewSearchHandler(f.Search, resolve)
	anomalies := handlers.NewAnomalyHandler(f.Anomalies, resolve)
	contradictions := handlers.NewContradictionHandler(f.Contradictions)
	documents := handlers.NewDocumentHandler(f.Documents)
	auditH := handlers.NewAuditHandler(f.Audit)

	// Everything under /api requires a Bearer JWT; mutating requests are
	// recorded in the audit trail.
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth)
		r.Use(middleware.Audit(f.Audit))

		r.Route("/ingest", func(r chi.Router) {
			r.Post("/upload", ingest.Upload)
			r.Post("/upload/batch", ingest.UploadBatch)
			r.Post("/ingest-path", ingest.IngestPath)
			r.Get("/jobs", ingest.ListJobs)
			r.Get("/job/{id}", ingest.GetJob)
			r.Post("/job/{id}/retry", ingest.RetryJob)
			r.Get("/batch/{id}", ingest.GetBatch)
			r.Get("/queue", ingest.QueueStats)
		})

		r.Route("/embed", func(r chi.Router) {
			r.Post("/text", embed.EmbedText)
			r.Post("/batch", embed.EmbedBatch)
			r.Post("/document/{id}", embed.EmbedDocument)
			r.Post("/nearest", embed.Nearest)
			r.Post("/model/switch", embed.SwitchModel)
			r.Post("/model/check-switch", embed.CheckSwitch)
			r.Get("/model/current", embed.CurrentModel)
			r.Get("/model/available", embed.AvailableModels)
			r.Get("/model/collections", embed.Collections)
		})

		r.Route("/parse", func(r chi.Router) {
			r.Post("/document/{id}", parse.ParseDocument)
			r.Post("/text", parse.ParseText)
			r.Post("/chunk", parse.ChunkText)
			r.Get("/config/chunking", parse.GetChunkConfig)
			r.Put("/config/chunking", parse.UpdateChunkConfig)
			r.Get("/entities", parse.Entities)
		})

		r.Route("/search", func(r chi.Router) {
			r.Post("/", search.Search)
			r.Post("/semantic", search.Semantic)
			r.Post("/keyword", search.Keyword)
			r.Get("/suggest", search.Suggest)
			r.Get("/similar/{doc_id}", search.Similar)
			r.Get("/filters", search.Filters)
			r.Post("/chat", search.Chat)
			r.Post("/ai/feedback", search.Feedback)
			r.Post("/regex", search.RegexSearch)
			r.Post("/regex/validate", search.ValidatePattern)
			r.Get("/regex/presets", search.Presets)
			r.Post("/regex/presets", search.SavePreset)
			r.Get("/regex/history", search.History)
		})

		r.Route("/anomalies", func(r chi.Router) {
			r.Post("/detect", anomalies.DetectAll)
			r.Post("/document/{id}", anomalies.DetectDocument)
			r.Get("/list", anomalies.List)
			r.Get("/stats", anomalies.Stats)
			r.Post("/bulk-status", anomalies.BulkStatus)
			r.Get("/{id}", anomalies.Get)
			r.Put("/{id}/status", anomalies.UpdateStatus)
			r.Post("/{id}/notes", anomalies.AddNote)
		})

		r.Route("/contradictions", func(r chi.Router) {
			r.Post("/analyze", contradictions.Analyze)
			r.Post("/batch", contradictions.AnalyzeBatch)
			r.Get("/list", contradictions.List)
			r.Get("/chains", contradictions.Chains)
			r.Post("/detect-chains", contradictions.DetectChains)
			r.Get("/{id}", contradictions.Get)
			r.Put("/{id}/status", contradictions.UpdateStatus)
		})

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", documents.List)
			r.Get("/{id}", documents.Get)
			r.Get("/{id}/pages", documents.Pages)
			r.Delete("/{id}", documents.Delete)
			r.Put("/{id}/project", documents.AssignProject)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", documents.Projects)
			r.Post("/", documents.CreateProject)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", auditH.List)
			r.Get("/{id}", auditH.Get)
		})
	})

	return r
}

// healthHandler reports overall service health. The database is required;
// an unreachable LLM provider degrades the service instead of failing it.
func healthHandler(f *frame.Frame) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if err := f.DB.PingContext(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"unreachable"}`)) //nolint:errcheck
			return
		}

		degraded := false
		llmStatus := "ok"
		if err := f.LLM.HealthCheck(ctx); err != nil {
			degraded = true
			llmStatus = "unreachable"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		body := `{"status":"ok","database":"ok","llm":"` + llmStatus + `","degraded":false}`
		if degraded {
			body = `{"status":"ok","database":"ok","llm":"` + llmStatus + `","degraded":true}`
		}
		w.Write([]byte(body)) //nolint:errcheck
	}
}
