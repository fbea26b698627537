package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/arkhamlabs/arkham/internal/api/ctxkeys"
	domainaudit "github.com/arkhamlabs/arkham/internal/domain/audit"
)

// AuditLogger is the minimal contract used by Audit.
// domainaudit.Service satisfies this interface.
type AuditLogger interface {
	LogAction(ctx context.Context, actorID string, actorType domainaudit.ActorType,
		action, entityType, entityID string, details any, outcome domainaudit.Outcome) error
}

// Audit logs mutating HTTP requests into frame_audit_log.
// Expected order in router: Auth -> Audit -> handlers.
func Audit(logger AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logger == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r)

			actorID := ctxkeys.String(r.Context(), ctxkeys.UserID)
			if actorID == "" {
				return
			}
			action, entityType, entityID := actionFromRequest(r.Method, r.URL.Path)
			_ = logger.LogAction(r.Context(), actorID, domainaudit.ActorTypeUser,
				action, entityType, entityID,
				map[string]any{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status_code": recorder.statusCode,
					"duration_ms": time.Since(start).Milliseconds(),
				},
				outcomeFromStatus(recorder.statusCode))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Flush keeps the wrapped writer usable for SSE streaming.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// actionFromRequest derives "shard.verb" plus entity type/id from the path,
// e.g. PUT /api/anomalies/{id}/status -> ("anomalies.put", "anomalies", id).
func actionFromRequest(method, path string) (action, entityType, entityID string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// Expect api/<shard>/...
	if len(parts) < 2 || parts[0] != "api" {
		return strings.ToLower(method) + " " + path, "", ""
	}
	shard := parts[1]
	action = shard + "." + strings.ToLower(method)
	entityType = shard
	if len(parts) > 2 {
		entityID = parts[2]
	}
	return action, entityType, entityID
}

func outcomeFromStatus(status int) domainaudit.Outcome {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domainaudit.OutcomeDenied
	case status >= 400:
		return domainaudit.OutcomeError
	default:
		return domainaudit.OutcomeSuccess
	}
}
