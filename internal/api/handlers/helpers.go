// Package handlers holds the HTTP handlers, one file per shard.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/arkhamlabs/arkham/internal/api/ctxkeys"
)

// paginationParams holds parsed limit and offset values.
type paginationParams struct {
	Limit  int
	Offset int
}

const (
	defaultPaginationLimit = 25
	maxPaginationLimit     = 100
)

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError writes the shared error envelope: a concise message plus a
// machine-readable code.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  codeForStatus(status),
	})
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "dependency_unavailable"
	default:
		return "internal"
	}
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parsePaginationParams extracts and validates limit/offset query params.
func parsePaginationParams(r *http.Request) paginationParams {
	limit := defaultPaginationLimit
	offset := 0

	if lim, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && lim > 0 {
		if lim > maxPaginationLimit {
			lim = maxPaginationLimit
		}
		limit = lim
	}
	if off, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && off >= 0 {
		offset = off
	}
	return paginationParams{Limit: limit, Offset: offset}
}

// userID retrieves the authenticated user from context.
func userID(r *http.Request) (string, error) {
	id := ctxkeys.String(r.Context(), ctxkeys.UserID)
	if id == "" {
		return "", errors.New("user_id not found in context")
	}
	return id, nil
}

// projectID retrieves the request's project binding ("" = all projects).
// A token bound to a project always wins; an unbound token may narrow its
// scope per request with the X-Arkham-Project header.
func projectID(r *http.Request) string {
	if id := ctxkeys.String(r.Context(), ctxkeys.ProjectID); id != "" {
		return id
	}
	return r.Header.Get("X-Arkham-Project")
}
