package handlers

import (
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"

	pkgauth "github.com/arkhamlabs/arkham/pkg/auth"
)

// envAPIKeyHash holds a bcrypt hash of the operator API key. When set,
// token issuance requires the matching key; when unset, tokens are issued
// freely (development mode).
const envAPIKeyHash = "ARKHAM_API_KEY_HASH"

// AuthHandler issues API tokens. There is no user store: identity is
// caller-asserted and the token binds an optional project scope.
type AuthHandler struct{}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

// tokenRequest is the JSON body for POST /auth/token.
type tokenRequest struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
}

// tokenResponse is the JSON response for POST /auth/token.
type tokenResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`
}

// Token handles POST /auth/token.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if hash := os.Getenv(envAPIKeyHash); hash != "" {
		if !pkgauth.VerifyPassword(hash, req.APIKey) {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
	} else {
		log.WithField("user_id", req.UserID).Warn("issuing token without api key check; set " + envAPIKeyHash)
	}

	token, err := pkgauth.GenerateJWT(req.UserID, req.ProjectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, UserID: req.UserID, ProjectID: req.ProjectID})
}
