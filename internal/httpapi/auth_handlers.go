package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"gallery.dev/internal/audit"
	"gallery.dev/internal/auth"
	"gallery.dev/internal/gallery"
)

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type meResponse struct {
	UserID uuid.UUID    `json:"userId"`
	Name   string       `json:"name"`
	Claims []auth.Claim `json:"claims"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	req, ok := body[tokenRequest](w, r)
	if !ok {
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	id, err := a.Claims.Authenticate(r.Context(), email, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.token.denied", map[string]any{"email": email})
		handleServiceError(w, r, err)
		return
	}
	token, expiresAt, err := a.Tokens.Issue(id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user_id":    id.UserID.String(),
		"claims":     len(id.Claims),
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, err := gallery.Caller(r.Context())
	if err != nil {
		handleServiceError(w, r, auth.ErrUnauthorized)
		return
	}
	claims := id.Claims
	if claims == nil {
		claims = []auth.Claim{}
	}
	writeJSON(w, http.StatusOK, meResponse{UserID: id.UserID, Name: id.Name, Claims: claims})
}
