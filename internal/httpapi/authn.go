package httpapi

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"gallery.dev/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	// EventSource cannot set headers, so hub streams may carry the token
	// in the query string instead.
	accessTokenParam = "access_token"
)

var publicPaths = []string{
	"/v1/auth/token",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
}

// withAuth resolves the bearer token into an identity on the request
// context. Non-public paths without a valid token get 401.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a.Tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || slices.Contains(publicPaths, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil && strings.HasPrefix(r.URL.Path, "/hubs/") {
			if q := strings.TrimSpace(r.URL.Query().Get(accessTokenParam)); q != "" {
				token, err = q, nil
			}
		}
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="gallery"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		id, err := a.Tokens.Parse(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="gallery", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
