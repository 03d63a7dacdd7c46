package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"gallery.dev/internal/auth"
	"gallery.dev/internal/gallery"
	"gallery.dev/internal/hub"
	"gallery.dev/internal/obs"
	"gallery.dev/internal/presence"
	"gallery.dev/internal/store"
)

const serviceName = "gallery-api"

// ReadyCheck reports whether the backing store answers.
type ReadyCheck struct {
	Store store.Store
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Ready         ReadyCheck
	Gallery       *gallery.Service
	Tokens        *auth.Tokens
	Claims        *auth.ClaimsBuilder
	Main          *hub.Hub
	Notifications *hub.Hub
	// MainPresence joins main hub connections to their groups;
	// NotificationPresence does the same for the notifications hub.
	MainPresence         *presence.Service
	NotificationPresence *presence.Service
	Version              string
	Keepalive            time.Duration
	RateBurst            int
	RatePerSec           int
	MaxBodyBytes         int64
}

// API is the HTTP layer.
type API struct {
	Deps
	mux     *http.ServeMux
	handler http.Handler
}

func New(d Deps) *API {
	if d.Keepalive <= 0 {
		d.Keepalive = 15 * time.Second
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 50
	}
	if d.RatePerSec <= 0 {
		d.RatePerSec = 25
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}
	a := &API{Deps: d, mux: http.NewServeMux()}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("GET /v1/me", a.handleMe)

	a.routeContent()
	a.routeTeams()
	a.routeAccess()
	a.routeHubs()

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	limited := RateLimit(MaxBodyBytes(a.withAuth(a.mux), d.MaxBodyBytes), d.RateBurst, d.RatePerSec)
	a.handler = obs.Instrument(RequestID(LoggingJSON(SecurityHeaders(CORS(limited)))))
	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	return a.handler
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.Deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := obs.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleServiceError maps service errors onto status codes. Unknown errors
// are logged and reported as 500 without detail.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gallery.ErrForbidden), errors.Is(err, presence.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		w.Header().Set("WWW-Authenticate", `Bearer realm="gallery"`)
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, hub.ErrUnknownConnection):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		obs.Log(r.Context(), obs.LevelError, "request failed", map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// pathID parses the named path wildcard as a uuid, answering 400 otherwise.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(r.PathValue(name)))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, name+" must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

// body decodes the request into a T, answering 400 on failure.
func body[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := decodeJSON(r, &v); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return v, false
	}
	return v, true
}

// respond writes v with code, or maps err.
func respond(w http.ResponseWriter, r *http.Request, code int, v any, err error) {
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if code == http.StatusNoContent {
		w.WriteHeader(code)
		return
	}
	writeJSON(w, code, v)
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func list[T any](w http.ResponseWriter, r *http.Request, items []T, err error) {
	if items == nil {
		items = []T{}
	}
	respond(w, r, http.StatusOK, listResponse[T]{Items: items}, err)
}
