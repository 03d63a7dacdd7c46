package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"gallery.dev/internal/auth"
	"gallery.dev/internal/gallery"
	"gallery.dev/internal/hub"
	"gallery.dev/internal/obs"
)

// membership attaches a fresh connection to its groups and detaches it.
type membership struct {
	join  func(ctx context.Context, id auth.Identity, connID string) error
	leave func(ctx context.Context, id auth.Identity, connID string) error
}

func (a *API) routeHubs() {
	if a.Main != nil && a.MainPresence != nil {
		p := a.MainPresence
		a.mux.HandleFunc("GET /hubs/main", a.streamHub(a.Main, membership{
			join: func(ctx context.Context, id auth.Identity, connID string) error {
				_, err := p.Connect(ctx, id, connID)
				return err
			},
			leave: p.Disconnect,
		}))
		a.mux.HandleFunc("POST /hubs/main/{conn}/exhibits/{id}/join", a.exhibitPresence(p.JoinExhibit))
		a.mux.HandleFunc("POST /hubs/main/{conn}/exhibits/{id}/leave", a.exhibitPresence(p.LeaveExhibit))
	}
	if a.Notifications != nil && a.NotificationPresence != nil {
		p := a.NotificationPresence
		a.mux.HandleFunc("GET /hubs/notifications", a.streamHub(a.Notifications, membership{
			join: p.ConnectPersonal,
		}))
	}
}

// streamHub serves one hub connection as a server-sent event stream. The
// first event is "Connected" carrying the connection id, which the client
// uses for join and leave calls.
func (a *API) streamHub(h *hub.Hub, m membership) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := gallery.Caller(r.Context())
		if err != nil {
			handleServiceError(w, r, auth.ErrUnauthorized)
			return
		}
		rc := http.NewResponseController(w)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		conn := h.Connect(ctx, id.UserID)
		if err := m.join(ctx, id, conn.ID); err != nil {
			handleServiceError(w, r, err)
			return
		}
		if m.leave != nil {
			defer func() {
				if err := m.leave(context.WithoutCancel(ctx), id, conn.ID); err != nil {
					obs.Log(ctx, obs.LevelWarn, "hub leave failed", map[string]any{"hub": h.Name(), "conn_id": conn.ID, "error": err})
				}
			}()
		}

		// Streams outlive the server's write timeout.
		_ = rc.SetWriteDeadline(time.Time{})
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		if err := hub.WriteEvent(w, hub.Message{Method: "Connected", Args: []any{conn.ID}}); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			obs.Log(ctx, obs.LevelError, "streaming unsupported", map[string]any{"hub": h.Name(), "error": err})
			return
		}
		obs.Log(ctx, obs.LevelInfo, "hub connected", map[string]any{"hub": h.Name(), "conn_id": conn.ID, "user_id": id.UserID.String()})

		keepalive := time.NewTicker(a.Keepalive)
		defer keepalive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-conn.Messages():
				if !ok {
					return
				}
				if err := hub.WriteEvent(w, msg); err != nil {
					return
				}
			case <-keepalive.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// exhibitPresence applies fn to a main hub connection owned by the caller.
func (a *API) exhibitPresence(fn func(ctx context.Context, connID string, exhibitID uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := gallery.Caller(r.Context())
		if err != nil {
			handleServiceError(w, r, auth.ErrUnauthorized)
			return
		}
		exhibitID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		connID := r.PathValue("conn")
		conn, ok := a.Main.Conn(connID)
		if !ok || conn.UserID != id.UserID {
			handleServiceError(w, r, fmt.Errorf("%w: %s", hub.ErrUnknownConnection, connID))
			return
		}
		respond(w, r, http.StatusNoContent, nil, fn(r.Context(), connID, exhibitID))
	}
}
