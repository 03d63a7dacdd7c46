package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"gallery.dev/internal/auth"
	"gallery.dev/internal/authz"
	"gallery.dev/internal/events"
	"gallery.dev/internal/gallery"
	"gallery.dev/internal/hub"
	"gallery.dev/internal/notify"
	"gallery.dev/internal/presence"
	"gallery.dev/internal/store"
	"gallery.dev/internal/store/memory"
)

const testPassword = "correct horse"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *memory.Store
	admin   store.User
	viewer  store.User
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	bus := events.NewBus()
	st := memory.New(bus)
	main, notifications := hub.New("main", 16), hub.New("notifications", 16)
	d, err := notify.New(st, map[notify.Channel]notify.Sender{
		notify.Main:          main,
		notify.Notifications: notifications,
	}, notify.Routes())
	if err != nil {
		t.Fatalf("notify.New: %v", err)
	}
	d.Register(bus)

	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	adminRole := store.Role{ID: uuid.New(), Name: "Administrator", Scope: store.ScopeSystem, AllPermissions: true, Immutable: true}
	c := &apiClient{
		t:      t,
		store:  st,
		admin:  store.User{ID: uuid.New(), Name: "Admin", Email: "admin@example.org", PasswordHash: hash, RoleID: store.Ref(adminRole.ID)},
		viewer: store.User{ID: uuid.New(), Name: "Viewer", Email: "viewer@example.org", PasswordHash: hash},
	}
	err = st.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, e := range []store.Entity{adminRole, c.admin, c.viewer} {
			if err := tx.Put(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	tokens, err := auth.NewTokens("test-secret", "gallery-test", time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	engine := authz.New(st)
	api := New(Deps{
		Ready:                ReadyCheck{Store: st},
		Gallery:              gallery.New(st, engine),
		Tokens:               tokens,
		Claims:               auth.NewClaimsBuilder(st),
		Main:                 main,
		Notifications:        notifications,
		MainPresence:         presence.New(st, engine, main),
		NotificationPresence: presence.New(st, engine, notifications),
		Version:              "test",
		Keepalive:            time.Minute,
		RateBurst:            1000,
		RatePerSec:           1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	c.baseURL, c.client = srv.URL, srv.Client()
	return c
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(email string) string {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/token", map[string]any{
		"email":    email,
		"password": testPassword,
	}, "")
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body bytes.Buffer
		_, _ = body.ReadFrom(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body.String())
	}
}

func TestAPIExhibitFlow(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("admin@example.org")

	resp := api.do(http.MethodPost, "/v1/collections", map[string]any{"name": "Harbour"}, admin)
	expectStatus(t, resp, http.StatusCreated)
	collection := decode[store.Collection](t, resp)

	resp = api.do(http.MethodPost, "/v1/exhibits", map[string]any{"collectionId": collection.ID, "name": "Spring"}, admin)
	expectStatus(t, resp, http.StatusCreated)
	exhibit := decode[store.Exhibit](t, resp)

	resp = api.do(http.MethodPost, "/v1/exhibits/"+exhibit.ID.String()+"/teams", map[string]any{"name": "Blue"}, admin)
	expectStatus(t, resp, http.StatusCreated)
	team := decode[store.Team](t, resp)
	if team.ExhibitID != exhibit.ID {
		t.Fatalf("team exhibit = %s, want %s", team.ExhibitID, exhibit.ID)
	}

	resp = api.do(http.MethodPost, "/v1/teams/"+team.ID.String()+"/users", map[string]any{"userId": api.viewer.ID}, admin)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/collections/"+collection.ID.String()+"/articles", map[string]any{"name": "Dispatch", "move": 0, "inject": 0}, admin)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/exhibits/"+exhibit.ID.String()+"/release", map[string]any{"move": 0, "inject": 0}, admin)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]int](t, resp)["released"]; got != 1 {
		t.Fatalf("released = %d, want 1", got)
	}

	viewer := api.obtainToken("viewer@example.org")
	resp = api.do(http.MethodGet, "/v1/exhibits", nil, viewer)
	expectStatus(t, resp, http.StatusOK)
	exhibits := decode[listResponse[store.Exhibit]](t, resp)
	if len(exhibits.Items) != 1 || exhibits.Items[0].ID != exhibit.ID {
		t.Fatalf("viewer exhibits = %+v", exhibits.Items)
	}

	resp = api.do(http.MethodGet, "/v1/exhibits/"+exhibit.ID.String()+"/my-articles", nil, viewer)
	expectStatus(t, resp, http.StatusOK)
	mine := decode[listResponse[store.UserArticle]](t, resp)
	if len(mine.Items) != 1 {
		t.Fatalf("my articles = %d, want 1", len(mine.Items))
	}

	resp = api.do(http.MethodPut, "/v1/user-articles/"+mine.Items[0].ID.String()+"/read", map[string]any{"isRead": true}, viewer)
	expectStatus(t, resp, http.StatusOK)
	if !decode[store.UserArticle](t, resp).IsRead {
		t.Fatal("article not marked read")
	}

	resp = api.do(http.MethodDelete, "/v1/collections/"+collection.ID.String(), nil, admin)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/collections", map[string]any{"name": "x"}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	errBody := decode[map[string]any](t, resp)
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}

	resp = api.do(http.MethodGet, "/v1/me", nil, "not-a-token")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestAPIForbidsWithoutPermission(t *testing.T) {
	api := newTestAPI(t)
	viewer := api.obtainToken("viewer@example.org")

	resp := api.do(http.MethodPost, "/v1/collections", map[string]any{"name": "x"}, viewer)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/me", nil, viewer)
	expectStatus(t, resp, http.StatusOK)
	me := decode[meResponse](t, resp)
	if me.UserID != api.viewer.ID || len(auth.Identity{Claims: me.Claims}.SystemPermissions()) != 0 {
		t.Fatalf("unexpected me: %+v", me)
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/auth/token", map[string]any{"email": ""}, "")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/auth/token", map[string]any{"email": "admin@example.org", "password": "nope"}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/auth/token", map[string]any{"email": "a", "password": "b", "extra": 1}, "")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestBadPathIDRejected(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("admin@example.org")

	resp := api.do(http.MethodGet, "/v1/collections/not-a-uuid", nil, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/collections/"+uuid.NewString(), nil, admin)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

type sseEvent struct {
	name string
	data string
}

// readEvents parses the stream into events until the body closes.
func readEvents(body *bufio.Reader, out chan<- sseEvent) {
	defer close(out)
	var ev sseEvent
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			out <- ev
			ev = sseEvent{}
		}
	}
}

func nextEvent(t *testing.T, ch <-chan sseEvent, name string) sseEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before %s", name)
			}
			if ev.name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func TestMainHubStreamsChanges(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("admin@example.org")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/hubs/main?access_token="+admin, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	stream := make(chan sseEvent, 16)
	go readEvents(bufio.NewReader(resp.Body), stream)

	var args []string
	if err := json.Unmarshal([]byte(nextEvent(t, stream, "Connected").data), &args); err != nil || len(args) != 1 {
		t.Fatalf("connected args: %v %v", args, err)
	}
	if !strings.HasPrefix(args[0], "conn_") {
		t.Fatalf("connection id = %q", args[0])
	}

	created := api.do(http.MethodPost, "/v1/collections", map[string]any{"name": "Live"}, admin)
	expectStatus(t, created, http.StatusCreated)
	collection := decode[store.Collection](t, created)

	ev := nextEvent(t, stream, "CollectionCreated")
	if !strings.Contains(ev.data, collection.ID.String()) {
		t.Fatalf("event payload %s does not name %s", ev.data, collection.ID)
	}
}

func TestExhibitJoinRequiresOwnConnection(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("admin@example.org")

	resp := api.do(http.MethodPost, "/hubs/main/conn_missing/exhibits/"+uuid.NewString()+"/join", nil, admin)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
